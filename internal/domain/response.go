package domain

const (
	DefaultRescheduleCountdown     = 30
	DefaultSlowRescheduleCountdown = 300
)

// ProcessingResponse is what an extension handler returns for a processed event.
type ProcessingResponse struct {
	Status    ResultType `json:"status"`
	Output    string     `json:"output,omitempty"`
	Countdown int        `json:"countdown,omitempty"`
}

func Done() ProcessingResponse {
	return ProcessingResponse{Status: ResultSuccess}
}

func Skip(output string) ProcessingResponse {
	return ProcessingResponse{Status: ResultSkip, Output: output}
}

func Fail(output string) ProcessingResponse {
	return ProcessingResponse{Status: ResultFail, Output: output}
}

// Reschedule asks the orchestrator to run the task again after countdown seconds.
func Reschedule(countdown int) ProcessingResponse {
	if countdown <= 0 {
		countdown = DefaultRescheduleCountdown
	}
	return ProcessingResponse{Status: ResultReschedule, Countdown: countdown}
}

// SlowReschedule is Reschedule for long running remote processes.
func SlowReschedule(countdown int) ProcessingResponse {
	if countdown <= 0 {
		countdown = DefaultSlowRescheduleCountdown
	}
	return ProcessingResponse{Status: ResultReschedule, Countdown: countdown}
}
