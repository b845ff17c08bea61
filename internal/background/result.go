package background

import "eventrunner/internal/domain"

// BuildResult assembles the message reported for task. The scoped API key
// is left out: credentials never travel back to the orchestrator.
func BuildResult(task domain.Task, output domain.TaskOutput) domain.Result {
	opts := task.Options
	opts.APIKey = ""
	return domain.Result{
		Options: opts,
		Input:   task.Input,
		Output:  output,
	}
}
