package background

import (
	"fmt"

	"eventrunner/internal/domain"
)

// MaxMessageLength bounds the diagnostic text attached to retry outcomes.
const MaxMessageLength = 4000

// Classify maps a raw invocation to the canonical task output.
func Classify(inv Invocation) domain.TaskOutput {
	if inv.Kind == ShortCircuited {
		return domain.TaskOutput{Result: domain.ResultSkip, Message: inv.SkipMessage}
	}

	out := domain.TaskOutput{Runtime: seconds(inv)}
	switch inv.Kind {
	case Completed:
		resp := inv.Response
		switch resp.Status {
		case domain.ResultSuccess:
			out.Result = domain.ResultSuccess
		case domain.ResultSkip, domain.ResultFail:
			out.Result = resp.Status
			out.Message = resp.Output
		case domain.ResultReschedule:
			countdown := resp.Countdown
			if countdown <= 0 {
				countdown = domain.DefaultRescheduleCountdown
			}
			out.Result = domain.ResultReschedule
			out.Countdown = &countdown
		case domain.ResultRetry:
			out.Result = domain.ResultRetry
			out.Message = truncate(resp.Output)
			if out.Message == "" {
				out.Message = "retry requested by handler"
			}
		default:
			out.Result = domain.ResultRetry
			out.Message = truncate(fmt.Sprintf("unsupported result status: %q", resp.Status))
		}
	case DeadlineExceeded:
		out.Result = domain.ResultRetry
		out.Message = fmt.Sprintf("task exceeded its timeout of %s", inv.Budget)
	default:
		out.Result = domain.ResultRetry
		detail := inv.Detail
		if detail == "" && inv.Err != nil {
			detail = inv.Err.Error()
		}
		if detail == "" {
			detail = "task attempt failed"
		}
		out.Message = truncate(detail)
	}
	return out
}

func seconds(inv Invocation) *float64 {
	s := inv.Runtime.Seconds()
	if s < 0 {
		s = 0
	}
	return &s
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= MaxMessageLength {
		return s
	}
	return string(r[:MaxMessageLength])
}
