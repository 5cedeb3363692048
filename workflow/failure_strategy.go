package workflow

import "fmt"

// FailureStrategy governs what happens to a workflow's remaining tasks
// when one task fails fatally.
type FailureStrategy uint8

const (
	// StopOnFirstFailure cancels every non-terminal task and marks the
	// workflow Failed as soon as any task fails fatally. This is the
	// default when a workflow does not specify a strategy.
	StopOnFirstFailure FailureStrategy = iota

	// ContinueOnError lets unrelated tasks continue and marks every
	// transitive dependent of the failed task Skipped, exactly as
	// SkipDependents does; whether a dependent references the failed
	// task's result is not consulted.
	ContinueOnError

	// SkipDependents transitively marks every dependent of the failed
	// task Skipped, whether or not it references the failed result.
	SkipDependents
)

func (s FailureStrategy) String() string {
	switch s {
	case ContinueOnError:
		return "continue_on_error"
	case SkipDependents:
		return "skip_dependents"
	default:
		return "stop_on_first_failure"
	}
}

// ParseFailureStrategy converts the wire representation used in a
// workflow submission into a FailureStrategy. An empty string resolves
// to StopOnFirstFailure.
func ParseFailureStrategy(s string) (FailureStrategy, error) {
	switch s {
	case "", "stop_on_first_failure":
		return StopOnFirstFailure, nil
	case "continue_on_error":
		return ContinueOnError, nil
	case "skip_dependents":
		return SkipDependents, nil
	default:
		return 0, fmt.Errorf("unknown failure strategy: %s", s)
	}
}
