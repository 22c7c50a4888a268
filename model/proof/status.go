package proof

import "fmt"

// TaskStatus is the aggregate lifecycle state of a proof request.
//
// Transitions: Pending -> Running -> {Succeeded, Failed, Cancelled},
// plus Pending -> Cancelled. Terminal states never transition again,
// except that a Failed record may be reset to Pending by an explicit
// retry submission.
type TaskStatus uint8

const (
	TaskPending TaskStatus = iota
	TaskRunning
	TaskSucceeded
	TaskFailed
	TaskCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal returns true once the status can no longer change on its own.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}
