package module

import (
	"time"

	"github.com/taikoxyz/raiko-sub001/model/proof"
)

// HostMetrics abstracts the instrumentation of the proving host so
// components can be tested with a noop implementation.
type HostMetrics interface {

	// RequestAdmitted is called when a new proof request enters the pool.
	RequestAdmitted(kind proof.Kind)

	// RequestDeduplicated is called when a submission attached to an
	// already known task instead of creating a new one.
	RequestDeduplicated()

	// TaskStarted/TaskFinished track the number of in-flight executions.
	TaskStarted()
	TaskFinished()

	// TaskFinalized is called once per task reaching a terminal status.
	TaskFinalized(status proof.TaskStatus)

	// ProveDuration records the wall-clock duration of one successful
	// backend proving round.
	ProveDuration(backend proof.BackendID, duration time.Duration)
}
