package module

import (
	"errors"

	"github.com/taikoxyz/raiko-sub001/module/irrecoverable"
)

// ErrMultipleStartup is returned when Start is called more than once on a
// startable component.
var ErrMultipleStartup = errors.New("component may only be started once")

// ReadyDoneAware provides an easy interface to wait for component startup
// and shutdown. Ready() closes when startup has completed, Done() closes
// when shutdown has completed.
type ReadyDoneAware interface {
	Ready() <-chan struct{}
	Done() <-chan struct{}
}

// Startable provides an interface to start a component. Once started,
// the component can be stopped by cancelling the given context.
type Startable interface {
	// Start starts the component. Any irrecoverable errors encountered
	// while the component is running should be thrown with the given
	// SignalerContext. This method should only be called once, and
	// subsequent calls will return ErrMultipleStartup.
	Start(irrecoverable.SignalerContext)
}
