package metrics

import (
	"time"

	"github.com/taikoxyz/raiko-sub001/model/proof"
)

// NoopCollector satisfies module.HostMetrics without recording anything.
type NoopCollector struct{}

func NewNoopCollector() *NoopCollector { return &NoopCollector{} }

func (c *NoopCollector) RequestAdmitted(proof.Kind)                     {}
func (c *NoopCollector) RequestDeduplicated()                           {}
func (c *NoopCollector) TaskStarted()                                   {}
func (c *NoopCollector) TaskFinished()                                  {}
func (c *NoopCollector) TaskFinalized(proof.TaskStatus)                 {}
func (c *NoopCollector) ProveDuration(proof.BackendID, time.Duration)   {}
