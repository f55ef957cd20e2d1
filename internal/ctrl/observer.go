package ctrl

// Observer receives command-execution events for metrics collection. It
// mirrors the shape of the root package's Observer so a root-level
// implementation (e.g. MetricsObserver) satisfies it without either side
// importing the other.
type Observer interface {
	ObserveCommand(latencyNs uint64, success bool)
	ObserveBusy()
	ObserveAER()
	ObserveQueueDepth(depth uint32)
}

type noopObserver struct{}

func (noopObserver) ObserveCommand(uint64, bool) {}
func (noopObserver) ObserveBusy()                {}
func (noopObserver) ObserveAER()                 {}
func (noopObserver) ObserveQueueDepth(uint32)    {}

// SetObserver overrides the controller's metrics observer. A nil observer
// resets it to a no-op.
func (c *Controller) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	c.observer = o
}
