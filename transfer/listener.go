package transfer

// Listener observes transfer progress. Callbacks run on engine goroutines
// and must not block.
type Listener interface {
	OnProgress(rec Record)
	OnStatusChanged(rec Record, previous Status)
	// OnCompleted fires once a transfer reaches completed, failed or
	// cancelled.
	OnCompleted(rec Record, success bool)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Progress      func(rec Record)
	StatusChanged func(rec Record, previous Status)
	Completed     func(rec Record, success bool)
}

func (f ListenerFuncs) OnProgress(rec Record) {
	if f.Progress != nil {
		f.Progress(rec)
	}
}

func (f ListenerFuncs) OnStatusChanged(rec Record, previous Status) {
	if f.StatusChanged != nil {
		f.StatusChanged(rec, previous)
	}
}

func (f ListenerFuncs) OnCompleted(rec Record, success bool) {
	if f.Completed != nil {
		f.Completed(rec, success)
	}
}

func (e *Engine) notifyStatus(rec Record, previous Status) {
	e.listeners.Notify(func(l Listener) { l.OnStatusChanged(rec, previous) })
}

func (e *Engine) notifyCompleted(rec Record) {
	success := rec.Status == StatusCompleted
	e.listeners.Notify(func(l Listener) { l.OnCompleted(rec, success) })
}
