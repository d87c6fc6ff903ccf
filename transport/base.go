package transport

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"linkbridge/events"
	"linkbridge/protocol"
)

// base carries the listener registries, connection flag and options shared
// by every strategy.
type base struct {
	kind string
	log  *zap.Logger

	optsMu sync.RWMutex
	opts   Options

	connected atomic.Bool

	status   events.Registry[StatusListener]
	messages events.Registry[MessageListener]
}

func newBase(kind string, options Options) *base {
	opts := options.withDefaults()
	return &base{
		kind: kind,
		log:  opts.Logger.Named(kind),
		opts: opts,
	}
}

func (b *base) Type() string {
	return b.kind
}

func (b *base) IsConnected() bool {
	return b.connected.Load()
}

func (b *base) Config() map[string]any {
	return b.options().toMap()
}

func (b *base) UpdateConfig(values map[string]any) error {
	b.optsMu.Lock()
	defer b.optsMu.Unlock()
	next, err := b.opts.apply(values)
	if err != nil {
		return err
	}
	b.opts = next
	return nil
}

func (b *base) options() Options {
	b.optsMu.RLock()
	defer b.optsMu.RUnlock()
	return b.opts
}

func (b *base) AddStatusListener(listener StatusListener) uint64 {
	return b.status.Add(listener)
}

func (b *base) RemoveStatusListener(token uint64) {
	b.status.Remove(token)
}

func (b *base) AddMessageListener(listener MessageListener) uint64 {
	return b.messages.Add(listener)
}

func (b *base) RemoveMessageListener(token uint64) {
	b.messages.Remove(token)
}

func (b *base) markConnected(address string) {
	if !b.connected.CompareAndSwap(false, true) {
		return
	}
	b.log.Info("transport connected", zap.String("address", address))
	event := StatusEvent{Type: b.kind, Connected: true, Address: address}
	b.status.Notify(func(l StatusListener) { l.OnStatus(event) })
}

func (b *base) markDisconnected(err error) {
	if !b.connected.CompareAndSwap(true, false) {
		return
	}
	if err != nil {
		b.log.Warn("transport lost", zap.Error(err))
	} else {
		b.log.Info("transport disconnected")
	}
	event := StatusEvent{Type: b.kind, Connected: false, Err: err}
	b.status.Notify(func(l StatusListener) { l.OnStatus(event) })
}

// dispatch parses one inbound unit and notifies message listeners.
func (b *base) dispatch(raw []byte) {
	env, err := protocol.Parse(raw)
	if err != nil {
		b.log.Debug("dropping malformed inbound payload", zap.Error(err), zap.Int("bytes", len(raw)))
		return
	}
	b.deliver(env)
}

func (b *base) deliver(env *protocol.Envelope) {
	b.messages.Notify(func(l MessageListener) { l.OnMessage(env) })
}
