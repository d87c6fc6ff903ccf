// Package connection selects, switches and falls back between transport
// strategies so callers see a single logical link to a peer.
package connection

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"linkbridge/events"
	"linkbridge/protocol"
	"linkbridge/transport"
)

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
)

// DefaultFallbackOrder is walked by SmartConnect after the preferred type.
var DefaultFallbackOrder = []string{
	transport.TypeTCP,
	transport.TypeWebSocket,
	transport.TypeHTTP,
	transport.TypeUDP,
}

var (
	// ErrUnknownStrategy indicates a type with no registered factory.
	ErrUnknownStrategy = errors.New("connection: unknown strategy")
	// ErrNoActiveStrategy indicates an operation that needs a selected strategy.
	ErrNoActiveStrategy = errors.New("connection: no active strategy")
	// ErrNoTransportAvailable is reported once every smart-connect candidate failed.
	ErrNoTransportAvailable = errors.New("connection: no transport available")
)

// Factory lazily constructs a strategy the first time its type is selected.
type Factory func() transport.Strategy

// MessageHandler receives inbound envelopes of one registered type.
type MessageHandler func(env *protocol.Envelope)

// Options configures a Coordinator.
type Options struct {
	// RetryAttempts is the number of connect attempts per strategy.
	RetryAttempts int
	// RetryDelay separates consecutive attempts.
	RetryDelay    time.Duration
	FallbackOrder []string
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = defaultRetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if len(o.FallbackOrder) == 0 {
		o.FallbackOrder = append([]string(nil), DefaultFallbackOrder...)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type instance struct {
	strategy      transport.Strategy
	statusToken   uint64
	messagesToken uint64
}

// Coordinator owns the strategy registry and the single active strategy.
type Coordinator struct {
	options Options
	log     *zap.Logger

	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]*instance
	active    *instance

	// connectMu serializes connect attempts so two strategies are never
	// connecting at once.
	connectMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]MessageHandler

	status   events.Registry[transport.StatusListener]
	messages events.Registry[transport.MessageListener]
}

// New creates an empty coordinator. Register factories before selecting.
func New(options Options) *Coordinator {
	opts := options.withDefaults()
	return &Coordinator{
		options:   opts,
		log:       opts.Logger.Named("coordinator"),
		factories: make(map[string]Factory),
		instances: make(map[string]*instance),
		handlers:  make(map[string]MessageHandler),
	}
}

func normalizeType(strategyType string) string {
	return strings.ToLower(strings.TrimSpace(strategyType))
}

// Register adds or replaces the factory for a strategy type.
func (c *Coordinator) Register(strategyType string, factory Factory) {
	key := normalizeType(strategyType)
	c.mu.Lock()
	c.factories[key] = factory
	c.mu.Unlock()
}

// RegisterStrategy adds an already constructed strategy under its own type.
func (c *Coordinator) RegisterStrategy(strategy transport.Strategy) {
	c.Register(strategy.Type(), func() transport.Strategy { return strategy })
}

// Types returns the registered type names in sorted order.
func (c *Coordinator) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.factories))
	for key := range c.factories {
		types = append(types, key)
	}
	sort.Strings(types)
	return types
}

// Strategy returns the instance for a type if it has been constructed.
func (c *Coordinator) Strategy(strategyType string) (transport.Strategy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[normalizeType(strategyType)]
	if !ok {
		return nil, false
	}
	return inst.strategy, true
}

// SelectStrategy makes strategyType the active strategy, constructing it on
// first use. A different, currently connected strategy is disconnected first.
func (c *Coordinator) SelectStrategy(strategyType string) (transport.Strategy, error) {
	key := normalizeType(strategyType)

	c.mu.Lock()
	inst, ok := c.instances[key]
	if !ok {
		factory, registered := c.factories[key]
		if !registered {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategyType)
		}
		strategy := factory()
		if strategy == nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %q factory returned nil", ErrUnknownStrategy, strategyType)
		}
		inst = &instance{strategy: strategy}
		inst.statusToken = strategy.AddStatusListener(transport.StatusFunc(func(event transport.StatusEvent) {
			c.forwardStatus(inst, event)
		}))
		inst.messagesToken = strategy.AddMessageListener(transport.MessageFunc(func(env *protocol.Envelope) {
			c.forwardMessage(inst, env)
		}))
		c.instances[key] = inst
	}
	previous := c.active
	c.active = inst
	c.mu.Unlock()

	if previous != nil && previous != inst && previous.strategy.IsConnected() {
		c.log.Info("switching transport",
			zap.String("from", previous.strategy.Type()),
			zap.String("to", inst.strategy.Type()),
		)
		if err := previous.strategy.Disconnect(); err != nil {
			c.log.Warn("disconnect previous transport failed", zap.String("type", previous.strategy.Type()), zap.Error(err))
		}
	}
	return inst.strategy, nil
}

// Active returns the active strategy or nil.
func (c *Coordinator) Active() transport.Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	return c.active.strategy
}

// ActiveType returns the active strategy type or "".
func (c *Coordinator) ActiveType() string {
	if active := c.Active(); active != nil {
		return active.Type()
	}
	return ""
}

// IsConnected reports whether the active strategy is connected.
func (c *Coordinator) IsConnected() bool {
	active := c.Active()
	return active != nil && active.IsConnected()
}

// ConnectWithRetry connects the active strategy, retrying with a fixed delay.
// It never returns an error: exhaustion is reported as false.
func (c *Coordinator) ConnectWithRetry(ctx context.Context, address string, port int) bool {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectWithRetry(ctx, address, port)
}

func (c *Coordinator) connectWithRetry(ctx context.Context, address string, port int) bool {
	strategy := c.Active()
	if strategy == nil {
		c.log.Warn("connect requested without an active strategy")
		return false
	}

	attempt := 0
	operation := func() error {
		attempt++
		c.log.Info("connect attempt",
			zap.String("type", strategy.Type()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.options.RetryAttempts),
			zap.String("address", address),
			zap.Int("port", port),
		)
		err := strategy.Connect(ctx, address, port)
		if err != nil {
			c.log.Warn("connect attempt failed",
				zap.String("type", strategy.Type()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.options.RetryDelay), uint64(c.options.RetryAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		c.log.Warn("transport exhausted retries",
			zap.String("type", strategy.Type()),
			zap.Int("attempts", attempt),
		)
		return false
	}
	return true
}

// SmartConnect tries preferred first, then each type of the fallback order,
// until one connects. Each failed candidate is left disconnected.
func (c *Coordinator) SmartConnect(ctx context.Context, address string, port int, preferred string) bool {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	for _, candidate := range c.candidates(preferred) {
		if ctx.Err() != nil {
			break
		}
		strategy, err := c.SelectStrategy(candidate)
		if err != nil {
			c.log.Debug("skipping unavailable transport", zap.String("type", candidate), zap.Error(err))
			continue
		}
		c.log.Info("smart connect trying transport", zap.String("type", candidate))
		if c.connectWithRetry(ctx, address, port) {
			c.log.Info("smart connect succeeded", zap.String("type", candidate))
			return true
		}
		if err := strategy.Disconnect(); err != nil {
			c.log.Warn("disconnect of failed transport returned error", zap.String("type", candidate), zap.Error(err))
		}
	}

	c.log.Error("no transport available", zap.String("address", address), zap.Int("port", port))
	event := transport.StatusEvent{Type: c.ActiveType(), Connected: false, Address: address, Err: ErrNoTransportAvailable}
	c.status.Notify(func(l transport.StatusListener) { l.OnStatus(event) })
	return false
}

func (c *Coordinator) candidates(preferred string) []string {
	seen := make(map[string]bool)
	var order []string
	add := func(strategyType string) {
		key := normalizeType(strategyType)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		order = append(order, key)
	}
	add(preferred)
	for _, strategyType := range c.options.FallbackOrder {
		add(strategyType)
	}
	return order
}

// Disconnect disconnects the active strategy, if any.
func (c *Coordinator) Disconnect() error {
	if active := c.Active(); active != nil {
		return active.Disconnect()
	}
	return nil
}

// Close disconnects every constructed strategy and detaches listeners.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	instances := make([]*instance, 0, len(c.instances))
	for _, inst := range c.instances {
		instances = append(instances, inst)
	}
	c.instances = make(map[string]*instance)
	c.active = nil
	c.mu.Unlock()

	var firstErr error
	for _, inst := range instances {
		inst.strategy.RemoveStatusListener(inst.statusToken)
		inst.strategy.RemoveMessageListener(inst.messagesToken)
		if err := inst.strategy.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Send transmits env over the active strategy.
func (c *Coordinator) Send(env *protocol.Envelope) error {
	active := c.Active()
	if active == nil {
		return ErrNoActiveStrategy
	}
	if !active.IsConnected() {
		return transport.ErrNotConnected
	}
	return active.Send(env)
}

// SendScreenFrame wraps raw frame bytes in a screen_frame envelope.
func (c *Coordinator) SendScreenFrame(frame []byte) error {
	return c.Send(protocol.New(protocol.TypeScreenFrame, map[string]any{
		"data": base64.StdEncoding.EncodeToString(frame),
		"size": len(frame),
	}))
}

// RegisterMessageHandler routes inbound envelopes of msgType to fn. A nil fn
// removes the handler.
func (c *Coordinator) RegisterMessageHandler(msgType string, fn MessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if fn == nil {
		delete(c.handlers, msgType)
		return
	}
	c.handlers[msgType] = fn
}

// AddStatusListener subscribes to status events of whichever strategy is active.
func (c *Coordinator) AddStatusListener(listener transport.StatusListener) uint64 {
	return c.status.Add(listener)
}

// RemoveStatusListener unsubscribes a status listener.
func (c *Coordinator) RemoveStatusListener(token uint64) {
	c.status.Remove(token)
}

// AddMessageListener subscribes to every inbound envelope of the active strategy.
func (c *Coordinator) AddMessageListener(listener transport.MessageListener) uint64 {
	return c.messages.Add(listener)
}

// RemoveMessageListener unsubscribes a message listener.
func (c *Coordinator) RemoveMessageListener(token uint64) {
	c.messages.Remove(token)
}

func (c *Coordinator) isActive(inst *instance) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == inst
}

func (c *Coordinator) forwardStatus(inst *instance, event transport.StatusEvent) {
	if !c.isActive(inst) {
		return
	}
	c.status.Notify(func(l transport.StatusListener) { l.OnStatus(event) })
}

func (c *Coordinator) forwardMessage(inst *instance, env *protocol.Envelope) {
	if !c.isActive(inst) {
		return
	}

	c.handlersMu.RLock()
	handler := c.handlers[env.Type]
	c.handlersMu.RUnlock()
	if handler != nil {
		handler(env)
	}
	c.messages.Notify(func(l transport.MessageListener) { l.OnMessage(env) })
}
