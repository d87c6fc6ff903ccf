package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"linkbridge/protocol"
)

const (
	discoveredCacheSize = 128
	discoveredCacheTTL  = 10 * time.Minute
)

// Handler processes one inbound envelope from peer. A non-nil reply is sent
// back to the peer; when the envelope carried a requestId and the handler
// returns no reply, a success response is sent instead.
type Handler func(peer Peer, env *protocol.Envelope) (reply *protocol.Envelope, err error)

// RouterOptions configures a Router.
type RouterOptions struct {
	Logger  *zap.Logger
	Metrics *Metrics
	// DiscoveredTTL bounds how long a reported device stays listed.
	DiscoveredTTL time.Duration
}

// Router parses inbound units, dispatches them by type and fans envelopes
// out to peers through the delivery queue.
type Router struct {
	registry *Registry
	queue    *DeliveryQueue
	log      *zap.Logger
	metrics  *Metrics

	discovered *expirable.LRU[string, map[string]any]

	mu          sync.RWMutex
	handlers    map[string]Handler
	discovering bool
}

// NewRouter returns a router with the built-in handlers installed.
func NewRouter(registry *Registry, queue *DeliveryQueue, options RouterOptions) *Router {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.DiscoveredTTL <= 0 {
		options.DiscoveredTTL = discoveredCacheTTL
	}
	r := &Router{
		registry:   registry,
		queue:      queue,
		log:        options.Logger.Named("router"),
		metrics:    options.Metrics,
		discovered: expirable.NewLRU[string, map[string]any](discoveredCacheSize, nil, options.DiscoveredTTL),
		handlers:   make(map[string]Handler),
	}
	r.registerDefaults()
	return r
}

// RegisterHandler installs fn for msgType, replacing any previous handler.
// A nil fn removes the handler.
func (r *Router) RegisterHandler(msgType string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.handlers, msgType)
		return
	}
	r.handlers[msgType] = fn
}

// Handle parses exactly one envelope from raw (text, bytes or a decoded
// object) sent by peerID and dispatches it.
func (r *Router) Handle(peerID string, raw any) {
	env, err := protocol.Parse(raw)
	if err != nil {
		r.log.Warn("invalid message", zap.String("client_id", peerID), zap.Error(err))
		r.registry.Touch(peerID)
		r.send(peerID, protocol.NewError(protocol.ErrorCodeInvalidMessage, err.Error()))
		return
	}
	r.HandleEnvelope(peerID, env)
}

// HandleEnvelope dispatches an already parsed envelope.
func (r *Router) HandleEnvelope(peerID string, env *protocol.Envelope) {
	r.registry.Touch(peerID)
	r.metrics.observeMessage(env.Type)
	if r.queue != nil && r.queue.Len(peerID) > 0 {
		r.queue.Flush(peerID)
	}

	peer, ok := r.registry.Get(peerID)
	if !ok {
		r.log.Debug("message from unregistered client", zap.String("client_id", peerID), zap.String("type", env.Type))
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
		r.log.Warn("unknown message type", zap.String("client_id", peerID), zap.String("type", env.Type))
		if env.ExpectsResponse() {
			r.send(peerID, protocol.NewResponse(env.RequestID, false, err.Error()))
		}
		return
	}

	reply, err := handler(peer, env)
	switch {
	case err != nil:
		r.log.Warn("handle message failed",
			zap.String("client_id", peerID),
			zap.String("type", env.Type),
			zap.Error(err),
		)
		if env.ExpectsResponse() {
			r.send(peerID, protocol.NewResponse(env.RequestID, false, err.Error()))
		} else if errors.Is(err, ErrNoPrimary) {
			r.send(peerID, protocol.NewError(protocol.ErrorCodeNoPrimary, err.Error()))
		}
	case reply != nil:
		if env.ExpectsResponse() && reply.RequestID == nil {
			reply.WithRequestID(*env.RequestID)
		}
		r.send(peerID, reply)
	case env.ExpectsResponse() && env.Type != protocol.TypeResponse:
		r.send(peerID, protocol.NewResponse(env.RequestID, true, ""))
	}
}

// Welcome greets a newly accepted peer with its client id.
func (r *Router) Welcome(peerID string) {
	r.send(peerID, protocol.New(protocol.TypeConnectionEstablished, map[string]any{"clientId": peerID}))
}

// SendTo queues env for one peer.
func (r *Router) SendTo(peerID string, env *protocol.Envelope) error {
	if r.queue == nil {
		return ErrClosed
	}
	return r.queue.Enqueue(peerID, env)
}

func (r *Router) send(peerID string, env *protocol.Envelope) {
	if err := r.SendTo(peerID, env); err != nil {
		r.log.Debug("queue envelope failed", zap.String("client_id", peerID), zap.String("type", env.Type), zap.Error(err))
	}
}

// BroadcastToAll queues env for every peer except exclude and returns the
// number of recipients.
func (r *Router) BroadcastToAll(env *protocol.Envelope, exclude string) int {
	return r.fanOut(r.registry.Peers(), env, exclude)
}

// BroadcastToRole queues env for every peer holding role except exclude.
func (r *Router) BroadcastToRole(role Role, env *protocol.Envelope, exclude string) int {
	return r.fanOut(r.registry.PeersWithRole(role), env, exclude)
}

// BroadcastToViewers queues env for every peer that is not the primary
// device.
func (r *Router) BroadcastToViewers(env *protocol.Envelope, exclude string) int {
	primary, _ := r.registry.PrimaryDevice()
	var viewers []Peer
	for _, p := range r.registry.Peers() {
		if p.ID != primary.ID {
			viewers = append(viewers, p)
		}
	}
	return r.fanOut(viewers, env, exclude)
}

// SendToPrimaryDevice queues env for the primary device.
func (r *Router) SendToPrimaryDevice(env *protocol.Envelope) error {
	primary, ok := r.registry.PrimaryDevice()
	if !ok {
		return ErrNoPrimary
	}
	return r.SendTo(primary.ID, env)
}

func (r *Router) fanOut(peers []Peer, env *protocol.Envelope, exclude string) int {
	sent := 0
	for _, p := range peers {
		if p.ID == exclude {
			continue
		}
		// Each recipient gets its own copy; queued envelopes are never shared.
		if err := r.SendTo(p.ID, env.Clone()); err != nil {
			r.log.Debug("broadcast enqueue failed", zap.String("client_id", p.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// RecordDiscovered caches a device reported by a primary device or found
// through local discovery. The device must carry a deviceId.
func (r *Router) RecordDiscovered(device map[string]any) error {
	id, _ := device["deviceId"].(string)
	if id == "" {
		return fmt.Errorf("%w: discovered device without deviceId", protocol.ErrInvalidEnvelope)
	}
	r.discovered.Add(id, device)
	return nil
}

// DiscoveredDevices returns the devices reported through device_discovered
// that have not expired.
func (r *Router) DiscoveredDevices() []map[string]any {
	return r.discovered.Values()
}

// Discovering reports whether a viewer asked for device discovery.
func (r *Router) Discovering() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.discovering
}
