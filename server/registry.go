package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultInactivityTimeout = 5 * time.Minute
	defaultSweepInterval     = 5 * time.Minute
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger  *zap.Logger
	Metrics *Metrics

	// OnRemove runs after a peer leaves the registry, outside the registry lock.
	OnRemove func(peerID string)

	now func() time.Time
}

type entry struct {
	peer Peer
	conn Conn
}

// Registry tracks connected peers, their roles and liveness. At most one
// peer holds RolePrimary.
type Registry struct {
	log      *zap.Logger
	metrics  *Metrics
	onRemove func(string)
	now      func() time.Time

	mu      sync.RWMutex
	peers   map[string]*entry
	primary string
}

// NewRegistry returns an empty registry.
func NewRegistry(options RegistryOptions) *Registry {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.now == nil {
		options.now = time.Now
	}
	return &Registry{
		log:      options.Logger.Named("registry"),
		metrics:  options.Metrics,
		onRemove: options.OnRemove,
		now:      options.now,
		peers:    make(map[string]*entry),
	}
}

// AddClient registers a freshly accepted connection and returns its new id.
func (r *Registry) AddClient(conn Conn, remoteAddress, transportType string) string {
	id := uuid.NewString()
	now := r.now()

	r.mu.Lock()
	r.peers[id] = &entry{
		peer: Peer{
			ID:             id,
			Role:           RoleUnknown,
			Transport:      transportType,
			RemoteAddress:  remoteAddress,
			ConnectedAt:    now,
			LastActivityAt: now,
			Attributes:     make(map[string]any),
		},
		conn: conn,
	}
	count := len(r.peers)
	r.mu.Unlock()

	r.metrics.setConnectedPeers(count)
	r.log.Info("client connected",
		zap.String("client_id", id),
		zap.String("transport", transportType),
		zap.String("remote_address", remoteAddress),
	)
	return id
}

// RemoveClient forgets a peer. It releases the primary role when held and
// reports whether the peer was known. Removing twice is harmless.
func (r *Registry) RemoveClient(peerID string) bool {
	r.mu.Lock()
	e, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.peers, peerID)
	wasPrimary := r.primary == peerID
	if wasPrimary {
		r.primary = ""
	}
	count := len(r.peers)
	r.mu.Unlock()

	r.metrics.setConnectedPeers(count)
	r.log.Info("client disconnected",
		zap.String("client_id", peerID),
		zap.String("transport", e.peer.Transport),
		zap.Bool("was_primary", wasPrimary),
	)
	if r.onRemove != nil {
		r.onRemove(peerID)
	}
	return true
}

// UpdateClient merges attributes into the peer. A "role" attribute changes
// the role; declaring RolePrimary demotes the previous holder to
// RoleUnknown without touching its connection.
func (r *Registry) UpdateClient(peerID string, attributes map[string]any) error {
	r.mu.Lock()
	e, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownPeer
	}
	for k, v := range attributes {
		if k == "role" {
			continue
		}
		e.peer.Attributes[k] = v
	}

	demoted := ""
	if raw, ok := attributes["role"]; ok {
		role := RoleUnknown
		switch v := raw.(type) {
		case Role:
			role = v
		case string:
			role = ParseRole(v)
		}
		if role == RolePrimary && r.primary != peerID {
			if previous, ok := r.peers[r.primary]; ok {
				previous.peer.Role = RoleUnknown
				demoted = r.primary
			}
			r.primary = peerID
		}
		if role != RolePrimary && r.primary == peerID {
			r.primary = ""
		}
		e.peer.Role = role
	}
	e.peer.LastActivityAt = r.now()
	role := e.peer.Role
	r.mu.Unlock()

	if demoted != "" {
		r.log.Info("primary device replaced", zap.String("previous", demoted), zap.String("current", peerID))
	}
	r.log.Debug("client updated", zap.String("client_id", peerID), zap.String("role", string(role)))
	return nil
}

// Touch refreshes the peer's last activity time.
func (r *Registry) Touch(peerID string) {
	r.mu.Lock()
	if e, ok := r.peers[peerID]; ok {
		e.peer.LastActivityAt = r.now()
	}
	r.mu.Unlock()
}

// Get returns a snapshot of one peer.
func (r *Registry) Get(peerID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	return e.peer.clone(), true
}

// Conn returns the connection handle of a peer.
func (r *Registry) Conn(peerID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[peerID]
	if !ok || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// PrimaryDevice returns the peer currently holding RolePrimary.
func (r *Registry) PrimaryDevice() (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[r.primary]
	if !ok {
		return Peer{}, false
	}
	return e.peer.clone(), true
}

// Peers returns every peer, oldest connection first.
func (r *Registry) Peers() []Peer {
	return r.filter(func(Peer) bool { return true })
}

// PeersWithRole returns the peers holding role, oldest connection first.
func (r *Registry) PeersWithRole(role Role) []Peer {
	return r.filter(func(p Peer) bool { return p.Role == role })
}

// Len returns the number of tracked peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) filter(keep func(Peer) bool) []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for _, e := range r.peers {
		if keep(e.peer) {
			out = append(out, e.peer.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Sweep evicts peers idle for longer than idle, closing their connections,
// and returns the evicted ids.
func (r *Registry) Sweep(idle time.Duration) []string {
	cutoff := r.now().Add(-idle)

	r.mu.RLock()
	var stale []string
	conns := make(map[string]Conn)
	for id, e := range r.peers {
		if e.peer.LastActivityAt.Before(cutoff) {
			stale = append(stale, id)
			conns[id] = e.conn
		}
	}
	r.mu.RUnlock()

	sort.Strings(stale)
	for _, id := range stale {
		if !r.RemoveClient(id) {
			continue
		}
		r.log.Info("evicted inactive client", zap.String("client_id", id), zap.Duration("idle", idle))
		if conn := conns[id]; conn != nil {
			if err := conn.Close(); err != nil {
				r.log.Debug("close evicted client failed", zap.String("client_id", id), zap.Error(err))
			}
		}
	}
	return stale
}

// RunSweeper evicts idle peers every interval until ctx ends.
func (r *Registry) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if idle <= 0 {
		idle = defaultInactivityTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(idle)
		}
	}
}
