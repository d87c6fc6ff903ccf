// Package server tracks connected peers and routes envelopes between them
// over every listener the session layer supports.
package server

import (
	"errors"
	"strings"
	"time"

	"linkbridge/protocol"
)

// Role is the declared part a peer plays in a session.
type Role string

const (
	RoleUnknown Role = "unknown"
	RolePrimary Role = "primary_device"
	RoleViewer  Role = "viewer"
)

var (
	// ErrUnknownPeer indicates a peer id the registry does not track.
	ErrUnknownPeer = errors.New("server: unknown peer")
	// ErrUnknownType indicates an envelope type without a handler.
	ErrUnknownType = errors.New("server: unknown message type")
	// ErrNoPrimary indicates a message addressed to a primary device while none is connected.
	ErrNoPrimary = errors.New("server: no primary device connected")
	// ErrCapacityExceeded indicates a full delivery queue or mailbox.
	ErrCapacityExceeded = errors.New("server: capacity exceeded")
	// ErrPeerUnavailable indicates a delivery target without an open connection.
	ErrPeerUnavailable = errors.New("server: peer unavailable")
	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("server: closed")
)

// ParseRole maps declared roles and platform names onto a Role.
func ParseRole(value string) Role {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "primary_device", "primary-device", "primary", "android":
		return RolePrimary
	case "viewer", "web", "desktop", "windows":
		return RoleViewer
	default:
		return RoleUnknown
	}
}

// Conn is the server side handle of one accepted peer.
type Conn interface {
	Send(env *protocol.Envelope) error
	Close() error
}

// Peer is a snapshot of one registry entry.
type Peer struct {
	ID             string
	Role           Role
	Transport      string
	RemoteAddress  string
	ConnectedAt    time.Time
	LastActivityAt time.Time
	Attributes     map[string]any
}

func (p Peer) clone() Peer {
	if p.Attributes != nil {
		attrs := make(map[string]any, len(p.Attributes))
		for k, v := range p.Attributes {
			attrs[k] = v
		}
		p.Attributes = attrs
	}
	return p
}

// Summary is the wire form used by get_connected_devices and /api/status.
func (p Peer) Summary() map[string]any {
	out := map[string]any{
		"clientId":       p.ID,
		"role":           string(p.Role),
		"transport":      p.Transport,
		"remoteAddress":  p.RemoteAddress,
		"connectedAt":    p.ConnectedAt.UnixMilli(),
		"lastActivityAt": p.LastActivityAt.UnixMilli(),
	}
	if name, ok := p.Attributes["deviceName"]; ok {
		out["deviceName"] = name
	}
	return out
}
