package server

import (
	"go.uber.org/zap"

	"linkbridge/protocol"
)

func (r *Router) registerDefaults() {
	r.RegisterHandler(protocol.TypeDeviceInfo, r.handleDeviceInfo)
	r.RegisterHandler(protocol.TypeDeviceDiscovered, r.handleDeviceDiscovered)
	r.RegisterHandler(protocol.TypeScreenFrame, r.fanOutToViewers)
	r.RegisterHandler(protocol.TypeNotification, r.fanOutToViewers)
	r.RegisterHandler(protocol.TypeFileTransfer, r.relayToOppositeSide)
	r.RegisterHandler(protocol.TypeClipboard, r.relayToOppositeSide)
	r.RegisterHandler(protocol.TypeControlCommand, r.forwardToPrimary)
	r.RegisterHandler(protocol.TypeConnectDevice, r.forwardToPrimary)
	r.RegisterHandler(protocol.TypeDisconnectDevice, r.forwardToPrimary)
	r.RegisterHandler(protocol.TypeStartDeviceDiscovery, r.handleDiscoveryCommand(true))
	r.RegisterHandler(protocol.TypeStopDeviceDiscovery, r.handleDiscoveryCommand(false))
	r.RegisterHandler(protocol.TypeGetDiscoveredDevices, r.handleGetDiscoveredDevices)
	r.RegisterHandler(protocol.TypeGetConnectedDevices, r.handleGetConnectedDevices)
	r.RegisterHandler(protocol.TypeHeartbeat, r.handleHeartbeat)
	r.RegisterHandler(protocol.TypePing, r.handlePing)
	r.RegisterHandler(protocol.TypeResponse, r.handleResponse)
}

// relayed copies env for another peer, tagging its origin. The origin's
// requestId stays with the origin.
func relayed(peer Peer, env *protocol.Envelope) *protocol.Envelope {
	out := env.Clone()
	out.RequestID = nil
	out.Set("sourceClientId", peer.ID)
	return out
}

func (r *Router) handleDeviceInfo(peer Peer, env *protocol.Envelope) (*protocol.Envelope, error) {
	info := env.Map("deviceInfo")
	if info == nil {
		info = make(map[string]any, len(env.Payload))
		for k, v := range env.Payload {
			info[k] = v
		}
	}

	attrs := make(map[string]any, len(info)+1)
	for k, v := range info {
		attrs[k] = v
	}
	role := ""
	if v, ok := info["role"].(string); ok {
		role = v
	} else if v, ok := info["platform"].(string); ok {
		role = v
	}
	if role != "" {
		attrs["role"] = role
	}
	if err := r.registry.UpdateClient(peer.ID, attrs); err != nil {
		return nil, err
	}

	r.BroadcastToViewers(protocol.New("device_connected", map[string]any{
		"clientId":   peer.ID,
		"deviceInfo": info,
	}), peer.ID)
	return nil, nil
}

func (r *Router) handleDeviceDiscovered(peer Peer, env *protocol.Envelope) (*protocol.Envelope, error) {
	device := env.Map("device")
	if device == nil {
		device = make(map[string]any)
		for k, v := range env.Payload {
			device[k] = v
		}
	}
	if err := r.RecordDiscovered(device); err != nil {
		return nil, err
	}
	r.BroadcastToViewers(relayed(peer, env), peer.ID)
	return nil, nil
}

// fanOutToViewers delivers the envelope to every peer except the primary
// device and the sender.
func (r *Router) fanOutToViewers(peer Peer, env *protocol.Envelope) (*protocol.Envelope, error) {
	n := r.BroadcastToViewers(relayed(peer, env), peer.ID)
	r.log.Debug("fanned out to viewers", zap.String("type", env.Type), zap.Int("recipients", n))
	return nil, nil
}

// relayToOppositeSide sends envelopes from the primary device to viewers and
// envelopes from viewers to the primary device.
func (r *Router) relayToOppositeSide(peer Peer, env *protocol.Envelope) (*protocol.Envelope, error) {
	primary, ok := r.registry.PrimaryDevice()
	if ok && primary.ID == peer.ID {
		r.BroadcastToViewers(relayed(peer, env), peer.ID)
		return nil, nil
	}
	if !ok {
		return nil, ErrNoPrimary
	}
	return nil, r.SendTo(primary.ID, relayed(peer, env))
}

func (r *Router) forwardToPrimary(peer Peer, env *protocol.Envelope) (*protocol.Envelope, error) {
	if err := r.SendToPrimaryDevice(relayed(peer, env)); err != nil {
		return nil, err
	}
	if env.Type == protocol.TypeControlCommand {
		r.log.Debug("control command forwarded", zap.String("command", env.String("commandType")))
	}
	return nil, nil
}

func (r *Router) handleDiscoveryCommand(start bool) Handler {
	return func(peer Peer, env *protocol.Envelope) (*protocol.Envelope, error) {
		r.mu.Lock()
		r.discovering = start
		r.mu.Unlock()

		if primary, ok := r.registry.PrimaryDevice(); ok && primary.ID != peer.ID {
			if err := r.SendTo(primary.ID, relayed(peer, env)); err != nil {
				return nil, err
			}
		}
		return protocol.New(env.Type+"_response", map[string]any{"success": true}), nil
	}
}

func (r *Router) handleGetDiscoveredDevices(Peer, *protocol.Envelope) (*protocol.Envelope, error) {
	devices := r.DiscoveredDevices()
	list := make([]any, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	return protocol.New(protocol.TypeGetDiscoveredDevices+"_response", map[string]any{
		"success": true,
		"devices": list,
	}), nil
}

func (r *Router) handleGetConnectedDevices(Peer, *protocol.Envelope) (*protocol.Envelope, error) {
	peers := r.registry.Peers()
	list := make([]any, 0, len(peers))
	for _, p := range peers {
		list = append(list, p.Summary())
	}
	return protocol.New(protocol.TypeGetConnectedDevices+"_response", map[string]any{
		"success": true,
		"devices": list,
	}), nil
}

func (r *Router) handleHeartbeat(Peer, *protocol.Envelope) (*protocol.Envelope, error) {
	return protocol.New(protocol.TypeHeartbeat, nil), nil
}

func (r *Router) handlePing(peer Peer, _ *protocol.Envelope) (*protocol.Envelope, error) {
	return protocol.New(protocol.TypePong, map[string]any{"clientId": peer.ID}), nil
}

// handleResponse accepts responses peers send for relayed requests; they
// only refresh liveness.
func (r *Router) handleResponse(peer Peer, env *protocol.Envelope) (*protocol.Envelope, error) {
	if !env.Bool("success") {
		r.log.Debug("peer reported failure", zap.String("client_id", peer.ID), zap.String("error", env.String("error")))
	}
	return nil, nil
}
