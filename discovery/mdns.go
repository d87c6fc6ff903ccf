// Package discovery advertises this device over mDNS and browses the LAN for
// other linkbridge peers.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_linkbridge._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

// TXT record keys.
const (
	txtDeviceID    = "device_id"
	txtVersion     = "version"
	txtTransports  = "transports"
	txtFingerprint = "fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID string
	DeviceName   string
	// ListeningPort is the SRV port; Transports lists the port of every
	// listener by transport type.
	ListeningPort  int
	Transports     map[string]int
	KeyFingerprint string

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

var (
	ErrNoDeviceID   = errors.New("discovery: self device id is required")
	ErrNoDeviceName = errors.New("discovery: device name is required")
	ErrNoPort       = errors.New("discovery: listening port must be positive")
)

// validate checks the fields a scan needs, and with advertise also the
// fields a broadcast needs.
func (c Config) validate(advertise bool) error {
	switch {
	case strings.TrimSpace(c.SelfDeviceID) == "":
		return ErrNoDeviceID
	case !advertise:
		return nil
	case strings.TrimSpace(c.DeviceName) == "":
		return ErrNoDeviceName
	case c.ListeningPort <= 0:
		return ErrNoPort
	}
	return nil
}

// txtRecords builds the advertised TXT set.
func (c Config) txtRecords() []string {
	txt := []string{
		txtDeviceID + "=" + c.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(c.Version),
	}
	if len(c.Transports) > 0 {
		txt = append(txt, txtTransports+"="+formatTransports(c.Transports))
	}
	if c.KeyFingerprint != "" {
		txt = append(txt, txtFingerprint+"="+c.KeyFingerprint)
	}
	return txt
}

// formatTransports renders "quic:8083,tcp:8081" sorted by transport name.
func formatTransports(ports map[string]int) string {
	kinds := make([]string, 0, len(ports))
	for kind := range ports {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, kind+":"+strconv.Itoa(ports[kind]))
	}
	return strings.Join(parts, ",")
}

func parseTransports(raw string) map[string]int {
	out := make(map[string]int)
	for _, part := range strings.Split(raw, ",") {
		kind, portText, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || kind == "" {
			continue
		}
		port, err := strconv.Atoi(portText)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		out[kind] = port
	}
	return out
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(true); err != nil {
		return nil, err
	}

	txt := cfg.txtRecords()
	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	cfg.Logger.Named("discovery").Info("advertising device",
		zap.String("service", cfg.Service),
		zap.Int("port", cfg.ListeningPort),
		zap.Strings("txt", txt),
	)
	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service coordinates mDNS broadcast and scanning.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start starts broadcaster and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
