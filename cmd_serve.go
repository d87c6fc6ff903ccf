package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"linkbridge/discovery"
	"linkbridge/identity"
	"linkbridge/protocol"
	"linkbridge/server"
	"linkbridge/storage"
	"linkbridge/transport"
)

var serveNoAdvertise bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server on every configured transport",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, a, cmd)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoAdvertise, "no-advertise", false, "do not advertise this server over mDNS")
}

func listenAddr(host string, port int) string {
	if port <= 0 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func runServe(ctx context.Context, a *app, cmd *cobra.Command) (err error) {
	cfg := a.cfg
	framing, err := protocol.ParseFraming(cfg.Server.TCPFraming)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		HTTPAddr:   listenAddr(cfg.Server.BindAddress, cfg.Server.HTTPPort),
		TCPAddr:    listenAddr(cfg.Server.BindAddress, cfg.Server.TCPPort),
		UDPAddr:    listenAddr(cfg.Server.BindAddress, cfg.Server.UDPPort),
		QUICAddr:   listenAddr(cfg.Server.BindAddress, cfg.Server.QUICPort),
		TCPFraming: framing,
		TLSKey:     a.key,
		DeviceName: cfg.Device.Name,
		Queue: server.QueueOptions{
			MaxRetries: cfg.Queue.MaxRetries,
			RetryDelay: cfg.Queue.RetryDelay,
			Capacity:   cfg.Queue.Capacity,
		},
		InactivityTimeout: cfg.Registry.InactivityTimeout,
		SweepInterval:     cfg.Registry.SweepInterval,
		Logger:            a.log,
		Metrics:           server.NewMetrics(),
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer func() { err = multierr.Append(err, srv.Close()) }()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device ID:    %s\n", cfg.Device.ID)
	fmt.Fprintf(out, "Device Name:  %s\n", cfg.Device.Name)
	fmt.Fprintf(out, "Fingerprint:  %s\n", identity.FormatFingerprint(a.fingerprint))
	for _, kind := range srv.Transports() {
		fmt.Fprintf(out, "Listening:    %-10s %s\n", kind, srv.Addr(kind))
	}

	if cfg.Server.Advertise && !serveNoAdvertise {
		svc, err := advertise(a, srv)
		if err != nil {
			a.log.Warn("mdns advertisement failed", zap.Error(err))
		} else {
			defer svc.Stop()
			go recordDiscoveries(a, srv.Router(), svc.Scanner.Events())
		}
	}

	fmt.Fprintln(out, "Status:       running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Fprintln(out, "Status:       shutting down")
	return nil
}

func advertise(a *app, srv *server.Server) (*discovery.Service, error) {
	ports := make(map[string]int)
	for kind, addr := range srv.Listeners() {
		if _, portText, err := net.SplitHostPort(addr); err == nil {
			if port, err := strconv.Atoi(portText); err == nil {
				ports[kind] = port
			}
		}
	}
	srvPort := ports[transport.TypeHTTP]
	if srvPort == 0 {
		srvPort = ports[transport.TypeTCP]
	}
	return discovery.Start(discovery.Config{
		SelfDeviceID:   a.cfg.Device.ID,
		DeviceName:     a.cfg.Device.Name,
		ListeningPort:  srvPort,
		Transports:     ports,
		KeyFingerprint: a.fingerprint,
		Logger:         a.log,
	})
}

// recordDiscoveries feeds LAN peers into the router's discovered list and
// the known device table.
func recordDiscoveries(a *app, router *server.Router, events <-chan discovery.Event) {
	for event := range events {
		if event.Type != discovery.EventPeerUpserted {
			continue
		}
		peer := event.Peer
		if err := router.RecordDiscovered(peer.Summary()); err != nil {
			a.log.Debug("discovered peer rejected", zap.String("device_id", peer.DeviceID), zap.Error(err))
			continue
		}
		address, port, ok := peer.Endpoint(transport.TypeTCP)
		if !ok {
			continue
		}
		err := a.store.UpsertKnownDevice(storage.KnownDevice{
			DeviceID:   peer.DeviceID,
			DeviceName: peer.DeviceName,
			Address:    address,
			Port:       port,
		})
		if err != nil {
			a.log.Warn("remember discovered device failed", zap.String("device_id", peer.DeviceID), zap.Error(err))
		}
	}
}
