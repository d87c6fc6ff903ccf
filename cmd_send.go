package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"linkbridge/discovery"
	"linkbridge/server"
	"linkbridge/storage"
	"linkbridge/transfer"
)

// peerFlags select the peer a client command connects to.
type peerFlags struct {
	address         string
	port            int
	device          string
	transport       string
	discover        bool
	discoverTimeout time.Duration
}

func (f *peerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.address, "address", "", "peer host or IP address")
	cmd.Flags().IntVar(&f.port, "port", 0, "peer port used by every transport (default: per-transport configured ports)")
	cmd.Flags().StringVar(&f.device, "device", "", "device id of a known or discovered peer")
	cmd.Flags().StringVar(&f.transport, "transport", "", "preferred transport (tcp, websocket, http, udp, quic, bluetooth)")
	cmd.Flags().BoolVar(&f.discover, "discover", false, "find the peer over mDNS")
	cmd.Flags().DurationVar(&f.discoverTimeout, "discover-timeout", 3*time.Second, "mDNS scan window")
}

// resolve turns the flags into a dial target.
func (f *peerFlags) resolve(ctx context.Context, a *app) (target, error) {
	preferred := f.transport
	if preferred == "" {
		preferred = a.cfg.Client.PreferredTransport
	}

	switch {
	case f.discover:
		peers, err := discovery.Browse(ctx, discovery.Config{
			SelfDeviceID: a.cfg.Device.ID,
			ScanTimeout:  f.discoverTimeout,
			Logger:       a.log,
		})
		if err != nil {
			return target{}, fmt.Errorf("discover peers: %w", err)
		}
		for _, peer := range peers {
			if f.device != "" && peer.DeviceID != f.device {
				continue
			}
			address, port, ok := peer.Endpoint(preferred)
			if !ok {
				continue
			}
			return target{
				deviceID:    peer.DeviceID,
				address:     address,
				port:        port,
				ports:       peer.Transports,
				fingerprint: peer.KeyFingerprint,
			}, nil
		}
		return target{}, errors.New("no linkbridge peer found on the local network")

	case f.address == "" && f.device != "":
		known, err := a.store.GetKnownDevice(f.device)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return target{}, fmt.Errorf("unknown device %q: run discover first", f.device)
			}
			return target{}, err
		}
		return target{deviceID: known.DeviceID, address: known.Address, port: known.Port}, nil

	case f.address == "":
		return target{}, errNoPeer
	}

	t := target{deviceID: f.device, address: f.address, port: f.port}
	if f.port <= 0 {
		t.ports = a.defaultPorts()
		t.port = t.ports[preferred]
	}
	return t, nil
}

var sendFlags peerFlags

var sendCmd = &cobra.Command{
	Use:   "send <file>...",
	Short: "Upload files to the primary device through a relay server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		t, err := sendFlags.resolve(ctx, a)
		if err != nil {
			return err
		}
		s, err := a.dial(ctx, t, sendFlags.transport, string(server.RoleViewer), "")
		if err != nil {
			return err
		}
		defer s.Close()

		done := newCompletions()
		s.engine.AddListener(progressPrinter(cmd.OutOrStdout(), done))
		ids := make([]string, 0, len(args))
		for _, path := range args {
			id, err := s.engine.StartUpload(path, t.deviceID)
			if err != nil {
				return fmt.Errorf("start upload of %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  queued %s\n", id, path)
			ids = append(ids, id)
		}
		done.expect(ids...)
		return done.wait(ctx)
	},
}

var (
	receiveFlags peerFlags
	receiveDir   string
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Connect as the primary device and accept incoming files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		t, err := receiveFlags.resolve(ctx, a)
		if err != nil {
			return err
		}
		s, err := a.dial(ctx, t, receiveFlags.transport, string(server.RolePrimary), receiveDir)
		if err != nil {
			return err
		}
		defer s.Close()

		s.engine.AddListener(progressPrinter(cmd.OutOrStdout(), nil))
		fmt.Fprintf(cmd.OutOrStdout(), "Receiving via %s (press Ctrl+C to stop)\n", s.coord.ActiveType())
		<-ctx.Done()
		return nil
	},
}

func init() {
	sendFlags.register(sendCmd)
	receiveFlags.register(receiveCmd)
	receiveCmd.Flags().StringVar(&receiveDir, "dir", "", "directory for received files (default: configured download dir)")
}

// progressPrinter reports every tenth percent and final outcomes. done may
// be nil.
func progressPrinter(out io.Writer, done *completions) transfer.Listener {
	last := make(map[string]int)
	var mu sync.Mutex
	return transfer.ListenerFuncs{
		Progress: func(rec transfer.Record) {
			mu.Lock()
			defer mu.Unlock()
			pct := rec.Percent()
			if pct/10 == last[rec.TransferID]/10 && pct != 100 {
				return
			}
			last[rec.TransferID] = pct
			fmt.Fprintf(out, "%s  %-8s %3d%%  %s\n", rec.TransferID, rec.Direction, pct, rec.FileName)
		},
		Completed: func(rec transfer.Record, success bool) {
			if success {
				fmt.Fprintf(out, "%s  %s completed -> %s\n", rec.TransferID, rec.FileName, rec.FilePath)
			} else {
				fmt.Fprintf(out, "%s  %s %s: %s\n", rec.TransferID, rec.FileName, rec.Status, rec.ErrorMessage)
			}
			if done != nil {
				done.observe(rec, success)
			}
		},
	}
}
