package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"linkbridge/discovery"
	"linkbridge/storage"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List linkbridge devices advertising on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		peers, err := discovery.Browse(cmd.Context(), discovery.Config{
			SelfDeviceID: a.cfg.Device.ID,
			ScanTimeout:  discoverTimeout,
			Logger:       a.log,
		})
		if err != nil {
			return fmt.Errorf("discover peers: %w", err)
		}
		if len(peers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No devices found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE ID\tNAME\tADDRESS\tTRANSPORTS")
		for _, peer := range peers {
			address, port, _ := peer.Endpoint("")
			fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\n", peer.DeviceID, peer.DeviceName, address, port, transportList(peer.Transports))

			if address == "" {
				continue
			}
			if err := a.store.UpsertKnownDevice(storage.KnownDevice{
				DeviceID:   peer.DeviceID,
				DeviceName: peer.DeviceName,
				Address:    address,
				Port:       port,
			}); err != nil {
				return err
			}
		}
		return w.Flush()
	},
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 3*time.Second, "mDNS scan window")
}

func transportList(ports map[string]int) string {
	parts := make([]string, 0, len(ports))
	for kind, port := range ports {
		parts = append(parts, fmt.Sprintf("%s:%d", kind, port))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
