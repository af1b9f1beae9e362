package cli

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"wavelite/clock"
	"wavelite/config"
	"wavelite/discovery"
	"wavelite/signaling"
	"wavelite/storage"
)

func relayCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clk := clock.Real()
			kv, err := openBackend(a, clk)
			if err != nil {
				return err
			}
			defer func() {
				if err := kv.Close(); err != nil {
					a.log.Warn().Err(err).Msg("close relay storage")
				}
			}()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			relay := signaling.NewRelay(kv, signaling.Options{
				TTL:     a.cfg.Relay.TTL,
				Clock:   clk,
				Logger:  a.log,
				Metrics: signaling.NewMetrics(reg),
			})
			server := signaling.NewServer(relay, signaling.ServerOptions{
				Address:  a.cfg.Relay.Listen,
				Gatherer: reg,
				Logger:   a.log,
			})

			if a.cfg.Relay.Advertise {
				advertiser, err := advertiseRelay(a)
				if err != nil {
					a.log.Warn().Err(err).Msg("relay advertising disabled")
				} else {
					defer advertiser.Stop()
				}
			}

			a.log.Info().
				Str("backend", a.cfg.Relay.Backend).
				Dur("ttl", a.cfg.Relay.TTL).
				Msg("starting relay")
			return server.Run(cmd.Context())
		},
	}
	a.cfg.BindRelayFlags(cmd.Flags())
	return cmd
}

func openBackend(a *app, clk clock.Clock) (storage.KV, error) {
	switch a.cfg.Relay.Backend {
	case config.BackendSQLite:
		store, dbPath, err := storage.Open(a.dataDir, clk)
		if err != nil {
			return nil, fmt.Errorf("open relay database: %w", err)
		}
		a.log.Info().Str("path", dbPath).Msg("relay database")
		return store, nil
	default:
		return storage.NewMemory(clk), nil
	}
}

func advertiseRelay(a *app) (*discovery.Advertiser, error) {
	_, portRaw, err := net.SplitHostPort(a.cfg.Relay.Listen)
	if err != nil {
		return nil, fmt.Errorf("parse listen address: %w", err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("advertising needs a fixed listen port, got %q", portRaw)
	}
	instance, _ := os.Hostname()
	if instance == "" {
		instance = a.cfg.Identity.DisplayName
	}
	return discovery.Advertise(discovery.Config{
		Instance: "wavelite relay on " + instance,
		Port:     port,
		Path:     signaling.Path,
	})
}
