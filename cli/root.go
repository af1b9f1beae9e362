// Package cli wires configuration, the relay and the peer runtime into the
// wavelite command.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"wavelite/config"
	"wavelite/logging"
)

// app is what every subcommand shares once the root has prepared it.
type app struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	log     zerolog.Logger
}

// NewRootCommand builds the command tree around an already loaded config.
// Flags write into cfg, so values from the file act as flag defaults.
func NewRootCommand(cfg *config.Config, cfgPath string) *cobra.Command {
	a := &app{cfg: cfg, cfgPath: cfgPath, dataDir: filepath.Dir(cfgPath)}

	rootCmd := &cobra.Command{
		Use:           "wavelite",
		Short:         "wavelite is a peer-to-peer chat and file drop over WebRTC",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config %s: %w", a.cfgPath, err)
			}
			log, err := logging.New(a.cfg.Log.Level, a.cfg.Log.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.log = log
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(relayCommand(a))
	rootCmd.AddCommand(connectCommand(a))
	rootCmd.AddCommand(joinCommand(a))
	rootCmd.AddCommand(resetCommand(a))
	rootCmd.AddCommand(configCommand(a))
	return rootCmd
}

// Execute loads the config and runs the command line.
func Execute() int {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed while loading config: %v\n", err)
		return 1
	}

	ctx, stop := signalContext()
	defer stop()

	if err := NewRootCommand(cfg, cfgPath).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "wavelite: %v\n", err)
		return 1
	}
	return 0
}

func configCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the config file location and identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Peer ID:         %s\n", a.cfg.Identity.PeerID)
			fmt.Fprintf(out, "Display Name:    %s\n", a.cfg.Identity.DisplayName)
			fmt.Fprintf(out, "Relay URL:       %s\n", relayURLLabel(a.cfg.Relay.URL))
			fmt.Fprintf(out, "Config File:     %s\n", a.cfgPath)
			fmt.Fprintf(out, "Data Directory:  %s\n", a.dataDir)
			return nil
		},
	}
}

func relayURLLabel(url string) string {
	if url == "" {
		return "(discover over mDNS)"
	}
	return url
}
