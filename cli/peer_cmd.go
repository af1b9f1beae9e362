package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"wavelite/config"
	"wavelite/discovery"
	"wavelite/models"
	"wavelite/network"
	"wavelite/signaling"
	"wavelite/transfer"
)

func connectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <room>",
		Short: "Answer a waiting peer in room or offer and wait for one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd, a, args[0], (*network.Negotiator).Connect)
		},
	}
}

func joinCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "join <room>",
		Short: "Wait for a peer to offer in room and answer it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd, a, args[0], (*network.Negotiator).Join)
		},
	}
}

func resetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete every record the relay holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := relayClient(cmd.Context(), a)
			if err != nil {
				return err
			}
			deleted, err := client.Cleanup(cmd.Context(), signaling.CleanupScope{})
			if err != nil {
				return fmt.Errorf("reset relay: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d records from %s\n", deleted, client.Endpoint())
			return nil
		},
	}
}

type negotiateFunc func(n *network.Negotiator, ctx context.Context, room string) (*network.Session, error)

func runPeer(cmd *cobra.Command, a *app, room string, negotiate negotiateFunc) error {
	ctx := cmd.Context()
	out := newConsole(cmd.OutOrStdout())

	client, err := relayClient(ctx, a)
	if err != nil {
		return err
	}

	negotiator, err := network.NewNegotiator(network.NegotiatorOptions{
		PeerID:   a.cfg.Identity.PeerID,
		Signaler: client,
		NewLink: network.NewWebRTCFactory(network.WebRTCOptions{
			ICEServers:      iceServers(a.cfg),
			IncludeLoopback: a.cfg.ICE.IncludeLoopback,
			Logger:          a.log,
		}),
		AuxChannels:       a.cfg.Transfer.ChannelCount,
		PollInterval:      a.cfg.Negotiation.PollInterval,
		JoinPollInterval:  a.cfg.Negotiation.JoinPollInterval,
		ConnectionTimeout: a.cfg.Negotiation.ConnectionTimeout,
		Logger:            a.log,
		OnStateChange: func(s network.State) {
			out.Printf("* %s\n", s)
		},
	})
	if err != nil {
		return err
	}

	out.Printf("* room %q via %s\n", room, client.Endpoint())
	session, err := negotiate(negotiator, ctx, room)
	if err != nil {
		if errors.Is(err, network.ErrTimedOut) {
			return fmt.Errorf("nobody showed up in room %q within %s", room, a.cfg.Negotiation.ConnectionTimeout)
		}
		return err
	}

	filesDir := config.FilesDir(a.dataDir)
	conn := network.NewConnection(session, network.ConnectionOptions{
		LocalName:         a.cfg.Identity.DisplayName,
		KeepAliveInterval: a.cfg.Negotiation.KeepAliveInterval,
		Transfer: transfer.Options{
			ChunkSize:              a.cfg.Transfer.ChunkSize,
			ChannelCount:           a.cfg.Transfer.ChannelCount,
			SingleChannelThreshold: a.cfg.Transfer.SingleChannelThreshold,
		},
		Logger: a.log,
		OnMessage: func(m models.Message) {
			out.PrintMessage(m)
		},
		OnPeerName: func(name string) {
			out.Printf("* connected to %s\n", name)
		},
		OnFileReceived: func(f models.File) {
			path, err := saveReceived(filesDir, f)
			if err != nil {
				out.Printf("! could not save %s: %v\n", f.Filename, err)
				return
			}
			out.Printf("* %s sent %s (%d bytes), saved to %s\n", f.From, f.Filename, f.Filesize, path)
		},
		OnProgress:    out.PrintProgress,
		OnPeerOffline: func() { out.Printf("* peer stopped answering pings\n") },
		OnClosed: func(err error) {
			if err != nil {
				out.Printf("* connection closed: %v\n", err)
			}
		},
	})
	conn.Start(ctx)
	defer conn.Close()

	out.Printf("* type to chat, /send <path>, /location <lat> <lng>, /quit\n")
	return runChat(ctx, cmd.InOrStdin(), conn, out, conn.Done())
}

func iceServers(cfg *config.Config) []string {
	if len(cfg.ICE.Servers) == 0 {
		return nil
	}
	return cfg.ICE.Servers
}

// relayClient uses the configured relay URL or, when none is set, the first
// relay found over mDNS.
func relayClient(ctx context.Context, a *app) (*signaling.Client, error) {
	url := a.cfg.Relay.URL
	if url == "" {
		relay, err := discovery.FindRelay(ctx, discovery.Config{})
		if err != nil {
			return nil, fmt.Errorf("no relay URL configured and none found on the network: %w", err)
		}
		url = relay.URL()
		a.log.Info().Str("url", url).Str("instance", relay.Instance).Msg("discovered relay")
	}
	return signaling.NewClient(url, &http.Client{Timeout: 15 * time.Second}), nil
}
