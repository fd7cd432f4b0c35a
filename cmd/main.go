package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/baderanaas/gossipnet/pkg/gossip"
	"github.com/baderanaas/gossipnet/pkg/node"
)

type options struct {
	listen         []string
	topic          string
	identityDir    string
	historyDir     string
	heartbeat      time.Duration
	nonInteractive bool
}

func main() {
	if os.Getenv("GOLOG_LOG_LEVEL") == "" {
		_ = logging.SetLogLevelRegex("gossipnet/.*", "info")
	}

	if err := newRootCommand(run).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(runFn func(context.Context, node.Config) error) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "gossipnet [multiaddr]",
		Short: "Peer-to-peer gossip overlay node",
		Long: `gossipnet joins a gossip overlay, optionally dialing the peer at the given
multiaddr. Every line typed on stdin is published on the default topic and
every message received on it is logged.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFn(cmd.Context(), buildConfig(opts, args))
		},
	}

	cmd.Flags().StringSliceVar(&opts.listen, "listen", []string{node.DefaultListenAddr}, "Listen multiaddr (repeatable)")
	cmd.Flags().StringVar(&opts.topic, "topic", node.DefaultTopic, "Topic for typed messages")
	cmd.Flags().StringVar(&opts.identityDir, "identity-dir", "", "Directory holding a persistent identity key (ephemeral if empty)")
	cmd.Flags().StringVar(&opts.historyDir, "history-dir", "", "Directory for the message journal (disabled if empty)")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", gossip.DefaultHeartbeatInterval, "Mesh heartbeat interval")
	cmd.Flags().BoolVar(&opts.nonInteractive, "non-interactive", false, "Do not read messages from stdin")
	return cmd
}

func buildConfig(opts *options, args []string) node.Config {
	cfg := node.Config{
		IdentityDir: opts.identityDir,
		HistoryDir:  opts.historyDir,
		ListenAddrs: opts.listen,
		Topic:       opts.topic,
		Gossip:      gossip.Params{HeartbeatInterval: opts.heartbeat},
	}
	if len(args) > 0 {
		cfg.Dial = args[0]
	}
	if !opts.nonInteractive {
		cfg.Input = os.Stdin
	}
	return cfg
}

func run(ctx context.Context, cfg node.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	fmt.Printf("\n🚀 gossipnet started on topic %s\n", cfg.Topic)
	if cfg.Input != nil {
		fmt.Printf("Type your messages:\n")
	}

	err = n.Run(ctx)
	if node.IsFatal(err) {
		return err
	}
	fmt.Printf("👋 Goodbye!\n")
	return err
}
