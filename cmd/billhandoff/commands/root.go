package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/billrelay/internal/backend"
	"github.com/ent0n29/billrelay/internal/config"
	"github.com/ent0n29/billrelay/internal/files"
	"github.com/ent0n29/billrelay/internal/logging"
	"github.com/ent0n29/billrelay/internal/relay"
)

var (
	backendURL   string
	relayURL     string
	companionURL string
	logLevel     string
	timeout      time.Duration

	env *clientEnv
)

// clientEnv holds the clients shared by the subcommands.
type clientEnv struct {
	cfg    config.Config
	log    zerolog.Logger
	client *backend.Client
	dialer *relay.WSDialer
	files  *files.Manager
}

func Execute() error {
	root := &cobra.Command{
		Use:           "billhandoff",
		Short:         "Pair two devices and hand a bill file across the relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if backendURL != "" {
				cfg.BackendURL = strings.TrimRight(backendURL, "/")
				if relayURL == "" {
					if cfg.RelayURL, err = config.RelayURLFor(cfg.BackendURL); err != nil {
						return err
					}
				}
			}
			if relayURL != "" {
				cfg.RelayURL = relayURL
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			log := logging.New(logging.Options{App: "billhandoff", Level: cfg.LogLevel, Format: cfg.LogFormat, Out: os.Stderr})
			client := backend.NewClient(cfg.BackendURL, nil)
			env = &clientEnv{
				cfg:    cfg,
				log:    log,
				client: client,
				dialer: relay.NewWSDialer(cfg.RelayURL, log),
				files:  files.NewManager(client, log),
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&backendURL, "backend", "", "bill service base URL (default $BILL_BACKEND_URL)")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay websocket URL (default derived from --backend)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default $APP_LOG_LEVEL)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")

	root.AddCommand(primaryCmd(), companionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// signalContext is cancelled on SIGINT/SIGTERM or when --timeout elapses.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
