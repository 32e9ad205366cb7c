package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/billrelay/internal/companion"
	"github.com/ent0n29/billrelay/internal/files"
	"github.com/ent0n29/billrelay/internal/handoff"
)

// companion <session-id>: join a primary session and upload a captured bill.
func companionCmd() *cobra.Command {
	var (
		filePath string
		replace  string
		stay     bool
	)
	cmd := &cobra.Command{
		Use:   "companion <session-id>",
		Short: "Join a primary session and upload a bill to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			closed := make(chan struct{})
			var once bool
			c := companion.New(env.dialer, env.files, env.client, companion.Config{
				// Runs on the coordinator goroutine, so once needs no lock.
				OnChange: func(s companion.Snapshot) {
					if s.State == companion.StateSessionClosed && !once {
						once = true
						close(closed)
					}
				},
			}, env.log)
			defer func() {
				closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				_ = c.Close(closeCtx)
			}()

			if err := c.Join(ctx, args[0]); err != nil {
				return err
			}
			env.log.Info().Str("session_id", c.Snapshot().Session.ID).Str("primary_session_id", args[0]).Msg("joined")

			f, err := files.Load(filePath)
			if err != nil {
				return err
			}
			if err := upload(ctx, c, f.Name, func() error { return c.SelectFile(ctx, f) }); err != nil {
				return err
			}

			if replace != "" {
				next, err := files.Load(replace)
				if err != nil {
					return err
				}
				if err := c.Reupload(ctx); err != nil {
					return err
				}
				if err := upload(ctx, c, next.Name, func() error { return c.SelectFile(ctx, next) }); err != nil {
					return err
				}
			}

			if !stay {
				return nil
			}
			select {
			case <-closed:
				env.log.Info().Msg("primary closed the session")
			case <-ctx.Done():
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "file to upload")
	cmd.Flags().StringVar(&replace, "replace-with", "", "re-upload this file after the first upload")
	cmd.Flags().BoolVar(&stay, "wait", true, "stay connected until the primary closes the session")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func upload(ctx context.Context, c *companion.Coordinator, name string, do func() error) error {
	err := do()
	if errors.Is(err, handoff.ErrRelayDeliveryUnknown) {
		env.log.Warn().Err(err).Str("file", name).Msg("uploaded, primary may not have been notified")
		return nil
	}
	if err != nil {
		return err
	}
	env.log.Info().Str("file", name).Str("file_url", c.Snapshot().File.RemoteURL).Msg("uploaded")
	return nil
}
