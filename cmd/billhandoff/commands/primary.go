package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/billrelay/internal/files"
	"github.com/ent0n29/billrelay/internal/handoff"
	"github.com/ent0n29/billrelay/internal/primary"
)

// primary: open a session, show the pairing link and wait for a bill.
func primaryCmd() *cobra.Command {
	var (
		filePath string
		qrOut    string
		confirm  bool
	)
	cmd := &cobra.Command{
		Use:   "primary",
		Short: "Open a pairing session and wait for a bill from this or a paired device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			link := companionURL
			if link == "" {
				link = env.cfg.BackendURL + "/bill/capture"
			}
			changes := make(chan primary.Snapshot, 16)
			c := primary.New(env.dialer, env.files, env.client, primary.Config{
				CompanionURL: link,
				OnChange: func(s primary.Snapshot) {
					select {
					case changes <- s:
					default:
					}
				},
			}, env.log)
			defer c.Close()

			if err := c.Open(ctx); err != nil {
				return err
			}
			snap := c.Snapshot()
			env.log.Info().Str("session_id", snap.Session.ID).Str("link", snap.CompanionURL).Msg("session open")
			if qrOut != "" {
				if err := os.WriteFile(qrOut, snap.QR, 0o644); err != nil {
					return fmt.Errorf("write qr: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), snap.CompanionURL)

			if filePath != "" {
				f, err := files.Load(filePath)
				if err != nil {
					return err
				}
				if err := c.SelectFile(ctx, f); err != nil && !errors.Is(err, handoff.ErrRelayDeliveryUnknown) {
					return err
				}
			}

			if err := awaitFile(ctx, c, changes); err != nil {
				return cancelOnExit(c, err)
			}
			if !confirm {
				return printJSON(c.Snapshot())
			}
			inv, err := c.Confirm(ctx)
			if err != nil {
				return cancelOnExit(c, err)
			}
			return printJSON(inv)
		},
	}
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "upload this file from the primary instead of waiting for a companion")
	cmd.Flags().StringVar(&qrOut, "qr-out", "", "write the pairing QR code PNG to this path")
	cmd.Flags().StringVar(&companionURL, "companion-url", "", "capture page encoded in the pairing link (default <backend>/bill/capture)")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "submit the received file for extraction and print the invoice")
	return cmd
}

// awaitFile blocks until the primary holds an uploaded file.
func awaitFile(ctx context.Context, c *primary.Coordinator, changes <-chan primary.Snapshot) error {
	peer := ""
	ready := func(s primary.Snapshot) bool {
		if s.Session.PeerSessionID != peer {
			peer = s.Session.PeerSessionID
			if peer != "" {
				env.log.Info().Str("peer_session_id", peer).Msg("companion paired")
			}
		}
		return s.State == primary.StateFileReceived && s.File != nil && s.File.Status == handoff.FileUploaded
	}
	if ready(c.Snapshot()) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-changes:
			if s.State == primary.StateClosed {
				return handoff.ErrClosed
			}
			if ready(s) {
				env.log.Info().Str("file_url", s.File.RemoteURL).Str("source", string(s.File.SourceRole)).Msg("file received")
				return nil
			}
		}
	}
}

// cancelOnExit ends the session with a fresh deadline and keeps the original error.
func cancelOnExit(c *primary.Coordinator, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Cancel(ctx); err != nil {
		env.log.Warn().Err(err).Msg("cancel failed")
	}
	return cause
}
