package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rss-kobo/internal/dropbox"
	"github.com/tonimelisma/rss-kobo/internal/ledger"
	"github.com/tonimelisma/rss-kobo/internal/transfer"
)

// recordTimeout bounds the ledger write after an upload, which must happen
// even when the run context was canceled.
const recordTimeout = 10 * time.Second

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <user> <file>",
		Short: "Deliver a file to the user's Kobo Dropbox folder",
		Long: `Uploads <file> to the configured remote folder, replacing the previous
delivery. The remote file only changes once the whole upload has been
committed, so an interrupted run leaves the last delivery in place.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd.Context(), args[0], args[1])
		},
	}

	// Read by loadConfig as CLI overrides.
	cmd.Flags().String("target", "", "remote file name (default from config)")
	cmd.Flags().String("chunk-size", "", "upload chunk size, e.g. 8MiB (default from config)")

	return cmd
}

func runUpload(ctx context.Context, username, localPath string) error {
	cfg := resolvedCfg
	logger := buildLogger()

	if err := cfg.RequireApp(); err != nil {
		return err
	}

	ctx, cancel := shutdownContext(ctx, logger)
	defer cancel()

	sess, err := newSession(cfg, logger)
	if err != nil {
		return err
	}

	unlock, err := sess.lockUser(username)
	if err != nil {
		return err
	}
	defer unlock()

	remotePath, err := dropbox.JoinPath(cfg.RemoteFolder, cfg.TargetName)
	if err != nil {
		return err
	}

	mgr := sess.manager(username)

	tok, err := mgr.ValidToken(ctx)
	if err != nil {
		return err
	}

	logger.Debug("access token ready", slog.String("state", tok.State.String()))

	if abs, absErr := filepath.Abs(localPath); absErr == nil {
		localPath = abs
	}

	up := transfer.NewUploader(sess.dropbox(), mgr, logger, cfg.MaxRetries)
	started := time.Now()

	res, upErr := up.UploadFile(ctx, tok.AccessToken, localPath, remotePath, cfg.ChunkSize)

	if err := recordDelivery(sess, username, localPath, remotePath, started, res, upErr); err != nil {
		logger.Warn("could not record delivery", slog.String("error", err.Error()))
	}

	if upErr != nil {
		return upErr
	}

	logger.Info("delivery complete",
		slog.String("user", username),
		slog.String("remote_path", res.RemotePath),
		slog.Int64("size", res.Size),
		slog.Int("chunks", res.Chunks),
		slog.Bool("hash_verified", res.HashVerified),
	)

	if !res.HashVerified {
		logger.Warn("remote content hash missing or different from local file",
			slog.String("local_hash", res.LocalHash),
		)
	}

	statusf("Delivered %s (%s) to %s.\n", filepath.Base(localPath), formatSize(res.Size), res.RemotePath)

	return nil
}

// recordDelivery writes the attempt to the ledger. A nil ledger (disabled)
// records nothing.
func recordDelivery(
	sess *session, username, localPath, remotePath string, started time.Time, res *transfer.Result, upErr error,
) error {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	l, err := sess.openLedger(ctx)
	if err != nil || l == nil {
		return err
	}
	defer l.Close()

	d := ledger.Delivery{
		Username:   username,
		LocalPath:  localPath,
		RemotePath: remotePath,
		Status:     ledger.StatusDelivered,
		StartedAt:  started,
	}

	if res != nil {
		d.Size = res.Size
		d.Chunks = res.Chunks
		d.ContentHash = res.LocalHash
		d.HashVerified = res.HashVerified

		if res.Metadata != nil {
			d.Rev = res.Metadata.Rev
		}
	}

	if upErr != nil {
		d.Status = ledger.StatusFailed
		d.Error = upErr.Error()

		if errors.Is(upErr, context.Canceled) {
			d.Error = fmt.Sprintf("interrupted: %s", upErr)
		}
	}

	_, err = l.Record(ctx, d)

	return err
}
