// Package transfer uploads finished files to Dropbox. Files that fit in one
// chunk go up in a single request; larger files use an upload session whose
// chunks are read from the source at their absolute offset, so a rejected or
// failed chunk is resent without restarting from zero.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tonimelisma/rss-kobo/internal/dropbox"
	"github.com/tonimelisma/rss-kobo/pkg/contenthash"
)

// Chunk size bounds.
const (
	DefaultChunkSize = 4 * 1024 * 1024
	MaxChunkSize     = dropbox.MaxRequestSize
)

// DefaultMaxRetries bounds retries of a transiently failing chunk.
const DefaultMaxRetries = 3

// Sentinel errors.
var (
	// ErrUpload means the upload did not complete. Nothing was written to
	// the destination; the cause is wrapped alongside.
	ErrUpload = errors.New("transfer: upload failed")

	// ErrInvalidChunkSize is returned for chunk sizes outside
	// (0, MaxChunkSize].
	ErrInvalidChunkSize = errors.New("transfer: invalid chunk size")
)

// SessionAPI is the remote side of an upload. Satisfied by *dropbox.Client.
type SessionAPI interface {
	Upload(ctx context.Context, accessToken string, commit dropbox.CommitInfo, content io.Reader, length int64) (*dropbox.FileMetadata, error)
	StartSession(ctx context.Context, accessToken string, chunk io.Reader, length int64) (string, error)
	AppendSession(ctx context.Context, accessToken string, cursor dropbox.Cursor, chunk io.Reader, length int64) error
	FinishSession(
		ctx context.Context, accessToken string, cursor dropbox.Cursor, commit dropbox.CommitInfo, chunk io.Reader, length int64,
	) (*dropbox.FileMetadata, error)
}

// TokenRefresher replaces an access token the remote rejected. Satisfied by
// *auth.Manager.
type TokenRefresher interface {
	ForceRefresh(ctx context.Context) (string, error)
}

// Result reports a completed upload.
type Result struct {
	Metadata     *dropbox.FileMetadata
	RemotePath   string
	LocalHash    string
	Size         int64
	Chunks       int
	HashVerified bool // false when the remote reported no hash or a different one
}

// uploadSession tracks one in-flight session. Never persisted.
type uploadSession struct {
	id          string
	committed   int64
	total       int64
	accessToken string
}

// Uploader sends files to the remote. It holds no per-upload state and may
// be reused for several files in sequence.
type Uploader struct {
	api        SessionAPI
	tokens     TokenRefresher
	logger     *slog.Logger
	maxRetries int

	// sleepFunc is called to wait between retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewUploader creates an Uploader. tokens may be nil, in which case a
// rejected access token fails the upload. A negative maxRetries selects
// DefaultMaxRetries.
func NewUploader(api SessionAPI, tokens TokenRefresher, logger *slog.Logger, maxRetries int) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}

	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	return &Uploader{
		api:        api,
		tokens:     tokens,
		logger:     logger,
		maxRetries: maxRetries,
		sleepFunc:  dropbox.Sleep,
	}
}

// UploadFile uploads the file at localPath to remotePath, overwriting any
// existing file there. chunkSize 0 selects DefaultChunkSize.
func (u *Uploader) UploadFile(
	ctx context.Context, accessToken, localPath, remotePath string, chunkSize int64,
) (*Result, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("transfer: stat %s: %w", localPath, err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("transfer: %s is not a regular file", localPath)
	}

	u.logger.Info("uploading file",
		slog.String("local_path", localPath),
		slog.String("remote_path", remotePath),
		slog.Int64("size", info.Size()),
	)

	return u.upload(ctx, accessToken, f, info.Size(), remotePath, chunkSize)
}

// Upload sends size bytes of content to remotePath and returns the committed
// file's metadata. The destination only changes when the final request
// succeeds.
func (u *Uploader) Upload(
	ctx context.Context, accessToken string, content io.ReaderAt, size int64, remotePath string, chunkSize int64,
) (*dropbox.FileMetadata, error) {
	res, err := u.upload(ctx, accessToken, content, size, remotePath, chunkSize)
	if err != nil {
		return nil, err
	}

	return res.Metadata, nil
}

func (u *Uploader) upload(
	ctx context.Context, accessToken string, content io.ReaderAt, size int64, remotePath string, chunkSize int64,
) (*Result, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	if chunkSize < 0 || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: %d (must be between 1 and %d bytes)", ErrInvalidChunkSize, chunkSize, MaxChunkSize)
	}

	if size < 0 {
		return nil, fmt.Errorf("transfer: negative size %d", size)
	}

	path, err := dropbox.NormalizePath(remotePath)
	if err != nil {
		return nil, fmt.Errorf("transfer: remote path %q: %w", remotePath, err)
	}

	commit := dropbox.OverwriteCommit(path)
	hasher := contenthash.New()

	var (
		md     *dropbox.FileMetadata
		chunks int
	)

	if size <= chunkSize {
		md, err = u.single(ctx, accessToken, content, size, commit, hasher)
		chunks = 1
	} else {
		md, chunks, err = u.session(ctx, accessToken, content, size, commit, chunkSize, hasher)
	}

	if err != nil {
		return nil, err
	}

	if md == nil {
		return nil, fmt.Errorf("%w: %s: remote returned no metadata", ErrUpload, path)
	}

	res := &Result{
		Metadata:   md,
		RemotePath: path,
		LocalHash:  contenthash.Hex(hasher),
		Size:       size,
		Chunks:     chunks,
	}

	switch {
	case md.ContentHash == "":
		u.logger.Warn("remote reported no content hash, upload unverified", slog.String("path", path))
	case md.ContentHash != res.LocalHash:
		u.logger.Warn("upload hash mismatch",
			slog.String("path", path),
			slog.String("local_hash", res.LocalHash),
			slog.String("remote_hash", md.ContentHash),
		)
	default:
		res.HashVerified = true
	}

	u.logger.Info("upload complete",
		slog.String("path", path),
		slog.String("rev", md.Rev),
		slog.Int64("size", size),
		slog.Int("chunks", chunks),
		slog.Bool("hash_verified", res.HashVerified),
	)

	return res, nil
}

// single uploads content in one request.
func (u *Uploader) single(
	ctx context.Context, accessToken string, content io.ReaderAt, size int64,
	commit dropbox.CommitInfo, hasher io.Writer,
) (*dropbox.FileMetadata, error) {
	buf := make([]byte, size)
	if err := readChunk(content, buf, 0); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUpload, commit.Path, err)
	}

	md, err := u.api.Upload(ctx, accessToken, commit, bytes.NewReader(buf), size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUpload, commit.Path, err)
	}

	hasher.Write(buf)

	return md, nil
}

// session uploads content in chunks of chunkSize: start carries the first
// chunk, append the middle ones, finish the last one and the commit. The
// number of requests is ceil(size / chunkSize).
func (u *Uploader) session(
	ctx context.Context, accessToken string, content io.ReaderAt, size int64,
	commit dropbox.CommitInfo, chunkSize int64, hasher io.Writer,
) (*dropbox.FileMetadata, int, error) {
	s := &uploadSession{total: size, accessToken: accessToken}
	buf := make([]byte, chunkSize)
	chunks := 0

	// First chunk opens the session.
	first := buf[:chunkSize]
	if err := readChunk(content, first, 0); err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", ErrUpload, commit.Path, err)
	}

	id, err := u.api.StartSession(ctx, s.accessToken, bytes.NewReader(first), chunkSize)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: opening session: %w", ErrUpload, commit.Path, err)
	}

	s.id = id
	s.committed = chunkSize
	hasher.Write(first)
	chunks++

	u.logger.Debug("upload session opened",
		slog.String("path", commit.Path),
		slog.Int64("total", size),
		slog.Int64("chunk_size", chunkSize),
	)

	for size-s.committed > chunkSize {
		chunk := buf[:chunkSize]
		if err := readChunk(content, chunk, s.committed); err != nil {
			return nil, chunks, u.abandon(s, commit.Path, err)
		}

		if err := u.appendChunk(ctx, s, chunk); err != nil {
			return nil, chunks, u.abandon(s, commit.Path, err)
		}

		hasher.Write(chunk)
		chunks++
	}

	last := buf[:size-s.committed]
	if err := readChunk(content, last, s.committed); err != nil {
		return nil, chunks, u.abandon(s, commit.Path, err)
	}

	cursor := dropbox.Cursor{SessionID: s.id, Offset: s.committed}

	md, err := u.api.FinishSession(ctx, s.accessToken, cursor, commit, bytes.NewReader(last), int64(len(last)))
	if err != nil {
		return nil, chunks, fmt.Errorf("%w: %s: closing session at offset %d: %w", ErrUpload, commit.Path, s.committed, err)
	}

	s.committed += int64(len(last))
	hasher.Write(last)
	chunks++

	return md, chunks, nil
}

// appendChunk sends chunk at s.committed and advances it. A rejected access
// token is refreshed once and the same chunk resent; transient failures are
// retried with backoff up to maxRetries.
func (u *Uploader) appendChunk(ctx context.Context, s *uploadSession, chunk []byte) error {
	n := int64(len(chunk))
	refreshed := false
	attempt := 0

	for {
		cursor := dropbox.Cursor{SessionID: s.id, Offset: s.committed}

		err := u.api.AppendSession(ctx, s.accessToken, cursor, bytes.NewReader(chunk), n)
		if err == nil {
			s.committed += n

			u.logger.Debug("chunk committed",
				slog.Int64("offset", cursor.Offset),
				slog.Int64("length", n),
				slog.Int64("total", s.total),
			)

			return nil
		}

		if ctx.Err() != nil {
			return err
		}

		var apiErr *dropbox.APIError

		switch {
		case errors.Is(err, dropbox.ErrUnauthorized) && !refreshed && u.tokens != nil:
			refreshed = true

			u.logger.Info("access token rejected mid-upload, refreshing",
				slog.Int64("offset", cursor.Offset),
			)

			tok, refreshErr := u.tokens.ForceRefresh(ctx)
			if refreshErr != nil {
				return fmt.Errorf("refreshing rejected access token: %w", refreshErr)
			}

			s.accessToken = tok

		case errors.As(err, &apiErr) && errors.Is(err, dropbox.ErrIncorrectOffset) &&
			(attempt > 0 || refreshed) && apiErr.CorrectOffset == s.committed+n:
			// An earlier attempt landed even though its response was lost.
			s.committed += n

			u.logger.Info("chunk already committed by an earlier attempt",
				slog.Int64("offset", cursor.Offset),
				slog.Int64("length", n),
			)

			return nil

		case dropbox.IsRetryable(err) && attempt < u.maxRetries:
			backoff := dropbox.Backoff(err, attempt)
			u.logger.Warn("retrying chunk",
				slog.Int64("offset", cursor.Offset),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if sleepErr := u.sleepFunc(ctx, backoff); sleepErr != nil {
				return fmt.Errorf("waiting to retry chunk: %w", sleepErr)
			}

			attempt++

		default:
			if attempt > 0 {
				return fmt.Errorf("chunk at offset %d failed after %d attempts: %w", cursor.Offset, attempt+1, err)
			}

			return err
		}
	}
}

// abandon logs the dropped session and wraps cause in ErrUpload. The remote
// discards unfinished sessions on its own; nothing is visible at the
// destination.
func (u *Uploader) abandon(s *uploadSession, path string, cause error) error {
	u.logger.Error("abandoning upload session",
		slog.String("path", path),
		slog.Int64("committed", s.committed),
		slog.Int64("total", s.total),
		slog.String("error", cause.Error()),
	)

	return fmt.Errorf("%w: %s at offset %d: %w", ErrUpload, path, s.committed, cause)
}

// readChunk fills buf from content at off.
func readChunk(content io.ReaderAt, buf []byte, off int64) error {
	n, err := content.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}

	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}

	return fmt.Errorf("reading %d bytes at offset %d: %w", len(buf), off, err)
}
