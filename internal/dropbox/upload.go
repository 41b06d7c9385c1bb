package dropbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Upload routes.
const (
	endpointUpload        = "/files/upload"
	endpointSessionStart  = "/files/upload_session/start"
	endpointSessionAppend = "/files/upload_session/append_v2"
	endpointSessionFinish = "/files/upload_session/finish"
)

// MaxRequestSize is the most data a single upload request may carry.
const MaxRequestSize = 150 * 1024 * 1024

// WriteModeOverwrite replaces whatever is at the destination path.
const WriteModeOverwrite = "overwrite"

// Cursor identifies a session and the offset the next chunk starts at.
type Cursor struct {
	SessionID string `json:"session_id"`
	Offset    int64  `json:"offset"`
}

// CommitInfo tells finish (or a single upload) where and how to write.
type CommitInfo struct {
	Path       string `json:"path"`
	Mode       string `json:"mode"`
	Autorename bool   `json:"autorename"`
	Mute       bool   `json:"mute"`
}

// OverwriteCommit replaces the file at path without renaming and without
// notifying the user's devices.
func OverwriteCommit(path string) CommitInfo {
	return CommitInfo{Path: path, Mode: WriteModeOverwrite, Autorename: false, Mute: true}
}

// FileMetadata describes a committed file.
type FileMetadata struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	PathDisplay    string    `json:"path_display"`
	PathLower      string    `json:"path_lower"`
	Rev            string    `json:"rev"`
	Size           int64     `json:"size"`
	ServerModified time.Time `json:"server_modified"`
	ContentHash    string    `json:"content_hash"`
}

type startArg struct {
	Close bool `json:"close"`
}

type startResult struct {
	SessionID string `json:"session_id"`
}

type appendArg struct {
	Cursor Cursor `json:"cursor"`
	Close  bool   `json:"close"`
}

type finishArg struct {
	Cursor Cursor     `json:"cursor"`
	Commit CommitInfo `json:"commit"`
}

// Upload writes content of length bytes to commit.Path in a single request.
// Limited to MaxRequestSize.
func (c *Client) Upload(
	ctx context.Context, accessToken string, commit CommitInfo, content io.Reader, length int64,
) (*FileMetadata, error) {
	if length > MaxRequestSize {
		return nil, fmt.Errorf("dropbox: single upload of %d bytes exceeds %d", length, MaxRequestSize)
	}

	c.logger.Info("single upload",
		slog.String("path", commit.Path),
		slog.Int64("size", length),
	)

	var md FileMetadata
	if err := c.content(ctx, accessToken, endpointUpload, commit, content, length, &md); err != nil {
		return nil, err
	}

	return &md, nil
}

// StartSession opens an upload session carrying the first chunk and returns
// its ID. The session holds length bytes afterwards.
func (c *Client) StartSession(ctx context.Context, accessToken string, chunk io.Reader, length int64) (string, error) {
	c.logger.Debug("starting upload session", slog.Int64("length", length))

	var res startResult
	if err := c.content(ctx, accessToken, endpointSessionStart, startArg{}, chunk, length, &res); err != nil {
		return "", err
	}

	if res.SessionID == "" {
		return "", fmt.Errorf("dropbox: %s returned no session id", endpointSessionStart)
	}

	return res.SessionID, nil
}

// AppendSession appends chunk at cursor.Offset. A mismatched offset fails
// with an APIError wrapping ErrIncorrectOffset and carrying the offset the
// server expects.
func (c *Client) AppendSession(ctx context.Context, accessToken string, cursor Cursor, chunk io.Reader, length int64) error {
	c.logger.Debug("appending to upload session",
		slog.Int64("offset", cursor.Offset),
		slog.Int64("length", length),
	)

	return c.content(ctx, accessToken, endpointSessionAppend, appendArg{Cursor: cursor}, chunk, length, nil)
}

// FinishSession sends the final chunk at cursor.Offset and commits the
// session. The file only exists at commit.Path after this succeeds.
func (c *Client) FinishSession(
	ctx context.Context, accessToken string, cursor Cursor, commit CommitInfo, chunk io.Reader, length int64,
) (*FileMetadata, error) {
	c.logger.Debug("finishing upload session",
		slog.Int64("offset", cursor.Offset),
		slog.Int64("length", length),
		slog.String("path", commit.Path),
	)

	var md FileMetadata

	arg := finishArg{Cursor: cursor, Commit: commit}
	if err := c.content(ctx, accessToken, endpointSessionFinish, arg, chunk, length, &md); err != nil {
		return nil, err
	}

	return &md, nil
}
