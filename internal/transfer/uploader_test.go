package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/rss-kobo/internal/dropbox"
	"github.com/tonimelisma/rss-kobo/pkg/contenthash"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

type call struct {
	kind   string // upload, start, append, finish
	offset int64
	length int64
	token  string
}

// fakeAPI is an in-memory upload endpoint. Sessions accumulate bytes and the
// destination only appears on finish or single upload.
type fakeAPI struct {
	calls    []call
	sessions map[string][]byte
	files    map[string][]byte

	// failAppend, when set, is consulted before each append is applied.
	failAppend func(n int, c call) error
	appends    int

	failStart  error
	failFinish error
	badHash    bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{sessions: map[string][]byte{}, files: map[string][]byte{}}
}

func (f *fakeAPI) metadata(path string, data []byte) *dropbox.FileMetadata {
	h := contenthash.New()
	h.Write(data)

	hash := contenthash.Hex(h)
	if f.badHash {
		hash = "0000"
	}

	return &dropbox.FileMetadata{
		ID:          "id:1",
		Name:        filepath.Base(path),
		PathDisplay: path,
		Rev:         "rev1",
		Size:        int64(len(data)),
		ContentHash: hash,
	}
}

func (f *fakeAPI) Upload(_ context.Context, tok string, commit dropbox.CommitInfo, r io.Reader, n int64) (*dropbox.FileMetadata, error) {
	f.calls = append(f.calls, call{kind: "upload", length: n, token: tok})

	data, _ := io.ReadAll(r)
	f.files[commit.Path] = data

	return f.metadata(commit.Path, data), nil
}

func (f *fakeAPI) StartSession(_ context.Context, tok string, r io.Reader, n int64) (string, error) {
	f.calls = append(f.calls, call{kind: "start", length: n, token: tok})

	if f.failStart != nil {
		return "", f.failStart
	}

	data, _ := io.ReadAll(r)
	f.sessions["s1"] = data

	return "s1", nil
}

func (f *fakeAPI) AppendSession(_ context.Context, tok string, cur dropbox.Cursor, r io.Reader, n int64) error {
	c := call{kind: "append", offset: cur.Offset, length: n, token: tok}
	f.calls = append(f.calls, c)
	f.appends++

	if f.failAppend != nil {
		if err := f.failAppend(f.appends, c); err != nil {
			return err
		}
	}

	have := int64(len(f.sessions[cur.SessionID]))
	if cur.Offset != have {
		return &dropbox.APIError{StatusCode: 409, Err: dropbox.ErrIncorrectOffset, CorrectOffset: have}
	}

	data, _ := io.ReadAll(r)
	f.sessions[cur.SessionID] = append(f.sessions[cur.SessionID], data...)

	return nil
}

func (f *fakeAPI) FinishSession(
	_ context.Context, tok string, cur dropbox.Cursor, commit dropbox.CommitInfo, r io.Reader, n int64,
) (*dropbox.FileMetadata, error) {
	f.calls = append(f.calls, call{kind: "finish", offset: cur.Offset, length: n, token: tok})

	if f.failFinish != nil {
		return nil, f.failFinish
	}

	have := int64(len(f.sessions[cur.SessionID]))
	if cur.Offset != have {
		return nil, &dropbox.APIError{StatusCode: 409, Err: dropbox.ErrIncorrectOffset, CorrectOffset: have}
	}

	data, _ := io.ReadAll(r)
	full := append(f.sessions[cur.SessionID], data...)
	f.files[commit.Path] = full
	delete(f.sessions, cur.SessionID)

	return f.metadata(commit.Path, full), nil
}

// fakeRefresher hands out numbered tokens.
type fakeRefresher struct {
	calls int
	err   error
}

func (r *fakeRefresher) ForceRefresh(context.Context) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}

	return fmt.Sprintf("refreshed-%d", r.calls), nil
}

func newTestUploader(api SessionAPI, tokens TokenRefresher) *Uploader {
	u := NewUploader(api, tokens, nil, DefaultMaxRetries)
	u.sleepFunc = noopSleep

	return u
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}

	return b
}

const dest = "/Apps/Rakuten Kobo/Daily-RSS.epub"

func TestUpload_ChunkCountAndContiguousOffsets(t *testing.T) {
	const cs = 10

	for _, tc := range []struct {
		size      int
		wantCalls int
	}{
		{size: 4*cs + 3, wantCalls: 5},
		{size: 2*cs + 1, wantCalls: 3},
		{size: cs + 1, wantCalls: 2},
		{size: 3 * cs, wantCalls: 3},
	} {
		t.Run(fmt.Sprintf("size=%d", tc.size), func(t *testing.T) {
			api := newFakeAPI()
			data := payload(tc.size)

			md, err := newTestUploader(api, nil).Upload(context.Background(), "tok",
				bytes.NewReader(data), int64(len(data)), dest, cs)
			require.NoError(t, err)
			assert.Equal(t, int64(tc.size), md.Size)

			require.Len(t, api.calls, tc.wantCalls)
			assert.Equal(t, "start", api.calls[0].kind)
			assert.Equal(t, "finish", api.calls[len(api.calls)-1].kind)

			var next int64
			for i, c := range api.calls {
				if i > 0 {
					assert.Equal(t, next, c.offset, "call %d offset", i)
				}

				next += c.length
			}

			assert.Equal(t, int64(tc.size), next)
			assert.Equal(t, data, api.files[dest])
		})
	}
}

func TestUpload_SmallFileUsesSingleRequest(t *testing.T) {
	api := newFakeAPI()
	data := payload(10)

	md, err := newTestUploader(api, nil).Upload(context.Background(), "tok",
		bytes.NewReader(data), 10, dest, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), md.Size)

	require.Len(t, api.calls, 1)
	assert.Equal(t, "upload", api.calls[0].kind)
	assert.Equal(t, data, api.files[dest])
}

func TestUpload_EmptyFile(t *testing.T) {
	api := newFakeAPI()

	_, err := newTestUploader(api, nil).Upload(context.Background(), "tok", bytes.NewReader(nil), 0, dest, 10)
	require.NoError(t, err)

	require.Len(t, api.calls, 1)
	assert.Equal(t, "upload", api.calls[0].kind)
	assert.Empty(t, api.files[dest])
}

func TestUpload_RejectedTokenOnChunk3Of5(t *testing.T) {
	const cs = 10

	api := newFakeAPI()
	rejected := false
	// Chunk 1 is start; chunk 3 is the second append.
	api.failAppend = func(n int, c call) error {
		if n == 2 && !rejected {
			rejected = true
			return &dropbox.APIError{StatusCode: 401, Tag: "expired_access_token", Err: dropbox.ErrUnauthorized}
		}

		return nil
	}

	tokens := &fakeRefresher{}
	data := payload(4*cs + 5)

	md, err := newTestUploader(api, tokens).Upload(context.Background(), "tok",
		bytes.NewReader(data), int64(len(data)), dest, cs)
	require.NoError(t, err)
	require.NotNil(t, md)

	assert.Equal(t, 1, tokens.calls, "exactly one refresh")

	kinds := make([]string, 0, len(api.calls))
	offsets := make([]int64, 0, len(api.calls))
	for _, c := range api.calls {
		kinds = append(kinds, c.kind)
		offsets = append(offsets, c.offset)
	}

	// Chunk 3 (offset 20) is sent twice; chunks 1 and 2 are not resent.
	assert.Equal(t, []string{"start", "append", "append", "append", "append", "finish"}, kinds)
	assert.Equal(t, []int64{0, 10, 20, 20, 30, 40}, offsets)

	assert.Equal(t, "tok", api.calls[2].token)
	assert.Equal(t, "refreshed-1", api.calls[3].token)
	assert.Equal(t, "refreshed-1", api.calls[5].token, "later chunks use the refreshed token")

	assert.Equal(t, data, api.files[dest])
}

func TestUpload_SecondRejectionIsNotRefreshedAgain(t *testing.T) {
	api := newFakeAPI()
	api.failAppend = func(int, call) error {
		return &dropbox.APIError{StatusCode: 401, Err: dropbox.ErrUnauthorized}
	}

	tokens := &fakeRefresher{}
	data := payload(35)

	_, err := newTestUploader(api, tokens).Upload(context.Background(), "tok",
		bytes.NewReader(data), int64(len(data)), dest, 10)
	require.ErrorIs(t, err, ErrUpload)
	assert.ErrorIs(t, err, dropbox.ErrUnauthorized)
	assert.Equal(t, 1, tokens.calls)
	assert.Empty(t, api.files, "no destination file after a failed upload")
}

func TestUpload_RefreshFailureAbortsUpload(t *testing.T) {
	api := newFakeAPI()
	api.failAppend = func(int, call) error {
		return &dropbox.APIError{StatusCode: 401, Err: dropbox.ErrUnauthorized}
	}

	refreshErr := errors.New("refresh token revoked")
	tokens := &fakeRefresher{err: refreshErr}
	data := payload(35)

	_, err := newTestUploader(api, tokens).Upload(context.Background(), "tok",
		bytes.NewReader(data), int64(len(data)), dest, 10)
	require.ErrorIs(t, err, ErrUpload)
	assert.ErrorIs(t, err, refreshErr)
	assert.Empty(t, api.files)
}

func TestUpload_TransientFailureRetried(t *testing.T) {
	api := newFakeAPI()
	failures := 0
	api.failAppend = func(n int, _ call) error {
		if failures < 2 {
			failures++
			return &dropbox.APIError{StatusCode: 503, Err: dropbox.ErrServerError}
		}

		return nil
	}

	data := payload(25)

	_, err := newTestUploader(api, nil).Upload(context.Background(), "tok",
		bytes.NewReader(data), int64(len(data)), dest, 10)
	require.NoError(t, err)
	assert.Equal(t, data, api.files[dest])
	assert.Equal(t, 3, api.appends)
}

func TestUpload_RetriesExhausted(t *testing.T) {
	api := newFakeAPI()
	api.failAppend = func(int, call) error {
		return &dropbox.APIError{StatusCode: 500, Err: dropbox.ErrServerError}
	}

	data := payload(35)

	_, err := newTestUploader(api, nil).Upload(context.Background(), "tok",
		bytes.NewReader(data), int64(len(data)), dest, 10)
	require.ErrorIs(t, err, ErrUpload)
	assert.ErrorIs(t, err, dropbox.ErrServerError)
	assert.Equal(t, DefaultMaxRetries+1, api.appends)
	assert.Empty(t, api.files, "destination must not exist before finish")

	for _, c := range api.calls {
		assert.NotEqual(t, "finish", c.kind)
	}
}

func TestUpload_LostResponseTreatedAsCommitted(t *testing.T) {
	api := newFakeAPI()
	first := true
	// The first append lands but its response is lost; the retry is told
	// the session is already past this chunk.
	api.failAppend = func(_ int, c call) error {
		if first {
			first = false
			api.sessions["s1"] = append(api.sessions["s1"], payload(20)[c.offset:c.offset+c.length]...)

			return &dropbox.APIError{StatusCode: 503, Err: dropbox.ErrServerError}
		}

		return nil
	}

	data := payload(25)

	_, err := newTestUploader(api, nil).Upload(context.Background(), "tok",
		bytes.NewReader(data), int64(len(data)), dest, 10)
	require.NoError(t, err)
	assert.Equal(t, data, api.files[dest])
}

func TestUpload_IncorrectOffsetOnFirstAttemptFails(t *testing.T) {
	api := newFakeAPI()
	api.failAppend = func(_ int, c call) error {
		return &dropbox.APIError{StatusCode: 409, Err: dropbox.ErrIncorrectOffset, CorrectOffset: c.offset + c.length}
	}

	data := payload(25)

	_, err := newTestUploader(api, nil).Upload(context.Background(), "tok",
		bytes.NewReader(data), int64(len(data)), dest, 10)
	require.ErrorIs(t, err, ErrUpload)
	assert.ErrorIs(t, err, dropbox.ErrIncorrectOffset)
}

func TestUpload_StartAndFinishFailuresSurfaceCause(t *testing.T) {
	startErr := &dropbox.APIError{StatusCode: 401, Err: dropbox.ErrUnauthorized}

	api := newFakeAPI()
	api.failStart = startErr

	tokens := &fakeRefresher{}

	_, err := newTestUploader(api, tokens).Upload(context.Background(), "tok",
		bytes.NewReader(payload(25)), 25, dest, 10)
	require.ErrorIs(t, err, ErrUpload)
	assert.ErrorIs(t, err, dropbox.ErrUnauthorized)
	assert.Zero(t, tokens.calls)

	api = newFakeAPI()
	api.failFinish = &dropbox.APIError{StatusCode: 409, Err: dropbox.ErrConflict, Summary: "path/conflict/file/"}

	_, err = newTestUploader(api, nil).Upload(context.Background(), "tok",
		bytes.NewReader(payload(25)), 25, dest, 10)
	require.ErrorIs(t, err, ErrUpload)
	assert.ErrorIs(t, err, dropbox.ErrConflict)
	assert.Empty(t, api.files)
}

func TestUpload_CanceledContext(t *testing.T) {
	api := newFakeAPI()

	ctx, cancel := context.WithCancel(context.Background())
	api.failAppend = func(int, call) error {
		cancel()
		return fmt.Errorf("dropbox: append canceled: %w", context.Canceled)
	}

	_, err := newTestUploader(api, nil).Upload(ctx, "tok", bytes.NewReader(payload(35)), 35, dest, 10)
	require.ErrorIs(t, err, ErrUpload)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, api.appends, "canceled chunk is not retried")
}

func TestUpload_InvalidChunkSize(t *testing.T) {
	u := newTestUploader(newFakeAPI(), nil)

	for _, cs := range []int64{-1, MaxChunkSize + 1} {
		_, err := u.Upload(context.Background(), "tok", bytes.NewReader(nil), 0, dest, cs)
		assert.ErrorIs(t, err, ErrInvalidChunkSize, "chunk size %d", cs)
	}
}

func TestUpload_InvalidRemotePath(t *testing.T) {
	_, err := newTestUploader(newFakeAPI(), nil).Upload(context.Background(), "tok",
		bytes.NewReader(nil), 0, "/", 10)
	assert.ErrorIs(t, err, dropbox.ErrInvalidPath)
}

func TestUpload_ShortSource(t *testing.T) {
	api := newFakeAPI()

	// Claims 30 bytes but only 25 exist.
	_, err := newTestUploader(api, nil).Upload(context.Background(), "tok",
		bytes.NewReader(payload(25)), 30, dest, 10)
	require.ErrorIs(t, err, ErrUpload)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Empty(t, api.files)
}

func TestUploadFile_ResultAndHashVerification(t *testing.T) {
	data := payload(25)
	path := filepath.Join(t.TempDir(), "Daily-RSS.epub")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	api := newFakeAPI()

	res, err := newTestUploader(api, nil).UploadFile(context.Background(), "tok", path, dest, 10)
	require.NoError(t, err)
	assert.Equal(t, dest, res.RemotePath)
	assert.Equal(t, int64(25), res.Size)
	assert.Equal(t, 3, res.Chunks)
	assert.True(t, res.HashVerified)

	h := contenthash.New()
	h.Write(data)
	assert.Equal(t, contenthash.Hex(h), res.LocalHash)

	api = newFakeAPI()
	api.badHash = true

	res, err = newTestUploader(api, nil).UploadFile(context.Background(), "tok", path, dest, 10)
	require.NoError(t, err)
	assert.False(t, res.HashVerified)
}

func TestUploadFile_Missing(t *testing.T) {
	_, err := newTestUploader(newFakeAPI(), nil).UploadFile(context.Background(), "tok",
		filepath.Join(t.TempDir(), "missing.epub"), dest, 10)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUploadFile_Directory(t *testing.T) {
	_, err := newTestUploader(newFakeAPI(), nil).UploadFile(context.Background(), "tok", t.TempDir(), dest, 10)
	assert.Error(t, err)
}
