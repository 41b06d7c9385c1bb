package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/rss-kobo/internal/config"
	"github.com/tonimelisma/rss-kobo/internal/dropbox"
	"github.com/tonimelisma/rss-kobo/internal/tokenfile"
	"github.com/tonimelisma/rss-kobo/pkg/contenthash"
)

// fakeDropbox serves the OAuth token endpoint and the API and content hosts
// from one httptest server. Files live in memory.
type fakeDropbox struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	accountID   string
	email       string
	validToken  string
	issued      int
	files       map[string][]byte
	sessions    map[string][]byte
	nextSession int
	calls       []string

	// expireOnAppend invalidates the current access token when the first
	// append arrives, as if it expired mid-upload.
	expireOnAppend bool
}

func newFakeDropbox(t *testing.T) *fakeDropbox {
	t.Helper()

	f := &fakeDropbox{
		t:         t,
		accountID: "dbid:alice",
		email:     "alice@example.com",
		files:     make(map[string][]byte),
		sessions:  make(map[string][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/token", f.handleToken)
	mux.HandleFunc("POST /2/users/get_current_account", f.authed(f.handleAccount))
	mux.HandleFunc("POST /2/files/upload", f.authed(f.handleUpload))
	mux.HandleFunc("POST /2/files/upload_session/start", f.authed(f.handleStart))
	mux.HandleFunc("POST /2/files/upload_session/append_v2", f.authed(f.handleAppend))
	mux.HandleFunc("POST /2/files/upload_session/finish", f.authed(f.handleFinish))

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	old := endpoints
	endpoints = remoteEndpoints{
		apiURL:     f.srv.URL + "/2",
		contentURL: f.srv.URL + "/2",
		authURL:    f.srv.URL + "/oauth2/authorize",
		tokenURL:   f.srv.URL + "/oauth2/token",
	}

	t.Cleanup(func() { endpoints = old })

	return f
}

func (f *fakeDropbox) issueToken() string {
	f.issued++
	f.validToken = fmt.Sprintf("at-%d", f.issued)

	return f.validToken
}

func (f *fakeDropbox) handleToken(w http.ResponseWriter, r *http.Request) {
	require.NoError(f.t, r.ParseForm())

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "token:"+r.PostForm.Get("grant_type"))

	refreshToken := ""

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != "good-code" || r.PostForm.Get("code_verifier") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"code doesn't exist or has expired"}`)

			return
		}

		refreshToken = "rt-1"
	case "refresh_token":
		if r.PostForm.Get("refresh_token") != "rt-1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"refresh token is invalid or revoked"}`)

			return
		}
	}

	resp := map[string]any{
		"access_token": f.issueToken(),
		"token_type":   "bearer",
		"expires_in":   14400,
		"account_id":   f.accountID,
	}

	if refreshToken != "" {
		resp["refresh_token"] = refreshToken
	}

	writeJSON(f.t, w, resp)
}

// authed rejects requests whose bearer token is not the current one.
func (f *fakeDropbox) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.URL.Path)

		if f.expireOnAppend && strings.HasSuffix(r.URL.Path, "append_v2") {
			f.expireOnAppend = false
			f.validToken = "expired"
		}

		ok := r.Header.Get("Authorization") == "Bearer "+f.validToken
		f.mu.Unlock()

		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error_summary":"expired_access_token/","error":{".tag":"expired_access_token"}}`)

			return
		}

		next(w, r)
	}
}

func (f *fakeDropbox) handleAccount(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	writeJSON(f.t, w, map[string]any{
		"account_id":     f.accountID,
		"name":           map[string]string{"display_name": "Alice Reader"},
		"email":          f.email,
		"email_verified": true,
		"country":        "FI",
	})
}

func (f *fakeDropbox) handleUpload(w http.ResponseWriter, r *http.Request) {
	var commit dropbox.CommitInfo
	require.NoError(f.t, json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &commit))

	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.commit(w, commit.Path, body)
}

func (f *fakeDropbox) handleStart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSession++
	id := fmt.Sprintf("session-%d", f.nextSession)
	f.sessions[id] = body

	writeJSON(f.t, w, map[string]string{"session_id": id})
}

func (f *fakeDropbox) handleAppend(w http.ResponseWriter, r *http.Request) {
	var arg struct {
		Cursor dropbox.Cursor `json:"cursor"`
	}
	require.NoError(f.t, json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg))

	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.appendAt(w, arg.Cursor, body) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, "null")
}

func (f *fakeDropbox) handleFinish(w http.ResponseWriter, r *http.Request) {
	var arg struct {
		Cursor dropbox.Cursor     `json:"cursor"`
		Commit dropbox.CommitInfo `json:"commit"`
	}
	require.NoError(f.t, json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg))

	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.appendAt(w, arg.Cursor, body) {
		return
	}

	data := f.sessions[arg.Cursor.SessionID]
	delete(f.sessions, arg.Cursor.SessionID)
	f.commit(w, arg.Commit.Path, data)
}

// appendAt adds body to a session if the offset matches. Caller holds mu.
func (f *fakeDropbox) appendAt(w http.ResponseWriter, c dropbox.Cursor, body []byte) bool {
	data, ok := f.sessions[c.SessionID]
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error_summary":"lookup_failed/not_found/","error":{".tag":"not_found"}}`)

		return false
	}

	if c.Offset != int64(len(data)) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = fmt.Fprintf(w, `{"error_summary":"incorrect_offset/","error":{".tag":"incorrect_offset","correct_offset":%d}}`,
			len(data))

		return false
	}

	f.sessions[c.SessionID] = append(data, body...)

	return true
}

// commit stores data at path and writes its metadata. Caller holds mu.
func (f *fakeDropbox) commit(w http.ResponseWriter, path string, data []byte) {
	f.files[path] = data

	h := contenthash.New()
	h.Write(data)

	writeJSON(f.t, w, dropbox.FileMetadata{
		ID:             "id:" + filepath.Base(path),
		Name:           filepath.Base(path),
		PathDisplay:    path,
		PathLower:      strings.ToLower(path),
		Rev:            fmt.Sprintf("rev%04d", len(f.files)),
		Size:           int64(len(data)),
		ServerModified: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		ContentHash:    contenthash.Hex(h),
	})
}

func (f *fakeDropbox) file(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[path]

	return data, ok
}

func (f *fakeDropbox) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// useTestConfig installs a resolved configuration rooted in a temp dir with
// a cheap key derivation, and restores the globals afterwards.
func useTestConfig(t *testing.T) *config.Resolved {
	t.Helper()

	dir := t.TempDir()

	cfg := &config.Resolved{
		ConfigPath:   filepath.Join(dir, "config.toml"),
		AppKey:       "app-key",
		AppSecret:    "app-secret",
		RedirectURL:  "http://localhost:5000",
		RemoteFolder: "/Apps/Rakuten Kobo",
		ChunkSize:    8,
		MaxRetries:   2,
		TargetName:   "Daily-RSS.epub",
		TokenDir:     filepath.Join(dir, "tokens"),
		Passphrase:   "test passphrase",
		LogLevel:     "error",
		LogFormat:    "text",
		Timeout:      10 * time.Second,
		UserAgent:    "rss-kobo-test",
		LedgerPath:   filepath.Join(dir, "deliveries.db"),
	}

	oldCfg, oldKDF, oldQuiet := resolvedCfg, kdfParams, flagQuiet
	resolvedCfg = cfg
	kdfParams = tokenfile.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}
	flagQuiet = true

	t.Cleanup(func() {
		resolvedCfg, kdfParams, flagQuiet = oldCfg, oldKDF, oldQuiet
	})

	return cfg
}

var urlPattern = regexp.MustCompile(`https?://\S+`)

// browserInput plays the user in --no-browser mode: on first read it takes
// the authorization URL printed to out and answers with the redirect the
// browser would land on.
type browserInput struct {
	t     *testing.T
	out   *bytes.Buffer
	code  string
	state string // overrides the issued state when set
	r     io.Reader
}

func (b *browserInput) Read(p []byte) (int, error) {
	if b.r == nil {
		raw := urlPattern.FindString(b.out.String())
		require.NotEmpty(b.t, raw, "authorization URL was not printed")

		u, err := url.Parse(raw)
		require.NoError(b.t, err)

		state := u.Query().Get("state")
		if b.state != "" {
			state = b.state
		}

		redirect := u.Query().Get("redirect_uri") + "/?code=" + url.QueryEscape(b.code) + "&state=" + url.QueryEscape(state)
		b.r = strings.NewReader(redirect + "\n")
	}

	return b.r.Read(p)
}

// login runs a --no-browser login for username answering with code.
func login(t *testing.T, username string, force bool) error {
	t.Helper()

	var out bytes.Buffer

	return runLogin(t.Context(), username, loginOptions{
		noBrowser: true,
		force:     force,
		in:        &browserInput{t: t, out: &out, code: "good-code"},
		out:       &out,
	})
}
