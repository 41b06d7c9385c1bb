package auth

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

// shutdownTimeout is how long to wait for the redirect server to drain.
const shutdownTimeout = 5 * time.Second

// RedirectReceiver is a loopback HTTP server that catches the browser
// redirect after the user grants access. It hands the raw redirect back to
// the caller; state verification happens in Client.Exchange.
type RedirectReceiver struct {
	srv      *http.Server
	addr     string
	resultCh chan string
	errCh    chan error
	logger   *slog.Logger
}

// ListenForRedirect binds the port of redirectURL on 127.0.0.1 and serves the
// redirect path. Port 0 picks a free port (tests).
func ListenForRedirect(ctx context.Context, redirectURL string, logger *slog.Logger) (*RedirectReceiver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing redirect URL: %w", err)
	}

	switch u.Hostname() {
	case "localhost", "127.0.0.1":
	default:
		return nil, fmt.Errorf("auth: redirect URL %q is not a loopback address", redirectURL)
	}

	port := u.Port()
	if port == "" {
		port = "80"
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return nil, fmt.Errorf("auth: binding redirect listener: %w", err)
	}

	r := &RedirectReceiver{
		addr:     listener.Addr().String(),
		resultCh: make(chan string, 1),
		errCh:    make(chan error, 1),
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+path, r.handleRedirect)

	r.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := r.srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			r.errCh <- fmt.Errorf("auth: redirect server error: %w", serveErr)
		}
	}()

	logger.Info("waiting for authorization redirect", slog.String("addr", r.addr))

	return r, nil
}

// Addr is the address the receiver listens on.
func (r *RedirectReceiver) Addr() string {
	return r.addr
}

func (r *RedirectReceiver) handleRedirect(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	if q.Get("code") == "" && q.Get("error") == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if errParam := q.Get("error"); errParam != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>%s</p></body></html>",
			template.HTMLEscapeString(errParam))
	} else {
		fmt.Fprint(w, "<html><body><h1>Authentication successful</h1>"+
			"<p>You can close this window and return to the terminal.</p></body></html>")
	}

	// Only the first redirect counts.
	select {
	case r.resultCh <- req.URL.RequestURI():
	default:
	}
}

// Wait blocks until a redirect arrives or ctx is done.
func (r *RedirectReceiver) Wait(ctx context.Context) (string, error) {
	select {
	case redirect := <-r.resultCh:
		return redirect, nil
	case err := <-r.errCh:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("auth: waiting for redirect canceled: %w", ctx.Err())
	}
}

// Close shuts the server down.
func (r *RedirectReceiver) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := r.srv.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("redirect server shutdown error", slog.String("error", err.Error()))
	}
}
