package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rss-kobo/internal/auth"
)

// loginTimeout bounds how long login waits for the user to grant access.
const loginTimeout = 10 * time.Minute

type loginOptions struct {
	noBrowser bool
	force     bool
	in        io.Reader
	out       io.Writer
}

func newLoginCmd() *cobra.Command {
	opts := loginOptions{in: os.Stdin, out: os.Stderr}

	cmd := &cobra.Command{
		Use:   "login <user>",
		Short: "Authorize Dropbox access for a user",
		Long: `Runs the Dropbox OAuth flow for <user> and stores the resulting tokens,
encrypted, in the token directory.

By default a local server on the configured redirect URL catches the browser
redirect. With --no-browser, open the printed URL on any device and paste the
address the browser lands on.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.noBrowser, "no-browser", false, "paste the redirect URL instead of running a local redirect server")
	cmd.Flags().BoolVar(&opts.force, "force", false, "allow replacing tokens of a different Dropbox account")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <user>",
		Short: "Remove a user's stored tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runLogout(args[0])
		},
	}
}

func runLogin(ctx context.Context, username string, opts loginOptions) error {
	logger := buildLogger()

	ctx, cancel := shutdownContext(ctx, logger)
	defer cancel()

	ctx, cancelTimeout := context.WithTimeout(ctx, loginTimeout)
	defer cancelTimeout()

	sess, err := newSession(resolvedCfg, logger)
	if err != nil {
		return err
	}

	client, err := sess.oauthClient()
	if err != nil {
		return err
	}

	unlock, err := sess.lockUser(username)
	if err != nil {
		return err
	}
	defer unlock()

	logger.Info("login started", slog.String("user", username))

	authURL, err := client.AuthorizationURL()
	if err != nil {
		return err
	}

	var redirect string
	if opts.noBrowser {
		redirect, err = promptRedirect(opts.in, opts.out, authURL)
	} else {
		redirect, err = awaitRedirect(ctx, resolvedCfg.RedirectURL, authURL, opts.out, logger)
	}

	if err != nil {
		return err
	}

	rec, err := client.Exchange(ctx, redirect)
	if err != nil {
		return err
	}

	mgr := auth.NewManager(username, sess.store, client, logger)
	if err := mgr.Authorize(rec, opts.force); err != nil {
		return err
	}

	who := rec.AccountID

	acct, err := sess.dropbox().CurrentAccount(ctx, rec.AccessToken)
	if err != nil {
		logger.Warn("could not fetch account details", slog.String("error", err.Error()))
	} else {
		who = fmt.Sprintf("%s <%s>", acct.Name.DisplayName, acct.Email)
	}

	logger.Info("login successful", slog.String("user", username))
	statusf("Logged in %s as %s.\n", username, who)

	return nil
}

// awaitRedirect serves the redirect URL locally and waits for the browser.
// The authorization URL is always printed, even with --quiet.
func awaitRedirect(ctx context.Context, redirectURL, authURL string, out io.Writer, logger *slog.Logger) (string, error) {
	receiver, err := auth.ListenForRedirect(ctx, redirectURL, logger)
	if err != nil {
		return "", err
	}
	defer receiver.Close()

	fmt.Fprintf(out, "Open this URL in a browser and grant access:\n\n  %s\n\nWaiting for the redirect to %s ...\n",
		authURL, redirectURL)

	return receiver.Wait(ctx)
}

// promptRedirect prints the authorization URL and reads the redirect the
// browser landed on from in.
func promptRedirect(in io.Reader, out io.Writer, authURL string) (string, error) {
	fmt.Fprintf(out, "Open this URL in a browser and grant access:\n\n  %s\n\n", authURL)

	if isTerminal(in) {
		fmt.Fprint(out, "Paste the full address the browser was redirected to: ")
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading redirect URL: %w", err)
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no redirect URL entered")
	}

	return line, nil
}

func runLogout(username string) error {
	logger := buildLogger()

	sess, err := newSession(resolvedCfg, logger)
	if err != nil {
		return err
	}

	unlock, err := sess.lockUser(username)
	if err != nil {
		return err
	}
	defer unlock()

	if err := sess.manager(username).Logout(); err != nil {
		return err
	}

	logger.Info("logout successful", slog.String("user", username))
	statusf("Removed stored tokens for %s.\n", username)

	return nil
}
