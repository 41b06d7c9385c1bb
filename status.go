package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rss-kobo/internal/ledger"
)

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	User         string          `json:"user"`
	TokenState   string          `json:"token_state"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	Error        string          `json:"error,omitempty"`
	Account      *statusAccount  `json:"account,omitempty"`
	LastDelivery *statusDelivery `json:"last_delivery,omitempty"`
}

type statusAccount struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type statusDelivery struct {
	RemotePath   string    `json:"remote_path"`
	Size         int64     `json:"size"`
	Rev          string    `json:"rev,omitempty"`
	HashVerified bool      `json:"hash_verified"`
	FinishedAt   time.Time `json:"finished_at"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <user>",
		Short: "Show a user's token state, Dropbox account and last delivery",
		Long: `Loads the user's token (refreshing it if it is about to expire), confirms
it against Dropbox and shows the most recent successful delivery.

The command succeeds whatever the token state; the state is part of the
output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), args[0], asJSON, os.Stdout)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")

	return cmd
}

func runStatus(ctx context.Context, username string, asJSON bool, w io.Writer) error {
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

	out := statusOutput{User: username}

	res, tokErr := sess.manager(username).ValidToken(ctx)
	out.TokenState = res.State.String()

	if tokErr != nil {
		out.Error = tokErr.Error()
	} else {
		expires := res.ExpiresAt
		out.ExpiresAt = &expires

		acct, err := sess.dropbox().CurrentAccount(ctx, res.AccessToken)
		if err != nil {
			logger.Warn("could not fetch account details", slog.String("error", err.Error()))
			out.Error = err.Error()
		} else {
			out.Account = &statusAccount{ID: acct.AccountID, DisplayName: acct.Name.DisplayName, Email: acct.Email}
		}
	}

	last, err := lastDelivery(ctx, sess, username)
	if err != nil {
		return err
	}

	if last != nil {
		out.LastDelivery = &statusDelivery{
			RemotePath:   last.RemotePath,
			Size:         last.Size,
			Rev:          last.Rev,
			HashVerified: last.HashVerified,
			FinishedAt:   last.FinishedAt,
		}
	}

	if asJSON {
		return printStatusJSON(w, &out)
	}

	printStatusText(w, &out)

	return nil
}

func lastDelivery(ctx context.Context, sess *session, username string) (*ledger.Delivery, error) {
	l, err := sess.openLedger(ctx)
	if err != nil || l == nil {
		return nil, err
	}
	defer l.Close()

	return l.Last(ctx, username)
}

func printStatusJSON(w io.Writer, out *statusOutput) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printStatusText(w io.Writer, out *statusOutput) {
	fmt.Fprintf(w, "User:    %s\n", out.User)
	fmt.Fprintf(w, "Token:   %s", out.TokenState)

	if out.ExpiresAt != nil {
		fmt.Fprintf(w, " (expires %s)", formatTime(*out.ExpiresAt))
	}

	fmt.Fprintln(w)

	if out.Account != nil {
		fmt.Fprintf(w, "Account: %s <%s>\n", out.Account.DisplayName, out.Account.Email)
	}

	if out.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", out.Error)
	}

	if out.LastDelivery == nil {
		fmt.Fprintln(w, "Last:    no deliveries recorded")

		return
	}

	d := out.LastDelivery
	fmt.Fprintf(w, "Last:    %s, %s, %s\n", d.RemotePath, formatSize(d.Size), formatTime(d.FinishedAt))

	if !d.HashVerified {
		fmt.Fprintln(w, "         content hash was not confirmed by Dropbox")
	}
}
