package dropbox

import (
	"context"
)

const endpointCurrentAccount = "/users/get_current_account"

// Account is the subset of the current-account response the CLI shows.
type Account struct {
	AccountID string `json:"account_id"`
	Name      struct {
		DisplayName string `json:"display_name"`
	} `json:"name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Country       string `json:"country"`
}

// CurrentAccount returns the account the access token belongs to. Used to
// verify a token end to end.
func (c *Client) CurrentAccount(ctx context.Context, accessToken string) (*Account, error) {
	var acct Account
	if err := c.rpc(ctx, accessToken, endpointCurrentAccount, nil, &acct); err != nil {
		return nil, err
	}

	return &acct, nil
}
