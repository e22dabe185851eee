package credential

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/pkg/identity"
)

// IdentityRefresher re-issues credentials through the identity service.
type IdentityRefresher struct {
	client identity.Client
}

// NewIdentityRefresher wraps client as a Refresher.
func NewIdentityRefresher(client identity.Client) *IdentityRefresher {
	return &IdentityRefresher{client: client}
}

// Refresh exchanges the account's current session for a new one.
func (r *IdentityRefresher) Refresh(ctx context.Context, acct model.AccountRecord) (model.Credential, error) {
	resp, err := r.client.Refresh(ctx, identity.RefreshRequest{
		AccountID: acct.ID,
		Token:     acct.Credential.Token,
		Cookies:   acct.Credential.Cookies,
	})
	if err != nil {
		return model.Credential{}, err
	}
	if resp.Token == "" && len(resp.Cookies) == 0 {
		return model.Credential{}, eris.Errorf("credential: identity service returned an empty session for %s", acct.ID)
	}
	return model.Credential{
		Token:     resp.Token,
		Cookies:   resp.Cookies,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}
