package ban

import (
	"context"

	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/pkg/identity"
)

// IdentityProber re-validates accounts through the identity service.
type IdentityProber struct {
	client identity.Client
}

// NewIdentityProber wraps client as a Prober.
func NewIdentityProber(client identity.Client) *IdentityProber {
	return &IdentityProber{client: client}
}

// Revalidate reports whether the identity service accepts the account's
// session again.
func (p *IdentityProber) Revalidate(ctx context.Context, acct model.AccountRecord) (bool, error) {
	resp, err := p.client.Validate(ctx, identity.ValidateRequest{
		AccountID: acct.ID,
		Token:     acct.Credential.Token,
		Cookies:   acct.Credential.Cookies,
	})
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}
