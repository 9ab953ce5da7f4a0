package fleet

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// RegisterPartner registers (or re-registers) the partner account
// under the given domain. A provider report that the domain "has
// already been taken" is treated as idempotent success.
func (c *Client) RegisterPartner(ctx context.Context, domain string) (map[string]any, error) {
	data, err := c.Post(ctx, "/api/1/partner_accounts", map[string]any{"domain": domain})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 422 &&
			strings.Contains(apiErr.Message, "already been taken") {
			return map[string]any{"response": map[string]any{"domain": domain}}, nil
		}
		return nil, err
	}
	return data, nil
}

// PartnerAccount returns the registered partner record, including the
// currently registered domain.
func (c *Client) PartnerAccount(ctx context.Context) (map[string]any, error) {
	return c.Get(ctx, "/api/1/partner_accounts", nil)
}

// RegisteredDomain extracts the partner domain from a PartnerAccount
// response; empty when none is registered.
func RegisteredDomain(account map[string]any) string {
	resp, ok := account["response"].(map[string]any)
	if !ok {
		return ""
	}
	domain, _ := resp["domain"].(string)
	return domain
}

// PartnerPublicKey fetches the public key the provider holds for a
// registered domain.
func (c *Client) PartnerPublicKey(ctx context.Context, domain string) (map[string]any, error) {
	params := url.Values{"domain": {domain}}
	return c.Get(ctx, "/api/1/partner_accounts/public_key", params)
}
