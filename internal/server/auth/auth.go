// Package auth defines the interfaces to the dashboard's authentication
// and subdomain-policy services, which the tunnel server consumes but does
// not implement. An in-process static authenticator is provided for
// self-hosted deployments without a dashboard.
package auth

import "context"

// KeyValidation is the outcome of validating an API key.
type KeyValidation struct {
	Valid          bool   `json:"valid"`
	UserID         string `json:"userId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`

	// LimitExceeded is set when the key is valid but the owning plan has
	// no room for another active tunnel.
	LimitExceeded bool   `json:"limitExceeded,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Authenticator validates API keys and resolves their owner.
type Authenticator interface {
	ValidateKey(ctx context.Context, apiKey string) (*KeyValidation, error)
}

// Subdomain policy outcomes.
const (
	PolicyOwned     = "owned"
	PolicyAvailable = "available"
)

// PolicyResult is the outcome of a subdomain policy check.
type PolicyResult struct {
	Allowed bool   `json:"allowed"`
	Type    string `json:"type,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SubdomainPolicy decides whether an owner may claim a subdomain.
type SubdomainPolicy interface {
	CheckSubdomain(ctx context.Context, subdomain, organizationID string) (*PolicyResult, error)
}

// AllowAll is the policy for deployments without reserved subdomains.
type AllowAll struct{}

// CheckSubdomain implements SubdomainPolicy.
func (AllowAll) CheckSubdomain(context.Context, string, string) (*PolicyResult, error) {
	return &PolicyResult{Allowed: true, Type: PolicyAvailable}, nil
}
