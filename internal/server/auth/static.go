package auth

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// StaticKey is one API key configured directly on a self-hosted server.
// The key itself is never stored; only its bcrypt hash.
type StaticKey struct {
	KeyHash        string `yaml:"keyHash"`
	UserID         string `yaml:"userID"`
	OrganizationID string `yaml:"organizationID"`
}

// StaticAuthenticator validates API keys against a fixed list of bcrypt
// hashes from the server configuration. No dashboard involved.
type StaticAuthenticator struct {
	keys []StaticKey
}

// NewStaticAuthenticator creates an authenticator over configured keys.
func NewStaticAuthenticator(keys []StaticKey) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

// ValidateKey implements Authenticator.
func (a *StaticAuthenticator) ValidateKey(_ context.Context, apiKey string) (*KeyValidation, error) {
	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(apiKey)) == nil {
			return &KeyValidation{
				Valid:          true,
				UserID:         k.UserID,
				OrganizationID: k.OrganizationID,
			}, nil
		}
	}
	return &KeyValidation{Valid: false, Error: "unknown API key"}, nil
}
