package scrapers

import (
	"context"
	"os"
	"strings"

	"github.com/go-faster/errors"
)

// ErrCredentialNotFound is returned when a named credential is not configured.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialSource resolves named secrets for backends.
type CredentialSource interface {
	Credential(ctx context.Context, name string) (string, error)
}

// EnvCredentials reads credentials from environment variables named
// Prefix + upper-cased name with dashes turned into underscores, so
// "acme-api" becomes PRICEAGG_CRED_ACME_API by default.
type EnvCredentials struct {
	Prefix string
}

func (e EnvCredentials) Credential(_ context.Context, name string) (string, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "PRICEAGG_CRED_"
	}
	key := prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", errors.Wrapf(ErrCredentialNotFound, "%s", key)
	}
	return v, nil
}
