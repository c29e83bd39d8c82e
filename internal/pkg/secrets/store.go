package secrets

import (
	"context"
	"errors"
	"strings"

	"github.com/ManuelReschke/oraclepay/internal/pkg/env"
)

// ErrSecretNotFound is returned when the secret store has no payload for a name.
// Callers treat it as a configuration problem, not a transient failure.
var ErrSecretNotFound = errors.New("secret not found")

// Store is the secret-store collaborator behind the cache.
type Store interface {
	AccessSecret(ctx context.Context, name string) (string, error)
}

// EnvStore resolves secrets from the loaded .env map and the process
// environment. "paypal-client-secret" is looked up as PAYPAL_CLIENT_SECRET.
type EnvStore struct{}

func (EnvStore) AccessSecret(_ context.Context, name string) (string, error) {
	v := strings.TrimSpace(env.GetEnv(EnvKey(name), ""))
	if v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

// EnvKey converts a secret name to its environment variable form.
func EnvKey(name string) string {
	key := strings.ToUpper(strings.TrimSpace(name))
	return strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(key)
}
