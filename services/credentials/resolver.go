package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/harinish45/xare-core/services/providers"
	"go.uber.org/zap"
)

// ErrNotConfigured is returned when a provider has no stored credential,
// or when its stored credential cannot be decrypted. Callers must not be
// able to tell the two cases apart.
var ErrNotConfigured = errors.New("provider credentials not configured")

// SecretStore encrypts and decrypts credential material at rest.
type SecretStore interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Resolver stores provider API keys encrypted via a SecretStore and hands
// decrypted credentials to the orchestrator on demand.
type Resolver struct {
	mu        sync.RWMutex
	store     SecretStore
	keys      map[string][]byte // provider -> encrypted API key
	endpoints map[string]string // provider -> endpoint override
	logger    *zap.Logger
}

func NewResolver(store SecretStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:     store,
		keys:      make(map[string][]byte),
		endpoints: make(map[string]string),
		logger:    logger.Named("credentials"),
	}
}

// SetAPIKey encrypts and stores an API key for a provider. An empty key
// removes the stored credential.
func (r *Resolver) SetAPIKey(provider, apiKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if apiKey == "" {
		delete(r.keys, provider)
		return nil
	}
	blob, err := r.store.Encrypt([]byte(apiKey))
	if err != nil {
		return fmt.Errorf("encrypt credential for %s: %w", provider, err)
	}
	r.keys[provider] = blob
	return nil
}

// SetEndpoint stores a base-URL override for a provider. Endpoints are
// not secret and are kept in the clear. An empty value removes it.
func (r *Resolver) SetEndpoint(provider, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if endpoint == "" {
		delete(r.endpoints, provider)
		return
	}
	r.endpoints[provider] = endpoint
}

// Resolve returns the decrypted credentials for a provider. A missing or
// undecryptable key yields ErrNotConfigured; decryption failures are
// logged but never surfaced in detail.
func (r *Resolver) Resolve(provider string) (providers.Credentials, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	creds := providers.Credentials{Endpoint: r.endpoints[provider]}

	blob, ok := r.keys[provider]
	if !ok {
		return creds, ErrNotConfigured
	}
	plain, err := r.store.Decrypt(blob)
	if err != nil {
		r.logger.Warn("credential decrypt failed",
			zap.String("provider", provider),
			zap.Error(err))
		return providers.Credentials{Endpoint: creds.Endpoint}, ErrNotConfigured
	}
	creds.APIKey = string(plain)
	return creds, nil
}

// IsConfigured reports whether a usable credential exists for a provider.
func (r *Resolver) IsConfigured(provider string) bool {
	_, err := r.Resolve(provider)
	return err == nil
}

// RotateKey re-encrypts every stored credential with a new secret store.
// Credentials that fail to decrypt under the old store are dropped and
// reported; the rest carry over.
func (r *Resolver) RotateKey(next SecretStore) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped []string
	rotated := make(map[string][]byte, len(r.keys))
	for provider, blob := range r.keys {
		plain, err := r.store.Decrypt(blob)
		if err != nil {
			dropped = append(dropped, provider)
			r.logger.Warn("credential dropped during key rotation",
				zap.String("provider", provider),
				zap.Error(err))
			continue
		}
		reblob, err := next.Encrypt(plain)
		if err != nil {
			return nil, fmt.Errorf("re-encrypt credential for %s: %w", provider, err)
		}
		rotated[provider] = reblob
	}

	r.store = next
	r.keys = rotated
	return dropped, nil
}
