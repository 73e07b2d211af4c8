package credentials

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 32)
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	store, err := NewAESSecretStore(testKey(0x41))
	require.NoError(t, err)
	return NewResolver(store, zap.NewNop())
}

func TestAESSecretStore_RoundTrip(t *testing.T) {
	store, err := NewAESSecretStore(testKey(0x41))
	require.NoError(t, err)

	blob, err := store.Encrypt([]byte("sk-test-123"))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "sk-test-123")

	plain, err := store.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", string(plain))
}

func TestAESSecretStore_WrongKeyFails(t *testing.T) {
	a, err := NewAESSecretStore(testKey(0x41))
	require.NoError(t, err)
	b, err := NewAESSecretStore(testKey(0x42))
	require.NoError(t, err)

	blob, err := a.Encrypt([]byte("sk-test-123"))
	require.NoError(t, err)

	_, err = b.Decrypt(blob)
	assert.Error(t, err)
}

func TestAESSecretStore_KeySize(t *testing.T) {
	_, err := NewAESSecretStore([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestResolver_SetAndResolve(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, r.SetAPIKey("openai", "sk-live-999"))
	r.SetEndpoint("openai", "https://proxy.internal/v1")

	creds, err := r.Resolve("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-999", creds.APIKey)
	assert.Equal(t, "https://proxy.internal/v1", creds.Endpoint)
	assert.True(t, r.IsConfigured("openai"))
}

func TestResolver_MissingKeyIsNotConfigured(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve("gemini")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, r.IsConfigured("gemini"))
}

func TestResolver_EmptyKeyRemovesCredential(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, r.SetAPIKey("openai", "sk-live-999"))
	require.NoError(t, r.SetAPIKey("openai", ""))

	_, err := r.Resolve("openai")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

// failingStore always fails decryption, simulating a credential stored
// under a lost master key.
type failingStore struct{}

func (failingStore) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (failingStore) Decrypt([]byte) ([]byte, error) {
	return nil, errors.New("cipher: message authentication failed")
}

func TestResolver_DecryptFailureIsNotConfigured(t *testing.T) {
	r := NewResolver(failingStore{}, zap.NewNop())
	require.NoError(t, r.SetAPIKey("openai", "sk-live-999"))

	_, err := r.Resolve("openai")
	assert.ErrorIs(t, err, ErrNotConfigured,
		"undecryptable must look identical to missing")
}

func TestResolver_EndpointSurvivesWithoutKey(t *testing.T) {
	r := newTestResolver(t)
	r.SetEndpoint("ollama", "http://gpu-box:11434")

	creds, err := r.Resolve("ollama")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, "http://gpu-box:11434", creds.Endpoint)
}

func TestResolver_RotateKey(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, r.SetAPIKey("openai", "sk-openai"))
	require.NoError(t, r.SetAPIKey("gemini", "sk-gemini"))

	next, err := NewAESSecretStore(testKey(0x42))
	require.NoError(t, err)
	dropped, err := r.RotateKey(next)
	require.NoError(t, err)
	assert.Empty(t, dropped)

	creds, err := r.Resolve("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-openai", creds.APIKey)
}

func TestResolver_RotateKeyDropsUndecryptable(t *testing.T) {
	r := NewResolver(failingStore{}, zap.NewNop())
	require.NoError(t, r.SetAPIKey("openai", "sk-openai"))

	next, err := NewAESSecretStore(testKey(0x42))
	require.NoError(t, err)
	dropped, err := r.RotateKey(next)
	require.NoError(t, err)
	assert.Equal(t, []string{"openai"}, dropped)
	assert.False(t, r.IsConfigured("openai"))
}
