package keycustody

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// LocalVault implements Vault in-process with crypto/rsa. It mirrors the
// versioned-secret model of the cloud key vault: every name holds a list of
// versions, and wrapped blobs live as secrets alongside the keys.
type LocalVault struct {
	mu      sync.RWMutex
	keys    map[string]map[string]*rsa.PrivateKey
	secrets map[string]map[string][]byte
}

var _ Vault = (*LocalVault)(nil)

// NewLocalVault creates an empty vault.
func NewLocalVault() *LocalVault {
	return &LocalVault{
		keys:    make(map[string]map[string]*rsa.PrivateKey),
		secrets: make(map[string]map[string][]byte),
	}
}

func (v *LocalVault) CreateRSAKey(ctx context.Context, name string, bits int) (Handle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Handle{}, errors.New("keycustody: key name is required")
	}
	if bits < MinRSABits {
		return Handle{}, fmt.Errorf("%w: %d < %d", ErrWeakKey, bits, MinRSABits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return Handle{}, fmt.Errorf("keycustody: generate rsa key: %w", err)
	}
	version, err := newVersion()
	if err != nil {
		return Handle{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keys[name] == nil {
		v.keys[name] = make(map[string]*rsa.PrivateKey)
	}
	v.keys[name][version] = key
	return Handle{Name: name, Version: version}, nil
}

func (v *LocalVault) Wrap(ctx context.Context, key []byte, wrapping Handle) (Handle, error) {
	if len(key) == 0 {
		return Handle{}, errors.New("keycustody: empty key")
	}
	wrapKey, err := v.lookupKey(wrapping)
	if err != nil {
		return Handle{}, err
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &wrapKey.PublicKey, key, nil)
	if err != nil {
		return Handle{}, fmt.Errorf("keycustody: wrap: %w", err)
	}
	version, err := newVersion()
	if err != nil {
		return Handle{}, err
	}
	name := wrapping.Name + "-wrapped"

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.secrets[name] == nil {
		v.secrets[name] = make(map[string][]byte)
	}
	v.secrets[name][version] = ciphertext
	return Handle{Name: name, Version: version}, nil
}

func (v *LocalVault) Unwrap(ctx context.Context, wrapped Handle, wrapping Handle) ([]byte, error) {
	wrapKey, err := v.lookupKey(wrapping)
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	ciphertext, ok := v.secrets[wrapped.Name][wrapped.Version]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, wrapped)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, wrapKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keycustody: unwrap: %w", err)
	}
	return plaintext, nil
}

func (v *LocalVault) lookupKey(h Handle) (*rsa.PrivateKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok := v.keys[h.Name][h.Version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, h)
	}
	return key, nil
}

func newVersion() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("keycustody: generate version: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
