// Package keycustody defines the key-custody collaborator: organization-scoped
// RSA wrapping keys and the wrap/unwrap protocol for per-dataset 256-bit
// symmetric keys. Plaintext key material never enters the document store; the
// platform persists only opaque (name, version) handles.
package keycustody

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
)

// MinRSABits is the smallest wrapping key size the custody service accepts.
const MinRSABits = 3072

// DataKeyBytes is the length of a per-dataset symmetric key.
const DataKeyBytes = 32

var (
	ErrKeyNotFound = errors.New("keycustody: key not found")
	ErrWeakKey     = errors.New("keycustody: key size below minimum")
)

// Handle references key material held by the custody service. Handles are
// stable and opaque; the version distinguishes rotations of the same name.
type Handle struct {
	Name    string `bson:"name" json:"name"`
	Version string `bson:"version" json:"version"`
}

// IsZero reports whether the handle references nothing.
func (h Handle) IsZero() bool {
	return h.Name == "" && h.Version == ""
}

func (h Handle) String() string {
	return h.Name + "/" + h.Version
}

// Vault is the narrow interface to the external key-custody service.
// Wrapping uses RSA-OAEP-SHA256.
type Vault interface {
	// CreateRSAKey mints a named RSA wrapping key of at least MinRSABits.
	CreateRSAKey(ctx context.Context, name string, bits int) (Handle, error)
	// Wrap encrypts a symmetric key under the wrapping key and stores the
	// ciphertext as a new versioned secret, returning its handle.
	Wrap(ctx context.Context, key []byte, wrapping Handle) (Handle, error)
	// Unwrap decrypts a previously wrapped key.
	Unwrap(ctx context.Context, wrapped Handle, wrapping Handle) ([]byte, error)
}

// NewDataKey generates a fresh 256-bit symmetric dataset key.
func NewDataKey() ([]byte, error) {
	key := make([]byte, DataKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keycustody: generate data key: %w", err)
	}
	return key, nil
}
