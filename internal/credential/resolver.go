package credential

import (
	"fmt"
	"strings"
	"sync"

	"github.com/99designs/keyring"
	"go.uber.org/zap"
)

// KeyringPrefix marks a password stored in the system keyring
const KeyringPrefix = "keyring:"

// Opener opens a keyring on first use
type Opener func() (keyring.Keyring, error)

// Resolver resolves "keyring:<key>" references to secrets.
// Other values are returned unchanged.
type Resolver struct {
	open   Opener
	logger *zap.Logger

	once    sync.Once
	ring    keyring.Keyring
	openErr error
}

// NewResolver creates a resolver backed by the named keyring service
func NewResolver(service string, backends []string, logger *zap.Logger) *Resolver {
	allowed := make([]keyring.BackendType, 0, len(backends))
	for _, b := range backends {
		if b = strings.TrimSpace(b); b != "" {
			allowed = append(allowed, keyring.BackendType(b))
		}
	}
	return NewResolverWithOpener(func() (keyring.Keyring, error) {
		return keyring.Open(keyring.Config{
			ServiceName:     service,
			AllowedBackends: allowed,
		})
	}, logger)
}

// NewResolverWithOpener creates a resolver using a custom keyring opener
func NewResolverWithOpener(open Opener, logger *zap.Logger) *Resolver {
	return &Resolver{open: open, logger: logger}
}

// Resolve returns the secret for ref
func (r *Resolver) Resolve(ref string) (string, error) {
	key, ok := strings.CutPrefix(ref, KeyringPrefix)
	if !ok {
		return ref, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("empty keyring reference")
	}

	r.once.Do(func() {
		r.ring, r.openErr = r.open()
	})
	if r.openErr != nil {
		return "", fmt.Errorf("failed to open keyring: %w", r.openErr)
	}

	item, err := r.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("failed to read keyring item %q: %w", key, err)
	}

	r.logger.Debug("Resolved password from keyring", zap.String("key", key))
	return string(item.Data), nil
}

// Store saves a secret under key
func (r *Resolver) Store(key, secret string) error {
	r.once.Do(func() {
		r.ring, r.openErr = r.open()
	})
	if r.openErr != nil {
		return fmt.Errorf("failed to open keyring: %w", r.openErr)
	}
	if err := r.ring.Set(keyring.Item{Key: key, Data: []byte(secret)}); err != nil {
		return fmt.Errorf("failed to store keyring item %q: %w", key, err)
	}
	return nil
}
