// Package vault resolves per-domain credentials for authenticated browser
// jobs. Lookup order: in-memory TTL cache, environment variable, configured
// keystore, deterministic placeholder (only when explicitly allowed).
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/marionette/backend/internal/core"
)

// CredentialType names the secret being looked up.
type CredentialType string

const (
	CredUsername CredentialType = "username"
	CredPassword CredentialType = "password"
	CredAPIKey   CredentialType = "api_key"
	CredToken    CredentialType = "token"
)

var (
	// ErrNotFound is returned when no source can resolve the credential.
	ErrNotFound = errors.New("credential not found")

	// ErrPlaceholderForbidden is returned when a placeholder would be the
	// only source but the caller runs in internal authorization mode.
	ErrPlaceholderForbidden = errors.New("placeholder credentials forbidden in internal mode")
)

// KeystoreClient is the optional encrypted keystore backend. Implementations
// look up raw values under "vault:<domain>:<type>".
type KeystoreClient interface {
	Get(ctx context.Context, key string) (string, error)
}

// Config controls vault behaviour.
type Config struct {
	// EncryptionKey enables decryption of "enc:" values and encrypt-at-rest
	// for cached entries. Empty disables both.
	EncryptionKey string

	// AllowPlaceholders permits deterministic placeholder credentials as the
	// last resort. Never honoured in internal mode.
	AllowPlaceholders bool

	// CacheTTL bounds how long resolved credentials stay in memory.
	CacheTTL time.Duration
}

type cacheEntry struct {
	value     string // ciphertext when sealing is enabled
	sealed    bool
	expiresAt time.Time
}

// Vault resolves (domain, credential type) pairs to secret strings.
type Vault struct {
	mu       sync.RWMutex
	cache    map[string]cacheEntry
	cfg      Config
	keystore KeystoreClient
	cipher   *credentialCipher // nil when no encryption key configured
	logger   *log.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a vault. keystore may be nil.
func New(cfg Config, keystore KeystoreClient) (*Vault, error) {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	v := &Vault{
		cache:    make(map[string]cacheEntry),
		cfg:      cfg,
		keystore: keystore,
		logger:   log.New(log.Writer(), "[VAULT] ", log.LstdFlags),
		stop:     make(chan struct{}),
	}

	if cfg.EncryptionKey != "" {
		cipher, err := newCredentialCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("vault cipher: %w", err)
		}
		v.cipher = cipher
	}

	go v.sweep()
	return v, nil
}

// Resolve returns the credential for (domain, credType) honouring the
// authorization mode. Values prefixed "enc:" are decrypted before return.
func (v *Vault) Resolve(ctx context.Context, domain string, credType CredentialType, mode core.AuthorizationMode) (string, error) {
	key := cacheKey(domain, credType)

	// (a) in-memory cache
	if val, ok := v.cacheGet(key); ok {
		return val, nil
	}

	// (b) environment variable
	if val, ok := os.LookupEnv(EnvName(domain, credType)); ok && val != "" {
		return v.finish(key, val)
	}

	// (c) keystore
	if v.keystore != nil {
		val, err := v.keystore.Get(ctx, fmt.Sprintf("vault:%s:%s", domain, credType))
		if err == nil && val != "" {
			return v.finish(key, val)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			v.logger.Printf("keystore lookup failed for %s: %v", domain, err)
		}
	}

	// (d) deterministic placeholder
	if v.cfg.AllowPlaceholders {
		if mode == core.AuthInternal {
			return "", ErrPlaceholderForbidden
		}
		return v.finish(key, placeholder(domain, credType))
	}

	return "", ErrNotFound
}

// finish decrypts enc: values, caches, and returns the plaintext.
func (v *Vault) finish(key, raw string) (string, error) {
	val := raw
	if strings.HasPrefix(raw, "enc:") {
		if v.cipher == nil {
			return "", errors.New("encrypted credential but no encryption key configured")
		}
		plain, err := v.cipher.Decrypt(strings.TrimPrefix(raw, "enc:"))
		if err != nil {
			return "", fmt.Errorf("decrypt credential: %w", err)
		}
		val = plain
	}
	v.cachePut(key, val)
	return val, nil
}

func (v *Vault) cacheGet(key string) (string, bool) {
	v.mu.RLock()
	entry, ok := v.cache[key]
	v.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	if entry.sealed {
		plain, err := v.cipher.Decrypt(entry.value)
		if err != nil {
			return "", false
		}
		return plain, true
	}
	return entry.value, true
}

// cachePut stores the credential, encrypted at rest when a cipher exists.
func (v *Vault) cachePut(key, val string) {
	entry := cacheEntry{value: val, expiresAt: time.Now().Add(v.cfg.CacheTTL)}
	if v.cipher != nil {
		if sealed, err := v.cipher.Encrypt(val); err == nil {
			entry.value = sealed
			entry.sealed = true
		}
	}
	v.mu.Lock()
	v.cache[key] = entry
	v.mu.Unlock()
}

// Invalidate drops a cached credential, e.g. after a failed authentication.
func (v *Vault) Invalidate(domain string, credType CredentialType) {
	v.mu.Lock()
	delete(v.cache, cacheKey(domain, credType))
	v.mu.Unlock()
}

// sweep evicts expired cache entries until Close.
func (v *Vault) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
		}
		now := time.Now()
		v.mu.Lock()
		for key, entry := range v.cache {
			if now.After(entry.expiresAt) {
				delete(v.cache, key)
			}
		}
		v.mu.Unlock()
	}
}

// Close stops the cache sweeper. Safe to call more than once.
func (v *Vault) Close() {
	v.stopOnce.Do(func() { close(v.stop) })
}

// EnvName returns the canonical environment variable for a credential:
// CRED_<DOMAIN>_<TYPE>, dots and dashes mapped to underscores, upper-cased.
func EnvName(domain string, credType CredentialType) string {
	d := strings.NewReplacer(".", "_", "-", "_").Replace(domain)
	return strings.ToUpper(fmt.Sprintf("CRED_%s_%s", d, credType))
}

func cacheKey(domain string, credType CredentialType) string {
	return domain + ":" + string(credType)
}

// placeholder derives a stable fake credential from hash(domain:type).
// Useful for smoke tests against staging targets.
func placeholder(domain string, credType CredentialType) string {
	sum := sha256.Sum256([]byte(domain + ":" + string(credType)))
	return "placeholder-" + hex.EncodeToString(sum[:8])
}
