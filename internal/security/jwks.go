package security

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownKey is returned when no signing key matches a token's kid.
var ErrUnknownKey = errors.New("unknown signing key")

// minForcedRefresh limits how often an unknown kid can trigger a fetch.
const minForcedRefresh = 30 * time.Second

// KeySource resolves the public key for a token's kid. kid may be empty.
type KeySource interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// StaticKey is a KeySource holding one configured public key; kid is ignored.
type StaticKey struct {
	key crypto.PublicKey
}

// NewStaticKey returns a KeySource for the given key.
func NewStaticKey(key crypto.PublicKey) *StaticKey { return &StaticKey{key: key} }

// Key returns the configured key.
func (s *StaticKey) Key(context.Context, string) (crypto.PublicKey, error) {
	if s == nil || s.key == nil {
		return nil, ErrUnknownKey
	}
	return s.key, nil
}

// JWKSCache fetches the token authority's JSON Web Key Set and keeps it for ttl. Keys are
// refreshed in the background after Start; a lookup for an unknown kid also refreshes, at most
// once per minForcedRefresh. When a refresh fails the previous keys keep serving.
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	logger zerolog.Logger

	group singleflight.Group

	mu          sync.RWMutex
	keys        map[string]crypto.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time

	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewJWKSCache returns a cache for the JWKS at url. client may be nil.
func NewJWKSCache(url string, ttl time.Duration, client *http.Client, logger zerolog.Logger) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &JWKSCache{
		url:    url,
		ttl:    ttl,
		client: client,
		logger: logger.With().Str("component", "jwks").Logger(),
		keys:   map[string]crypto.PublicKey{},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start performs the first fetch and starts the background refresh loop. The loop runs even
// if the first fetch fails; the error is returned so the caller can log it.
func (c *JWKSCache) Start(ctx context.Context) error {
	err := c.refresh(ctx, true)
	if c.started.CompareAndSwap(false, true) {
		go c.loop()
	}
	return err
}

// Close stops the refresh loop and waits for it to exit. Safe to call more than once, and
// before Start.
func (c *JWKSCache) Close() {
	c.once.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
}

func (c *JWKSCache) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.refresh(ctx, true); err != nil {
				c.logger.Warn().Err(err).Msg("jwks refresh failed; serving cached keys")
			}
			cancel()
		}
	}
}

// Key returns the key for kid. An empty kid matches when the set has exactly one key.
func (c *JWKSCache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if key, ok := c.lookup(kid); ok && !c.stale() {
		return key, nil
	}
	if err := c.refresh(ctx, false); err != nil {
		c.logger.Warn().Err(err).Msg("jwks refresh failed; serving cached keys")
	}
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
}

func (c *JWKSCache) lookup(kid string) (crypto.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if kid == "" {
		if len(c.keys) == 1 {
			for _, k := range c.keys {
				return k, true
			}
		}
		return nil, false
	}
	k, ok := c.keys[kid]
	return k, ok
}

func (c *JWKSCache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.fetchedAt) > c.ttl
}

// refresh fetches the key set; concurrent callers share one request. Unless force is set it
// does nothing when the last attempt was less than minForcedRefresh ago.
func (c *JWKSCache) refresh(ctx context.Context, force bool) error {
	_, err, _ := c.group.Do("jwks", func() (any, error) {
		c.mu.Lock()
		if !force && time.Since(c.lastAttempt) < minForcedRefresh {
			c.mu.Unlock()
			return nil, nil
		}
		c.lastAttempt = time.Now()
		c.mu.Unlock()

		keys, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys = keys
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		c.logger.Debug().Int("keys", len(keys)).Msg("jwks refreshed")
		return nil, nil
	})
	return err
}

func (c *JWKSCache) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: unexpected status %s", resp.Status)
	}

	// A malformed or unsupported entry is skipped; the rest of the set still loads.
	var set struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, raw := range set.Keys {
		key, err := jwk.ParseKey(raw)
		if err != nil {
			c.logger.Debug().Err(err).Msg("skipping unparsable jwk")
			continue
		}
		kid, _ := key.KeyID()
		if use, ok := key.KeyUsage(); ok && use != "sig" {
			continue
		}
		pub, err := signingKey(key)
		if err != nil {
			c.logger.Debug().Err(err).Str("kid", kid).Msg("skipping jwk")
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable signing keys")
	}
	return keys, nil
}

// signingKey exports key and keeps it only if the verifier can use it (RSA or EC P-256).
func signingKey(key jwk.Key) (crypto.PublicKey, error) {
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	switch pub := raw.(type) {
	case *rsa.PublicKey:
		return pub, nil
	case *ecdsa.PublicKey:
		if KeyAlg(pub) != "ES256" {
			return nil, fmt.Errorf("%w: unsupported curve", ErrInvalidKey)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: %T is not a public signing key", ErrInvalidKey, raw)
	}
}
