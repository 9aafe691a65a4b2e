// Package jwks resolves token signing keys from a remote JSON Web Key Set.
package jwks

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/upb/authz-gateway/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	// ErrKeyNotFound is returned when the fetched key set has no key with the requested kid
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrFetch is returned when the key set cannot be fetched or parsed
	ErrFetch = errors.New("failed to fetch key set")

	// ErrRateLimited is wrapped by ErrFetch when the fetch rate ceiling is reached
	ErrRateLimited = errors.New("key set fetch rate exceeded")
)

// maxKeySetBytes bounds the key set response body.
const maxKeySetBytes = 1 << 20

// defaultMaxUnknownKids is the negative cache size when none is configured.
const defaultMaxUnknownKids = 1024

// SigningKey is a public key published in the key set.
type SigningKey struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
}

// Config holds configuration for Resolver
type Config struct {
	URL               string
	RequestsPerMinute int
	CacheTTL          time.Duration
	CacheMaxKeys      int
	// MaxUnknownKids bounds the negative cache of kids the key set lacks.
	MaxUnknownKids int
	Timeout        time.Duration
}

// Stats reports cache state.
type Stats struct {
	CachedKeys int
	Fetches    int64
}

// Resolver fetches and caches signing keys keyed by kid.
//
// Keys and unknown kids are cached for CacheTTL. Fetches for the same kid are
// collapsed into one in-flight request and the overall fetch rate is capped;
// when the cap is reached Resolve fails immediately instead of waiting.
type Resolver struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter

	keys    *expirable.LRU[string, SigningKey]
	missing *expirable.LRU[string, struct{}]
	group   singleflight.Group
	fetches atomic.Int64

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewResolver creates a new Resolver
func NewResolver(cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Resolver {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.CacheMaxKeys <= 0 {
		cfg.CacheMaxKeys = 5
	}
	if cfg.MaxUnknownKids <= 0 {
		cfg.MaxUnknownKids = defaultMaxUnknownKids
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	limit := rate.Inf
	burst := 0
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
		burst = cfg.RequestsPerMinute
	}

	return &Resolver{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		timeout:    cfg.Timeout,
		limiter:    rate.NewLimiter(limit, burst),
		keys:       expirable.NewLRU[string, SigningKey](cfg.CacheMaxKeys, nil, cfg.CacheTTL),
		missing:    expirable.NewLRU[string, struct{}](cfg.MaxUnknownKids, nil, cfg.CacheTTL),
		logger:     logger,
		metrics:    metrics,
	}
}

// Resolve returns the signing key for kid, fetching the key set on a cache miss.
func (r *Resolver) Resolve(ctx context.Context, kid string) (SigningKey, error) {
	if key, ok := r.lookup(kid); ok {
		return key, nil
	}
	if r.knownMissing(kid) {
		return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	// The fetch outlives a cancelled caller so that other waiters still get a result.
	ch := r.group.DoChan(kid, func() (any, error) {
		return r.resolveRemote(context.WithoutCancel(ctx), kid)
	})

	select {
	case <-ctx.Done():
		return SigningKey{}, fmt.Errorf("%w: %w", ErrFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return SigningKey{}, res.Err
		}
		return res.Val.(SigningKey), nil
	}
}

// Stats returns cache statistics
func (r *Resolver) Stats() Stats {
	return Stats{
		CachedKeys: r.keys.Len(),
		Fetches:    r.fetches.Load(),
	}
}

func (r *Resolver) lookup(kid string) (SigningKey, bool) {
	return r.keys.Get(kid)
}

func (r *Resolver) knownMissing(kid string) bool {
	_, ok := r.missing.Get(kid)
	return ok
}

// resolveRemote runs inside the single-flight group for kid.
func (r *Resolver) resolveRemote(ctx context.Context, kid string) (SigningKey, error) {
	// A flight that finished just before this one may already have the answer.
	if key, ok := r.lookup(kid); ok {
		return key, nil
	}
	if r.knownMissing(kid) {
		return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	published, err := r.refresh(ctx)
	if err != nil {
		return SigningKey{}, err
	}

	// Answer from the fetched set: the LRU may already have evicted kid when
	// the set holds more keys than the cache.
	if key, ok := published[kid]; ok {
		r.keys.Add(kid, key)
		return key, nil
	}
	r.missing.Add(kid, struct{}{})
	r.logger.Warn("signing key not present in key set", zap.String("kid", kid))
	return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// refresh fetches the key set, caches its usable signing keys and returns them by kid.
func (r *Resolver) refresh(ctx context.Context) (map[string]SigningKey, error) {
	if !r.limiter.Allow() {
		r.metrics.RecordKeySetFetch("rate_limited")
		r.logger.Warn("key set fetch rate exceeded", zap.String("url", r.url))
		return nil, fmt.Errorf("%w: %w", ErrFetch, ErrRateLimited)
	}

	r.fetches.Add(1)
	set, err := r.fetch(ctx)
	if err != nil {
		r.metrics.RecordKeySetFetch("error")
		r.logger.Warn("key set fetch failed", zap.String("url", r.url), zap.Error(err))
		return nil, err
	}
	r.metrics.RecordKeySetFetch("success")

	published := make(map[string]SigningKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if !k.Valid() || !k.IsPublic() {
			continue
		}
		key := SigningKey{
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			PublicKey: k.Key,
		}
		published[k.KeyID] = key
		r.keys.Add(k.KeyID, key)
		r.missing.Remove(k.KeyID)
	}

	r.logger.Debug("key set fetched",
		zap.String("url", r.url),
		zap.Int("keys", len(set.Keys)),
		zap.Int("usable", len(published)))
	return published, nil
}

func (r *Resolver) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status code %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrFetch, err)
	}
	return &set, nil
}
