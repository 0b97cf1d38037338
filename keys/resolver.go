package keys

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/jwtgateway/internal/logsafe"
	"github.com/ggoodman/jwtgateway/issuer"
)

const (
	DefaultTTL                = 5 * time.Minute
	DefaultFetchTimeout       = 5 * time.Second
	DefaultMinRefreshInterval = 10 * time.Second
)

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL sets how long a fetched set is served before it is refreshed.
func WithTTL(d time.Duration) Option { return func(r *Resolver) { r.ttl = d } }

// WithFetchTimeout bounds every fetch.
func WithFetchTimeout(d time.Duration) Option { return func(r *Resolver) { r.timeout = d } }

// WithMinRefreshInterval rate-limits forced refreshes per issuer.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(r *Resolver) { r.minRefresh = d }
}

// WithHTTPClient sets the client used for URL key sources.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.fetcher = &SourceFetcher{Client: c} }
}

// WithFetcher replaces the key source fetcher entirely.
func WithFetcher(f Fetcher) Option { return func(r *Resolver) { r.fetcher = f } }

func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.log = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

// Resolver caches one KeySet per issuer name.
type Resolver struct {
	fetcher    Fetcher
	ttl        time.Duration
	timeout    time.Duration
	minRefresh time.Duration
	log        *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	flights singleflight.Group
}

type entry struct {
	source issuer.KeySource

	mu          sync.RWMutex
	set         *KeySet
	invalid     bool
	lastAttempt time.Time
}

// NewResolver returns a Resolver with the given options applied over the
// defaults.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		fetcher:    &SourceFetcher{Client: http.DefaultClient},
		ttl:        DefaultTTL,
		timeout:    DefaultFetchTimeout,
		minRefresh: DefaultMinRefreshInterval,
		log:        slog.Default(),
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.fetcher == nil {
		r.fetcher = &SourceFetcher{Client: http.DefaultClient}
	}
	r.log = r.log.With(slog.String("component", "keys"))
	return r
}

// KeySet returns the cached set for cfg, fetching it when absent, expired, or
// invalidated. If a fetch fails and a previous set exists, the previous set is
// returned with a nil error.
func (r *Resolver) KeySet(ctx context.Context, cfg issuer.Config) (*KeySet, error) {
	e := r.entry(cfg)

	e.mu.RLock()
	set, invalid := e.set, e.invalid
	e.mu.RUnlock()

	if set != nil && !invalid && !set.Expired(r.now()) {
		return set, nil
	}
	return r.load(ctx, cfg, e, false)
}

// Refresh forces a refetch for cfg unless one was attempted within the
// minimum refresh interval, in which case the current set is returned as is.
func (r *Resolver) Refresh(ctx context.Context, cfg issuer.Config) (*KeySet, error) {
	return r.load(ctx, cfg, r.entry(cfg), true)
}

// Invalidate marks the cached sets of the named issuers as needing a refetch
// without discarding them.
func (r *Resolver) Invalidate(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if e, ok := r.entries[n]; ok {
			e.mu.Lock()
			e.invalid = true
			e.mu.Unlock()
		}
	}
}

// Evict drops the cached sets of the named issuers.
func (r *Resolver) Evict(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		delete(r.entries, n)
	}
}

// Cached returns the current set for name without fetching.
func (r *Resolver) Cached(name string) (*KeySet, bool) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set, e.set != nil
}

// entry returns the cache entry for cfg, replacing it when the key source has
// changed since it was created.
func (r *Resolver) entry(cfg issuer.Config) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[cfg.Name]
	if !ok || !e.source.Equal(cfg.KeySource) {
		e = &entry{source: cfg.KeySource}
		r.entries[cfg.Name] = e
	}
	return e
}

func (r *Resolver) load(ctx context.Context, cfg issuer.Config, e *entry, force bool) (*KeySet, error) {
	key := cfg.Name + "\x00" + cfg.KeySource.Kind.String() + "\x00" + cfg.KeySource.Value
	v, err, _ := r.flights.Do(key, func() (any, error) {
		now := r.now()

		e.mu.RLock()
		set, invalid, last := e.set, e.invalid, e.lastAttempt
		e.mu.RUnlock()

		// Another flight may have completed while this caller waited.
		if !force && set != nil && !invalid && !set.Expired(now) {
			return set, nil
		}
		// Expired sets and forced refreshes share the minimum interval so a
		// failing provider is not retried on every request. Explicit
		// invalidation always refetches.
		if set != nil && (force || !invalid) && now.Sub(last) < r.minRefresh {
			return set, nil
		}

		fresh, err := r.fetch(ctx, cfg)

		e.mu.Lock()
		defer e.mu.Unlock()
		e.lastAttempt = now
		if err != nil {
			if e.set != nil {
				r.log.Warn("keys.refresh.stale",
					slog.String("issuer", logsafe.Escape(cfg.Name)),
					slog.String("source", logsafe.Escape(cfg.KeySource.Describe())),
					slog.Time("fetched_at", e.set.FetchedAt),
					slog.String("err", logsafe.Escape(err.Error())))
				return e.set, nil
			}
			r.log.Error("keys.fetch.fail",
				slog.String("issuer", logsafe.Escape(cfg.Name)),
				slog.String("source", logsafe.Escape(cfg.KeySource.Describe())),
				slog.String("err", logsafe.Escape(err.Error())))
			return nil, &KeyFetchError{Issuer: cfg.Name, Source: cfg.KeySource.Describe(), Err: err}
		}
		fresh.FetchedAt = now
		fresh.TTL = r.ttl
		e.set = fresh
		e.invalid = false
		r.log.Info("keys.fetch.ok",
			slog.String("issuer", logsafe.Escape(cfg.Name)),
			slog.Int("keys", fresh.Len()),
			slog.Int("skipped", fresh.Skipped))
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeySet), nil
}

// fetch retrieves and parses key material. The request context only
// contributes values: cancellation comes from the fetch timeout alone, so a
// client disconnect does not abort a fetch other waiters depend on.
func (r *Resolver) fetch(ctx context.Context, cfg issuer.Config) (*KeySet, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	raw, err := r.fetcher.Fetch(fctx, cfg.KeySource)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// ValidationResult reports whether a key source yields a usable key set.
type ValidationResult struct {
	Valid    bool   `json:"valid"`
	KeyCount int    `json:"keyCount,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Validate fetches and parses src without touching the cache.
func (r *Resolver) Validate(ctx context.Context, src issuer.KeySource) ValidationResult {
	if src.IsZero() {
		return ValidationResult{Message: "key source is empty"}
	}
	fctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := r.fetcher.Fetch(fctx, src)
	if err != nil {
		return ValidationResult{Message: err.Error()}
	}
	ks, err := Parse(raw)
	if err != nil {
		return ValidationResult{Message: err.Error()}
	}
	return ValidationResult{Valid: true, KeyCount: ks.Len()}
}
