// Package session manages concurrent workflow sessions on top of a shared
// store: one engine per session, cached with a TTL so idle sessions fall out
// of memory and are transparently resumed on the next access.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/devlift/sdlcflow/engine"
	"github.com/devlift/sdlcflow/graph"
	"github.com/devlift/sdlcflow/internal/metrickeys"
	"github.com/devlift/sdlcflow/metrics"
	"github.com/devlift/sdlcflow/store"
)

type Options struct {
	// CacheSize bounds the number of live engines held in memory.
	CacheSize int

	// CacheTTL is how long an idle engine stays cached.
	CacheTTL time.Duration

	// RetryLimit and GenerationTimeout are applied to every engine built by
	// the manager.
	RetryLimit        int
	GenerationTimeout time.Duration
}

var DefaultOptions = Options{
	CacheSize: 128,
	CacheTTL:  time.Minute * 30,
}

type Option func(*Options)

func WithCacheSize(size int) Option {
	return func(o *Options) {
		o.CacheSize = size
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.CacheTTL = ttl
	}
}

func WithRetryLimit(limit int) Option {
	return func(o *Options) {
		o.RetryLimit = limit
	}
}

func WithGenerationTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.GenerationTimeout = timeout
	}
}

// Manager hands out engines for sessions. State crosses session boundaries
// only through the store, so independent sessions may run concurrently.
type Manager struct {
	store     store.Store
	graph     *graph.Graph
	generator engine.Generator
	reviewer  engine.Reviewer
	publisher engine.Publisher

	options Options
	mc      metrics.Client

	// mu serializes cache misses so two concurrent Gets for one session
	// cannot build two live engines.
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *engine.Engine]
}

func NewManager(s store.Store, g *graph.Graph, gen engine.Generator, rev engine.Reviewer, pub engine.Publisher, opts ...Option) *Manager {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	mc := s.Metrics()

	c := ttlcache.New(
		ttlcache.WithCapacity[string, *engine.Engine](uint64(options.CacheSize)),
		ttlcache.WithTTL[string, *engine.Engine](options.CacheTTL),
	)

	c.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[string, *engine.Engine]) {
		reason := ""
		switch er {
		case ttlcache.EvictionReasonExpired:
			reason = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			reason = "capacity"
		}

		mc.Counter(metrickeys.SessionCacheEviction, metrics.Tags{metrickeys.EvictionReason: reason}, 1)
	})

	return &Manager{
		store:     s,
		graph:     g,
		generator: gen,
		reviewer:  rev,
		publisher: pub,
		options:   options,
		mc:        mc,
		cache:     c,
	}
}

// Create starts a new session with the given id.
func (m *Manager) Create(ctx context.Context, sessionID string) (*engine.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := engine.New(ctx, m.store, m.graph, m.generator, m.reviewer, m.publisher, m.config(sessionID))
	if err != nil {
		return nil, err
	}

	m.cache.Set(sessionID, e, ttlcache.DefaultTTL)
	m.mc.Gauge(metrickeys.SessionCacheSize, metrics.Tags{}, int64(m.cache.Len()))

	return e, nil
}

// Get returns the engine for an existing session, resuming it from the
// store when it is not cached.
func (m *Manager) Get(ctx context.Context, sessionID string) (*engine.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item := m.cache.Get(sessionID); item != nil {
		return item.Value(), nil
	}

	e, err := engine.Resume(ctx, m.store, m.graph, m.generator, m.reviewer, m.publisher, m.config(sessionID))
	if err != nil {
		return nil, fmt.Errorf("resuming session %q: %w", sessionID, err)
	}

	m.cache.Set(sessionID, e, ttlcache.DefaultTTL)
	m.mc.Gauge(metrickeys.SessionCacheSize, metrics.Tags{}, int64(m.cache.Len()))

	return e, nil
}

// Evict drops a session's engine from the cache; the next Get resumes it
// from the store.
func (m *Manager) Evict(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Delete(sessionID)
	m.mc.Gauge(metrickeys.SessionCacheSize, metrics.Tags{}, int64(m.cache.Len()))
}

// StartEviction runs the cache's TTL eviction loop until ctx is canceled.
func (m *Manager) StartEviction(ctx context.Context) {
	go m.cache.Start()

	<-ctx.Done()

	m.cache.Stop()
}

func (m *Manager) config(sessionID string) engine.Config {
	return engine.Config{
		SessionID:         sessionID,
		RetryLimit:        m.options.RetryLimit,
		GenerationTimeout: m.options.GenerationTimeout,
	}
}
