// Package nodecache holds the canonical in-memory copy of every node
// snapshot and keeps it current from backend fetches.
//
// Every fetch is tagged with a sequence number when it is issued. A response
// is applied only when its number is higher than the one of the response
// currently applied for that node, so a slow, older response can never
// overwrite fresher data.
package nodecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/markus-barta/busdash/internal/backend"
	"github.com/markus-barta/busdash/internal/eventbus"
	"github.com/markus-barta/busdash/internal/metrics"
	"github.com/markus-barta/busdash/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrStaleResponse reports a response discarded because a later request for
// the same key was already applied. It never reaches users.
var ErrStaleResponse = errors.New("stale response discarded")

// DefaultConcurrency bounds parallel node fetches.
const DefaultConcurrency = 8

// Publisher receives cache lifecycle events. *eventbus.Bus implements it.
type Publisher interface {
	Publish(topic string, payload any) int
}

// Cache maps node ids to their latest snapshot.
type Cache struct {
	client      backend.Client
	pub         Publisher
	log         zerolog.Logger
	concurrency int

	seq atomic.Uint64

	mu      sync.RWMutex
	nodes   map[string]*protocol.NodeSnapshot
	order   []string
	applied map[string]uint64

	loadedOnce sync.Once
	loaded     chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithConcurrency bounds the number of parallel fetches.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithPublisher sets the bus that receives app:loading events.
func WithPublisher(p Publisher) Option {
	return func(c *Cache) { c.pub = p }
}

// New creates an empty cache.
func New(client backend.Client, log zerolog.Logger, opts ...Option) *Cache {
	c := &Cache{
		client:      client,
		log:         log.With().Str("component", "nodecache").Logger(),
		concurrency: DefaultConcurrency,
		nodes:       make(map[string]*protocol.NodeSnapshot),
		applied:     make(map[string]uint64),
		loaded:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the snapshot of id.
func (c *Cache) Get(id string) (*protocol.NodeSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.nodes[id]
	return snap, ok
}

// GetAll returns a copy of the id -> snapshot map. Snapshots are shared
// and must not be modified.
func (c *Cache) GetAll() map[string]*protocol.NodeSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*protocol.NodeSnapshot, len(c.nodes))
	for id, snap := range c.nodes {
		out[id] = snap
	}
	return out
}

// IDs returns the live node ids in backend order. An id may be listed
// before its first successful fetch, in which case Get reports it absent.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Len returns the number of live node ids.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// ReplaceAll swaps the whole content for snaps, in the given order.
// Responses still in flight for earlier requests are discarded.
func (c *Cache) ReplaceAll(snaps []*protocol.NodeSnapshot) {
	seq := c.seq.Add(1)

	nodes := make(map[string]*protocol.NodeSnapshot, len(snaps))
	order := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		if snap == nil {
			continue
		}
		if _, dup := nodes[snap.ID]; !dup {
			order = append(order, snap.ID)
		}
		nodes[snap.ID] = snap
	}

	c.mu.Lock()
	for id := range c.applied {
		c.applied[id] = seq
	}
	for id := range nodes {
		c.applied[id] = seq
	}
	c.nodes = nodes
	c.order = order
	c.mu.Unlock()

	metrics.NodesCached.Set(float64(len(nodes)))
}

// Refresh fetches every id and applies the responses that are still
// current. Failures keep the prior snapshot and are logged; they are
// returned joined so callers may inspect them. Stale discards are not
// errors.
func (c *Cache) Refresh(ctx context.Context, ids []string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
		seen = make(map[string]struct{}, len(ids))
	)
	g.SetLimit(c.concurrency)

	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}

		id := id
		g.Go(func() error {
			if err := c.fetch(ctx, id, true); err != nil && !errors.Is(err, ErrStaleResponse) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// fetch issues one GetNode and applies the result under the sequence guard.
// appendNew adds ids that are not yet part of the live set.
func (c *Cache) fetch(ctx context.Context, id string, appendNew bool) error {
	seq := c.seq.Add(1)

	addHistory := false
	if prior, ok := c.Get(id); ok {
		addHistory = prior.Role == protocol.RoleHistory
	}

	snap, err := c.client.GetNode(ctx, id, addHistory)
	if err != nil {
		metrics.NodeFetchFailures.Inc()
		c.log.Error().Err(err).Str("node", id).Msg("node fetch failed, keeping prior snapshot")
		return err
	}

	c.mu.Lock()
	if seq <= c.applied[id] {
		c.mu.Unlock()
		metrics.StaleResponses.WithLabelValues("node").Inc()
		c.log.Debug().Str("node", id).Uint64("seq", seq).Msg("discarding stale node response")
		return ErrStaleResponse
	}
	if snap.ID != id {
		// the cache is keyed by the requested id
		cp := *snap
		cp.ID = id
		snap = &cp
	}
	if appendNew && !contains(c.order, id) {
		c.order = append(c.order, id)
	}
	c.nodes[id] = snap
	c.applied[id] = seq
	n := len(c.nodes)
	c.mu.Unlock()

	metrics.NodesCached.Set(float64(n))
	return nil
}

// LoadAll fetches the id universe and every node in it, drops nodes that
// are no longer listed and marks the cache loaded. Per node failures are
// logged and do not fail the load; only an unreachable id list does.
func (c *Cache) LoadAll(ctx context.Context) error {
	c.publish(eventbus.TopicLoading, true)
	defer c.publish(eventbus.TopicLoading, false)

	ids, err := c.client.ListNodes(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("listing nodes failed")
		return err
	}

	universe := dedupe(ids)

	// Ids in the universe are live even before their snapshot arrives.
	c.mu.Lock()
	c.order = append([]string(nil), universe...)
	c.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	var failed atomic.Int32
	for _, id := range universe {
		id := id
		g.Go(func() error {
			if err := c.fetch(ctx, id, false); err != nil && !errors.Is(err, ErrStaleResponse) {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.prune(universe)

	c.loadedOnce.Do(func() {
		close(c.loaded)
	})

	c.log.Info().
		Int("nodes", len(universe)).
		Int32("failed", failed.Load()).
		Msg("node cache loaded")
	return nil
}

// prune removes every node outside universe and makes the order follow it.
func (c *Cache) prune(universe []string) {
	live := make(map[string]struct{}, len(universe))
	for _, id := range universe {
		live[id] = struct{}{}
	}

	barrier := c.seq.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.nodes {
		if _, ok := live[id]; ok {
			continue
		}
		delete(c.nodes, id)
		// late responses must not resurrect the node
		c.applied[id] = barrier
	}
	c.order = append([]string(nil), universe...)
	metrics.NodesCached.Set(float64(len(c.nodes)))
}

// Loaded is closed after the first completed LoadAll.
func (c *Cache) Loaded() <-chan struct{} {
	return c.loaded
}

// IsLoaded reports whether LoadAll has completed once.
func (c *Cache) IsLoaded() bool {
	select {
	case <-c.loaded:
		return true
	default:
		return false
	}
}

func (c *Cache) publish(topic string, payload any) {
	if c.pub != nil {
		c.pub.Publish(topic, payload)
	}
}

func contains(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
