// Package history caches downsampled time series per node and render
// context. Each series covers the window [now-period, now] and is replaced
// as a whole on every refresh; its last sample mirrors the node's live
// value.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-barta/busdash/internal/backend"
	"github.com/markus-barta/busdash/internal/metrics"
	"github.com/markus-barta/busdash/internal/nodecache"
	"github.com/markus-barta/busdash/internal/protocol"
	"github.com/markus-barta/busdash/internal/store"
	"github.com/rs/zerolog"
)

// Context is the UI surface showing a series.
type Context string

const (
	ContextWidget Context = "widget"
	ContextModal  Context = "modal"
)

// ParseContext validates a render context name.
func ParseContext(s string) (Context, error) {
	switch Context(s) {
	case ContextWidget, ContextModal:
		return Context(s), nil
	default:
		return "", fmt.Errorf("unknown render context %q", s)
	}
}

const (
	// DefaultPeriodMs is used when no period was selected for a series.
	DefaultPeriodMs int64 = 3600000

	// DefaultWidthPx is assumed for non-positive display widths.
	DefaultWidthPx = 800

	minStepS = 60
)

// ErrNotOpen is returned when refreshing a series that was never opened
// or has been closed.
var ErrNotOpen = errors.New("history series not open")

// LiveSource supplies the current node value. *nodecache.Cache implements it.
type LiveSource interface {
	Get(id string) (*protocol.NodeSnapshot, bool)
}

// Key identifies a series.
type Key struct {
	NodeID  string
	Context Context
}

// periodKey is the blob store key of the period selection.
func (k Key) periodKey() string {
	return k.NodeID + "_" + string(k.Context)
}

type periodBlob struct {
	Period int64 `json:"period"`
}

// Series is a read-only copy of one cached window.
type Series struct {
	NodeID        string            `json:"nodeId"`
	Context       Context           `json:"context"`
	PeriodMs      int64             `json:"periodMs"`
	StepS         int               `json:"stepS"`
	WidthPx       int               `json:"widthPx"`
	Samples       []protocol.Sample `json:"samples"`
	LastRefreshMs int64             `json:"lastRefreshMs"`
	Stale         bool              `json:"stale"`
}

type series struct {
	key           Key
	periodMs      int64
	widthPx       int
	stepS         int
	samples       []protocol.Sample
	lastRefreshMs int64
	stale         bool

	minSeq     uint64 // responses to requests issued earlier are ignored
	appliedSeq uint64
}

// Cache holds the active series.
type Cache struct {
	client backend.Client
	store  store.BlobStore
	live   LiveSource
	log    zerolog.Logger
	now    func() time.Time

	seq atomic.Uint64

	mu      sync.Mutex
	series  map[Key]*series
	periods map[Key]int64 // selections of this session, including unpersisted ones
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache.
func New(client backend.Client, s store.BlobStore, live LiveSource, log zerolog.Logger, opts ...Option) *Cache {
	c := &Cache{
		client:  client,
		store:   s,
		live:    live,
		log:     log.With().Str("component", "history").Logger(),
		now:     time.Now,
		series:  make(map[Key]*series),
		periods: make(map[Key]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ComputeStep returns the resampling interval in seconds for a window of
// periodMs shown on widthPx pixels. Windows up to one hour are not
// downsampled (step 1s); longer windows get about one point per pixel with
// a floor of 60s.
func ComputeStep(periodMs int64, widthPx int) int {
	if float64(periodMs)/3600000 <= 1 {
		return 1
	}
	if widthPx <= 0 {
		widthPx = DefaultWidthPx
	}
	step := int(math.Ceil(float64(periodMs) / 1000 / float64(widthPx)))
	if step < minStepS {
		step = minStepS
	}
	return step
}

// GetPeriod returns the selected period of a series, 1 hour by default.
func (c *Cache) GetPeriod(nodeID string, ctx Context) int64 {
	k := Key{NodeID: nodeID, Context: ctx}

	c.mu.Lock()
	p, ok := c.periods[k]
	c.mu.Unlock()
	if ok {
		return p
	}

	var blob periodBlob
	found, err := store.GetJSON(c.store, k.periodKey(), &blob)
	if err != nil {
		c.log.Warn().Err(err).Str("key", k.periodKey()).Msg("period selection unreadable, using default")
	}
	if !found || blob.Period <= 0 {
		return DefaultPeriodMs
	}
	return blob.Period
}

// SetPeriod selects and persists the period of a series. An open series is
// marked stale and fetches still in flight for the old window are ignored.
// A persistence failure keeps the selection for this session and is
// returned as a warning.
func (c *Cache) SetPeriod(nodeID string, ctx Context, periodMs int64) error {
	if periodMs <= 0 {
		return fmt.Errorf("period must be positive, got %d", periodMs)
	}
	k := Key{NodeID: nodeID, Context: ctx}

	c.mu.Lock()
	c.periods[k] = periodMs
	if s, ok := c.series[k]; ok {
		s.periodMs = periodMs
		s.stepS = ComputeStep(periodMs, s.widthPx)
		s.stale = true
		s.minSeq = c.seq.Add(1)
	}
	c.mu.Unlock()

	if err := store.SetJSON(c.store, k.periodKey(), periodBlob{Period: periodMs}); err != nil {
		metrics.PersistenceFailures.Inc()
		c.log.Warn().Err(err).Str("key", k.periodKey()).Msg("period kept in memory only")
		return err
	}
	return nil
}

// Open registers a series as active and returns its current state.
// Reopening with another width recomputes the step; when the step changes
// the series is marked stale and fetches in flight at the old step are
// ignored.
func (c *Cache) Open(nodeID string, ctx Context, widthPx int) Series {
	if widthPx <= 0 {
		widthPx = DefaultWidthPx
	}
	k := Key{NodeID: nodeID, Context: ctx}
	period := c.GetPeriod(nodeID, ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.series[k]
	if !ok {
		s = &series{
			key:      k,
			periodMs: period,
			widthPx:  widthPx,
			stepS:    ComputeStep(period, widthPx),
			stale:    true,
		}
		c.series[k] = s
		return s.snapshot()
	}

	if s.widthPx != widthPx {
		s.widthPx = widthPx
		if step := ComputeStep(s.periodMs, widthPx); step != s.stepS {
			s.stepS = step
			s.stale = true
			s.minSeq = c.seq.Add(1)
		}
	}
	return s.snapshot()
}

// CloseModal discards the modal series of a node. Its in-flight fetches
// are ignored; the widget series is kept.
func (c *Cache) CloseModal(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.series, Key{NodeID: nodeID, Context: ContextModal})
}

// Drop discards every series of a node and forgets its period selections,
// e.g. after it vanished. A failed delete is returned as a PersistenceError.
func (c *Cache) Drop(nodeID string) error {
	widget := Key{NodeID: nodeID, Context: ContextWidget}
	modal := Key{NodeID: nodeID, Context: ContextModal}

	c.mu.Lock()
	delete(c.series, widget)
	delete(c.series, modal)
	delete(c.periods, widget)
	delete(c.periods, modal)
	c.mu.Unlock()

	var errs []error
	for _, k := range []Key{widget, modal} {
		if err := c.store.Delete(k.periodKey()); err != nil {
			metrics.PersistenceFailures.Inc()
			errs = append(errs, &store.PersistenceError{Op: "delete", Key: k.periodKey(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// Refresh fetches the current window of an open series and replaces its
// samples. A response is dropped with nodecache.ErrStaleResponse when the
// series was closed, its period or step changed, or a later refresh was applied
// while the fetch was in flight.
func (c *Cache) Refresh(ctx context.Context, nodeID string, rc Context) error {
	k := Key{NodeID: nodeID, Context: rc}

	c.mu.Lock()
	s, ok := c.series[k]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrNotOpen, nodeID, rc)
	}
	seq := c.seq.Add(1)
	periodMs, stepS := s.periodMs, s.stepS
	c.mu.Unlock()

	now := c.now()
	start := now.Add(-time.Duration(periodMs) * time.Millisecond)

	samples, err := c.client.GetHistory(ctx, nodeID, start, stepS)
	if err != nil {
		metrics.HistoryRefreshes.WithLabelValues(string(rc), "failure").Inc()
		c.log.Error().Err(err).Str("node", nodeID).Str("context", string(rc)).Msg("history fetch failed, keeping prior window")
		return err
	}

	window := protocol.NormalizeSamples(append([]protocol.Sample(nil), samples...))
	window = c.withLiveSample(window, nodeID, now.UnixMilli())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.series[k] != s || seq < s.minSeq || seq <= s.appliedSeq {
		metrics.StaleResponses.WithLabelValues("history").Inc()
		metrics.HistoryRefreshes.WithLabelValues(string(rc), "stale").Inc()
		c.log.Debug().Str("node", nodeID).Str("context", string(rc)).Uint64("seq", seq).Msg("discarding stale history response")
		return nodecache.ErrStaleResponse
	}

	s.samples = window
	s.lastRefreshMs = now.UnixMilli()
	s.stale = false
	s.appliedSeq = seq

	metrics.HistoryRefreshes.WithLabelValues(string(rc), "success").Inc()
	return nil
}

// withLiveSample appends the node's live value at nowMs, overwriting a
// sample at or after that instant.
func (c *Cache) withLiveSample(window []protocol.Sample, nodeID string, nowMs int64) []protocol.Sample {
	if c.live == nil {
		return window
	}
	snap, ok := c.live.Get(nodeID)
	if !ok || !snap.Value.Valid() {
		return window
	}

	live := protocol.Sample{TimestampMs: nowMs, Value: snap.Value.Float()}
	for len(window) > 0 && window[len(window)-1].TimestampMs >= nowMs {
		window = window[:len(window)-1]
	}
	return append(window, live)
}

// RefreshIfRelevant refreshes every open series of changedID and nothing
// else. Stale discards are not reported.
func (c *Cache) RefreshIfRelevant(ctx context.Context, changedID string) error {
	var keys []Key
	c.mu.Lock()
	for k := range c.series {
		if k.NodeID == changedID {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, k := range keys {
		err := c.Refresh(ctx, k.NodeID, k.Context)
		if err != nil && !errors.Is(err, nodecache.ErrStaleResponse) && !errors.Is(err, ErrNotOpen) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Series returns a copy of an open series.
func (c *Cache) Series(nodeID string, ctx Context) (Series, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[Key{NodeID: nodeID, Context: ctx}]
	if !ok {
		return Series{}, false
	}
	return s.snapshot(), true
}

// IsStale reports whether a series needs a refresh before display.
// Series that are not open are stale.
func (c *Cache) IsStale(nodeID string, ctx Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[Key{NodeID: nodeID, Context: ctx}]
	return !ok || s.stale
}

// Active returns the keys of all open series.
func (c *Cache) Active() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]Key, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	return keys
}

func (s *series) snapshot() Series {
	return Series{
		NodeID:        s.key.NodeID,
		Context:       s.key.Context,
		PeriodMs:      s.periodMs,
		StepS:         s.stepS,
		WidthPx:       s.widthPx,
		Samples:       append([]protocol.Sample(nil), s.samples...),
		LastRefreshMs: s.lastRefreshMs,
		Stale:         s.stale,
	}
}
