// Package engine wires the sync components together: push events flow
// through the event bus into the node cache and the history cache, and the
// widget layout is reconciled whenever the live node set changes size.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-barta/busdash/internal/backend"
	"github.com/markus-barta/busdash/internal/dashboard"
	"github.com/markus-barta/busdash/internal/eventbus"
	"github.com/markus-barta/busdash/internal/history"
	"github.com/markus-barta/busdash/internal/nodecache"
	"github.com/markus-barta/busdash/internal/protocol"
	"github.com/markus-barta/busdash/internal/store"
	"github.com/rs/zerolog"
)

// Options tunes the engine.
type Options struct {
	FetchConcurrency int
	Clock            func() time.Time
}

// Engine owns the event bus and the caches.
type Engine struct {
	log zerolog.Logger

	bus     *eventbus.Bus
	nodes   *nodecache.Cache
	layout  *dashboard.Layout
	history *history.Cache

	subs []eventbus.Subscription

	// background work started by event handlers
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
	wgMu     sync.Mutex
	closing  bool

	reconcileMu sync.Mutex

	pushMu     sync.Mutex
	needResync bool
}

// New builds the engine around a backend client and a blob store.
func New(client backend.Client, s store.BlobStore, log zerolog.Logger, opts Options) *Engine {
	bus := eventbus.New(log)
	nodes := nodecache.New(client, log,
		nodecache.WithPublisher(bus),
		nodecache.WithConcurrency(opts.FetchConcurrency),
	)

	var hopts []history.Option
	if opts.Clock != nil {
		hopts = append(hopts, history.WithClock(opts.Clock))
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	return &Engine{
		log:      log.With().Str("component", "engine").Logger(),
		bus:      bus,
		nodes:    nodes,
		layout:   dashboard.NewLayout(s, client, log),
		history:  history.New(client, s, nodes, log, hopts...),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Nodes returns the node cache.
func (e *Engine) Nodes() *nodecache.Cache { return e.nodes }

// Layout returns the widget layout.
func (e *Engine) Layout() *dashboard.Layout { return e.layout }

// History returns the history cache.
func (e *Engine) History() *history.Cache { return e.history }

// Start loads the layout and the node universe, runs the first
// reconciliation and subscribes to push events.
//
// It fails only when no layout is persisted and the backend is
// unreachable, since there is no state to show then. With a persisted
// layout and an unreachable backend the engine starts degraded and loads
// once the push stream connects.
func (e *Engine) Start(ctx context.Context) error {
	_, layoutErr := e.layout.Load(ctx)
	var perr *store.PersistenceError
	if errors.As(layoutErr, &perr) {
		e.log.Warn().Err(layoutErr).Msg("seeded layout kept in memory only")
	}

	loadErr := e.nodes.LoadAll(ctx)
	switch {
	case loadErr != nil && errors.Is(layoutErr, dashboard.ErrNoLayout):
		return fmt.Errorf("no dashboard layout and backend unreachable: %w", loadErr)
	case loadErr != nil:
		e.log.Warn().Err(loadErr).Msg("backend unreachable, starting with persisted layout")
		e.pushMu.Lock()
		e.needResync = true
		e.pushMu.Unlock()
	default:
		e.reconcile(e.nodes.IDs())
	}

	e.subs = append(e.subs,
		e.bus.Subscribe(eventbus.TopicNodeUpdate, e.onNodeUpdate),
		e.bus.Subscribe(eventbus.TopicPushConnected, e.onPushConnected),
		e.bus.Subscribe(eventbus.TopicPushDisconnected, e.onPushDisconnected),
		e.bus.Subscribe(eventbus.TopicLoading, e.onLoading),
	)

	e.log.Info().
		Int("nodes", e.nodes.Len()).
		Int("widgets", len(e.layout.Entries())).
		Msg("engine started")
	return nil
}

// Shutdown unsubscribes the handlers, cancels background work, waits for
// it and closes the bus.
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, sub := range e.subs {
		e.bus.Unsubscribe(sub)
	}
	e.subs = nil

	e.wgMu.Lock()
	e.closing = true
	e.wgMu.Unlock()
	e.bgCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for background work: %w", ctx.Err())
	}

	e.bus.Close()
	e.log.Info().Msg("engine stopped")
	return err
}

// Wait blocks until all background work started so far has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// goBackground runs fn on a tracked goroutine unless the engine is closing.
func (e *Engine) goBackground(fn func(ctx context.Context)) {
	e.wgMu.Lock()
	defer e.wgMu.Unlock()
	if e.closing {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.bgCtx)
	}()
}

// onNodeUpdate runs the node refresh off the bus goroutine so sibling
// handlers are not blocked by backend I/O.
func (e *Engine) onNodeUpdate(payload any) {
	u, ok := payload.(protocol.NodeUpdate)
	if !ok || u.ID == "" {
		e.log.Warn().Interface("payload", payload).Msg("ignoring malformed node update")
		return
	}
	e.goBackground(func(ctx context.Context) {
		e.refreshNode(ctx, u.ID)
	})
}

// refreshNode updates the node, then its open history series, then the
// layout if the live set changed size.
func (e *Engine) refreshNode(ctx context.Context, id string) {
	if err := e.nodes.Refresh(ctx, []string{id}); err != nil {
		return // logged by the cache; prior snapshot kept
	}
	if err := e.history.RefreshIfRelevant(ctx, id); err != nil {
		e.log.Debug().Err(err).Str("node", id).Msg("history refresh failed")
	}
	e.maybeReconcile()
}

func (e *Engine) maybeReconcile() {
	if !e.nodes.IsLoaded() {
		return
	}
	ids := e.nodes.IDs()
	if !e.layout.NeedsReconcile(len(ids)) {
		return
	}
	e.reconcile(ids)
}

// reconcile aligns the layout with ids, publishes the result when
// membership changed and frees history and period selections of vanished
// nodes.
func (e *Engine) reconcile(ids []string) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	prev := e.layout.Entries()
	changed, err := e.layout.Reconcile(ids, e.nodes.Get)
	if err != nil {
		e.log.Warn().Err(err).Msg("reconciled layout not persisted")
	}
	if !changed {
		return
	}

	live := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
	}
	vanished := make(map[string]struct{})
	for _, entry := range prev {
		if _, ok := live[entry.NodeID]; !ok {
			vanished[entry.NodeID] = struct{}{}
		}
	}
	for _, k := range e.history.Active() {
		if _, ok := live[k.NodeID]; !ok {
			vanished[k.NodeID] = struct{}{}
		}
	}
	for id := range vanished {
		if err := e.history.Drop(id); err != nil {
			e.log.Warn().Err(err).Str("node", id).Msg("period selections of vanished node not deleted")
		}
	}

	entries := e.layout.Entries()
	e.log.Info().Int("widgets", len(entries)).Msg("layout membership changed")
	e.bus.Publish(eventbus.TopicDashboardReconcile, entries)
}

// Resync reloads the node universe and reconciles.
func (e *Engine) Resync(ctx context.Context) error {
	if err := e.nodes.LoadAll(ctx); err != nil {
		return err
	}
	e.reconcile(e.nodes.IDs())
	return nil
}

func (e *Engine) onPushConnected(any) {
	e.pushMu.Lock()
	resync := e.needResync || !e.nodes.IsLoaded()
	e.needResync = false
	e.pushMu.Unlock()

	if !resync {
		return
	}
	e.goBackground(func(ctx context.Context) {
		if err := e.Resync(ctx); err != nil {
			e.log.Warn().Err(err).Msg("resync after reconnect failed")
			e.pushMu.Lock()
			e.needResync = true
			e.pushMu.Unlock()
		}
	})
}

// onPushDisconnected schedules a resync for the next connect: changes
// sent while disconnected are lost.
func (e *Engine) onPushDisconnected(any) {
	e.pushMu.Lock()
	e.needResync = true
	e.pushMu.Unlock()
}

func (e *Engine) onLoading(payload any) {
	if loading, ok := payload.(bool); ok {
		e.log.Debug().Bool("loading", loading).Msg("node cache loading state")
	}
}
