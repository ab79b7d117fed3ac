package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/markus-barta/busdash/internal/backend"
	"github.com/markus-barta/busdash/internal/metrics"
	"github.com/markus-barta/busdash/internal/protocol"
	"github.com/markus-barta/busdash/internal/store"
	"github.com/rs/zerolog"
)

// LayoutKey is the blob store key of the persisted widget layout.
const LayoutKey = "dashboard.widgets"

var (
	// ErrUnknownWidget is returned for edits of a node without an entry.
	ErrUnknownWidget = errors.New("unknown widget")

	// ErrNoLayout is returned by Load when nothing is persisted and the
	// server default layout could not be fetched.
	ErrNoLayout = errors.New("no dashboard layout available")
)

// Source tells where the loaded layout came from.
type Source string

const (
	SourceNone      Source = "none"
	SourcePersisted Source = "persisted"
	SourceServer    Source = "server"
)

// Layout owns the widget configuration: it loads and persists it, applies
// user edits and runs reconciliation against the live node set.
type Layout struct {
	store  store.BlobStore
	client backend.Client
	log    zerolog.Logger

	mu           sync.RWMutex
	entries      []protocol.WidgetConfigEntry
	reconciled   bool
	reconciledAt int // live set size at the last reconciliation
}

// NewLayout creates an empty layout.
func NewLayout(s store.BlobStore, client backend.Client, log zerolog.Logger) *Layout {
	return &Layout{
		store:  s,
		client: client,
		log:    log.With().Str("component", "dashboard").Logger(),
	}
}

// Load reads the persisted layout. When nothing usable is persisted it
// seeds from the server default layout.
func (l *Layout) Load(ctx context.Context) (Source, error) {
	var entries []protocol.WidgetConfigEntry
	found, err := store.GetJSON(l.store, LayoutKey, &entries)
	if err != nil {
		l.log.Warn().Err(err).Msg("persisted layout unreadable, falling back to server default")
	}
	if found {
		l.set(entries)
		l.log.Info().Int("widgets", len(entries)).Msg("layout loaded")
		return SourcePersisted, nil
	}

	entries, err = l.client.GetDashboardConfig(ctx)
	if err != nil {
		l.log.Warn().Err(err).Msg("server default layout unavailable")
		return SourceNone, fmt.Errorf("%w: %w", ErrNoLayout, err)
	}

	l.set(entries)
	l.log.Info().Int("widgets", len(entries)).Msg("layout seeded from server default")

	l.mu.RLock()
	defer l.mu.RUnlock()
	return SourceServer, l.persistLocked()
}

func (l *Layout) set(entries []protocol.WidgetConfigEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]protocol.WidgetConfigEntry(nil), entries...)
}

// NeedsReconcile reports whether the live set size differs from the size
// seen by the last reconciliation, or none ran yet.
func (l *Layout) NeedsReconcile(liveSize int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !l.reconciled || l.reconciledAt != liveSize
}

// Reconcile aligns the layout with liveIDs and persists it when membership
// changed. The returned error is a *store.PersistenceError warning; the
// reconciled layout is kept in memory regardless.
func (l *Layout) Reconcile(liveIDs []string, lookup Lookup) (changed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, changed := Reconcile(l.entries, liveIDs, lookup)
	l.entries = entries
	l.reconciled = true
	l.reconciledAt = len(liveIDs)

	metrics.Reconciliations.WithLabelValues(strconv.FormatBool(changed)).Inc()
	l.log.Debug().Int("widgets", len(entries)).Bool("changed", changed).Msg("layout reconciled")

	if !changed {
		return false, nil
	}
	return true, l.persistLocked()
}

// Entries returns a copy of the layout in sequence order.
func (l *Layout) Entries() []protocol.WidgetConfigEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]protocol.WidgetConfigEntry(nil), l.entries...)
}

// Visible returns the visible entries sorted by order.
func (l *Layout) Visible() []protocol.WidgetConfigEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []protocol.WidgetConfigEntry
	for _, e := range l.entries {
		if e.Visible {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Entry returns the entry of nodeID.
func (l *Layout) Entry(nodeID string) (protocol.WidgetConfigEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.indexLocked(nodeID); i >= 0 {
		return l.entries[i], true
	}
	return protocol.WidgetConfigEntry{}, false
}

// SetVisible shows or hides a widget.
func (l *Layout) SetVisible(nodeID string, visible bool) error {
	return l.edit(nodeID, func(e *protocol.WidgetConfigEntry) error {
		e.Visible = visible
		return nil
	})
}

// Rename sets the display name of a widget.
func (l *Layout) Rename(nodeID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("display name must not be empty")
	}
	return l.edit(nodeID, func(e *protocol.WidgetConfigEntry) error {
		e.DisplayName = name
		return nil
	})
}

// Reorder moves the given widgets to the front in the given sequence and
// renumbers every entry so order equals its position. Entries not named
// keep their relative sequence behind them.
func (l *Layout) Reorder(nodeIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sorted := append([]protocol.WidgetConfigEntry(nil), l.entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	named := make(map[string]bool, len(nodeIDs))
	entries := make([]protocol.WidgetConfigEntry, 0, len(sorted))
	for _, id := range nodeIDs {
		i := indexOf(sorted, id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownWidget, id)
		}
		if named[id] {
			continue
		}
		named[id] = true
		entries = append(entries, sorted[i])
	}
	for _, e := range sorted {
		if !named[e.NodeID] {
			entries = append(entries, e)
		}
	}

	for i := range entries {
		entries[i].Order = i
	}
	l.entries = entries

	return l.persistLocked()
}

func (l *Layout) edit(nodeID string, fn func(*protocol.WidgetConfigEntry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(nodeID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownWidget, nodeID)
	}
	if err := fn(&l.entries[i]); err != nil {
		return err
	}
	return l.persistLocked()
}

func (l *Layout) indexLocked(nodeID string) int {
	return indexOf(l.entries, nodeID)
}

// persistLocked writes the layout. Failures are counted and logged; the
// caller gets the *store.PersistenceError as a warning.
func (l *Layout) persistLocked() error {
	if err := store.SetJSON(l.store, LayoutKey, l.entries); err != nil {
		metrics.PersistenceFailures.Inc()
		l.log.Warn().Err(err).Msg("layout kept in memory only")
		return err
	}
	return nil
}

func indexOf(entries []protocol.WidgetConfigEntry, nodeID string) int {
	for i, e := range entries {
		if e.NodeID == nodeID {
			return i
		}
	}
	return -1
}
