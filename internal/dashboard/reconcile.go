// Package dashboard keeps the user-editable widget layout aligned with the
// live set of backend nodes.
package dashboard

import "github.com/markus-barta/busdash/internal/protocol"

// Lookup returns the current snapshot of a node. nodecache.Cache.Get fits.
type Lookup func(id string) (*protocol.NodeSnapshot, bool)

// Reconcile aligns the persisted layout with the live node ids.
//
// Entries of vanished nodes are dropped. Live ids without an entry get a
// hidden entry appended, numbered after the highest existing order, in
// live-id order. Surviving entries take identifier, role and kind from the
// current snapshot and keep displayName, visible and order. Duplicate
// entries for one node keep the first.
//
// changed reports whether membership changed. Reconcile is idempotent and
// does not modify persisted.
func Reconcile(persisted []protocol.WidgetConfigEntry, liveIDs []string, lookup Lookup) (entries []protocol.WidgetConfigEntry, changed bool) {
	live := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = struct{}{}
	}

	entries = make([]protocol.WidgetConfigEntry, 0, len(liveIDs))
	have := make(map[string]struct{}, len(persisted))
	maxOrder := -1

	for _, e := range persisted {
		if _, ok := live[e.NodeID]; !ok {
			changed = true
			continue
		}
		if _, dup := have[e.NodeID]; dup {
			changed = true
			continue
		}
		have[e.NodeID] = struct{}{}

		if snap, ok := lookupSnap(lookup, e.NodeID); ok {
			e.Identifier = snap.Identifier
			e.Role = snap.Role
			e.Kind = snap.Kind
		}
		if e.Order > maxOrder {
			maxOrder = e.Order
		}
		entries = append(entries, e)
	}

	for _, id := range liveIDs {
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}

		snap, _ := lookupSnap(lookup, id)
		maxOrder++
		entries = append(entries, protocol.NewWidgetEntry(id, snap, maxOrder))
		changed = true
	}

	return entries, changed
}

func lookupSnap(lookup Lookup, id string) (*protocol.NodeSnapshot, bool) {
	if lookup == nil {
		return nil, false
	}
	snap, ok := lookup(id)
	if !ok || snap == nil {
		return nil, false
	}
	return snap, true
}
