package protocol

import "github.com/goccy/go-json"

// WidgetConfigEntry is one persisted dashboard widget.
// NodeID, Identifier, Role and Kind are owned by the system and refreshed
// from the live node; DisplayName, Visible and Order are user edits.
type WidgetConfigEntry struct {
	NodeID      string `json:"nodeId"`
	Identifier  string `json:"identifier"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
	Kind        Kind   `json:"kind"`
	Visible     bool   `json:"visible"`
	Order       int    `json:"order"`
}

// NewWidgetEntry builds a hidden entry for a newly discovered node.
// snap may be nil when the node is known by id only.
func NewWidgetEntry(id string, snap *NodeSnapshot, order int) WidgetConfigEntry {
	e := WidgetConfigEntry{
		NodeID:      id,
		Identifier:  DefaultIdentifier(id),
		DisplayName: id,
		Order:       order,
	}
	if snap != nil {
		e.Identifier = snap.Identifier
		e.DisplayName = snap.DisplayName
		e.Role = snap.Role
		e.Kind = snap.Kind
	}
	return e
}

// UnmarshalJSON also accepts the legacy layout fields id, name and type.
func (e *WidgetConfigEntry) UnmarshalJSON(data []byte) error {
	type entry WidgetConfigEntry
	var w struct {
		entry
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := WidgetConfigEntry(w.entry)
	if out.NodeID == "" {
		out.NodeID = w.ID
	}
	if out.DisplayName == "" {
		out.DisplayName = w.Name
	}
	if out.Kind == KindUnknown && w.Type != "" {
		out.Kind = ParseKind(w.Type)
	}
	if out.Identifier == "" && out.NodeID != "" {
		out.Identifier = DefaultIdentifier(out.NodeID)
	}
	*e = out
	return nil
}
