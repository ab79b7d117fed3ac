package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// NodeSnapshot is one fetched state of a bus node.
// Snapshots are immutable; a later fetch replaces the whole value.
type NodeSnapshot struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"`
	DisplayName string    `json:"displayName"`
	Kind        Kind      `json:"kind"`
	Role        Role      `json:"role"`
	Value       Value     `json:"value"`
	Unit        string    `json:"unit"`
	DataRange   DataRange `json:"dataRange"`
	Inputs      *Inputs   `json:"inputs"`
	Alert       *Alert    `json:"alert"`
}

// Inputs lists the upstream nodes feeding a node.
type Inputs struct {
	SenderIDs []string `json:"senderIds"`
}

// wireNode accepts both the backend's field names and the ones used by
// NodeSnapshot's own JSON encoding.
type wireNode struct {
	ID          string          `json:"id"`
	Identifier  string          `json:"identifier"`
	Name        string          `json:"name"`
	DisplayName string          `json:"displayName"`
	Cls         string          `json:"cls"`
	Type        string          `json:"type"`
	Kind        string          `json:"kind"`
	Role        string          `json:"role"`
	Data        json.RawMessage `json:"data"`
	Value       json.RawMessage `json:"value"`
	Unit        string          `json:"unit"`
	DataRange   string          `json:"data_range"`
	DataRange2  string          `json:"dataRange"`
	Inputs      json.RawMessage `json:"inputs"`
	Alert       json.RawMessage `json:"alert"`
}

// UnmarshalJSON decodes a node from the backend wire format.
func (n *NodeSnapshot) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return errors.New("node without id")
	}

	snap := NodeSnapshot{
		ID:          w.ID,
		Identifier:  w.Identifier,
		DisplayName: firstNonEmpty(w.DisplayName, w.Name, w.ID),
		Kind:        ParseKind(firstNonEmpty(w.Kind, w.Cls, w.Type)),
		Role:        Role(strings.ToUpper(w.Role)),
		Unit:        strings.TrimSpace(w.Unit),
		DataRange:   ParseDataRange(firstNonEmpty(w.DataRange2, w.DataRange)),
	}
	if snap.Identifier == "" {
		snap.Identifier = DefaultIdentifier(w.ID)
	}

	raw := w.Value
	if len(raw) == 0 {
		raw = w.Data
	}
	if len(raw) > 0 {
		if err := snap.Value.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("node %s value: %w", w.ID, err)
		}
	}

	inputs, err := decodeInputs(w.Inputs)
	if err != nil {
		return fmt.Errorf("node %s inputs: %w", w.ID, err)
	}
	snap.Inputs = inputs

	alert, err := decodeAlert(w.Alert)
	if err != nil {
		return fmt.Errorf("node %s alert: %w", w.ID, err)
	}
	snap.Alert = alert

	*n = snap
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// decodeInputs handles {"sender": [...]}, {"sender": "*"} and {"senderIds": [...]}.
// The "*" wildcard means "any sender" and carries no ids.
func decodeInputs(raw json.RawMessage) (*Inputs, error) {
	if isNull(raw) {
		return nil, nil
	}
	var w struct {
		Sender    json.RawMessage `json:"sender"`
		SenderIDs []string        `json:"senderIds"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if w.SenderIDs != nil {
		return &Inputs{SenderIDs: w.SenderIDs}, nil
	}
	if isNull(w.Sender) {
		return &Inputs{}, nil
	}

	var ids []string
	if err := json.Unmarshal(w.Sender, &ids); err == nil {
		return &Inputs{SenderIDs: ids}, nil
	}
	var single string
	if err := json.Unmarshal(w.Sender, &single); err != nil {
		return nil, err
	}
	if single == "*" || single == "" {
		return &Inputs{}, nil
	}
	return &Inputs{SenderIDs: []string{single}}, nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// ═══════════════════════════════════════════════════════════════════════════
// VALUE
// ═══════════════════════════════════════════════════════════════════════════

// Value is a node value: either a number or a boolean.
type Value struct {
	num    float64
	isBool bool
	valid  bool
}

// Number returns a numeric value.
func Number(f float64) Value { return Value{num: f, valid: true} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{isBool: true, valid: true}
	if b {
		v.num = 1
	}
	return v
}

// Valid reports whether the backend sent a value at all.
func (v Value) Valid() bool { return v.valid }

// IsBool reports whether the value was sent as a boolean.
func (v Value) IsBool() bool { return v.isBool }

// Float returns the value as a number; booleans map to 0 and 1.
func (v Value) Float() float64 { return v.num }

// On interprets the value as a two-valued state.
func (v Value) On() bool { return v.num != 0 }

// MarshalJSON encodes the value as number, boolean or null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case !v.valid:
		return []byte("null"), nil
	case v.isBool:
		return strconv.AppendBool(nil, v.On()), nil
	default:
		return json.Marshal(v.num)
	}
}

// UnmarshalJSON decodes a number, boolean, numeric string or null.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case isNull(data):
		*v = Value{}
		return nil
	case bytes.Equal(data, []byte("true")):
		*v = Bool(true)
		return nil
	case bytes.Equal(data, []byte("false")):
		*v = Bool(false)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*v = Number(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("value %s is neither number nor boolean", data)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("value %q is not numeric", s)
	}
	*v = Number(f)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// DATA RANGE, ROLE, ALERT
// ═══════════════════════════════════════════════════════════════════════════

// DataRange determines how a node value is rendered.
type DataRange string

const (
	RangeAnalog  DataRange = "ANALOG"
	RangeBinary  DataRange = "BINARY"
	RangePercent DataRange = "PERCENT"
	RangeCron    DataRange = "CRON"
	RangeOther   DataRange = "OTHER"
)

// ParseDataRange accepts "ANALOG", "DataRange.ANALOG" and lower case forms.
func ParseDataRange(s string) DataRange {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "DATARANGE.")
	switch DataRange(s) {
	case RangeAnalog, RangeBinary, RangePercent, RangeCron:
		return DataRange(s)
	default:
		return RangeOther
	}
}

// Binary reports whether values of this range render as on/off.
func (r DataRange) Binary() bool {
	return r == RangeBinary || r == RangeCron
}

// Role is the bus role of a node.
type Role string

const (
	RoleInput   Role = "IN_ENDP"
	RoleOutput  Role = "OUT_ENDP"
	RoleCtrl    Role = "CTRL"
	RoleAux     Role = "AUX"
	RoleHistory Role = "HISTORY"
	RoleAlerts  Role = "ALERTS"
	RoleBroker  Role = "BROKER"
)

// Severity classifies a node alert.
type Severity string

const (
	SeverityActive   Severity = "ACTIVE"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityStandard Severity = "STANDARD"
)

// ParseSeverity maps the backend's short codes (act, wrn, err, std).
// Unknown codes fall back to STANDARD.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "act", "active":
		return SeverityActive
	case "wrn", "warn", "warning":
		return SeverityWarn
	case "err", "error":
		return SeverityError
	default:
		return SeverityStandard
	}
}

// Alert is an active alert message attached to a node.
type Alert struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// decodeAlert accepts ["message", "wrn"] as sent by the backend and the
// object form {"message": ..., "severity": ...}.
func decodeAlert(raw json.RawMessage) (*Alert, error) {
	if isNull(raw) {
		return nil, nil
	}

	var pair []string
	if err := json.Unmarshal(raw, &pair); err == nil {
		if len(pair) == 0 || pair[0] == "" {
			return nil, nil
		}
		a := &Alert{Message: pair[0], Severity: SeverityStandard}
		if len(pair) > 1 {
			a.Severity = ParseSeverity(pair[1])
		}
		return a, nil
	}

	var obj struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj.Message == "" {
		return nil, nil
	}
	return &Alert{Message: obj.Message, Severity: ParseSeverity(obj.Severity)}, nil
}
