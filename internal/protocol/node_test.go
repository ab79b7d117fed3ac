package protocol

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
)

func TestNodeSnapshot_UnmarshalBackendFormat(t *testing.T) {
	raw := `{
		"id": "water_temp",
		"cls": "AnalogInput",
		"name": "Water temperature",
		"role": "IN_ENDP",
		"data": 24.567,
		"unit": " °C ",
		"data_range": "ANALOG",
		"inputs": {"sender": "*"},
		"alert": ["too warm", "wrn"]
	}`

	var n NodeSnapshot
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if n.ID != "water_temp" {
		t.Errorf("ID = %q, want water_temp", n.ID)
	}
	if n.Identifier != "node__water_temp" {
		t.Errorf("Identifier = %q, want default identifier", n.Identifier)
	}
	if n.DisplayName != "Water temperature" {
		t.Errorf("DisplayName = %q", n.DisplayName)
	}
	if n.Kind != KindAnalogInput {
		t.Errorf("Kind = %v, want AnalogInput", n.Kind)
	}
	if n.Role != RoleInput {
		t.Errorf("Role = %q, want IN_ENDP", n.Role)
	}
	if n.Unit != "°C" {
		t.Errorf("Unit = %q, want trimmed unit", n.Unit)
	}
	if n.DataRange != RangeAnalog {
		t.Errorf("DataRange = %q", n.DataRange)
	}
	if n.Inputs == nil || len(n.Inputs.SenderIDs) != 0 {
		t.Errorf("Inputs = %+v, want wildcard decoded as empty list", n.Inputs)
	}
	if n.Alert == nil || n.Alert.Message != "too warm" || n.Alert.Severity != SeverityWarn {
		t.Errorf("Alert = %+v", n.Alert)
	}
	if got := n.FormatValue(); got != "24.57°C" {
		t.Errorf("FormatValue() = %q, want 24.57°C", got)
	}
}

func TestNodeSnapshot_RoundTripOwnEncoding(t *testing.T) {
	orig := NodeSnapshot{
		ID:          "light",
		Identifier:  "node__light",
		DisplayName: "Light",
		Kind:        KindLightCtrl,
		Role:        RoleCtrl,
		Value:       Number(42),
		Unit:        "%",
		DataRange:   RangePercent,
		Inputs:      &Inputs{SenderIDs: []string{"schedule"}},
		Alert:       &Alert{Message: "on", Severity: SeverityActive},
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got NodeSnapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.Kind != orig.Kind || got.Value.Float() != 42 || got.DataRange != RangePercent {
		t.Errorf("round trip = %+v", got)
	}
	if got.Inputs == nil || len(got.Inputs.SenderIDs) != 1 || got.Inputs.SenderIDs[0] != "schedule" {
		t.Errorf("Inputs = %+v", got.Inputs)
	}
	if got.Alert == nil || got.Alert.Severity != SeverityActive {
		t.Errorf("Alert = %+v", got.Alert)
	}
}

func TestNodeSnapshot_UnmarshalRejectsMissingID(t *testing.T) {
	var n NodeSnapshot
	if err := json.Unmarshal([]byte(`{"name":"x"}`), &n); err == nil {
		t.Fatal("Unmarshal() error = nil, want error for node without id")
	}
}

func TestNodeSnapshot_FormatValue(t *testing.T) {
	tests := []struct {
		name string
		node NodeSnapshot
		want string
	}{
		{
			name: "analog decimal with unit",
			node: NodeSnapshot{Kind: KindAnalogInput, DataRange: RangeAnalog, Value: Number(7.1), Unit: "pH"},
			want: "7.10pH",
		},
		{
			name: "percent decimal",
			node: NodeSnapshot{Kind: KindFadeCtrl, DataRange: RangePercent, Value: Number(33.333), Unit: "%"},
			want: "33.33%",
		},
		{
			name: "binary range renders on",
			node: NodeSnapshot{Kind: KindUnknown, DataRange: RangeBinary, Value: Number(1)},
			want: "on",
		},
		{
			name: "cron range renders off",
			node: NodeSnapshot{Kind: KindUnknown, DataRange: RangeCron, Value: Number(0)},
			want: "off",
		},
		{
			name: "or node over analog inputs",
			node: NodeSnapshot{Kind: KindOrAux, DataRange: RangeAnalog, Value: Number(21.5), Unit: "°C"},
			want: "21.50°C",
		},
		{
			name: "or node over switches",
			node: NodeSnapshot{Kind: KindOrAux, DataRange: RangeBinary, Value: Number(1)},
			want: "on",
		},
		{
			name: "boolean value",
			node: NodeSnapshot{Kind: KindUnknown, DataRange: RangeOther, Value: Bool(true)},
			want: "on",
		},
		{
			name: "minimum controller",
			node: NodeSnapshot{Kind: KindMinimumCtrl, DataRange: RangeBinary, Value: Number(100)},
			want: "on",
		},
		{
			name: "light controller full on",
			node: NodeSnapshot{Kind: KindLightCtrl, Value: Number(100), Unit: "%"},
			want: "on",
		},
		{
			name: "light controller dimmed",
			node: NodeSnapshot{Kind: KindLightCtrl, Value: Number(12.5), Unit: "%"},
			want: "12.50%",
		},
		{
			name: "history has no value text",
			node: NodeSnapshot{Kind: KindHistory, Value: Number(1)},
			want: "",
		},
		{
			name: "missing value",
			node: NodeSnapshot{Kind: KindAnalogInput, DataRange: RangeAnalog},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.node.FormatValue(); got != tt.want {
				t.Errorf("FormatValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIcon(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		role Role
		unit string
		want string
	}{
		{"min controller celsius", KindMinimumCtrl, RoleCtrl, "°C", "thermo_min.svg"},
		{"min controller odd unit", KindMinimumCtrl, RoleCtrl, "V", "min.svg"},
		{"sun controller", KindSunCtrl, RoleCtrl, "%", "sun.svg"},
		{"sensor by unit", KindAnalogInput, RoleInput, "pH", "gas.svg"},
		{"fallback to role", KindAvgAux, RoleAux, "V", "mdi-merge"},
		{"nothing matches", KindUnknown, Role("CUSTOM"), "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Icon(tt.kind, tt.role, tt.unit); got != tt.want {
				t.Errorf("Icon() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	if got := ParseKind("CtrlMinimum"); got != KindMinimumCtrl {
		t.Errorf("ParseKind(CtrlMinimum) = %v, want MinimumCtrl", got)
	}
	if got := ParseKind("FluxCapacitor"); got != KindUnknown {
		t.Errorf("ParseKind(FluxCapacitor) = %v, want Unknown", got)
	}
}

func TestDecodeBatch(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []string
		wantErr bool
	}{
		{name: "single id", payload: `["a"]`, want: []string{"a"}},
		{name: "duplicates removed in order", payload: `["b","a","b"]`, want: []string{"b", "a"}},
		{name: "empty array", payload: `[]`, wantErr: true},
		{name: "only empty ids", payload: `[""]`, wantErr: true},
		{name: "not json", payload: `node changed`, wantErr: true},
		{name: "object instead of array", payload: `{"id":"a"}`, wantErr: true},
		{name: "blank", payload: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBatch([]byte(tt.payload))
			if tt.wantErr {
				var decErr *DecodeError
				if !errors.As(err, &decErr) {
					t.Fatalf("DecodeBatch() error = %v, want DecodeError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeBatch() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("DecodeBatch() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("DecodeBatch()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestWidgetConfigEntry_UnmarshalLegacyLayout(t *testing.T) {
	raw := `[{"identifier":"node__t","id":"t","name":"Temp","role":"IN_ENDP","type":"AnalogInput","visible":true}]`

	var entries []WidgetConfigEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.NodeID != "t" || e.DisplayName != "Temp" || e.Kind != KindAnalogInput || !e.Visible {
		t.Errorf("entry = %+v", e)
	}
}
