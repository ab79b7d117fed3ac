package protocol

import (
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Kind is the closed set of node classes the dashboard knows how to show.
// Classes the backend adds later decode as KindUnknown and are rendered by
// their data range alone.
type Kind int

const (
	KindUnknown Kind = iota
	KindAnalogInput
	KindSwitchInput
	KindScheduleInput
	KindAnalogDevice
	KindSwitchDevice
	KindSinglePWM
	KindMinimumCtrl
	KindMaximumCtrl
	KindPidCtrl
	KindFadeCtrl
	KindSunCtrl
	KindLightCtrl
	KindAvgAux
	KindMinAux
	KindMaxAux
	KindScaleAux
	KindCalibrationAux
	KindOrAux
	KindHistory
	KindAlert
)

// ValuePolicy selects how a node value is turned into display text.
type ValuePolicy int

const (
	// PolicyByRange renders by data range: decimal plus unit, or on/off.
	PolicyByRange ValuePolicy = iota
	// PolicyOnOff always renders a two-valued state.
	PolicyOnOff
	// PolicyFullOnOff renders 100 as on, 0 as off and anything else as decimal.
	PolicyFullOnOff
	// PolicyNone renders no value (e.g. history nodes show a chart instead).
	PolicyNone
)

// KindRule is one row of the formatting table.
type KindRule struct {
	Name   string
	Label  string
	Role   Role
	Icon   string
	Policy ValuePolicy
}

var kindRules = map[Kind]KindRule{
	KindUnknown:        {Name: "Unknown", Label: "Node", Policy: PolicyByRange},
	KindAnalogInput:    {Name: "AnalogInput", Label: "Analog input", Role: RoleInput, Policy: PolicyByRange},
	KindSwitchInput:    {Name: "SwitchInput", Label: "Switch input", Role: RoleInput, Policy: PolicyOnOff},
	KindScheduleInput:  {Name: "ScheduleInput", Label: "Schedule", Role: RoleInput, Policy: PolicyOnOff},
	KindAnalogDevice:   {Name: "AnalogDevice", Label: "Analog device", Role: RoleOutput, Policy: PolicyByRange},
	KindSwitchDevice:   {Name: "SwitchDevice", Label: "Switch device", Role: RoleOutput, Policy: PolicyOnOff},
	KindSinglePWM:      {Name: "SinglePWM", Label: "PWM device", Role: RoleOutput, Policy: PolicyByRange},
	KindMinimumCtrl:    {Name: "MinimumCtrl", Label: "Minimum controller", Role: RoleCtrl, Icon: "min.svg", Policy: PolicyOnOff},
	KindMaximumCtrl:    {Name: "MaximumCtrl", Label: "Maximum controller", Role: RoleCtrl, Icon: "max.svg", Policy: PolicyOnOff},
	KindPidCtrl:        {Name: "PidCtrl", Label: "PID controller", Role: RoleCtrl, Policy: PolicyByRange},
	KindFadeCtrl:       {Name: "FadeCtrl", Label: "Fade controller", Role: RoleCtrl, Icon: "light.svg", Policy: PolicyByRange},
	KindSunCtrl:        {Name: "SunCtrl", Label: "Sun controller", Role: RoleCtrl, Icon: "sun.svg", Policy: PolicyByRange},
	KindLightCtrl:      {Name: "LightCtrl", Label: "Light controller", Role: RoleCtrl, Icon: "light.svg", Policy: PolicyFullOnOff},
	KindAvgAux:         {Name: "AvgAux", Label: "Average", Role: RoleAux, Policy: PolicyByRange},
	KindMinAux:         {Name: "MinAux", Label: "Minimum", Role: RoleAux, Policy: PolicyByRange},
	KindMaxAux:         {Name: "MaxAux", Label: "Maximum", Role: RoleAux, Policy: PolicyByRange},
	KindScaleAux:       {Name: "ScaleAux", Label: "Scale", Role: RoleAux, Policy: PolicyByRange},
	KindCalibrationAux: {Name: "CalibrationAux", Label: "Calibration", Role: RoleAux, Policy: PolicyByRange},
	KindOrAux:          {Name: "OrAux", Label: "Or", Role: RoleAux, Policy: PolicyByRange},
	KindHistory:        {Name: "History", Label: "History", Role: RoleHistory, Policy: PolicyNone},
	KindAlert:          {Name: "Alert", Label: "Alert", Role: RoleAlerts, Policy: PolicyNone},
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindRules))
	for k, r := range kindRules {
		m[strings.ToLower(r.Name)] = k
	}
	// legacy class names of the first backend generation
	m["ctrlminimum"] = KindMinimumCtrl
	m["ctrlmaximum"] = KindMaximumCtrl
	m["ctrllight"] = KindLightCtrl
	m["average"] = KindAvgAux
	m["or"] = KindOrAux
	m["deviceswitch"] = KindSwitchDevice
	m["sensortemp"] = KindAnalogInput
	m["schedule"] = KindScheduleInput
	return m
}()

// ParseKind maps a backend class name to a Kind.
func ParseKind(name string) Kind {
	if k, ok := kindByName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return k
	}
	return KindUnknown
}

// Rule returns the formatting rule of the kind.
func (k Kind) Rule() KindRule {
	if r, ok := kindRules[k]; ok {
		return r
	}
	return kindRules[KindUnknown]
}

func (k Kind) String() string { return k.Rule().Name }

// MarshalJSON encodes the kind by name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind name; unknown names become KindUnknown.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*k = ParseKind(name)
	return nil
}

// unitIcons holds icons chosen by unit, most specialised suffix first.
var unitIcons = []struct {
	key, icon string
}{
	{"MinimumCtrl.°C", "thermo_min.svg"},
	{"MaximumCtrl.°C", "thermo_max.svg"},
	{"MinimumCtrl.°F", "thermo_min.svg"},
	{"MaximumCtrl.°F", "thermo_max.svg"},
	{"MinimumCtrl.rH", "faucet.svg"},
	{"MaximumCtrl.rH", "faucet.svg"},
	{"MinimumCtrl.pH", "gas_min.svg"},
	{"MaximumCtrl.pH", "gas_max.svg"},
	{"°C", "thermo.svg"},
	{"°F", "thermo.svg"},
	{"pH", "gas.svg"},
	{"rH", "faucet.svg"},
}

var roleIcons = map[Role]string{
	RoleAux:     "mdi-merge",
	RoleCtrl:    "mdi-speedometer",
	RoleHistory: "mdi-chart-line",
	RoleInput:   "mdi-location-enter",
	RoleOutput:  "mdi-location-exit",
}

// Icon picks the widget icon: kind and unit first, then kind, then unit,
// then the role family.
func Icon(kind Kind, role Role, unit string) string {
	unit = strings.TrimSpace(unit)
	if unit != "" {
		key := kind.String() + "." + unit
		for _, ui := range unitIcons {
			if strings.Contains(ui.key, ".") && key == ui.key {
				return ui.icon
			}
		}
	}
	if icon := kind.Rule().Icon; icon != "" {
		return icon
	}
	for _, ui := range unitIcons {
		if !strings.Contains(ui.key, ".") && ui.key == unit {
			return ui.icon
		}
	}
	return roleIcons[role]
}

// Label returns the human readable kind label.
func (n *NodeSnapshot) Label() string {
	return n.Kind.Rule().Label
}

// FormatValue renders the node value as display text.
// ANALOG and PERCENT values render as a two-digit decimal plus unit,
// BINARY and CRON values as "on"/"off".
func (n *NodeSnapshot) FormatValue() string {
	if !n.Value.Valid() {
		return ""
	}

	switch n.Kind.Rule().Policy {
	case PolicyNone:
		return ""
	case PolicyOnOff:
		return onOff(n.Value.On())
	case PolicyFullOnOff:
		switch {
		case n.Value.IsBool():
			return onOff(n.Value.On())
		case n.Value.Float() == 100:
			return onOff(true)
		case n.Value.Float() == 0:
			return onOff(false)
		}
		return decimal(n.Value.Float(), n.Unit)
	}

	if n.DataRange.Binary() || n.Value.IsBool() {
		return onOff(n.Value.On())
	}
	return decimal(n.Value.Float(), n.Unit)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func decimal(f float64, unit string) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "-"
	}
	return strconv.FormatFloat(f, 'f', 2, 64) + unit
}
