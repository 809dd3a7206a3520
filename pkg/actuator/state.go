package actuator

import (
	"strings"
	"unicode"
)

// ServiceState is the coarse state of a service instance. States are ordered;
// anything below StateTempEnabled counts as disabled.
type ServiceState int

const (
	StateUnknown ServiceState = iota
	StateDisabled
	StateMaintenance
	StateTempDisabled
	StateTempEnabled
	StateEnabled
)

func (s ServiceState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateMaintenance:
		return "maintenance"
	case StateTempDisabled:
		return "temporarily-disabled"
	case StateTempEnabled:
		return "temporarily-enabled"
	case StateEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// IsDisabled reports whether the service is not running in any form.
func (s ServiceState) IsDisabled() bool {
	return s < StateTempEnabled
}

// Property names read from the service configuration.
const (
	propRestarterState   = "restarter/state"
	propGeneralEnabled   = "general/enabled"
	propOverrideEnabled  = "general_ovr/enabled"
	stateWordMaintenance = "maintenance"
)

// ParseProperties turns "name type value" lines into a map of name to the
// remainder of the line, split at the first run of whitespace.
func ParseProperties(lines []string) map[string]string {
	props := make(map[string]string, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		name, value := l, ""
		if i := strings.IndexFunc(l, unicode.IsSpace); i >= 0 {
			name, value = l[:i], strings.TrimSpace(l[i:])
		}
		props[name] = value
	}
	return props
}

// StateFromProperties derives the service state from its properties. An
// empty property map means the service is not present.
func StateFromProperties(props map[string]string) ServiceState {
	if len(props) == 0 {
		return StateUnknown
	}
	if strings.Contains(props[propRestarterState], stateWordMaintenance) {
		return StateMaintenance
	}

	override, hasOverride := props[propOverrideEnabled]
	if !strings.Contains(props[propGeneralEnabled], "true") {
		if hasOverride && strings.Contains(override, "true") {
			return StateTempEnabled
		}
		return StateDisabled
	}
	if hasOverride && strings.Contains(override, "false") {
		return StateTempDisabled
	}
	return StateEnabled
}
