package imageplan

import (
	"fmt"
	"strings"

	"github.com/openfroyo/froyopkg/pkg/engine"
	"github.com/openfroyo/froyopkg/pkg/manifest"
)

// PlanSummary describes one package plan.
type PlanSummary struct {
	Origin      string               `json:"origin,omitempty"`
	Destination string               `json:"destination,omitempty"`
	Operation   engine.OperationType `json:"operation"`
	State       engine.PlanState     `json:"state"`
	Actions     []string             `json:"actions"`
}

// Summary describes a transaction for display.
type Summary struct {
	ID           string              `json:"id,omitempty"`
	Status       engine.RunStatus    `json:"status,omitempty"`
	Plans        []PlanSummary       `json:"plans"`
	RebootNeeded bool                `json:"reboot_needed"`
	Services     map[string][]string `json:"services,omitempty"`
	Warnings     []string            `json:"warnings,omitempty"`

	actuators string
}

// Summary returns the plans, their actions and the recorded actuators.
func (t *Transaction) Summary() Summary {
	s := Summary{
		ID:           t.id,
		Status:       t.status,
		RebootNeeded: t.act.RebootNeeded(),
		Services:     t.services(),
		actuators:    t.act.String(),
	}
	for _, p := range t.plans {
		ps := PlanSummary{
			Origin:      fmriString(p.Origin()),
			Destination: fmriString(p.Destination()),
			Operation:   p.Operation(),
			State:       p.State(),
			Actions:     []string{},
		}
		for _, pair := range p.Actions() {
			ps.Actions = append(ps.Actions, describe(pair))
		}
		s.Plans = append(s.Plans, ps)
	}
	if t.verdict != nil {
		for _, w := range t.verdict.Warnings {
			s.Warnings = append(s.Warnings, fmt.Sprintf("%s: %s", w.Policy, w.Message))
		}
	}
	return s
}

func describe(pair manifest.Pair) string {
	switch {
	case pair.IsInstall():
		return "install " + manifest.ID(pair.Dest)
	case pair.IsRemoval():
		return "remove " + manifest.ID(pair.Src)
	default:
		return "update " + manifest.ID(pair.Dest)
	}
}

func (s Summary) String() string {
	var b strings.Builder
	if s.ID != "" {
		fmt.Fprintf(&b, "Transaction %s (%s)\n", s.ID, s.Status)
	}
	for _, p := range s.Plans {
		origin, dest := p.Origin, p.Destination
		if origin == "" {
			origin = "None"
		}
		if dest == "" {
			dest = "None"
		}
		fmt.Fprintf(&b, "%s -> %s [%s, %d actions]\n", origin, dest, p.Operation, len(p.Actions))
		for _, a := range p.Actions {
			fmt.Fprintf(&b, "  %s\n", a)
		}
	}
	if s.actuators != "" {
		b.WriteString("Actuators:\n")
		b.WriteString(s.actuators)
		b.WriteString("\n")
	}
	for _, w := range s.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	return b.String()
}
