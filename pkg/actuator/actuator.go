// Package actuator quiesces and restores system services around a package
// transaction.
//
// Actions may carry actuator attributes naming services affected by the
// action:
//
//	reboot-needed  a reboot is required for the change to take effect
//	refresh_fmri   refresh the service after any change
//	restart_fmri   restart the service after any change
//	suspend_fmri   stop the service while the package is updated
//	disable_fmri   disable the service before the package is removed
//
// The Actuator accumulates these attributes while a transaction is
// evaluated and drives the service-management commands before execution
// (Pre), after it (Post) or after a failure (Fail). Nothing runs unless the
// image is the live root or a substitute command directory is configured.
package actuator

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyopkg/pkg/engine"
	"github.com/openfroyo/froyopkg/pkg/manifest"
)

// Actuator attribute names.
const (
	AttrRebootNeeded = "reboot-needed"
	AttrRefresh      = "refresh_fmri"
	AttrRestart      = "restart_fmri"
	AttrSuspend      = "suspend_fmri"
	AttrDisable      = "disable_fmri"
)

// Attrs is the set of recognized actuator attributes.
var Attrs = []string{AttrRebootNeeded, AttrRefresh, AttrRestart, AttrSuspend, AttrDisable}

func isActuatorAttr(name string) bool { return slices.Contains(Attrs, name) }

type set map[string]struct{}

func newSet() set { return make(set) }

func (s set) add(v string) { s[v] = struct{}{} }

func (s set) has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s set) union(others ...set) set {
	out := newSet()
	for _, src := range append([]set{s}, others...) {
		for v := range src {
			out.add(v)
		}
	}
	return out
}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// installEntry is either a set of service identifiers or a callback.
type installEntry struct {
	fmris    set
	callback manifest.Callback
}

// Option configures an Actuator.
type Option func(*Actuator)

// WithRunner sets the command runner.
func WithRunner(r *CommandRunner) Option {
	return func(a *Actuator) {
		a.runner = r
	}
}

// WithCommandsDir sets the substitute command directory used for images that
// are not the live root.
func WithCommandsDir(dir string) Option {
	return func(a *Actuator) {
		a.commandsDir = dir
	}
}

// WithDiagnostics sets where ambiguous identifiers are reported.
func WithDiagnostics(sink DiagnosticSink) Option {
	return func(a *Actuator) {
		a.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Actuator) {
		a.logger = logger
	}
}

// Actuator accumulates actuator attributes for one transaction and runs the
// service commands they call for.
type Actuator struct {
	install map[string]*installEntry
	removal map[string]set
	update  map[string]set

	suspend    set
	tmpSuspend set

	doNothing   bool
	commandsDir string

	runner *CommandRunner
	sink   DiagnosticSink
	logger zerolog.Logger
}

// New returns an empty actuator.
func New(opts ...Option) *Actuator {
	a := &Actuator{
		install:    make(map[string]*installEntry),
		removal:    make(map[string]set),
		update:     make(map[string]set),
		suspend:    newSet(),
		tmpSuspend: newSet(),
		doNothing:  true,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "actuator").Logger()
	if a.runner == nil {
		a.runner = NewCommandRunner(nil, DefaultPaths(), a.logger)
	}
	if a.sink == nil {
		a.sink = LogSink{Logger: a.logger}
	}
	return a
}

// Runner returns the command runner.
func (a *Actuator) Runner() *CommandRunner { return a.runner }

// AddDiagnostics reports ambiguous identifiers to sink as well.
func (a *Actuator) AddDiagnostics(sink DiagnosticSink) {
	a.sink = MultiSink{a.sink, sink}
}

// ScanInstall records the actuator attributes of an action being installed.
func (a *Actuator) ScanInstall(attrs manifest.Attributes) {
	for _, name := range attrs.Keys() {
		if !isActuatorAttr(name) {
			continue
		}
		v := attrs[name]
		if v.IsCallback() {
			a.RegisterCallback(name, v.Callback())
			continue
		}
		e := a.install[name]
		if e == nil {
			e = &installEntry{fmris: newSet()}
			a.install[name] = e
		}
		if e.callback != nil {
			a.logger.Warn().Str("attr", name).Msg("Ignoring values for attribute holding a callback")
			continue
		}
		for _, s := range v.Values() {
			e.fmris.add(s)
		}
	}
}

// ScanRemoval records the actuator attributes of an action being removed.
func (a *Actuator) ScanRemoval(attrs manifest.Attributes) {
	a.scan(a.removal, attrs)
}

// ScanUpdate records the actuator attributes of an action being updated.
func (a *Actuator) ScanUpdate(attrs manifest.Attributes) {
	a.scan(a.update, attrs)
}

func (a *Actuator) scan(into map[string]set, attrs manifest.Attributes) {
	for _, name := range attrs.Keys() {
		if !isActuatorAttr(name) {
			continue
		}
		v := attrs[name]
		if v.IsCallback() {
			a.logger.Warn().Str("attr", name).Msg("Callbacks are only run for installs; ignoring")
			continue
		}
		s := into[name]
		if s == nil {
			s = newSet()
			into[name] = s
		}
		for _, val := range v.Values() {
			s.add(val)
		}
	}
}

// RegisterCallback registers cb under attr in the install set. It runs at the
// end of Post.
func (a *Actuator) RegisterCallback(attr string, cb manifest.Callback) {
	if e := a.install[attr]; e != nil && len(e.fmris) > 0 {
		a.logger.Warn().Str("attr", attr).Msg("Callback replaces service identifiers")
	}
	a.install[attr] = &installEntry{callback: cb}
}

// Empty reports whether no actuator attribute was recorded.
func (a *Actuator) Empty() bool {
	return len(a.install) == 0 && len(a.removal) == 0 && len(a.update) == 0
}

// RebootNeeded reports whether an updated or removed action requires a
// reboot.
func (a *Actuator) RebootNeeded() bool {
	return a.update[AttrRebootNeeded].has("true") || a.removal[AttrRebootNeeded].has("true")
}

// Prep decides whether service commands run at all. They run for the live
// root, or for another image when a command directory is configured, in
// which case commands are looked up under that directory.
func (a *Actuator) Prep(img manifest.Image) {
	if !img.IsLiveRoot() {
		if a.commandsDir == "" {
			a.logger.Debug().Str("root", img.Root()).Msg("Image is not the live root; services will not be touched")
			return
		}
		a.runner.SetRoot(a.commandsDir)
	}
	a.doNothing = false
}

// Active reports whether Prep enabled service commands.
func (a *Actuator) Active() bool { return !a.doNothing }

// State returns the state of a service instance. A service whose properties
// cannot be read is StateUnknown.
func (a *Actuator) State(ctx context.Context, fmri string) (ServiceState, error) {
	lines, err := a.runner.Properties(ctx, fmri)
	if err != nil {
		if engine.IsCommandFailure(err) {
			return StateUnknown, nil
		}
		return StateUnknown, err
	}
	return StateFromProperties(ParseProperties(lines)), nil
}

func (a *Actuator) isDisabled(ctx context.Context, fmri string) (bool, error) {
	state, err := a.State(ctx, fmri)
	if err != nil {
		return false, err
	}
	return state.IsDisabled(), nil
}

// Pre stops services before the packages are changed: running instances
// listed under suspend_fmri in updates are suspended, instances listed under
// disable_fmri in removals are disabled.
func (a *Actuator) Pre(ctx context.Context) error {
	if a.doNothing {
		return nil
	}

	suspend, err := a.runner.ResolvePatterns(ctx, AttrSuspend, a.update[AttrSuspend].sorted(), a.sink)
	if err != nil {
		return err
	}
	disable, err := a.runner.ResolvePatterns(ctx, AttrDisable, a.removal[AttrDisable].sorted(), a.sink)
	if err != nil {
		return err
	}

	a.suspend, a.tmpSuspend = newSet(), newSet()
	for _, fmri := range suspend {
		state, err := a.State(ctx, fmri)
		if err != nil {
			return err
		}
		switch {
		case state == StateTempEnabled:
			a.tmpSuspend.add(fmri)
		case state > StateTempEnabled:
			a.suspend.add(fmri)
		}
	}

	var toDisable []string
	for _, fmri := range disable {
		disabled, err := a.isDisabled(ctx, fmri)
		if err != nil {
			return err
		}
		if !disabled {
			toDisable = append(toDisable, fmri)
		}
	}

	a.logger.Info().
		Strs("suspend", a.suspend.sorted()).
		Strs("temp_suspend", a.tmpSuspend.sorted()).
		Strs("disable", toDisable).
		Msg("Stopping services")

	if err := a.runner.Suspend(ctx, a.suspend.union(a.tmpSuspend).sorted()); err != nil {
		return err
	}
	return a.runner.Disable(ctx, toDisable)
}

// Fail marks the services suspended by Pre as needing maintenance.
func (a *Actuator) Fail(ctx context.Context) error {
	if a.doNothing {
		return nil
	}
	fmris := a.suspend.union(a.tmpSuspend).sorted()
	if len(fmris) > 0 {
		a.logger.Warn().Strs("fmris", fmris).Msg("Marking suspended services for maintenance")
	}
	return a.runner.MarkMaintenance(ctx, fmris)
}

// Post refreshes and restarts affected services, re-enables suspended ones
// in the form they were running in, then runs install callbacks.
func (a *Actuator) Post(ctx context.Context) error {
	if a.doNothing {
		return nil
	}

	refresh, err := a.running(ctx, AttrRefresh)
	if err != nil {
		return err
	}
	if err := a.runner.Refresh(ctx, refresh); err != nil {
		return err
	}

	restart, err := a.running(ctx, AttrRestart)
	if err != nil {
		return err
	}
	if err := a.runner.Restart(ctx, restart); err != nil {
		return err
	}

	if err := a.runner.Enable(ctx, false, a.suspend.sorted()); err != nil {
		return err
	}
	if err := a.runner.Enable(ctx, true, a.tmpSuspend.sorted()); err != nil {
		return err
	}

	names := make([]string, 0, len(a.install))
	for name, e := range a.install {
		if e.callback != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := a.install[name].callback(ctx); err != nil {
			return fmt.Errorf("actuator callback %s: %w", name, err)
		}
	}
	return nil
}

// running collects attr from all three sets, resolves patterns and drops
// services that are not running.
func (a *Actuator) running(ctx context.Context, attr string) ([]string, error) {
	all := a.removal[attr].union(a.update[attr])
	if e := a.install[attr]; e != nil {
		all = all.union(e.fmris)
	}
	resolved, err := a.runner.ResolvePatterns(ctx, attr, all.sorted(), a.sink)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, fmri := range resolved {
		disabled, err := a.isDisabled(ctx, fmri)
		if err != nil {
			return nil, err
		}
		if !disabled {
			out = append(out, fmri)
		}
	}
	return out, nil
}

// Suspended returns the services Pre fully suspended.
func (a *Actuator) Suspended() []string { return a.suspend.sorted() }

// TempSuspended returns the temporarily-enabled services Pre suspended.
func (a *Actuator) TempSuspended() []string { return a.tmpSuspend.sorted() }

// Values returns the recorded identifiers for attr across all sets.
func (a *Actuator) Values(attr string) []string {
	all := a.removal[attr].union(a.update[attr])
	if e := a.install[attr]; e != nil {
		all = all.union(e.fmris)
	}
	return all.sorted()
}

// String lists every recorded attribute value, one per line. Callbacks show
// as "true".
func (a *Actuator) String() string {
	merged := make(map[string]set)
	add := func(attr, v string) {
		if merged[attr] == nil {
			merged[attr] = newSet()
		}
		merged[attr].add(v)
	}
	for _, m := range []map[string]set{a.removal, a.update} {
		for attr, vals := range m {
			for v := range vals {
				add(attr, v)
			}
		}
	}
	for attr, e := range a.install {
		if e.callback != nil {
			add(attr, "true")
			continue
		}
		for v := range e.fmris {
			add(attr, v)
		}
	}
	merged[AttrRebootNeeded] = newSet()
	if a.RebootNeeded() {
		merged[AttrRebootNeeded].add("true")
	} else {
		merged[AttrRebootNeeded].add("false")
	}

	attrs := make([]string, 0, len(merged))
	for attr := range merged {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)
	var lines []string
	for _, attr := range attrs {
		for _, v := range merged[attr].sorted() {
			lines = append(lines, fmt.Sprintf("  %16s: %s", attr, v))
		}
	}
	return strings.Join(lines, "\n")
}
