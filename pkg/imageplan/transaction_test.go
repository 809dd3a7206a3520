package imageplan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyopkg/pkg/actuator"
	"github.com/openfroyo/froyopkg/pkg/engine"
	"github.com/openfroyo/froyopkg/pkg/filter"
	"github.com/openfroyo/froyopkg/pkg/fmri"
	"github.com/openfroyo/froyopkg/pkg/image"
	"github.com/openfroyo/froyopkg/pkg/manifest"
	"github.com/openfroyo/froyopkg/pkg/policy"
	"github.com/openfroyo/froyopkg/pkg/stores"
	"github.com/openfroyo/froyopkg/pkg/telemetry"
)

// fakeExecutor scripts svcprop output and records every command.
type fakeExecutor struct {
	props   map[string][]string
	failAdm map[string]bool
	calls   []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{props: make(map[string][]string), failAdm: make(map[string]bool)}
}

func (f *fakeExecutor) Run(_ context.Context, argv []string) ([]byte, int, error) {
	f.calls = append(f.calls, strings.Join(argv, " "))
	cmd := argv[0][strings.LastIndex(argv[0], "/")+1:]
	switch cmd {
	case "svcprop":
		lines, ok := f.props[argv[len(argv)-1]]
		if !ok {
			return []byte("svcprop: Pattern doesn't match any entities\n"), 1, nil
		}
		return []byte(strings.Join(lines, "\n") + "\n"), 0, nil
	case "svcadm":
		if f.failAdm[argv[1]] {
			return []byte("svcadm: failed\n"), 1, nil
		}
		return nil, 0, nil
	}
	return nil, 127, nil
}

func (f *fakeExecutor) enable(fmri string) {
	f.props[fmri] = []string{"general/enabled boolean true", "restarter/state astring online"}
}

func (f *fakeExecutor) disable(fmri string) {
	f.props[fmri] = []string{"general/enabled boolean false", "restarter/state astring disabled"}
}

func (f *fakeExecutor) adminCalls() []string {
	var out []string
	for _, c := range f.calls {
		if strings.Contains(c, "svcadm") {
			out = append(out, strings.TrimPrefix(c, actuator.DefaultSvcadm+" "))
		}
	}
	return out
}

// mockAction records its hooks and can be told to fail one of them.
type mockAction struct {
	*manifest.Generic
	calls  *[]string
	failOn string
}

func newAction(calls *[]string, path string, kv ...string) *mockAction {
	attrs := manifest.Attributes{"path": manifest.Strings(path)}
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = manifest.Strings(kv[i+1])
	}
	return &mockAction{Generic: manifest.NewGeneric("file", "", attrs), calls: calls}
}

func (a *mockAction) hook(name string) error {
	*a.calls = append(*a.calls, name+":"+a.Key())
	if a.failOn == name {
		return errors.New(name + " exploded")
	}
	return nil
}

func (a *mockAction) Preinstall(context.Context, manifest.Image, manifest.Action) error {
	return a.hook("preinstall")
}
func (a *mockAction) Install(context.Context, manifest.Image, manifest.Action) error {
	return a.hook("install")
}
func (a *mockAction) Postinstall(context.Context, manifest.Image, manifest.Action) error {
	return a.hook("postinstall")
}
func (a *mockAction) Preremove(context.Context, manifest.Image) error  { return a.hook("preremove") }
func (a *mockAction) Remove(context.Context, manifest.Image) error     { return a.hook("remove") }
func (a *mockAction) Postremove(context.Context, manifest.Image) error { return a.hook("postremove") }

type fixture struct {
	img     *image.Image
	store   *image.MemoryStore
	fx      *fakeExecutor
	history *stores.SQLiteStore
	tel     *telemetry.Telemetry
}

func newFixture(t *testing.T, live bool) *fixture {
	t.Helper()

	store := image.NewMemoryStore()
	img := image.New(t.TempDir(), image.WithStore(store), image.WithLiveRoot(live))

	history, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create history: %v", err)
	}
	ctx := context.Background()
	if err := history.Init(ctx); err != nil {
		t.Fatalf("failed to initialize history: %v", err)
	}
	if err := history.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate history: %v", err)
	}
	t.Cleanup(func() { _ = history.Close() })

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}

	return &fixture{img: img, store: store, fx: newFakeExecutor(), history: history, tel: tel}
}

func (f *fixture) transaction(opts ...Option) *Transaction {
	runner := actuator.NewCommandRunner(f.fx, actuator.DefaultPaths(), zerolog.Nop())
	act := actuator.New(actuator.WithRunner(runner))
	opts = append([]Option{
		WithActuator(act),
		WithHistory(f.history),
		WithTelemetry(f.tel),
		WithLogger(zerolog.Nop()),
	}, opts...)
	return New(f.img, opts...)
}

func (f *fixture) install(t *testing.T, pkg string) *fmri.FMRI {
	t.Helper()
	p := fmri.MustParse(pkg)
	if err := f.store.MarkInstalled(p); err != nil {
		t.Fatal(err)
	}
	if err := f.store.WriteFilters(p, nil); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFreshInstall(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	var calls []string

	dest := fmri.MustParse("pkg:/web@1.0")
	m := manifest.New(
		newAction(&calls, "usr/bin/web", "restart_fmri", "svc:/web:default"),
		newAction(&calls, "usr/sparc/web", "arch", "sparc"),
	)
	filters, err := filter.CompileAll([]string{`arch == "i386"`})
	if err != nil {
		t.Fatal(err)
	}

	tx := f.transaction()
	if err := tx.Install(dest, m); err != nil {
		t.Fatalf("Install() failed: %v", err)
	}
	if err := tx.Evaluate(ctx, filters); err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if tx.Status() != engine.RunStatusPending {
		t.Errorf("status after evaluate = %s", tx.Status())
	}
	if err := tx.Execute(ctx); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	want := []string{"preinstall:usr/bin/web", "install:usr/bin/web", "postinstall:usr/bin/web"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("hooks = %v, want %v", calls, want)
	}
	if len(f.fx.calls) != 0 {
		t.Errorf("services touched on a non-live image: %v", f.fx.calls)
	}

	if ok, _ := f.store.IsInstalled(dest); !ok {
		t.Error("destination not marked installed")
	}
	saved, _ := f.store.ReadFilters(dest)
	if len(saved) != 1 || saved[0] != `arch == "i386"` {
		t.Errorf("saved filters = %v", saved)
	}
	entries, err := f.store.IndexEntries("basename", "web")
	if err != nil || len(entries) != 1 {
		t.Errorf("basename index = %v, %v", entries, err)
	}

	rec, err := f.history.GetTransaction(ctx, tx.ID())
	if err != nil {
		t.Fatalf("GetTransaction() failed: %v", err)
	}
	if rec.Status != engine.RunStatusSucceeded || rec.CompletedAt == nil {
		t.Errorf("recorded transaction = %+v", rec)
	}
	transitions, err := f.history.ListTransitions(ctx, tx.ID())
	if err != nil || len(transitions) != 1 {
		t.Fatalf("transitions = %v, %v", transitions, err)
	}
	if tr := transitions[0]; tr.State != engine.PlanStatePostexecuted || tr.Origin != nil || tr.ActionCount != 1 {
		t.Errorf("transition = %+v", tr)
	}

	expected := `
# HELP froyo_pkg_transactions_completed_total Total number of package transactions completed
# TYPE froyo_pkg_transactions_completed_total counter
froyo_pkg_transactions_completed_total{status="succeeded"} 1
`
	if err := testutil.GatherAndCompare(f.tel.Metrics.Registry(), strings.NewReader(expected),
		"froyo_pkg_transactions_completed_total"); err != nil {
		t.Error(err)
	}
}

func TestLiveInstallRestartsService(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	var calls []string
	f.fx.enable("svc:/app:default")

	tx := f.transaction()
	m := manifest.New(newAction(&calls, "usr/bin/app", "restart_fmri", "svc:/app:default"))
	if err := tx.Install(fmri.MustParse("pkg:/app@1.0"), m); err != nil {
		t.Fatal(err)
	}
	if err := tx.Evaluate(ctx, nil); err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if err := tx.Execute(ctx); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	if got := f.fx.adminCalls(); len(got) != 1 || got[0] != "restart svc:/app:default" {
		t.Errorf("svcadm calls = %v, want [restart svc:/app:default]", got)
	}
}

func TestLiveUpgradeSuspendsAndReenables(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	var calls []string

	origin := f.install(t, "pkg:/app@1.0")
	dest := fmri.MustParse("pkg:/app@2.0")
	f.fx.enable("svc:/app:default")

	tx := f.transaction()
	if err := tx.Update(origin,
		manifest.New(newAction(&calls, "usr/bin/app", "v", "1", "suspend_fmri", "svc:/app:default")),
		dest,
		manifest.New(newAction(&calls, "usr/bin/app", "v", "2", "suspend_fmri", "svc:/app:default"))); err != nil {
		t.Fatal(err)
	}
	if err := tx.Evaluate(ctx, nil); err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if err := tx.Execute(ctx); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	want := []string{"disable -st svc:/app:default", "enable svc:/app:default"}
	if got := f.fx.adminCalls(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("svcadm calls = %v, want %v", got, want)
	}
	if ok, _ := f.store.IsInstalled(dest); !ok {
		t.Error("destination not marked installed")
	}
	if ok, _ := f.store.IsInstalled(origin); ok {
		t.Error("origin still marked installed")
	}
}

func TestUpgradeFailureMarksMaintenance(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	var calls []string

	origin := f.install(t, "pkg:/web@1.0")
	dest := fmri.MustParse("pkg:/web@2.0")
	om := manifest.New(newAction(&calls, "usr/bin/web", "v", "1", "suspend_fmri", "svc:/web:default"))
	broken := newAction(&calls, "usr/bin/web", "v", "2", "suspend_fmri", "svc:/web:default")
	broken.failOn = "install"
	dm := manifest.New(broken)
	f.fx.enable("svc:/web:default")

	tx := f.transaction()
	if err := tx.Update(origin, om, dest, dm); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := tx.Evaluate(ctx, nil); err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}

	err := tx.Execute(ctx)
	if !engine.IsActionFailure(err) {
		t.Fatalf("Execute() = %v, want action failure", err)
	}
	if tx.Status() != engine.RunStatusFailed {
		t.Errorf("status = %s", tx.Status())
	}

	want := []string{"disable -st svc:/web:default", "mark maintenance svc:/web:default"}
	if got := f.fx.adminCalls(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("svcadm calls = %v, want %v", got, want)
	}
	if ok, _ := f.store.IsInstalled(origin); !ok {
		t.Error("origin must stay installed after a failed upgrade")
	}
	if ok, _ := f.store.IsInstalled(dest); ok {
		t.Error("destination must not be marked installed")
	}

	rec, err := f.history.GetTransaction(ctx, tx.ID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != engine.RunStatusFailed || rec.Error == nil {
		t.Errorf("recorded transaction = %+v", rec)
	}
	transitions, _ := f.history.ListTransitions(ctx, tx.ID())
	if len(transitions) != 1 || transitions[0].State != engine.PlanStateFailed || transitions[0].Error == nil {
		t.Fatalf("transitions = %+v", transitions)
	}

	level := stores.EventLevelError
	events, err := f.history.GetEvents(ctx, strPtr(tx.ID()), &level, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range events {
		types = append(types, string(e.Type))
	}
	if strings.Join(types, ",") != "phase.failed,transaction.failed" {
		t.Errorf("error events = %v", types)
	}
	if events[0].Details == nil || !strings.Contains(*events[0].Details, `"action":"file usr/bin/web"`) {
		t.Errorf("failing action not recorded: %v", events[0].Details)
	}
}

func TestFailActuatorErrorsAreJoined(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	var calls []string

	origin := f.install(t, "pkg:/web@1.0")
	broken := newAction(&calls, "usr/bin/web", "v", "2", "suspend_fmri", "svc:/web:default")
	broken.failOn = "preinstall"
	f.fx.enable("svc:/web:default")
	f.fx.failAdm["mark"] = true

	tx := f.transaction()
	if err := tx.Update(origin, manifest.New(newAction(&calls, "usr/bin/web", "v", "1")),
		fmri.MustParse("pkg:/web@2.0"), manifest.New(broken)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Evaluate(ctx, nil); err != nil {
		t.Fatal(err)
	}

	err := tx.Execute(ctx)
	if !engine.IsActionFailure(err) || !engine.IsCommandFailure(err) {
		t.Fatalf("Execute() = %v, want action and command failures", err)
	}
	var actErr *engine.ActionError
	if errors.As(err, &actErr) && actErr.Phase != engine.PhasePreexecute {
		t.Errorf("failed phase = %s", actErr.Phase)
	}
}

func TestRemovalDisablesServices(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	var calls []string

	installed := f.install(t, "pkg:/db@1.0")
	m := manifest.New(
		newAction(&calls, "usr/bin/db", "disable_fmri", "svc:/db:default"),
		newAction(&calls, "etc/db.conf", "reboot-needed", "true"),
	)
	f.fx.enable("svc:/db:default")

	tx := f.transaction()
	if err := tx.Remove(installed, m); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if err := tx.Evaluate(ctx, nil); err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if !tx.Actuator().RebootNeeded() {
		t.Error("reboot-needed on a removed action must be reported")
	}
	if err := tx.Execute(ctx); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	if got := f.fx.adminCalls(); len(got) != 1 || got[0] != "disable -s svc:/db:default" {
		t.Errorf("svcadm calls = %v", got)
	}
	if ok, _ := f.store.IsInstalled(installed); ok {
		t.Error("package still marked installed")
	}
	if f.store.HasFilters(installed) {
		t.Error("saved filters not deleted")
	}
	want := "preremove:etc/db.conf,preremove:usr/bin/db,remove:etc/db.conf,remove:usr/bin/db,postremove:etc/db.conf,postremove:usr/bin/db"
	if strings.Join(calls, ",") != want {
		t.Errorf("hooks = %v", calls)
	}

	rec, err := f.history.GetTransaction(ctx, tx.ID())
	if err != nil {
		t.Fatal(err)
	}
	if !rec.RebootNeeded {
		t.Error("reboot-needed not recorded")
	}
}

func TestRemovalLeavesDisabledServiceAlone(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	var calls []string

	installed := f.install(t, "pkg:/db@1.0")
	f.fx.disable("svc:/db:default")

	tx := f.transaction()
	if err := tx.Remove(installed, manifest.New(newAction(&calls, "usr/bin/db", "disable_fmri", "svc:/db:default"))); err != nil {
		t.Fatal(err)
	}
	if err := tx.Evaluate(ctx, nil); err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if err := tx.Execute(ctx); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	if got := f.fx.adminCalls(); len(got) != 0 {
		t.Errorf("svcadm calls = %v, want none", got)
	}
	if ok, _ := f.store.IsInstalled(installed); ok {
		t.Error("package still marked installed")
	}
}

func TestPolicyDeniesProtectedRemoval(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	var calls []string

	installed := f.install(t, "pkg:/kernel@1.0")
	gate, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	tx := f.transaction(WithPolicy(gate, "kernel"))
	if err := tx.Remove(installed, manifest.New(newAction(&calls, "kernel/unix"))); err != nil {
		t.Fatal(err)
	}
	err = tx.Evaluate(ctx, nil)
	if !engine.IsPolicyDenied(err) {
		t.Fatalf("Evaluate() = %v, want policy denial", err)
	}
	if !strings.Contains(err.Error(), "kernel is protected") {
		t.Errorf("error = %v", err)
	}
	if err := tx.Execute(ctx); !engine.IsInvalidState(err) {
		t.Errorf("Execute() after denial = %v, want invalid state", err)
	}
	if ok, _ := f.store.IsInstalled(installed); !ok {
		t.Error("denied removal touched the image")
	}
}

// stubGate returns a fixed verdict.
type stubGate struct {
	result *policy.Result
	input  *policy.Input
}

func (g *stubGate) Evaluate(_ context.Context, input *policy.Input) (*policy.Result, error) {
	g.input = input
	return g.result, nil
}

func TestPolicyInputAndWarnings(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	var calls []string

	origin := f.install(t, "pkg:/web@1.0")
	gate := &stubGate{result: &policy.Result{
		Allowed:  true,
		Warnings: []policy.Violation{{Policy: "live-reboot", Message: "reboot required"}},
	}}

	tx := f.transaction(WithPolicy(gate, "kernel"))
	if err := tx.Update(origin,
		manifest.New(newAction(&calls, "etc/web.conf", "v", "1")),
		fmri.MustParse("pkg:/web@2.0"),
		manifest.New(newAction(&calls, "etc/web.conf", "v", "2", "refresh_fmri", "svc:/web:default"))); err != nil {
		t.Fatal(err)
	}
	if err := tx.Evaluate(ctx, nil); err != nil {
		t.Fatal(err)
	}

	in := gate.input
	if len(in.Packages) != 1 {
		t.Fatalf("packages = %+v", in.Packages)
	}
	pkg := in.Packages[0]
	if pkg.Name != "web" || pkg.Operation != "update" || pkg.Origin == "" || pkg.Destination == "" || pkg.Actions != 1 {
		t.Errorf("package input = %+v", pkg)
	}
	if !in.LiveRoot || len(in.Context.Protected) != 1 {
		t.Errorf("input = %+v", in)
	}
	if got := in.Services[actuator.AttrRefresh]; len(got) != 1 || got[0] != "svc:/web:default" {
		t.Errorf("services = %v", in.Services)
	}

	s := tx.Summary()
	if len(s.Warnings) != 1 || !strings.Contains(s.Warnings[0], "reboot required") {
		t.Errorf("summary warnings = %v", s.Warnings)
	}
}

func TestProposalErrors(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tx := f.transaction()
	if err := tx.Install(fmri.MustParse("pkg:/web@1.0"), nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Install(fmri.MustParse("pkg:/web@2.0"), nil); !engine.IsInvalidProposal(err) {
		t.Errorf("second plan for a package = %v, want invalid proposal", err)
	}
	if err := tx.Execute(ctx); !engine.IsInvalidState(err) {
		t.Errorf("Execute() before Evaluate() = %v, want invalid state", err)
	}
	if err := tx.Evaluate(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Install(fmri.MustParse("pkg:/db@1.0"), nil); !engine.IsInvalidState(err) {
		t.Errorf("Install() after Evaluate() = %v, want invalid state", err)
	}
	if err := tx.Execute(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Execute(ctx); !engine.IsInvalidState(err) {
		t.Errorf("second Execute() = %v, want invalid state", err)
	}
}

func TestDowngradeIsInvalid(t *testing.T) {
	f := newFixture(t, false)
	origin := f.install(t, "pkg:/web@2.0")

	tx := f.transaction()
	if err := tx.Update(origin, nil, fmri.MustParse("pkg:/web@1.0"), nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Evaluate(context.Background(), nil); !engine.IsInvalidPlan(err) {
		t.Errorf("Evaluate() = %v, want invalid plan", err)
	}
}

func TestSummary(t *testing.T) {
	f := newFixture(t, false)
	var calls []string

	tx := f.transaction()
	m := manifest.New(newAction(&calls, "usr/bin/web", "restart_fmri", "svc:/web:default"))
	if err := tx.Install(fmri.MustParse("pkg:/web@1.0"), m); err != nil {
		t.Fatal(err)
	}
	if err := tx.Evaluate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	s := tx.Summary()
	if len(s.Plans) != 1 || s.Plans[0].Operation != engine.OperationInstall {
		t.Fatalf("plans = %+v", s.Plans)
	}
	if got := s.Plans[0].Actions; len(got) != 1 || got[0] != "install file usr/bin/web" {
		t.Errorf("actions = %v", got)
	}
	out := s.String()
	for _, want := range []string{"None -> pkg:/web@1.0", "install file usr/bin/web", "restart_fmri: svc:/web:default", "reboot-needed: false"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func strPtr(s string) *string { return &s }
