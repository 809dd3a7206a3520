package actuator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyopkg/pkg/engine"
	"github.com/openfroyo/froyopkg/pkg/manifest"
)

// fakeExecutor scripts svcprop and svcs output and records every command.
type fakeExecutor struct {
	props     map[string][]string // fmri -> svcprop lines
	instances map[string][]string // pattern -> svcs output
	failAdm   map[string]bool     // svcadm subcommand -> exit 1
	startErr  error
	calls     []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		props:     make(map[string][]string),
		instances: make(map[string][]string),
		failAdm:   make(map[string]bool),
	}
}

func (f *fakeExecutor) Run(_ context.Context, argv []string) ([]byte, int, error) {
	f.calls = append(f.calls, strings.Join(argv, " "))
	if f.startErr != nil {
		return nil, -1, f.startErr
	}
	cmd := argv[0][strings.LastIndex(argv[0], "/")+1:]
	switch cmd {
	case "svcprop":
		lines, ok := f.props[argv[len(argv)-1]]
		if !ok {
			return []byte("svcprop: Pattern doesn't match any entities\n"), 1, nil
		}
		return []byte(strings.Join(lines, "\n") + "\n"), 0, nil
	case "svcs":
		out, ok := f.instances[argv[len(argv)-1]]
		if !ok {
			return []byte("svcs: Pattern doesn't match any instances\n"), 1, nil
		}
		return []byte(strings.Join(out, "\n") + "\n"), 0, nil
	case "svcadm":
		if f.failAdm[argv[1]] {
			return []byte("svcadm: failed\n"), 1, nil
		}
		return nil, 0, nil
	}
	return nil, 127, nil
}

// adminCalls returns only the svcadm invocations.
func (f *fakeExecutor) adminCalls() []string {
	var out []string
	for _, c := range f.calls {
		if strings.Contains(c, "svcadm") {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeExecutor) setState(fmri string, state ServiceState) {
	switch state {
	case StateUnknown:
		delete(f.props, fmri)
	case StateDisabled:
		f.props[fmri] = []string{"general/enabled boolean false", "restarter/state astring disabled"}
	case StateMaintenance:
		f.props[fmri] = []string{"general/enabled boolean true", "restarter/state astring maintenance"}
	case StateTempDisabled:
		f.props[fmri] = []string{"general/enabled boolean true", "general_ovr/enabled boolean false", "restarter/state astring disabled"}
	case StateTempEnabled:
		f.props[fmri] = []string{"general/enabled boolean false", "general_ovr/enabled boolean true", "restarter/state astring online"}
	case StateEnabled:
		f.props[fmri] = []string{"general/enabled boolean true", "restarter/state astring online"}
	}
}

type collectSink struct {
	reports []string
}

func (c *collectSink) Ambiguous(attr, fmri string) {
	c.reports = append(c.reports, attr+"="+fmri)
}

type liveImage struct{ live bool }

func (l liveImage) Root() string     { return "/" }
func (l liveImage) IsLiveRoot() bool { return l.live }

func newTestActuator(fx *fakeExecutor, sink DiagnosticSink, opts ...Option) *Actuator {
	runner := NewCommandRunner(fx, DefaultPaths(), zerolog.Nop())
	opts = append([]Option{WithRunner(runner), WithDiagnostics(sink)}, opts...)
	return New(opts...)
}

func attrs(kv ...string) manifest.Attributes {
	a := manifest.Attributes{}
	for i := 0; i+1 < len(kv); i += 2 {
		a[kv[i]] = manifest.Strings(strings.Split(kv[i+1], ",")...)
	}
	return a
}

func TestStateFromProperties(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  ServiceState
	}{
		{"no properties", nil, StateUnknown},
		{"maintenance", []string{"restarter/state astring maintenance", "general/enabled boolean true"}, StateMaintenance},
		{"disabled", []string{"general/enabled boolean false"}, StateDisabled},
		{"temp enabled", []string{"general/enabled boolean false", "general_ovr/enabled boolean true"}, StateTempEnabled},
		{"disabled with false override", []string{"general/enabled boolean false", "general_ovr/enabled boolean false"}, StateDisabled},
		{"enabled", []string{"general/enabled boolean true"}, StateEnabled},
		{"temp disabled", []string{"general/enabled boolean true", "general_ovr/enabled boolean false"}, StateTempDisabled},
		{"enabled with true override", []string{"general/enabled boolean true", "general_ovr/enabled boolean true"}, StateEnabled},
		{"tabs and padding", []string{"  general/enabled\tboolean  true  "}, StateEnabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StateFromProperties(ParseProperties(tt.lines)); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}

	if !StateTempDisabled.IsDisabled() || StateTempEnabled.IsDisabled() {
		t.Error("unexpected disabled classification")
	}
}

func TestStateProbe(t *testing.T) {
	fx := newFakeExecutor()
	fx.setState("svc:/a:default", StateTempEnabled)
	a := newTestActuator(fx, nil)
	ctx := context.Background()

	state, err := a.State(ctx, "svc:/a:default")
	if err != nil || state != StateTempEnabled {
		t.Errorf("State() = %s, %v", state, err)
	}
	state, err = a.State(ctx, "svc:/missing:default")
	if err != nil || state != StateUnknown {
		t.Errorf("State(missing) = %s, %v; want unknown", state, err)
	}
	if fx.calls[0] != "/usr/bin/svcprop -c svc:/a:default" {
		t.Errorf("probe argv = %q", fx.calls[0])
	}

	fx.startErr = errors.New("exec format error")
	if _, err := a.State(ctx, "svc:/a:default"); err == nil {
		t.Error("expected an error when the command cannot run")
	}
}

func TestResolvePatterns(t *testing.T) {
	fx := newFakeExecutor()
	fx.instances["svc:/network/*"] = []string{"svc:/network/http:default", "svc:/network/ssh:default"}
	sink := &collectSink{}
	r := NewCommandRunner(fx, DefaultPaths(), zerolog.Nop())

	got, err := r.ResolvePatterns(context.Background(), AttrRestart, []string{
		"svc:/system/cron:default",
		"network/ntp:default",
		"svc:/network/*",
		"svc:/nomatch/*",
		"svc:/application/web",
		"application/db",
	}, sink)
	if err != nil {
		t.Fatalf("ResolvePatterns() failed: %v", err)
	}

	want := "network/ntp:default,svc:/network/http:default,svc:/network/ssh:default,svc:/system/cron:default"
	if strings.Join(got, ",") != want {
		t.Errorf("resolved = %v\nwant %s", got, want)
	}
	if strings.Join(sink.reports, ",") != "restart_fmri=svc:/application/web,restart_fmri=application/db" {
		t.Errorf("diagnostics = %v", sink.reports)
	}
	for _, c := range fx.calls {
		if strings.Contains(c, "svcs") && !strings.HasPrefix(c, "/usr/bin/svcs -H -o fmri ") {
			t.Errorf("unexpected svcs argv %q", c)
		}
	}
}

func TestPrepDoNothing(t *testing.T) {
	fx := newFakeExecutor()
	fx.setState("svc:/a:default", StateEnabled)
	a := newTestActuator(fx, nil)
	a.ScanUpdate(attrs(AttrSuspend, "svc:/a:default"))

	a.Prep(liveImage{live: false})
	if a.Active() {
		t.Fatal("actuator must stay inactive for an alternate root without a command directory")
	}
	ctx := context.Background()
	if err := a.Pre(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Post(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Fail(ctx); err != nil {
		t.Fatal(err)
	}
	if len(fx.calls) != 0 {
		t.Errorf("no commands expected, got %v", fx.calls)
	}
}

func TestPrepCommandsDir(t *testing.T) {
	fx := newFakeExecutor()
	a := newTestActuator(fx, nil, WithCommandsDir("/opt/test/cmds"))
	a.ScanInstall(attrs(AttrRestart, "svc:/a:default"))

	a.Prep(liveImage{live: false})
	if !a.Active() {
		t.Fatal("a command directory should activate the actuator")
	}
	if err := a.Post(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fx.calls) == 0 || fx.calls[0] != "/opt/test/cmds/usr/bin/svcprop -c svc:/a:default" {
		t.Errorf("commands not redirected: %v", fx.calls)
	}
}

func TestPreActuators(t *testing.T) {
	fx := newFakeExecutor()
	fx.setState("svc:/web:default", StateEnabled)
	fx.setState("svc:/web:temp", StateTempEnabled)
	fx.setState("svc:/web:off", StateDisabled)
	fx.setState("svc:/web:tmpoff", StateTempDisabled)
	fx.setState("svc:/db:default", StateEnabled)
	fx.setState("svc:/db:off", StateDisabled)

	a := newTestActuator(fx, &collectSink{})
	a.ScanUpdate(attrs(AttrSuspend, "svc:/web:default,svc:/web:temp,svc:/web:off,svc:/web:tmpoff,svc:/web:gone"))
	a.ScanRemoval(attrs(AttrDisable, "svc:/db:default,svc:/db:off"))
	// Install-only suspends are ignored.
	a.ScanInstall(attrs(AttrSuspend, "svc:/other:default"))

	a.Prep(liveImage{live: true})
	if err := a.Pre(context.Background()); err != nil {
		t.Fatalf("Pre() failed: %v", err)
	}

	want := []string{
		"/usr/sbin/svcadm disable -st svc:/web:default svc:/web:temp",
		"/usr/sbin/svcadm disable -s svc:/db:default",
	}
	if got := fx.adminCalls(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("svcadm calls:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
	if got := a.Suspended(); len(got) != 1 || got[0] != "svc:/web:default" {
		t.Errorf("Suspended() = %v", got)
	}
	if got := a.TempSuspended(); len(got) != 1 || got[0] != "svc:/web:temp" {
		t.Errorf("TempSuspended() = %v", got)
	}
}

func TestPreActuatorsRepeatable(t *testing.T) {
	fx := newFakeExecutor()
	fx.setState("svc:/web:default", StateEnabled)
	fx.setState("svc:/db:default", StateEnabled)

	a := newTestActuator(fx, nil)
	a.ScanUpdate(attrs(AttrSuspend, "svc:/web:default"))
	a.ScanRemoval(attrs(AttrDisable, "svc:/db:default"))
	a.Prep(liveImage{live: true})

	ctx := context.Background()
	if err := a.Pre(ctx); err != nil {
		t.Fatal(err)
	}
	first := fx.adminCalls()
	fx.calls = nil
	if err := a.Pre(ctx); err != nil {
		t.Fatal(err)
	}
	second := fx.adminCalls()

	want := []string{
		"/usr/sbin/svcadm disable -st svc:/web:default",
		"/usr/sbin/svcadm disable -s svc:/db:default",
	}
	for i, got := range [][]string{first, second} {
		if strings.Join(got, "\n") != strings.Join(want, "\n") {
			t.Errorf("Pre() call %d issued %v, want %v", i+1, got, want)
		}
	}
	if got := a.Suspended(); len(got) != 1 || got[0] != "svc:/web:default" {
		t.Errorf("Suspended() = %v", got)
	}
}

func TestPreActuatorsNothingToDo(t *testing.T) {
	fx := newFakeExecutor()
	fx.setState("svc:/web:default", StateDisabled)
	a := newTestActuator(fx, nil)
	a.ScanUpdate(attrs(AttrSuspend, "svc:/web:default"))
	a.Prep(liveImage{live: true})

	if err := a.Pre(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls := fx.adminCalls(); len(calls) != 0 {
		t.Errorf("expected no svcadm calls, got %v", calls)
	}
}

func TestPreActuatorsCommandFailure(t *testing.T) {
	fx := newFakeExecutor()
	fx.setState("svc:/web:default", StateEnabled)
	fx.failAdm["disable"] = true
	a := newTestActuator(fx, nil)
	a.ScanUpdate(attrs(AttrSuspend, "svc:/web:default"))
	a.Prep(liveImage{live: true})

	err := a.Pre(context.Background())
	var cmdErr *engine.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Pre() = %v, want CommandError", err)
	}
	if cmdErr.ExitCode != 1 || cmdErr.Args[1] != "disable" || !strings.Contains(cmdErr.Output, "failed") {
		t.Errorf("unexpected command error %+v", cmdErr)
	}
}

func TestFailActuators(t *testing.T) {
	fx := newFakeExecutor()
	fx.setState("svc:/web:default", StateEnabled)
	fx.setState("svc:/web:temp", StateTempEnabled)
	a := newTestActuator(fx, nil)
	a.ScanUpdate(attrs(AttrSuspend, "svc:/web:default,svc:/web:temp"))
	a.Prep(liveImage{live: true})
	ctx := context.Background()

	if err := a.Pre(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Fail(ctx); err != nil {
		t.Fatal(err)
	}
	calls := fx.adminCalls()
	last := calls[len(calls)-1]
	if last != "/usr/sbin/svcadm mark maintenance svc:/web:default svc:/web:temp" {
		t.Errorf("fail call = %q", last)
	}
}

func TestPostActuators(t *testing.T) {
	fx := newFakeExecutor()
	fx.setState("svc:/web:default", StateEnabled)
	fx.setState("svc:/web:temp", StateTempEnabled)
	fx.setState("svc:/cfg:default", StateEnabled)
	fx.setState("svc:/cfg:off", StateDisabled)
	fx.setState("svc:/net:default", StateEnabled)
	fx.instances["svc:/net*"] = []string{"svc:/net:default"}

	a := newTestActuator(fx, nil)
	a.ScanUpdate(attrs(AttrSuspend, "svc:/web:default,svc:/web:temp"))
	a.ScanRemoval(attrs(AttrRefresh, "svc:/cfg:off"))
	a.ScanInstall(attrs(AttrRefresh, "svc:/cfg:default"))
	a.ScanUpdate(attrs(AttrRestart, "svc:/net*"))

	var order []string
	a.RegisterCallback("zz-boot-archive", func(context.Context) error {
		order = append(order, "zz")
		return nil
	})
	a.ScanInstall(manifest.Attributes{AttrRebootNeeded: manifest.Func(func(context.Context) error {
		order = append(order, "reboot-hook")
		return nil
	})})

	a.Prep(liveImage{live: true})
	ctx := context.Background()
	if err := a.Pre(ctx); err != nil {
		t.Fatal(err)
	}
	fx.calls = nil
	if err := a.Post(ctx); err != nil {
		t.Fatalf("Post() failed: %v", err)
	}

	want := []string{
		"/usr/sbin/svcadm refresh svc:/cfg:default",
		"/usr/sbin/svcadm restart svc:/net:default",
		"/usr/sbin/svcadm enable svc:/web:default",
		"/usr/sbin/svcadm enable -t svc:/web:temp",
	}
	if got := fx.adminCalls(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("svcadm calls:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
	if strings.Join(order, ",") != "reboot-hook,zz" {
		t.Errorf("callbacks ran in order %v", order)
	}
}

func TestPostCallbackError(t *testing.T) {
	a := newTestActuator(newFakeExecutor(), nil)
	a.RegisterCallback("hook", func(context.Context) error { return errors.New("boom") })
	a.Prep(liveImage{live: true})
	if err := a.Post(context.Background()); err == nil || !strings.Contains(err.Error(), "hook") {
		t.Errorf("Post() = %v, want callback error", err)
	}
}

func TestRebootNeeded(t *testing.T) {
	tests := []struct {
		name string
		scan func(a *Actuator)
		want bool
	}{
		{"nothing", func(a *Actuator) {}, false},
		{"install only", func(a *Actuator) { a.ScanInstall(attrs(AttrRebootNeeded, "true")) }, false},
		{"update", func(a *Actuator) { a.ScanUpdate(attrs(AttrRebootNeeded, "true")) }, true},
		{"removal", func(a *Actuator) { a.ScanRemoval(attrs(AttrRebootNeeded, "true")) }, true},
		{"false value", func(a *Actuator) { a.ScanUpdate(attrs(AttrRebootNeeded, "false")) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			tt.scan(a)
			if got := a.RebootNeeded(); got != tt.want {
				t.Errorf("RebootNeeded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScanIgnoresOtherAttributes(t *testing.T) {
	a := New()
	a.ScanInstall(attrs("path", "etc/motd", "mode", "0644"))
	a.ScanUpdate(attrs("owner", "root"))
	if !a.Empty() {
		t.Error("non-actuator attributes must not be recorded")
	}
	a.ScanRemoval(attrs(AttrDisable, "svc:/a:default"))
	if a.Empty() {
		t.Error("expected disable_fmri to be recorded")
	}
	if got := a.Values(AttrDisable); len(got) != 1 {
		t.Errorf("Values() = %v", got)
	}
}

func TestString(t *testing.T) {
	a := New()
	a.ScanUpdate(attrs(AttrRestart, "svc:/b:default,svc:/a:default"))
	a.RegisterCallback(AttrRefresh, func(context.Context) error { return nil })

	want := strings.Join([]string{
		"     reboot-needed: false",
		"      refresh_fmri: true",
		"      restart_fmri: svc:/a:default",
		"      restart_fmri: svc:/b:default",
	}, "\n")
	if got := a.String(); got != want {
		t.Errorf("String() =\n%s\nwant\n%s", got, want)
	}
}
