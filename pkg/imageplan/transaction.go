package imageplan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyopkg/pkg/actuator"
	"github.com/openfroyo/froyopkg/pkg/engine"
	"github.com/openfroyo/froyopkg/pkg/filter"
	"github.com/openfroyo/froyopkg/pkg/fmri"
	"github.com/openfroyo/froyopkg/pkg/image"
	"github.com/openfroyo/froyopkg/pkg/manifest"
	"github.com/openfroyo/froyopkg/pkg/plan"
	"github.com/openfroyo/froyopkg/pkg/policy"
	"github.com/openfroyo/froyopkg/pkg/telemetry"
)

// PolicyGate admits or refuses an evaluated transaction. policy.Engine
// implements it.
type PolicyGate interface {
	Evaluate(ctx context.Context, input *policy.Input) (*policy.Result, error)
}

var _ PolicyGate = (*policy.Engine)(nil)

// Option configures a Transaction.
type Option func(*Transaction)

// WithActuator sets the service actuator. By default a new actuator running
// the standard service commands is used.
func WithActuator(a *actuator.Actuator) Option {
	return func(t *Transaction) {
		t.act = a
	}
}

// WithHistory records the transaction in h.
func WithHistory(h History) Option {
	return func(t *Transaction) {
		t.history = h
	}
}

// WithPolicy sets the admission gate consulted at the end of Evaluate.
// protected names the packages the gate is told must not be removed.
func WithPolicy(gate PolicyGate, protected ...string) Option {
	return func(t *Transaction) {
		t.gate = gate
		t.protected = protected
	}
}

// WithTelemetry sets the metrics and tracer. The logger is taken from it
// unless WithLogger is also given.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(t *Transaction) {
		t.tel = tel
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transaction) {
		t.logger = logger
		t.hasLogger = true
	}
}

// Transaction changes a set of packages in one image: it evaluates a plan per
// package, quiesces affected services, runs every plan through its phases in
// lockstep and brings the services back.
type Transaction struct {
	img   *image.Image
	plans []*plan.Plan
	act   *actuator.Actuator

	history   History
	gate      PolicyGate
	protected []string
	tel       *telemetry.Telemetry

	logger    zerolog.Logger
	hasLogger bool

	id       string
	status   engine.RunStatus
	verdict  *policy.Result
	executed bool
}

// New returns an empty transaction against img.
func New(img *image.Image, opts ...Option) *Transaction {
	t := &Transaction{img: img, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	if t.tel == nil {
		t.tel = telemetry.Nop()
	}
	if !t.hasLogger {
		t.logger = t.tel.Logger.Zerolog()
	}
	t.logger = t.logger.With().Str("component", "imageplan").Logger()
	if t.act == nil {
		t.act = actuator.New(actuator.WithLogger(t.logger))
	}
	t.act.AddDiagnostics(t)
	t.act.Runner().SetObserver(t)
	return t
}

// Install proposes installing f, whose manifest is m. An installed version
// of the same package becomes the origin when the plan is evaluated.
func (t *Transaction) Install(f *fmri.FMRI, m *manifest.Manifest) error {
	p, err := t.newPlan(f)
	if err != nil {
		return err
	}
	if err := p.ProposeDestination(f, m); err != nil {
		return err
	}
	t.plans = append(t.plans, p)
	return nil
}

// Update proposes replacing origin (manifest om) with dest (manifest dm).
func (t *Transaction) Update(origin *fmri.FMRI, om *manifest.Manifest, dest *fmri.FMRI, dm *manifest.Manifest) error {
	p, err := t.newPlan(dest)
	if err != nil {
		return err
	}
	if err := p.SetOrigin(origin, om); err != nil {
		return err
	}
	if err := p.ProposeDestination(dest, dm); err != nil {
		return err
	}
	t.plans = append(t.plans, p)
	return nil
}

// Remove proposes removing the installed package f, whose manifest is m.
func (t *Transaction) Remove(f *fmri.FMRI, m *manifest.Manifest) error {
	p, err := t.newPlan(f)
	if err != nil {
		return err
	}
	if err := p.ProposeRemoval(f, m); err != nil {
		return err
	}
	t.plans = append(t.plans, p)
	return nil
}

// newPlan refuses proposals after evaluation and a second plan for a package
// already in the transaction.
func (t *Transaction) newPlan(f *fmri.FMRI) (*plan.Plan, error) {
	if t.status != "" {
		return nil, engine.NewPermanentError("transaction is already evaluated", nil).
			WithCode(engine.ErrCodeInvalidState)
	}
	if f != nil {
		for _, p := range t.plans {
			if other := target(p); other != nil && other.IsSamePackage(f) {
				return nil, engine.NewInvalidProposalError(f.String(), "package already has a plan in this transaction")
			}
		}
	}
	return plan.New(t.img, t.logger), nil
}

// Evaluate computes the action list of every plan, collects the actuator
// attributes of the affected actions and asks the policy gate for
// admission.
func (t *Transaction) Evaluate(ctx context.Context, filters []*filter.Filter) error {
	if t.status != "" {
		return engine.NewPermanentError("transaction is already evaluated", nil).
			WithCode(engine.ErrCodeInvalidState)
	}

	for _, p := range t.plans {
		if err := t.runPlanPhase(ctx, p, engine.PhaseEvaluate, func(ctx context.Context) error {
			if err := p.Evaluate(ctx, filters); err != nil {
				return err
			}
			return p.Validate()
		}); err != nil {
			t.tel.Metrics.RecordError(err)
			return err
		}
		t.scan(p)
	}

	if err := t.admit(ctx); err != nil {
		t.tel.Metrics.RecordError(err)
		return err
	}

	t.status = engine.RunStatusPending
	t.logger.Info().
		Int("plans", len(t.plans)).
		Bool("reboot_needed", t.act.RebootNeeded()).
		Msg("Transaction evaluated")
	return nil
}

// scan records the actuator attributes of p's actions: the destination for
// installs, the origin for removals and both for updates.
func (t *Transaction) scan(p *plan.Plan) {
	for _, pair := range p.Actions() {
		switch {
		case pair.IsInstall():
			t.act.ScanInstall(pair.Dest.Attributes())
		case pair.IsRemoval():
			t.act.ScanRemoval(pair.Src.Attributes())
		case pair.IsUpdate():
			t.act.ScanUpdate(pair.Dest.Attributes())
			t.act.ScanUpdate(pair.Src.Attributes())
		}
	}
}

func (t *Transaction) admit(ctx context.Context) error {
	if t.gate == nil {
		return nil
	}

	result, err := t.gate.Evaluate(ctx, t.policyInput())
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	t.verdict = result

	for _, w := range result.Warnings {
		t.logger.Warn().Str("policy", w.Policy).Str("package", w.Package).Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		messages = append(messages, v.Message)
	}
	return engine.NewPolicyDeniedError(messages)
}

func (t *Transaction) policyInput() *policy.Input {
	input := &policy.Input{
		RebootNeeded: t.act.RebootNeeded(),
		LiveRoot:     t.img.IsLiveRoot(),
		Services:     t.services(),
		Context:      policy.Context{Protected: t.protected},
	}
	for _, p := range t.plans {
		input.Packages = append(input.Packages, policy.PackageInput{
			Name:        target(p).Name(),
			Origin:      fmriString(p.Origin()),
			Destination: fmriString(p.Destination()),
			Operation:   string(p.Operation()),
			Actions:     len(p.Actions()),
		})
	}
	return input
}

// services lists the recorded service identifiers by actuator attribute.
func (t *Transaction) services() map[string][]string {
	out := make(map[string][]string)
	for _, attr := range actuator.Attrs {
		if attr == actuator.AttrRebootNeeded {
			continue
		}
		if vals := t.act.Values(attr); len(vals) > 0 {
			out[attr] = vals
		}
	}
	return out
}

// Execute applies the evaluated transaction: the pre actuators, then
// preexecute, execute and postexecute of every plan, the post actuators and
// finally the search indices. When a plan phase fails, services suspended by
// the pre actuators are marked for maintenance; nothing is rolled back.
func (t *Transaction) Execute(ctx context.Context) (err error) {
	if t.status != engine.RunStatusPending || t.executed {
		return engine.NewPermanentError("transaction must be evaluated before it is executed", nil).
			WithCode(engine.ErrCodeInvalidState)
	}
	t.executed = true

	if err := t.begin(ctx); err != nil {
		return err
	}
	start := time.Now()
	t.status = engine.RunStatusRunning
	t.logger = t.logger.With().Str("transaction_id", t.id).Logger()

	ctx, span := t.tel.Tracer.StartTransactionSpan(ctx, t.id, t.img.Root())
	operation := t.operation()
	t.tel.Metrics.RecordTransactionStarted(operation)
	t.publishEvent(ctx, engine.EventTransactionStarted, "Transaction started", map[string]interface{}{
		"plans":     len(t.plans),
		"operation": operation,
	})
	t.logger.Info().Str("root", t.img.Root()).Int("plans", len(t.plans)).Msg("Executing transaction")

	var failed *plan.Plan
	defer func() {
		t.complete(ctx, failed, err, time.Since(start))
		telemetry.End(span, err)
	}()

	if w := t.verdict; w != nil {
		for _, v := range w.Warnings {
			t.publishEvent(ctx, engine.EventPolicyWarning, v.Message, map[string]interface{}{"policy": v.Policy})
		}
	}

	t.act.Prep(t.img)
	if err := t.runActuators(ctx, engine.PhasePreActuator, t.act.Pre); err != nil {
		return err
	}

	phases := []struct {
		phase engine.Phase
		run   func(*plan.Plan, context.Context) error
	}{
		{engine.PhasePreexecute, (*plan.Plan).Preexecute},
		{engine.PhaseExecute, (*plan.Plan).Execute},
		{engine.PhasePostexecute, (*plan.Plan).Postexecute},
	}
	for _, ph := range phases {
		for _, p := range t.plans {
			run := ph.run
			if perr := t.runPlanPhase(ctx, p, ph.phase, func(ctx context.Context) error {
				return run(p, ctx)
			}); perr != nil {
				failed = p
				return t.fail(ctx, perr)
			}
		}
	}

	if err := t.runActuators(ctx, engine.PhasePostActuator, t.act.Post); err != nil {
		return err
	}

	for _, p := range t.plans {
		if err := p.MakeIndices(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) begin(ctx context.Context) error {
	if t.history == nil {
		t.id = uuid.New().String()
		return nil
	}
	rec, err := t.history.BeginTransaction(ctx, t.img.Root())
	if err != nil {
		return fmt.Errorf("failed to record transaction start: %w", err)
	}
	t.id = rec.ID
	return nil
}

// fail runs the fail actuators after a plan phase failed. cause is
// returned, joined with any actuator error.
func (t *Transaction) fail(ctx context.Context, cause error) error {
	ferr := t.runActuators(ctx, engine.PhaseFailActuator, t.act.Fail)
	if ferr != nil {
		return errors.Join(cause, ferr)
	}
	return cause
}

// complete records the outcome of Execute.
func (t *Transaction) complete(ctx context.Context, failed *plan.Plan, err error, d time.Duration) {
	t.recordTransitions(ctx, failed, err)

	if err != nil {
		t.status = engine.RunStatusFailed
		t.tel.Metrics.RecordError(err)
		t.publishEvent(ctx, engine.EventTransactionFailed, err.Error(), map[string]interface{}{
			"code": engine.Code(err),
		})
		t.logger.Error().Err(err).Dur("duration", d).Msg("Transaction failed")
	} else {
		t.status = engine.RunStatusSucceeded
		for _, p := range t.plans {
			t.tel.Metrics.RecordActions(p.Operation(), len(p.Actions()))
		}
		t.publishEvent(ctx, engine.EventTransactionSucceeded, "Transaction succeeded", nil)
		t.logger.Info().Dur("duration", d).Bool("reboot_needed", t.act.RebootNeeded()).Msg("Transaction succeeded")
	}
	if t.act.RebootNeeded() {
		t.tel.Metrics.RecordRebootNeeded()
	}
	t.tel.Metrics.RecordTransactionCompleted(string(t.status), d)
	t.finish(ctx, t.status, err)
}

// runPlanPhase runs one phase of one plan inside a span and records its
// duration.
func (t *Transaction) runPlanPhase(ctx context.Context, p *plan.Plan, phase engine.Phase, run func(context.Context) error) error {
	start := time.Now()
	ctx, span := t.tel.Tracer.StartPlanSpan(ctx, p.String(), phase, p.Operation())
	err := run(ctx)
	telemetry.SetAttributes(span, telemetry.AttrActionCount.Int(len(p.Actions())))
	telemetry.End(span, err)
	t.tel.Metrics.RecordPhase(phase, p.Operation(), time.Since(start))

	if err != nil {
		t.publishEvent(ctx, engine.EventPhaseFailed, err.Error(), phaseDetails(p, phase, err))
		return err
	}
	if phase != engine.PhaseEvaluate {
		t.publishEvent(ctx, engine.EventPhaseCompleted, fmt.Sprintf("%s completed for %s", phase, p), nil)
	}
	return nil
}

func phaseDetails(p *plan.Plan, phase engine.Phase, err error) map[string]interface{} {
	details := map[string]interface{}{
		"phase": string(phase),
		"plan":  p.String(),
		"code":  engine.Code(err),
	}
	var actErr *engine.ActionError
	if errors.As(err, &actErr) {
		details["action"] = actErr.Action
	}
	return details
}

func (t *Transaction) runActuators(ctx context.Context, phase engine.Phase, run func(context.Context) error) error {
	start := time.Now()
	ctx, span := t.tel.Tracer.StartActuatorSpan(ctx, phase)
	err := run(ctx)
	telemetry.End(span, err)
	t.tel.Metrics.RecordPhase(phase, "", time.Since(start))

	if err != nil {
		t.logger.Error().Err(err).Str("phase", string(phase)).Msg("Service actuators failed")
		t.publishEvent(ctx, engine.EventPhaseFailed, err.Error(), map[string]interface{}{
			"phase": string(phase),
			"code":  engine.Code(err),
		})
		return err
	}
	return nil
}

// Ambiguous implements actuator.DiagnosticSink.
func (t *Transaction) Ambiguous(attr, fmri string) {
	t.publishEvent(context.Background(), engine.EventAmbiguousFMRI,
		fmt.Sprintf("%s pattern %s might match more than one instance", attr, fmri),
		map[string]interface{}{"attr": attr, "fmri": fmri})
}

// ObserveCommand implements actuator.CommandObserver.
func (t *Transaction) ObserveCommand(argv []string, duration time.Duration, err error) {
	t.tel.Metrics.ObserveCommand(argv, duration, err)

	details := map[string]interface{}{
		"argv":        argv,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		details["error"] = err.Error()
	}
	t.publishEvent(context.Background(), engine.EventServiceCommand, "Ran service command", details)
}

// operation labels the transaction by the kind of its plans, "mixed" when
// they differ.
func (t *Transaction) operation() string {
	op := ""
	for _, p := range t.plans {
		switch {
		case op == "":
			op = string(p.Operation())
		case op != string(p.Operation()):
			return "mixed"
		}
	}
	if op == "" {
		return "empty"
	}
	return op
}

// ID returns the identifier assigned when Execute began.
func (t *Transaction) ID() string { return t.id }

// Status returns the run status; empty before Evaluate.
func (t *Transaction) Status() engine.RunStatus { return t.status }

// Plans returns the package plans in proposal order.
func (t *Transaction) Plans() []*plan.Plan {
	out := make([]*plan.Plan, len(t.plans))
	copy(out, t.plans)
	return out
}

// Actuator returns the service actuator.
func (t *Transaction) Actuator() *actuator.Actuator { return t.act }

// PolicyResult returns the verdict of the policy gate, nil when none ran.
func (t *Transaction) PolicyResult() *policy.Result { return t.verdict }

func target(p *plan.Plan) *fmri.FMRI {
	if d := p.Destination(); d != nil {
		return d
	}
	return p.Origin()
}

func fmriString(f *fmri.FMRI) string {
	if f == nil {
		return ""
	}
	return f.String()
}

func fmriPtr(f *fmri.FMRI) *string {
	if f == nil {
		return nil
	}
	s := f.String()
	return &s
}
