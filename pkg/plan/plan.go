// Package plan implements the per-package plan: it diffs the origin and
// destination manifests of one package into an ordered action list, drives
// the action lifecycle hooks through the preexecute, execute and postexecute
// phases, records install state and links the package into the search
// indices.
package plan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyopkg/pkg/engine"
	"github.com/openfroyo/froyopkg/pkg/filter"
	"github.com/openfroyo/froyopkg/pkg/fmri"
	"github.com/openfroyo/froyopkg/pkg/image"
	"github.com/openfroyo/froyopkg/pkg/manifest"
)

// Plan is the transition of one package from an origin version (nil when not
// installed) to a destination version (nil when being removed).
type Plan struct {
	img    *image.Image
	logger zerolog.Logger

	origin         *fmri.FMRI
	destination    *fmri.FMRI
	originManifest *manifest.Manifest
	destManifest   *manifest.Manifest

	originFilters []*filter.Filter
	destFilters   []*filter.Filter

	actions []manifest.Pair
	state   engine.PlanState
}

// New returns an empty plan for img.
func New(img *image.Image, logger zerolog.Logger) *Plan {
	return &Plan{
		img:            img,
		logger:         logger.With().Str("component", "plan").Logger(),
		originManifest: manifest.Null(),
		destManifest:   manifest.Null(),
		state:          engine.PlanStateNew,
	}
}

// SetOrigin records the currently installed version being replaced. It must
// be called before Evaluate.
func (p *Plan) SetOrigin(f *fmri.FMRI, m *manifest.Manifest) error {
	if p.state != engine.PlanStateNew && p.state != engine.PlanStateProposed {
		return engine.NewInvalidStateError(engine.PhaseEvaluate, p.state)
	}
	p.origin = f
	p.originManifest = orNull(m)
	return nil
}

// ProposeDestination proposes installing f with manifest m. It fails with an
// invalid proposal when f is already installed.
func (p *Plan) ProposeDestination(f *fmri.FMRI, m *manifest.Manifest) error {
	if err := p.checkProposal(f); err != nil {
		return err
	}
	installed, err := p.img.Store().IsInstalled(f)
	if err != nil {
		return err
	}
	if installed {
		return engine.NewInvalidProposalError(f.String(), "package is already installed")
	}
	p.destination = f
	p.destManifest = orNull(m)
	p.state = engine.PlanStateProposed
	return nil
}

// ProposeRemoval proposes removing the installed package f whose manifest is
// m. It fails with an invalid proposal when f is not installed.
func (p *Plan) ProposeRemoval(f *fmri.FMRI, m *manifest.Manifest) error {
	if err := p.checkProposal(f); err != nil {
		return err
	}
	installed, err := p.img.Store().IsInstalled(f)
	if err != nil {
		return err
	}
	if !installed {
		return engine.NewInvalidProposalError(f.String(), "package is not installed")
	}
	p.origin = f
	p.originManifest = orNull(m)
	p.destination = nil
	p.destManifest = manifest.Null()
	p.state = engine.PlanStateProposed
	return nil
}

func (p *Plan) checkProposal(f *fmri.FMRI) error {
	if f == nil || !f.HasVersion() {
		return engine.NewInvalidProposalError(fmt.Sprint(f), "proposal requires a versioned package")
	}
	if p.state != engine.PlanStateNew {
		return engine.NewInvalidProposalError(f.String(), "plan already has a proposal")
	}
	return nil
}

// IsValid reports whether the origin and destination form a legal
// transition: same package, and the origin not newer than the destination.
func (p *Plan) IsValid() bool {
	if p.origin == nil || p.destination == nil {
		return true
	}
	if !p.origin.IsSamePackage(p.destination) {
		return false
	}
	return p.origin.Compare(p.destination) <= 0
}

// Validate returns an invalid-plan error when IsValid is false.
func (p *Plan) Validate() error {
	if p.IsValid() {
		return nil
	}
	return engine.NewInvalidPlanError(p.String(), "origin and destination are not a valid transition")
}

// Evaluate computes the action list.
//
// When no origin was set, an installed version of the destination package is
// adopted as origin. The filters saved when the origin was installed are
// applied to the origin manifest, filters to the destination manifest.
func (p *Plan) Evaluate(ctx context.Context, filters []*filter.Filter) error {
	if err := p.enter(engine.PhaseEvaluate); err != nil {
		return err
	}
	if err := p.evaluate(ctx, filters); err != nil {
		return p.fail(engine.PhaseEvaluate, err)
	}
	p.advance(engine.PhaseEvaluate)
	return nil
}

func (p *Plan) evaluate(ctx context.Context, filters []*filter.Filter) error {
	store := p.img.Store()

	if p.origin == nil && p.destination != nil {
		if err := p.adoptInstalled(ctx); err != nil {
			return err
		}
	}

	p.destFilters = filters
	p.originFilters = nil
	if p.origin != nil {
		saved, err := store.ReadFilters(p.origin)
		if err != nil {
			return err
		}
		p.originFilters, err = filter.CompileAll(saved)
		if err != nil {
			return fmt.Errorf("saved filters of %s: %w", p.origin, err)
		}
	}

	dest := p.destManifest.Filter(filter.Predicates(p.destFilters)...)
	origin := p.originManifest.Filter(filter.Predicates(p.originFilters)...)

	if dups := dest.Duplicates(); len(dups) > 0 {
		return engine.NewDuplicateActionError(p.destination.String(), dups)
	}

	p.actions = dest.Difference(origin)
	p.logger.Debug().
		Str("plan", p.String()).
		Int("actions", len(p.actions)).
		Int("origin_filters", len(p.originFilters)).
		Msg("Evaluated package plan")
	return nil
}

func (p *Plan) adoptInstalled(ctx context.Context) error {
	installed, err := p.img.Store().InstalledVersion(p.destination.Name())
	if errors.Is(err, image.ErrNotInstalled) {
		return nil
	}
	if err != nil {
		return err
	}

	m := manifest.Null()
	if p.img.HasManifestSource() {
		m, err = p.img.Manifest(ctx, installed)
		if err != nil {
			return fmt.Errorf("failed to load manifest of installed %s: %w", installed, err)
		}
	} else {
		p.logger.Warn().
			Str("package", installed.String()).
			Msg("No manifest source; treating installed version as empty")
	}
	p.origin = installed
	p.originManifest = orNull(m)
	return nil
}

// Preexecute runs the pre-install and pre-remove hooks. For a removal the
// origin's install state is cleared first.
func (p *Plan) Preexecute(ctx context.Context) error {
	if err := p.enter(engine.PhasePreexecute); err != nil {
		return err
	}
	ctx = p.logger.WithContext(ctx)

	if p.destination == nil {
		if err := p.clearOrigin(false); err != nil {
			return p.fail(engine.PhasePreexecute, err)
		}
	}

	for _, pair := range p.actions {
		var err error
		if pair.Dest != nil {
			err = pair.Dest.Preinstall(ctx, p.img, pair.Src)
		} else {
			err = pair.Src.Preremove(ctx, p.img)
		}
		if err != nil {
			return p.fail(engine.PhasePreexecute, p.actionError(engine.PhasePreexecute, pair, err))
		}
	}
	p.advance(engine.PhasePreexecute)
	return nil
}

// Execute installs or removes each action in order. The first failure stops
// execution; actions already applied stay applied.
func (p *Plan) Execute(ctx context.Context) error {
	if err := p.enter(engine.PhaseExecute); err != nil {
		return err
	}
	ctx = p.logger.WithContext(ctx)

	for i, pair := range p.actions {
		var err error
		if pair.Dest != nil {
			err = pair.Dest.Install(ctx, p.img, pair.Src)
		} else {
			err = pair.Src.Remove(ctx, p.img)
		}
		if err != nil {
			p.logger.Error().
				Err(err).
				Str("action", manifest.ID(pair.Action())).
				Str("package", p.target().String()).
				Int("applied", i).
				Int("remaining", len(p.actions)-i).
				Msg("Action failed")
			return p.fail(engine.PhaseExecute, p.actionError(engine.PhaseExecute, pair, err))
		}
	}
	p.advance(engine.PhaseExecute)
	return nil
}

// Postexecute runs the post hooks and records the new install state.
func (p *Plan) Postexecute(ctx context.Context) error {
	if err := p.enter(engine.PhasePostexecute); err != nil {
		return err
	}
	ctx = p.logger.WithContext(ctx)

	for _, pair := range p.actions {
		var err error
		if pair.Dest != nil {
			err = pair.Dest.Postinstall(ctx, p.img, pair.Src)
		} else {
			err = pair.Src.Postremove(ctx, p.img)
		}
		if err != nil {
			return p.fail(engine.PhasePostexecute, p.actionError(engine.PhasePostexecute, pair, err))
		}
	}

	store := p.img.Store()
	if p.origin != nil && p.destination != nil {
		if err := p.clearOrigin(true); err != nil {
			return p.fail(engine.PhasePostexecute, err)
		}
	}
	if p.destination != nil {
		if err := store.MarkInstalled(p.destination); err != nil {
			return p.fail(engine.PhasePostexecute, err)
		}
		if err := store.WriteFilters(p.destination, filter.Sources(p.destFilters)); err != nil {
			return p.fail(engine.PhasePostexecute, err)
		}
	}
	p.advance(engine.PhasePostexecute)
	return nil
}

// clearOrigin deletes the origin's installed marker and saved filters. A
// missing marker means the recorded state is inconsistent. On upgrade a
// missing filter file is tolerated.
func (p *Plan) clearOrigin(upgrade bool) error {
	store := p.img.Store()
	if err := store.ClearInstalled(p.origin); err != nil {
		return engine.NewPermanentError("installed state is inconsistent", err).
			WithCode(engine.ErrCodeInconsistentState).
			WithResource(p.origin.String())
	}
	if err := store.DeleteFilters(p.origin); err != nil {
		if upgrade && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return engine.NewPermanentError("installed state is inconsistent", err).
			WithCode(engine.ErrCodeInconsistentState).
			WithResource(p.origin.String())
	}
	return nil
}

// MakeIndices links the destination package into every index its actions
// generate. Removals are not unlinked.
func (p *Plan) MakeIndices(ctx context.Context) error {
	if p.state != engine.PlanStatePostexecuted {
		return engine.NewInvalidStateError(engine.PhaseMakeIndices, p.state)
	}
	if p.destination == nil {
		return nil
	}
	store := p.img.Store()
	links := 0
	for _, pair := range p.actions {
		if pair.Dest == nil {
			continue
		}
		for index, values := range pair.Dest.GenerateIndices() {
			for _, v := range values {
				if err := store.LinkIndex(index, v, p.destination); err != nil {
					return fmt.Errorf("failed to index %s: %w", p.destination, err)
				}
				links++
			}
		}
	}
	p.logger.Debug().
		Str("package", p.destination.String()).
		Int("links", links).
		Msg("Indexed package")
	return nil
}

func (p *Plan) enter(phase engine.Phase) error {
	from, _ := phase.Requires()
	if p.state != from {
		return engine.NewInvalidStateError(phase, p.state)
	}
	return nil
}

func (p *Plan) advance(phase engine.Phase) {
	_, to := phase.Requires()
	p.state = to
}

func (p *Plan) fail(phase engine.Phase, err error) error {
	p.state = engine.PlanStateFailed
	p.logger.Debug().Err(err).Str("phase", string(phase)).Str("plan", p.String()).Msg("Plan failed")
	return err
}

func (p *Plan) actionError(phase engine.Phase, pair manifest.Pair, err error) error {
	return &engine.ActionError{
		Phase:   phase,
		Action:  manifest.ID(pair.Action()),
		Package: p.target().String(),
		Err:     err,
	}
}

// target is the package whose content is being applied.
func (p *Plan) target() *fmri.FMRI {
	if p.destination != nil {
		return p.destination
	}
	return p.origin
}

// Actions returns the evaluated action list.
func (p *Plan) Actions() []manifest.Pair {
	out := make([]manifest.Pair, len(p.actions))
	copy(out, p.actions)
	return out
}

// Origin returns the origin identity, nil for a fresh install.
func (p *Plan) Origin() *fmri.FMRI { return p.origin }

// Destination returns the destination identity, nil for a removal.
func (p *Plan) Destination() *fmri.FMRI { return p.destination }

// DestinationFilters returns the filters applied to the destination manifest.
func (p *Plan) DestinationFilters() []*filter.Filter { return p.destFilters }

// State returns the lifecycle state.
func (p *Plan) State() engine.PlanState { return p.state }

// Operation classifies the plan.
func (p *Plan) Operation() engine.OperationType {
	switch {
	case p.destination == nil:
		return engine.OperationRemove
	case p.origin == nil:
		return engine.OperationInstall
	default:
		return engine.OperationUpdate
	}
}

func (p *Plan) String() string {
	return fmt.Sprintf("%s -> %s", fmriString(p.origin), fmriString(p.destination))
}

func fmriString(f *fmri.FMRI) string {
	if f == nil {
		return "None"
	}
	return f.String()
}

func orNull(m *manifest.Manifest) *manifest.Manifest {
	if m == nil {
		return manifest.Null()
	}
	return m
}
