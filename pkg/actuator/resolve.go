package actuator

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyopkg/pkg/engine"
)

const globChars = "*?[!^"

// DiagnosticSink receives non-fatal problems found while resolving service
// identifiers.
type DiagnosticSink interface {
	// Ambiguous reports an identifier without an instance that is not a
	// pattern; the actuator for attr is skipped for it.
	Ambiguous(attr, fmri string)
}

// LogSink reports diagnostics through a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

// Ambiguous implements DiagnosticSink.
func (s LogSink) Ambiguous(attr, fmri string) {
	s.Logger.Error().
		Str("attr", attr).
		Str("fmri", fmri).
		Msg("FMRI pattern might implicitly match more than one service instance; actuators will not be run for it")
}

// MultiSink fans diagnostics out to several sinks.
type MultiSink []DiagnosticSink

// Ambiguous implements DiagnosticSink.
func (m MultiSink) Ambiguous(attr, fmri string) {
	for _, s := range m {
		s.Ambiguous(attr, fmri)
	}
}

func isGlob(fmri string) bool {
	return strings.ContainsAny(fmri, globChars)
}

// hasInstance reports whether fmri names an instance, ignoring the "svc:"
// scheme prefix.
func hasInstance(fmri string) bool {
	return strings.Contains(strings.TrimPrefix(fmri, "svc:"), ":")
}

// ResolvePatterns turns the identifiers listed under attr into concrete
// instances. Instances pass through; patterns are expanded with svcs and
// dropped when nothing matches; anything else is reported to sink and
// dropped.
func (r *CommandRunner) ResolvePatterns(ctx context.Context, attr string, fmris []string, sink DiagnosticSink) ([]string, error) {
	out := newSet()
	for _, fmri := range fmris {
		glob := isGlob(fmri)
		if !glob && hasInstance(fmri) {
			out.add(fmri)
			continue
		}
		if !glob {
			if sink != nil {
				sink.Ambiguous(attr, fmri)
			}
			continue
		}

		instances, err := r.Instances(ctx, fmri)
		if err != nil {
			var cmdErr *engine.CommandError
			if errors.As(err, &cmdErr) {
				continue
			}
			return nil, err
		}
		for _, inst := range instances {
			out.add(inst)
		}
	}
	return out.sorted(), nil
}
