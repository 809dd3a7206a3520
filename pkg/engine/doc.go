// Package engine provides the shared types of the froyo-pkg transaction engine.
//
// # Overview
//
// A transaction moves an image from one set of installed packages to another.
// Each package change is a plan (package plan) that walks a fixed sequence of
// states:
//
//	proposed -> evaluated -> preexecuted -> executed -> postexecuted
//
// with failed as the terminal error state. Around the execution phases the
// service actuator quiesces affected services (pre-actuators), restores them
// (post-actuators) or marks them for maintenance (fail-actuators).
//
// # Errors
//
// Errors produced by the engine are classified with EngineError, which
// carries an ErrorClass and one of the ErrCode constants:
//
//	if engine.IsInvalidProposal(err) {
//	    // destination already installed, or origin missing
//	}
//
// Failures raised by an action's lifecycle hook are reported as *ActionError,
// and failures of service-management commands as *CommandError. Both can be
// retrieved with errors.As.
package engine
