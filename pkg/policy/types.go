package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but do not block the
	// transaction.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the transaction.
	SeverityError Severity = "error"

	// SeverityCritical blocks the transaction.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the
// transaction.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy module. Violations are read from its deny set.
	Rego string `json:"rego"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Package  string   `json:"package,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies are evaluated against.
type Input struct {
	Packages     []PackageInput      `json:"packages"`
	RebootNeeded bool                `json:"reboot_needed"`
	LiveRoot     bool                `json:"live_root"`
	Services     map[string][]string `json:"services,omitempty"`
	Context      Context             `json:"context"`
}

// PackageInput describes one package plan of the transaction.
type PackageInput struct {
	Name        string `json:"name"`
	Origin      string `json:"origin,omitempty"`
	Destination string `json:"destination,omitempty"`
	Operation   string `json:"operation"`
	Actions     int    `json:"actions"`
}

// Context carries site settings into policy evaluation.
type Context struct {
	// Protected lists package names that must never be removed.
	Protected []string  `json:"protected,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
