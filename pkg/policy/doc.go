// Package policy admits or refuses package transactions using Open Policy
// Agent.
//
// Each policy is a Rego module whose deny set holds the violations found in
// the transaction input:
//
//	package site.kernel
//
//	import rego.v1
//
//	deny contains violation if {
//		some pkg in input.packages
//		pkg.name == "system/kernel"
//		pkg.operation == "update"
//		not input.context.protected
//		violation := {"message": "kernel updates need a protected list", "severity": "error"}
//	}
//
// Violations of severity error or critical deny the transaction; anything
// else is reported as a warning. Two policies are built in:
// protected-packages refuses removal of packages named in
// input.context.protected, and live-reboot warns when a change to the live
// image needs a reboot.
//
// Policies are loaded from .rego files, or from .json files holding a
// Policy document, and can be watched for changes with Engine.WatchPolicies.
package policy
