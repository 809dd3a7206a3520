package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedPackagesPolicy(),
		liveRebootPolicy(),
	}
}

// protectedPackagesPolicy refuses to remove packages listed as protected.
func protectedPackagesPolicy() Policy {
	return Policy{
		Name:        "protected-packages",
		Description: "Prevents removal of packages listed in context.protected",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package froyo.policies.protected

import rego.v1

deny contains violation if {
	some pkg in input.packages
	pkg.operation == "remove"
	some name in input.context.protected
	pkg.name == name

	violation := {
		"message": sprintf("package %s is protected and cannot be removed", [pkg.name]),
		"severity": "error",
		"package": pkg.name,
	}
}`,
	}
}

// liveRebootPolicy warns when a change to the running system needs a reboot.
func liveRebootPolicy() Policy {
	return Policy{
		Name:        "live-reboot",
		Description: "Warns when a transaction on the live image requires a reboot",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"services"},
		Rego: `package froyo.policies.reboot

import rego.v1

deny contains violation if {
	input.live_root
	input.reboot_needed

	names := [pkg.name | some pkg in input.packages]
	violation := {
		"message": sprintf("changes to %s on the live image require a reboot", [concat(", ", names)]),
		"severity": "warning",
	}
}`,
	}
}
