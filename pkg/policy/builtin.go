package policy

// Built-in policy names.
const (
	PolicyNoReplaceStateful = "no-replace-stateful"
	PolicyRemoveWarning     = "remove-warning"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		noReplaceStatefulPolicy(),
		removeWarningPolicy(),
	}
}

// noReplaceStatefulPolicy blocks change sets that would replace a resource
// holding data.
func noReplaceStatefulPolicy() Policy {
	return Policy{
		Name:        PolicyNoReplaceStateful,
		Description: "Denies modifications that replace buckets or tables",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stackur.policies.stateful

import rego.v1

stateful_types := {
	"AWS::S3::Bucket",
	"AWS::DynamoDB::Table",
}

replacing := {"True", "Conditional"}

deny contains violation if {
	some change in input.changes
	change.action == "Modify"
	change.replacement in replacing
	change.resource_type in stateful_types
	violation := {
		"message": sprintf("%s (%s) would be replaced and its data lost", [change.logical_id, change.resource_type]),
		"severity": "error",
		"resource": change.logical_id,
	}
}
`,
	}
}

// removeWarningPolicy reports every resource the change set deletes.
func removeWarningPolicy() Policy {
	return Policy{
		Name:        PolicyRemoveWarning,
		Description: "Warns about resources the change set removes",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stackur.policies.remove

import rego.v1

deny contains violation if {
	some change in input.changes
	change.action == "Remove"
	violation := {
		"message": sprintf("%s (%s) will be deleted", [change.logical_id, change.resource_type]),
		"severity": "warning",
		"resource": change.logical_id,
	}
}
`,
	}
}
