// Package policy evaluates change sets against Open Policy Agent (OPA)
// policies before they are confirmed or executed.
//
// Every policy is a Rego module that defines a `deny` set. The module is
// evaluated with the change set as input:
//
//	{
//	  "stack": "Alpha",
//	  "change_set": "stackur-alice-1700000000",
//	  "type": "UPDATE",
//	  "changes": [
//	    {"action": "Modify", "logical_id": "Site", "resource_type": "AWS::S3::Bucket", "replacement": "True"}
//	  ]
//	}
//
// Each element of `deny` is a violation, either a message string or an
// object with `message`, `severity` and `resource`. A violation of severity
// error or critical denies the change set; lower severities are logged.
//
// # Built-in policies
//
//   - no-replace-stateful denies modifications that replace a bucket or table.
//   - remove-warning warns about every resource the change set deletes.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	rec := engine.New("Alpha", backend, engine.WithPolicy(eng))
//
// Files ending in .rego are named after the file and default to severity
// error; a `# severity: warning` line in the leading comment block changes
// that. JSON files carry a full Policy definition. Modules written in the
// older Rego v0 syntax are accepted.
package policy
