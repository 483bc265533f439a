// Package config loads stackur manifests and evaluates the Starlark used
// by task stages.
//
// A manifest is a YAML file, stackur.yaml by default, that names a
// CloudFormation stack and lists its stages in commit order. Each stage is
// either a resource declaration or a task:
//
//	stack: Alpha
//	region: us-east-2
//	interactive: false
//	policies: [policies]
//	journal:
//	  retention: 720h
//	stages:
//	  - resource:
//	      name: Site
//	      kind: bucket
//	      properties:
//	        bucketName: alpha-site
//	  - task:
//	      name: Seed
//	      condition: physical_id("Site") != ""
//	      script: |
//	        for page in ["index.html", "error.html"]:
//	            put_object(physical_id("Site"), page, read_file("site/" + page))
//
// Load applies defaults, rejects unknown keys, validates the result and
// reads task scripts referenced with file. BuildStack turns a manifest into
// a stack.Stack whose setup registers the stages.
//
// # Starlark
//
// Task scripts and conditions run in a StarlarkEvaluator with a timeout and
// a small set of host builtins:
//
//   - physical_id(name) returns the physical id of a committed resource
//   - put_object(bucket, key, body) uploads through the stack's object store
//   - env(name, default="") reads the environment
//   - log(msg) and print(...) write to the stack logger
//   - read_file(path) reads a file below the manifest directory
//
// A task whose condition evaluates false logs and does nothing.
package config
