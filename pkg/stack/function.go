package stack

import "github.com/openfroyo/stackur/pkg/compiler"

// NewFunction declares a serverless function. Without a role property the
// compiler adds a <name>ServiceRole with basic execution permissions.
func NewFunction(s *Stack, name string, props map[string]interface{}, opts ...ResourceOption) *Resource {
	return NewResource(s, name, compiler.KindFunction, props, opts...)
}
