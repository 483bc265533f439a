package compiler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// propsDefinition is the definition every kind schema must declare.
const propsDefinition = "#Props"

// SchemaRegistry holds the compiled property schema of every kind.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
}

// RegisterSchema compiles schema and registers its #Props definition under
// name. An empty schema accepts any properties.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	if strings.TrimSpace(schema) == "" {
		schema = propsDefinition + ": {...}"
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(propsDefinition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare %s", name, propsDefinition)
	}

	sr.schemas[name] = def
	return nil
}

// Validate checks JSON encoded properties against the schema of name.
func (sr *SchemaRegistry) Validate(name string, data []byte) error {
	// The CUE context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[name]
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := sr.ctx.CompileBytes(data, cue.Filename("properties.json"))
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid properties: %s", describeCUEError(err))
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// describeCUEError flattens a CUE error list into one line per error.
func describeCUEError(err error) string {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msgs = append(msgs, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	return strings.Join(msgs, "; ")
}
