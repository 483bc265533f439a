package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/stackur/pkg/engine"
)

// StackTagKey is the tag stamped on every taggable resource with the name of
// the stack that owns it.
const StackTagKey = "stackur:stack"

// Declaration is a resource as written by the user: a logical id, a kind
// and camelCase properties.
type Declaration struct {
	LogicalID      string                 `json:"logical_id" yaml:"name" validate:"required,logicalid"`
	Kind           string                 `json:"kind" yaml:"kind" validate:"required"`
	Properties     map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
	DependsOn      []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,logicalid"`
	DeletionPolicy string                 `json:"deletion_policy,omitempty" yaml:"deletion_policy,omitempty" validate:"omitempty,oneof=Delete Retain Snapshot RetainExceptOnCreate"`
}

// Fragment is one backend resource produced by compiling a declaration.
type Fragment struct {
	LogicalID string
	Resource  engine.ResourceDefinition
}

// Compiler turns declarations into backend resource definitions. The first
// fragment returned always carries the declaration's logical id.
type Compiler interface {
	Compile(ctx context.Context, decl Declaration, namespace string) ([]Fragment, error)
}

// Func adapts a function to the Compiler interface.
type Func func(ctx context.Context, decl Declaration, namespace string) ([]Fragment, error)

// Compile calls f.
func (f Func) Compile(ctx context.Context, decl Declaration, namespace string) ([]Fragment, error) {
	return f(ctx, decl, namespace)
}

// Kind describes one resource kind known to the CUE compiler.
type Kind struct {
	// Name is the short name used in declarations, e.g. "bucket".
	Name string

	// ResourceType is the backend type, e.g. "AWS::S3::Bucket".
	ResourceType string

	// Schema is CUE source declaring #Props, the camelCase property schema.
	Schema string

	// Opaque lists camelCase property paths whose map keys are data and are
	// copied without case conversion.
	Opaque []string

	// Taggable kinds receive a Tags list with the stack tag.
	Taggable bool

	// Snapshot kinds accept the Snapshot deletion policy.
	Snapshot bool

	// Expand rewrites shorthand properties in place and may return extra
	// fragments, already in backend form.
	Expand func(decl Declaration, props map[string]interface{}) ([]Fragment, error)
}

var logicalIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,255}$`)

// CUECompiler validates declarations against per-kind CUE schemas and
// translates them into backend resources.
type CUECompiler struct {
	schemas  *SchemaRegistry
	validate *validator.Validate

	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewCUECompiler returns a compiler with the built-in kinds registered.
func NewCUECompiler() *CUECompiler {
	c := &CUECompiler{
		schemas:  NewSchemaRegistry(),
		validate: NewValidator(),
		kinds:    make(map[string]Kind),
	}
	for _, k := range builtinKinds() {
		if err := c.Register(k); err != nil {
			panic(fmt.Sprintf("compiler: built-in kind %s: %v", k.Name, err))
		}
	}
	return c
}

// NewValidator returns a validator with the logicalid tag registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("logicalid", func(fl validator.FieldLevel) bool {
		return logicalIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// Register adds or replaces a kind.
func (c *CUECompiler) Register(k Kind) error {
	if k.Name == "" || k.ResourceType == "" {
		return fmt.Errorf("kind name and resource type are required")
	}
	if err := c.schemas.RegisterSchema(k.Name, k.Schema); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds[k.Name] = k
	return nil
}

// Kinds returns the registered kind names, sorted.
func (c *CUECompiler) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.kinds))
	for name := range c.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResourceType returns the backend type of a kind.
func (c *CUECompiler) ResourceType(kind string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.kinds[kind]
	return k.ResourceType, ok
}

// Compile implements Compiler.
func (c *CUECompiler) Compile(ctx context.Context, decl Declaration, namespace string) ([]Fragment, error) {
	if err := c.validate.Struct(decl); err != nil {
		return nil, validationError(decl.LogicalID, fmt.Errorf("invalid declaration: %w", err))
	}

	c.mu.RLock()
	kind, ok := c.kinds[decl.Kind]
	c.mu.RUnlock()
	if !ok {
		return nil, validationError(decl.LogicalID, fmt.Errorf("unknown kind %q", decl.Kind))
	}
	if decl.DeletionPolicy == "Snapshot" && !kind.Snapshot {
		return nil, validationError(decl.LogicalID, fmt.Errorf("kind %q does not support the Snapshot deletion policy", kind.Name))
	}

	props := copyMap(decl.Properties)
	data, err := json.Marshal(props)
	if err != nil {
		return nil, validationError(decl.LogicalID, fmt.Errorf("properties are not serializable: %w", err))
	}
	if err := c.schemas.Validate(kind.Name, data); err != nil {
		return nil, validationError(decl.LogicalID, err)
	}

	var tags []interface{}
	if raw, ok := props["tags"]; ok {
		tags, err = normalizeTags(raw)
		if err != nil {
			return nil, validationError(decl.LogicalID, err)
		}
		delete(props, "tags")
	}

	var extra []Fragment
	if kind.Expand != nil {
		extra, err = kind.Expand(decl, props)
		if err != nil {
			return nil, validationError(decl.LogicalID, err)
		}
	}

	opaque := make(map[string]bool, len(kind.Opaque))
	for _, p := range kind.Opaque {
		opaque[p] = true
	}
	properties := pascalizeMap(props, "", opaque)

	if kind.Taggable {
		if namespace != "" {
			tags = append(tags, map[string]interface{}{"Key": StackTagKey, "Value": namespace})
		}
		if len(tags) > 0 {
			properties["Tags"] = tags
		}
	}

	primary := Fragment{
		LogicalID: decl.LogicalID,
		Resource: engine.ResourceDefinition{
			Type:           kind.ResourceType,
			Properties:     properties,
			DependsOn:      decl.DependsOn,
			DeletionPolicy: decl.DeletionPolicy,
		},
	}
	return append([]Fragment{primary}, extra...), nil
}

func validationError(logicalID string, err error) error {
	return engine.NewPermanentError("resource declaration rejected", err).
		WithCode(engine.ErrCodeValidation).
		WithResource(logicalID).
		WithOperation("compile")
}
