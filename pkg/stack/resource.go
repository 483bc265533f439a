package stack

import (
	"context"
	"fmt"

	"github.com/openfroyo/stackur/pkg/compiler"
	"github.com/openfroyo/stackur/pkg/engine"
	"github.com/openfroyo/stackur/pkg/telemetry"
)

// UncommitHook runs before a resource is uncommitted, with the physical id
// it was deployed under.
type UncommitHook func(ctx context.Context, physicalID string) error

// Resource is a unit backed by a declaration that the compiler turns into
// backend resources.
type Resource struct {
	stack *Stack
	decl  compiler.Declaration

	beforeUncommit UncommitHook

	committed  bool
	physicalID string

	// fragments are the logical ids staged by the last commit.
	fragments []string
}

// ResourceOption configures a Resource.
type ResourceOption func(*Resource)

// DependsOn adds explicit dependencies on other logical ids.
func DependsOn(names ...string) ResourceOption {
	return func(r *Resource) { r.decl.DependsOn = append(r.decl.DependsOn, names...) }
}

// WithDeletionPolicy sets the backend deletion policy (Delete, Retain,
// RetainExceptOnCreate, or Snapshot for kinds that support it). Retained
// resources skip their uncommit hook.
func WithDeletionPolicy(policy string) ResourceOption {
	return func(r *Resource) { r.decl.DeletionPolicy = policy }
}

// BeforeUncommit sets a hook run before the resource is uncommitted.
func BeforeUncommit(hook UncommitHook) ResourceOption {
	return func(r *Resource) { r.beforeUncommit = hook }
}

// NewResource declares a resource of any compiler-known kind and registers
// it with s.
func NewResource(s *Stack, name, kind string, props map[string]interface{}, opts ...ResourceOption) *Resource {
	r := &Resource{
		stack: s,
		decl: compiler.Declaration{
			LogicalID:  name,
			Kind:       kind,
			Properties: props,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	s.AddStage(r)
	return r
}

// Name implements Unit.
func (r *Resource) Name() string {
	return r.decl.LogicalID
}

// Kind returns the declaration kind.
func (r *Resource) Kind() string {
	return r.decl.Kind
}

// Declaration returns a copy of the resource declaration.
func (r *Resource) Declaration() compiler.Declaration {
	return r.decl
}

// Committed implements Unit.
func (r *Resource) Committed() bool {
	return r.committed
}

// PhysicalID returns the backend identifier read back after the last
// commit, or "" when the resource is not deployed.
func (r *Resource) PhysicalID() string {
	return r.physicalID
}

// Commit compiles the declaration, stages every fragment and runs a full
// engine commit. A committed resource is left alone unless force is set.
func (r *Resource) Commit(ctx context.Context, force bool) error {
	s := r.stack
	if r.committed && !force {
		return nil
	}

	ctx, span := s.tracer.StartUnitSpan(ctx, "commit", r.Name(), r.Kind())
	defer span.End()
	log := s.logger.WithUnit(r.Name(), r.Kind())

	result, err := r.commit(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		s.record(r.Name(), r.Kind(), resultFailed, err)
		return err
	}

	switch result.Outcome {
	case engine.OutcomeRejected:
		log.Warn("Change set rejected, resource not committed")
		s.record(r.Name(), r.Kind(), resultRejected, nil)
	case engine.OutcomeRolledBack:
		log.Warn("Stack rolled back, resource not committed")
		s.record(r.Name(), r.Kind(), resultRolledBack, nil)
	default:
		r.committed = true
		s.record(r.Name(), r.Kind(), resultCommitted, nil)
	}

	r.physicalID, _ = s.engine.PhysicalID(r.Name())
	telemetry.RecordSuccess(span)
	log.WithField("physical_id", r.physicalID).Infof("Resource %s", result.Outcome)
	return nil
}

func (r *Resource) commit(ctx context.Context) (*engine.CommitResult, error) {
	frags, err := r.compile(ctx)
	if err != nil {
		return nil, err
	}
	r.fragments = r.fragments[:0]
	for _, f := range frags {
		if err := r.stack.engine.AddResource(ctx, f.LogicalID, f.Resource); err != nil {
			return nil, err
		}
		r.fragments = append(r.fragments, f.LogicalID)
	}
	return r.stack.engine.Commit(ctx, r.stack.interactive)
}

func (r *Resource) compile(ctx context.Context) ([]compiler.Fragment, error) {
	frags, err := r.stack.compiler.Compile(ctx, r.decl, r.stack.name)
	if err != nil {
		return nil, err
	}
	if len(frags) == 0 || frags[0].LogicalID != r.decl.LogicalID {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("compiler returned no fragment for %s", r.decl.LogicalID), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(r.decl.LogicalID).
			WithOperation("compile")
	}
	return frags, nil
}

// Retained reports whether the backend keeps the resource when the stack
// is deleted.
func (r *Resource) Retained() bool {
	switch r.decl.DeletionPolicy {
	case "Retain", "RetainExceptOnCreate":
		return true
	}
	return false
}

// Uncommit runs the uncommit hook with the deployed physical id and clears
// the committed flag. The backend resource itself goes away with the stack
// unless it is retained, in which case the hook is skipped.
func (r *Resource) Uncommit(ctx context.Context) error {
	s := r.stack
	ctx, span := s.tracer.StartUnitSpan(ctx, "uncommit", r.Name(), r.Kind())
	defer span.End()

	id := r.physicalID
	if id == "" {
		id, _ = s.engine.PhysicalID(r.Name())
	}

	switch {
	case r.beforeUncommit == nil || id == "":
	case r.Retained():
		s.logger.WithUnit(r.Name(), r.Kind()).
			WithField("physical_id", id).
			Infof("Deletion policy %s, skipping uncommit hook", r.decl.DeletionPolicy)
	default:
		if err := r.beforeUncommit(ctx, id); err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("failed to prepare %s for deletion: %w", r.Name(), err)
		}
	}

	r.committed = false
	r.physicalID = ""
	telemetry.RecordSuccess(span)
	return nil
}
