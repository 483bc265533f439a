package stack

import (
	"context"
	"fmt"

	"github.com/openfroyo/stackur/pkg/compiler"
	"github.com/openfroyo/stackur/pkg/engine"
	"github.com/openfroyo/stackur/pkg/telemetry"
)

// SetupFunc registers the units of a stack. It runs once, before the first
// unit is committed or uncommitted.
type SetupFunc func(ctx context.Context, s *Stack) error

// DestroyFunc cleans up anything the backend does not own. It runs after
// the stack has been deleted.
type DestroyFunc func(ctx context.Context, s *Stack) error

// Stack is a named deployment: one reconciliation engine and an ordered
// list of staged units. Units are committed strictly in registration order.
// A Stack is not safe for concurrent use.
type Stack struct {
	name        string
	engine      *engine.Reconciler
	compiler    compiler.Compiler
	objects     ObjectStore
	interactive bool
	setup       SetupFunc
	destroy     DestroyFunc

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	engineOpts []engine.Option

	units     []Unit
	setupDone bool
	inSetup   bool
	committed bool
}

// Option configures a Stack.
type Option func(*Stack)

// WithSetup sets the callback that registers the stack's units.
func WithSetup(fn SetupFunc) Option {
	return func(s *Stack) { s.setup = fn }
}

// WithDestroy sets the callback run after Uncommit has deleted the stack.
func WithDestroy(fn DestroyFunc) Option {
	return func(s *Stack) { s.destroy = fn }
}

// WithCompiler replaces the default CUE compiler.
func WithCompiler(c compiler.Compiler) Option {
	return func(s *Stack) { s.compiler = c }
}

// WithObjectStore sets the store used by buckets to empty themselves and by
// tasks to upload content.
func WithObjectStore(o ObjectStore) Option {
	return func(s *Stack) { s.objects = o }
}

// WithInteractive makes every resource commit ask the gate before executing.
func WithInteractive(interactive bool) Option {
	return func(s *Stack) { s.interactive = interactive }
}

// WithGate sets the confirmation gate used by interactive commits.
func WithGate(g engine.Gate) Option {
	return func(s *Stack) { s.engineOpts = append(s.engineOpts, engine.WithGate(g)) }
}

// WithLogger sets the logger of the stack and its engine.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Stack) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTelemetry wires logging, metrics, tracing and events into the stack
// and its engine.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Stack) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			s.logger = t.Logger
		}
		s.metrics = t.Metrics
		s.tracer = t.Tracer
		s.events = t.Events
	}
}

// WithEngineOptions passes options through to the reconciliation engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(s *Stack) { s.engineOpts = append(s.engineOpts, opts...) }
}

// WithEngine makes the stack commit through an existing engine instead of
// creating one. The engine keeps its desired template, so resources staged
// by an earlier stack stay staged until they are removed.
func WithEngine(r *engine.Reconciler) Option {
	return func(s *Stack) { s.engine = r }
}

// New creates a stack named name deployed through backend.
func New(name string, backend engine.Backend, opts ...Option) *Stack {
	s := &Stack{
		name:   name,
		logger: telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.compiler == nil {
		s.compiler = compiler.NewCUECompiler()
	}

	if s.engine == nil {
		engineOpts := []engine.Option{
			engine.WithLogger(s.logger),
			engine.WithMetrics(s.metrics),
			engine.WithTracer(s.tracer),
			engine.WithEvents(s.events),
		}
		s.engine = engine.New(name, backend, append(engineOpts, s.engineOpts...)...)
	}
	s.logger = s.logger.NewComponentLogger("stack").WithStack(name)
	return s
}

// Name returns the stack name, which is also the backend namespace.
func (s *Stack) Name() string {
	return s.name
}

// Engine returns the stack's reconciliation engine.
func (s *Stack) Engine() *engine.Reconciler {
	return s.engine
}

// Interactive reports whether resource commits ask for confirmation.
func (s *Stack) Interactive() bool {
	return s.interactive
}

// ObjectStore returns the configured object store, or nil.
func (s *Stack) ObjectStore() ObjectStore {
	return s.objects
}

// Logger returns the stack logger.
func (s *Stack) Logger() *telemetry.Logger {
	return s.logger
}

// Committed reports whether the last Commit completed.
func (s *Stack) Committed() bool {
	return s.committed
}

// AddStage appends a unit. Units are committed in the order they were added.
func (s *Stack) AddStage(u Unit) {
	s.units = append(s.units, u)
}

// Units returns the registered units in order.
func (s *Stack) Units() []Unit {
	out := make([]Unit, len(s.units))
	copy(out, s.units)
	return out
}

// Commit initializes the engine, runs setup on the first call and commits
// every unit in registration order with force set. It stops at the first
// unit that fails.
func (s *Stack) Commit(ctx context.Context) error {
	ctx, span := s.tracer.StartSpan(ctx, "stack.commit", telemetry.AttrStackName.String(s.name))
	defer span.End()

	if err := s.prepare(ctx); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	s.logger.Infof("Committing %d units", len(s.units))
	for _, u := range s.units {
		if err := u.Commit(ctx, true); err != nil {
			err = fmt.Errorf("unit %s: %w", u.Name(), err)
			telemetry.RecordError(span, err)
			return err
		}
	}

	s.committed = true
	telemetry.RecordSuccess(span)
	s.logger.Info("Stack committed")
	return nil
}

// Uncommit uncommits every unit in registration order, deletes the stack
// and then runs the destroy callback.
func (s *Stack) Uncommit(ctx context.Context) error {
	ctx, span := s.tracer.StartSpan(ctx, "stack.uncommit", telemetry.AttrStackName.String(s.name))
	defer span.End()

	if err := s.prepare(ctx); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	for _, u := range s.units {
		if err := u.Uncommit(ctx); err != nil {
			err = fmt.Errorf("unit %s: %w", u.Name(), err)
			telemetry.RecordError(span, err)
			return err
		}
	}

	if err := s.engine.Uncommit(ctx); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	if s.destroy != nil {
		if err := s.destroy(ctx, s); err != nil {
			err = fmt.Errorf("destroy of stack %s failed: %w", s.name, err)
			telemetry.RecordError(span, err)
			return err
		}
	}

	s.committed = false
	telemetry.RecordSuccess(span)
	s.logger.Info("Stack uncommitted")
	return nil
}

// RemoveResources unregisters the named resource units and drops them,
// with every fragment they committed, from the engine's desired template.
// The next commit deletes them from the backend. Names without a unit are
// dropped from the template directly. It returns the logical ids removed.
func (s *Stack) RemoveResources(names ...string) []string {
	var removed []string
	for _, name := range names {
		ids := []string{name}
		for i, u := range s.units {
			r, ok := u.(*Resource)
			if !ok || r.Name() != name {
				continue
			}
			if len(r.fragments) > 0 {
				ids = r.fragments
			}
			r.committed = false
			r.physicalID = ""
			s.units = append(s.units[:i], s.units[i+1:]...)
			break
		}

		for _, id := range ids {
			if s.engine.RemoveResource(id) {
				removed = append(removed, id)
			}
		}
	}
	if len(removed) > 0 {
		s.logger.WithField("logical_ids", removed).Infof("Removed %d resources", len(removed))
	}
	return removed
}

// Synthesize runs setup and compiles every resource into a template
// without contacting the backend.
func (s *Stack) Synthesize(ctx context.Context) (*engine.Template, error) {
	if err := s.runSetup(ctx); err != nil {
		return nil, err
	}

	tpl := engine.NewTemplate()
	for _, u := range s.units {
		r, ok := u.(*Resource)
		if !ok {
			continue
		}
		frags, err := r.compile(ctx)
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", r.Name(), err)
		}
		for _, f := range frags {
			tpl.Set(f.LogicalID, f.Resource)
		}
	}

	if _, err := engine.BuildDependencyGraph(tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

func (s *Stack) prepare(ctx context.Context) error {
	if err := s.engine.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize stack %s: %w", s.name, err)
	}
	return s.runSetup(ctx)
}

// runSetup invokes the setup callback once. Units registered by a failed
// setup are discarded so a retry starts clean.
func (s *Stack) runSetup(ctx context.Context) error {
	if s.setupDone || s.inSetup {
		return nil
	}
	if s.setup == nil {
		s.setupDone = true
		return nil
	}

	s.inSetup = true
	defer func() { s.inSetup = false }()

	registered := len(s.units)
	if err := s.setup(ctx, s); err != nil {
		s.units = s.units[:registered]
		return fmt.Errorf("setup of stack %s failed: %w", s.name, err)
	}
	s.setupDone = true
	return nil
}
