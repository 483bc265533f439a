package config

import (
	"context"
	"fmt"

	"github.com/openfroyo/stackur/pkg/compiler"
	"github.com/openfroyo/stackur/pkg/engine"
	"github.com/openfroyo/stackur/pkg/stack"
)

// EngineOptions returns the reconciler options the manifest sets.
func (m *Manifest) EngineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithPollInterval(m.PollInterval),
		engine.WithApplyTimeout(m.ApplyTimeout),
	}
	if len(m.Capabilities) > 0 {
		opts = append(opts, engine.WithCapabilities(m.Capabilities...))
	}
	if len(m.Tags) > 0 {
		opts = append(opts, engine.WithTags(m.Tags))
	}
	return opts
}

// BuildStack creates the stack the manifest declares. Its stages are
// registered by the stack's setup callback in manifest order. Options are
// applied after the manifest's own, so callers can override them.
func BuildStack(m *Manifest, backend engine.Backend, opts ...stack.Option) *stack.Stack {
	base := []stack.Option{
		stack.WithInteractive(m.Interactive),
		stack.WithEngineOptions(m.EngineOptions()...),
		stack.WithSetup(m.setup),
	}
	return stack.New(m.Stack, backend, append(base, opts...)...)
}

// RemovedResources returns the resource stages of prev that next no longer
// declares, in prev's order.
func RemovedResources(prev, next *Manifest) []string {
	kept := make(map[string]bool, len(next.Stages))
	for _, st := range next.Stages {
		if st.Resource != nil {
			kept[st.Resource.LogicalID] = true
		}
	}

	var removed []string
	for _, st := range prev.Stages {
		if st.Resource != nil && !kept[st.Resource.LogicalID] {
			removed = append(removed, st.Resource.LogicalID)
		}
	}
	return removed
}

func (m *Manifest) setup(_ context.Context, s *stack.Stack) error {
	log := s.Logger().NewComponentLogger("task")
	eval := NewStarlarkEvaluator(m.ScriptTimeout, Builtins{
		PhysicalID: func(name string) string {
			id, _ := s.Engine().PhysicalID(name)
			return id
		},
		PutObject: func(ctx context.Context, bucket, key string, body []byte) error {
			store := s.ObjectStore()
			if store == nil {
				return fmt.Errorf("no object store configured")
			}
			return store.PutObject(ctx, bucket, key, body)
		},
		Log: func(msg string) {
			log.Info(msg)
		},
		BaseDir: m.Dir,
	})

	for _, st := range m.Stages {
		switch {
		case st.Resource != nil:
			addResource(s, *st.Resource)
		case st.Task != nil:
			addTask(s, eval, *st.Task)
		}
	}
	return nil
}

func addResource(s *stack.Stack, decl compiler.Declaration) {
	var opts []stack.ResourceOption
	if len(decl.DependsOn) > 0 {
		opts = append(opts, stack.DependsOn(decl.DependsOn...))
	}
	if decl.DeletionPolicy != "" {
		opts = append(opts, stack.WithDeletionPolicy(decl.DeletionPolicy))
	}

	switch decl.Kind {
	case compiler.KindBucket:
		stack.NewBucket(s, decl.LogicalID, decl.Properties, opts...)
	default:
		stack.NewResource(s, decl.LogicalID, decl.Kind, decl.Properties, opts...)
	}
}

// addTask registers a Starlark task. The stack commits tasks with force
// set, so a manifest condition is checked by the task itself and a false
// condition makes the run a no-op.
func addTask(s *stack.Stack, eval *StarlarkEvaluator, ts TaskStage) {
	log := s.Logger().WithUnit(ts.Name, "task")
	input := map[string]interface{}{
		"stack": s.Name(),
	}

	stack.NewTask(s, ts.Name, func(ctx context.Context) error {
		if ts.Condition != "" {
			ok, err := eval.EvalCondition(ctx, ts.Condition)
			if err != nil {
				return err
			}
			if !ok {
				log.Info("Condition not met, script not run")
				return nil
			}
		}
		_, err := eval.Evaluate(ctx, ts.Script, input)
		return err
	})
}
