package stack

import (
	"context"
	"fmt"

	"github.com/openfroyo/stackur/pkg/telemetry"
)

const taskKind = "task"

// TaskFunc is the imperative work of a task.
type TaskFunc func(ctx context.Context) error

// Condition decides whether a task runs.
type Condition func(ctx context.Context) (bool, error)

// Task is an imperative unit interleaved with resources, e.g. uploading
// content to a bucket committed earlier in the stack.
type Task struct {
	stack     *Stack
	name      string
	fn        TaskFunc
	condition Condition
	committed bool
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithCondition sets the predicate evaluated before the task runs.
func WithCondition(c Condition) TaskOption {
	return func(t *Task) { t.condition = c }
}

// NewTask declares a task and registers it with s.
func NewTask(s *Stack, name string, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{stack: s, name: name, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	s.AddStage(t)
	return t
}

// Name implements Unit.
func (t *Task) Name() string {
	return t.name
}

// Committed implements Unit.
func (t *Task) Committed() bool {
	return t.committed
}

// Commit runs the task. When a condition is set and evaluates to false the
// task is skipped unless force is set. The committed flag does not prevent
// a task from running again.
func (t *Task) Commit(ctx context.Context, force bool) error {
	s := t.stack
	ctx, span := s.tracer.StartUnitSpan(ctx, "commit", t.name, taskKind)
	defer span.End()
	log := s.logger.WithUnit(t.name, taskKind)

	if t.condition != nil {
		ok, err := t.condition(ctx)
		if err != nil {
			err = fmt.Errorf("condition of task %s failed: %w", t.name, err)
			telemetry.RecordError(span, err)
			s.record(t.name, taskKind, resultFailed, err)
			return err
		}
		if !ok && !force {
			log.Debug("Condition not met, task skipped")
			s.record(t.name, taskKind, resultSkipped, nil)
			return nil
		}
	}

	log.Info("Running task")
	if t.fn != nil {
		if err := t.fn(ctx); err != nil {
			telemetry.RecordError(span, err)
			s.record(t.name, taskKind, resultFailed, err)
			return err
		}
	}

	t.committed = true
	telemetry.RecordSuccess(span)
	s.record(t.name, taskKind, resultCommitted, nil)
	return nil
}

// Uncommit clears the committed flag. Tasks leave no remote state behind.
func (t *Task) Uncommit(ctx context.Context) error {
	t.committed = false
	return nil
}
