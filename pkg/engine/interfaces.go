package engine

import (
	"context"
)

// Backend is the remote deployment service the engine reconciles against.
// Implementations must return an error satisfying IsNotFound when the stack
// does not exist.
type Backend interface {
	// DescribeStack looks the stack up.
	DescribeStack(ctx context.Context, stackName string) (*StackDescription, error)

	// GetTemplate returns the template body of the deployed stack.
	GetTemplate(ctx context.Context, stackName string) (string, error)

	// ListStackResources returns every deployed resource of the stack.
	ListStackResources(ctx context.Context, stackName string) ([]StackResource, error)

	// CreateChangeSet submits a template for planning.
	CreateChangeSet(ctx context.Context, req ChangeSetRequest) error

	// DescribeChangeSet returns the current state of a submitted change set.
	DescribeChangeSet(ctx context.Context, stackName, changeSetName string) (*ChangeSet, error)

	// ExecuteChangeSet starts applying a computed change set.
	ExecuteChangeSet(ctx context.Context, stackName, changeSetName string) error

	// DescribeStackEvents returns the full event history of the stack,
	// newest first.
	DescribeStackEvents(ctx context.Context, stackName string) ([]StackEvent, error)

	// DeleteStack starts deleting the stack and all of its resources.
	DeleteStack(ctx context.Context, stackName string) error
}

// Gate asks an operator to accept or reject a computed change set.
type Gate interface {
	Confirm(ctx context.Context, cs *ChangeSet) (bool, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, cs *ChangeSet) (bool, error)

// Confirm calls f.
func (f GateFunc) Confirm(ctx context.Context, cs *ChangeSet) (bool, error) {
	return f(ctx, cs)
}

// ChangeSetPolicy evaluates a computed change set before it is confirmed or
// executed.
type ChangeSetPolicy interface {
	EvaluateChangeSet(ctx context.Context, input *PolicyInput) (*PolicyDecision, error)
}

// Journal records commit history. Journal failures are logged by the engine
// and never abort a commit.
type Journal interface {
	StartRun(ctx context.Context, run RunRecord) error
	AppendEvents(ctx context.Context, runID string, events []StackEvent) error
	FinishRun(ctx context.Context, runID string, outcome RunOutcome) error
}
