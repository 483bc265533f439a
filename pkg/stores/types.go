package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/stackur/pkg/engine"
)

// Run is one journaled commit or teardown of a stack.
type Run struct {
	ID            string     `json:"id"`
	StackName     string     `json:"stack"`
	Operation     string     `json:"operation"` // commit, uncommit
	ChangeSetName string     `json:"change_set,omitempty"`
	ChangeSetType string     `json:"change_set_type,omitempty"`
	Operator      string     `json:"operator,omitempty"`
	Outcome       *string    `json:"outcome,omitempty"` // nil while the run is in flight
	StatusReason  *string    `json:"status_reason,omitempty"`
	Error         *string    `json:"error,omitempty"`
	Changes       int        `json:"changes"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Finished reports whether the run has an outcome.
func (r *Run) Finished() bool {
	return r.Outcome != nil
}

// Event is a stack event observed during a run.
type Event struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	EventID      string    `json:"event_id"`
	LogicalID    string    `json:"logical_id"`
	PhysicalID   string    `json:"physical_id,omitempty"`
	ResourceType string    `json:"resource_type"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store is the run journal.
type Store interface {
	engine.Journal

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Queries
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, stack string, limit, offset int) ([]*Run, error)
	GetEvents(ctx context.Context, runID string) ([]*Event, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
