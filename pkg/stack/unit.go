package stack

import (
	"context"

	"github.com/openfroyo/stackur/pkg/telemetry"
)

// Unit is one staged piece of work of a stack: a resource or a task.
type Unit interface {
	// Name returns the unit name; for resources it is the logical id.
	Name() string

	// Commit applies the unit. A committed unit ignores Commit unless force
	// is set. Tasks decide through their condition instead.
	Commit(ctx context.Context, force bool) error

	// Uncommit reverts the unit and clears its committed flag.
	Uncommit(ctx context.Context) error

	// Committed reports whether the unit has been committed.
	Committed() bool
}

// ObjectStore is the object storage used to empty buckets before deletion
// and to upload content from tasks.
type ObjectStore interface {
	ListObjects(ctx context.Context, bucket string) ([]string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	DeleteObjectVersions(ctx context.Context, bucket string) (int, error)
	DeleteBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, body []byte) error
}

// Unit results recorded in metrics and events.
const (
	resultCommitted  = "committed"
	resultSkipped    = "skipped"
	resultRejected   = "rejected"
	resultRolledBack = "rolled_back"
	resultFailed     = "failed"
)

// record reports a unit transition to metrics and the event publisher.
func (s *Stack) record(name, kind, result string, err error) {
	s.metrics.RecordUnit(kind, result)

	event := telemetry.Event{
		Type:       telemetry.EventTypeUnitCommitted,
		Source:     "stack",
		Stack:      s.name,
		ResourceID: name,
		Level:      telemetry.EventLevelInfo,
		Message:    name + " " + result,
		Data:       map[string]interface{}{"kind": kind, "result": result},
	}
	switch result {
	case resultSkipped, resultRejected:
		event.Type = telemetry.EventTypeUnitSkipped
	case resultRolledBack:
		event.Level = telemetry.EventLevelWarning
	case resultFailed:
		event.Type = telemetry.EventTypeUnitFailed
		event.Level = telemetry.EventLevelError
		if err != nil {
			event.Data["error"] = err.Error()
		}
	}
	if perr := s.events.Publish(event); perr != nil {
		s.logger.WithError(perr).Debug("Unit event dropped")
	}
}
