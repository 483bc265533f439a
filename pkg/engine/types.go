package engine

import (
	"time"
)

// StackResourceType is the resource type the backend reports for the stack
// itself in stack events.
const StackResourceType = "AWS::CloudFormation::Stack"

// ResourceDefinition is one backend-native resource in the template.
type ResourceDefinition struct {
	// Type is the backend resource type, e.g. "AWS::S3::Bucket".
	Type string `json:"Type" yaml:"Type"`

	// Properties is the backend-native property bag.
	Properties map[string]interface{} `json:"Properties,omitempty" yaml:"Properties,omitempty"`

	// DependsOn lists logical names that must be created first.
	DependsOn []string `json:"DependsOn,omitempty" yaml:"DependsOn,omitempty"`

	// DeletionPolicy is passed through to the backend (Delete, Retain, Snapshot).
	DeletionPolicy string `json:"DeletionPolicy,omitempty" yaml:"DeletionPolicy,omitempty"`
}

// StackDescription is the result of probing for the stack.
type StackDescription struct {
	Name         string            `json:"name"`
	ID           string            `json:"id,omitempty"`
	Status       ResourceStatus    `json:"status"`
	StatusReason string            `json:"status_reason,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
	CreatedAt    time.Time         `json:"created_at,omitempty"`
}

// StackResource is one deployed resource of the stack.
type StackResource struct {
	LogicalID    string         `json:"logical_id"`
	PhysicalID   string         `json:"physical_id,omitempty"`
	ResourceType string         `json:"resource_type"`
	Status       ResourceStatus `json:"status"`
}

// ChangeSetRequest is submitted to the backend to compute a change set.
type ChangeSetRequest struct {
	StackName     string            `json:"stack_name"`
	ChangeSetName string            `json:"change_set_name"`
	Type          ChangeSetType     `json:"type"`
	TemplateBody  string            `json:"template_body"`
	Description   string            `json:"description,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// ChangeSet is the backend's computed plan.
type ChangeSet struct {
	Name            string          `json:"name"`
	StackName       string          `json:"stack_name"`
	Type            ChangeSetType   `json:"type"`
	Status          ChangeSetStatus `json:"status"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	StatusReason    string          `json:"status_reason,omitempty"`
	Changes         []Change        `json:"changes,omitempty"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
}

// noChangeReasons are the status reasons the backend uses for an empty change set.
var noChangeReasons = []string{
	"didn't contain changes",
	"No updates are to be performed",
}

// IsEmpty returns true when the backend reported that the submitted template
// contains no changes relative to the deployed stack.
func (cs *ChangeSet) IsEmpty() bool {
	if cs == nil {
		return false
	}
	for _, reason := range noChangeReasons {
		if containsFold(cs.StatusReason, reason) {
			return true
		}
	}
	return false
}

// Change is one resource-level entry of a change set.
type Change struct {
	Action       ChangeAction `json:"action"`
	LogicalID    string       `json:"logical_id"`
	PhysicalID   string       `json:"physical_id,omitempty"`
	ResourceType string       `json:"resource_type"`

	// Replacement is "True", "False" or "Conditional" for Modify actions.
	Replacement string `json:"replacement,omitempty"`
}

// Replaces returns true if applying the change may replace the resource.
func (c Change) Replaces() bool {
	return c.Action == ChangeActionModify &&
		(c.Replacement == "True" || c.Replacement == "Conditional")
}

// StackEvent is one asynchronous status record emitted while a change set is applied.
type StackEvent struct {
	EventID      string         `json:"event_id"`
	StackName    string         `json:"stack_name,omitempty"`
	LogicalID    string         `json:"logical_id"`
	PhysicalID   string         `json:"physical_id,omitempty"`
	ResourceType string         `json:"resource_type"`
	Status       ResourceStatus `json:"status"`
	StatusReason string         `json:"status_reason,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// IsStackLevel returns true if the event describes the whole stack rather
// than one of its resources. Nested stacks share the resource type, so the
// logical id must match the stack name when it is known.
func (e StackEvent) IsStackLevel(stackName string) bool {
	if e.ResourceType != StackResourceType {
		return false
	}
	return e.LogicalID == "" || e.LogicalID == stackName
}

// RemoteState is the last known snapshot of the deployed stack.
type RemoteState struct {
	// Exists is false until the stack has been observed or created.
	Exists bool `json:"exists"`

	// Body is the raw template body returned by the backend.
	Body string `json:"body,omitempty"`

	// Template is the parsed Body, nil if it could not be parsed.
	Template *Template `json:"-"`

	// RefreshedAt is when the snapshot was taken.
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
}

// CommitResult describes a successful Commit call.
type CommitResult struct {
	// RunID identifies the commit in the journal.
	RunID string `json:"run_id"`

	// ChangeSet is the computed plan, nil if planning never completed.
	ChangeSet *ChangeSet `json:"change_set,omitempty"`

	// Outcome tells how the commit ended.
	Outcome Outcome `json:"outcome"`

	// Events are the stack events processed during the apply phase, oldest first.
	Events []StackEvent `json:"events,omitempty"`

	// Duration is the wall time of the whole call.
	Duration time.Duration `json:"duration"`
}

// RunRecord is handed to the journal when a commit or teardown starts.
type RunRecord struct {
	ID            string        `json:"id"`
	StackName     string        `json:"stack_name"`
	Operation     string        `json:"operation"`
	ChangeSetName string        `json:"change_set_name,omitempty"`
	ChangeSetType ChangeSetType `json:"change_set_type,omitempty"`
	Operator      string        `json:"operator"`
	StartedAt     time.Time     `json:"started_at"`
}

// RunOutcome is handed to the journal when a run finishes.
type RunOutcome struct {
	Outcome      Outcome   `json:"outcome"`
	StatusReason string    `json:"status_reason,omitempty"`
	Error        string    `json:"error,omitempty"`
	Changes      int       `json:"changes"`
	CompletedAt  time.Time `json:"completed_at"`
}

// PolicyInput is what a ChangeSetPolicy evaluates.
type PolicyInput struct {
	Stack     string        `json:"stack"`
	ChangeSet string        `json:"change_set"`
	Type      ChangeSetType `json:"type"`
	Changes   []Change      `json:"changes"`
}

// PolicyViolation is one finding of a ChangeSetPolicy.
type PolicyViolation struct {
	Policy    string `json:"policy"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	LogicalID string `json:"logical_id,omitempty"`
}

// PolicyDecision is the result of evaluating a change set.
type PolicyDecision struct {
	Allowed    bool              `json:"allowed"`
	Violations []PolicyViolation `json:"violations,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}
