package engine

import (
	"fmt"
	"strings"
)

// ChangeSetType selects whether a change set creates a new stack or updates
// an existing one.
type ChangeSetType string

const (
	// ChangeSetTypeCreate is used while the stack does not exist yet.
	ChangeSetTypeCreate ChangeSetType = "CREATE"

	// ChangeSetTypeUpdate is used once the stack exists.
	ChangeSetTypeUpdate ChangeSetType = "UPDATE"
)

// Validate checks if the change set type is valid.
func (t ChangeSetType) Validate() error {
	switch t {
	case ChangeSetTypeCreate, ChangeSetTypeUpdate:
		return nil
	default:
		return fmt.Errorf("invalid change set type: %s", t)
	}
}

// ChangeSetStatus is the computation status of a change set.
type ChangeSetStatus string

const (
	ChangeSetStatusCreatePending    ChangeSetStatus = "CREATE_PENDING"
	ChangeSetStatusCreateInProgress ChangeSetStatus = "CREATE_IN_PROGRESS"
	ChangeSetStatusCreateComplete   ChangeSetStatus = "CREATE_COMPLETE"
	ChangeSetStatusDeletePending    ChangeSetStatus = "DELETE_PENDING"
	ChangeSetStatusDeleteInProgress ChangeSetStatus = "DELETE_IN_PROGRESS"
	ChangeSetStatusDeleteComplete   ChangeSetStatus = "DELETE_COMPLETE"
	ChangeSetStatusDeleteFailed     ChangeSetStatus = "DELETE_FAILED"
	ChangeSetStatusFailed           ChangeSetStatus = "FAILED"
)

// IsTerminal returns true once the backend has finished computing the
// change set, successfully or not. The plan phase polls until this holds.
func (s ChangeSetStatus) IsTerminal() bool {
	return s == ChangeSetStatusCreateComplete ||
		s == ChangeSetStatusDeleteComplete ||
		s == ChangeSetStatusFailed
}

// ExecutionStatus tells whether a computed change set may be executed.
type ExecutionStatus string

const (
	ExecutionStatusUnavailable       ExecutionStatus = "UNAVAILABLE"
	ExecutionStatusAvailable         ExecutionStatus = "AVAILABLE"
	ExecutionStatusExecuteInProgress ExecutionStatus = "EXECUTE_IN_PROGRESS"
	ExecutionStatusExecuteComplete   ExecutionStatus = "EXECUTE_COMPLETE"
	ExecutionStatusExecuteFailed     ExecutionStatus = "EXECUTE_FAILED"
	ExecutionStatusObsolete          ExecutionStatus = "OBSOLETE"
)

// ResourceStatus is the status carried by stack events, stack resources and
// the stack itself.
type ResourceStatus string

const (
	StatusCreateInProgress                        ResourceStatus = "CREATE_IN_PROGRESS"
	StatusCreateFailed                            ResourceStatus = "CREATE_FAILED"
	StatusCreateComplete                          ResourceStatus = "CREATE_COMPLETE"
	StatusUpdateInProgress                        ResourceStatus = "UPDATE_IN_PROGRESS"
	StatusUpdateFailed                            ResourceStatus = "UPDATE_FAILED"
	StatusUpdateComplete                          ResourceStatus = "UPDATE_COMPLETE"
	StatusUpdateCompleteCleanupInProgress         ResourceStatus = "UPDATE_COMPLETE_CLEANUP_IN_PROGRESS"
	StatusDeleteInProgress                        ResourceStatus = "DELETE_IN_PROGRESS"
	StatusDeleteFailed                            ResourceStatus = "DELETE_FAILED"
	StatusDeleteComplete                          ResourceStatus = "DELETE_COMPLETE"
	StatusRollbackInProgress                      ResourceStatus = "ROLLBACK_IN_PROGRESS"
	StatusRollbackFailed                          ResourceStatus = "ROLLBACK_FAILED"
	StatusRollbackComplete                        ResourceStatus = "ROLLBACK_COMPLETE"
	StatusUpdateRollbackInProgress                ResourceStatus = "UPDATE_ROLLBACK_IN_PROGRESS"
	StatusUpdateRollbackFailed                    ResourceStatus = "UPDATE_ROLLBACK_FAILED"
	StatusUpdateRollbackCompleteCleanupInProgress ResourceStatus = "UPDATE_ROLLBACK_COMPLETE_CLEANUP_IN_PROGRESS"
	StatusUpdateRollbackComplete                  ResourceStatus = "UPDATE_ROLLBACK_COMPLETE"
	StatusReviewInProgress                        ResourceStatus = "REVIEW_IN_PROGRESS"
)

// IsApplied returns true for the statuses that end a successful apply.
func (s ResourceStatus) IsApplied() bool {
	return s == StatusCreateComplete || s == StatusUpdateComplete
}

// IsRolledBack returns true when the backend finished undoing a failed apply.
func (s ResourceStatus) IsRolledBack() bool {
	return s == StatusRollbackComplete || s == StatusUpdateRollbackComplete
}

// IsRollbackFailure returns true when the backend could not undo a failed
// apply. The stack needs manual attention.
func (s ResourceStatus) IsRollbackFailure() bool {
	return s == StatusRollbackFailed || s == StatusUpdateRollbackFailed
}

// IsFailed returns true for any *_FAILED status.
func (s ResourceStatus) IsFailed() bool {
	return strings.HasSuffix(string(s), "_FAILED")
}

// IsInProgress returns true while the backend is still working.
func (s ResourceStatus) IsInProgress() bool {
	return strings.HasSuffix(string(s), "_IN_PROGRESS")
}

// ChangeAction is the action a change set plans for one resource.
type ChangeAction string

const (
	ChangeActionAdd     ChangeAction = "Add"
	ChangeActionModify  ChangeAction = "Modify"
	ChangeActionRemove  ChangeAction = "Remove"
	ChangeActionImport  ChangeAction = "Import"
	ChangeActionDynamic ChangeAction = "Dynamic"
)

// IsDestructive returns true if the action removes an existing resource.
func (a ChangeAction) IsDestructive() bool {
	return a == ChangeActionRemove
}

// Outcome is the result of a successful Commit call.
type Outcome string

const (
	// OutcomeNoChanges means the backend found nothing to change. Nothing was executed.
	OutcomeNoChanges Outcome = "no_changes"

	// OutcomeRejected means the confirmation gate declined the change set.
	OutcomeRejected Outcome = "rejected"

	// OutcomeApplied means the stack reached CREATE_COMPLETE or UPDATE_COMPLETE.
	OutcomeApplied Outcome = "applied"

	// OutcomeRolledBack means the backend rolled the stack back. The desired
	// state was not reached even though Commit returned without error.
	OutcomeRolledBack Outcome = "rolled_back"

	// OutcomeFailed is only recorded in the journal; Commit returns an error instead.
	OutcomeFailed Outcome = "failed"

	// OutcomeDeleted is recorded in the journal for a completed Uncommit.
	OutcomeDeleted Outcome = "deleted"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeNoChanges, OutcomeRejected, OutcomeApplied,
		OutcomeRolledBack, OutcomeFailed, OutcomeDeleted:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// Mutated returns true if the remote stack was touched.
func (o Outcome) Mutated() bool {
	return o == OutcomeApplied || o == OutcomeRolledBack || o == OutcomeDeleted
}
