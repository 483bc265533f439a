package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/stackur/pkg/telemetry"
)

const (
	phasePlan     = "plan"
	phaseApply    = "apply"
	phaseTeardown = "teardown"

	operationCommit   = "commit"
	operationUncommit = "uncommit"
)

// Reconciler owns the desired template of one stack and drives the change
// set cycle against the backend. A Reconciler is not safe for concurrent
// use; commits of one stack are sequential by construction.
type Reconciler struct {
	stackName string
	backend   Backend

	gate         Gate
	policy       ChangeSetPolicy
	journal      Journal
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
	tracer       *telemetry.Tracer
	events       *telemetry.EventPublisher
	operator     string
	pollInterval time.Duration
	applyTimeout time.Duration
	capabilities []string
	tags         map[string]string
	now          func() time.Time

	initialized bool
	exists      bool
	desired     *Template
	remote      RemoteState
	physicalIDs map[string]string
}

// New creates a Reconciler for stackName. Nothing is sent to the backend
// until Initialize, AddResource or Commit is called.
func New(stackName string, backend Backend, opts ...Option) *Reconciler {
	r := &Reconciler{
		stackName:    stackName,
		backend:      backend,
		logger:       telemetry.NopLogger(),
		operator:     defaultOperator(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		desired:      NewTemplate(),
		physicalIDs:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithStack(stackName)
	return r
}

// StackName returns the backend namespace of this engine.
func (r *Reconciler) StackName() string {
	return r.stackName
}

// Exists reports whether the stack is known to exist remotely.
func (r *Reconciler) Exists() bool {
	return r.exists
}

// Remote returns the last remote snapshot.
func (r *Reconciler) Remote() RemoteState {
	return r.remote
}

// Desired returns a copy of the desired template.
func (r *Reconciler) Desired() *Template {
	return r.desired.Clone()
}

// Initialize describes the stack on the backend and, when it exists, pulls its
// template and resources. It runs once; later calls return immediately. A
// failed lookup leaves the engine uninitialized so the call can be retried.
func (r *Reconciler) Initialize(ctx context.Context) error {
	if r.initialized {
		return nil
	}

	desc, err := r.backend.DescribeStack(ctx, r.stackName)
	switch {
	case err == nil:
		// A stack left in review by an unexecuted CREATE change set has no
		// template yet and still only accepts CREATE change sets.
		r.exists = desc.Status != StatusReviewInProgress && desc.Status != StatusDeleteComplete
	case IsNotFound(err):
		r.exists = false
	default:
		r.metrics.RecordError(string(ClassOf(err)), CodeOf(err))
		return fmt.Errorf("failed to describe stack %s: %w", r.stackName, err)
	}

	if r.exists {
		if err := r.refresh(ctx); err != nil {
			return err
		}
	}

	r.initialized = true
	r.logger.WithField("exists", r.exists).Debug("Engine initialized")
	return nil
}

// AddResource records a resource definition under name in the desired
// template, replacing any previous definition with the same name.
func (r *Reconciler) AddResource(ctx context.Context, name string, def ResourceDefinition) error {
	if name == "" {
		return NewPermanentError("resource name is required", nil).
			WithCode(ErrCodeValidation).
			WithOperation("add_resource")
	}
	if def.Type == "" {
		return NewPermanentError("resource type is required", nil).
			WithCode(ErrCodeValidation).
			WithResource(name).
			WithOperation("add_resource")
	}
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	r.desired.Set(name, def)
	r.logger.WithField("logical_id", name).Debugf("Resource %s staged", def.Type)
	return nil
}

// RemoveResource drops name from the desired template. The backend deletes
// the resource on the next commit. It reports whether name was present.
func (r *Reconciler) RemoveResource(name string) bool {
	removed := r.desired.Delete(name)
	if removed {
		r.logger.WithField("logical_id", name).Debug("Resource unstaged")
	}
	return removed
}

// PhysicalID returns the backend-assigned identifier of a deployed resource.
func (r *Reconciler) PhysicalID(name string) (string, bool) {
	id, ok := r.physicalIDs[name]
	return id, ok
}

// PhysicalIDs returns a copy of the logical to physical id index.
func (r *Reconciler) PhysicalIDs() map[string]string {
	out := make(map[string]string, len(r.physicalIDs))
	for k, v := range r.physicalIDs {
		out[k] = v
	}
	return out
}

// Render returns the template body that the next commit would submit.
func (r *Reconciler) Render() ([]byte, error) {
	return json.Marshal(r.desired)
}

// RenderIndent is Render with indentation, for display.
func (r *Reconciler) RenderIndent() ([]byte, error) {
	return json.MarshalIndent(r.desired, "", "  ")
}

// Graph returns the dependency graph of the desired template.
func (r *Reconciler) Graph() (*DependencyGraph, error) {
	return BuildDependencyGraph(r.desired)
}

// Dump returns the desired and remote templates for diagnostics. Remote is
// nil when the stack does not exist.
func (r *Reconciler) Dump() (local, remote []byte, err error) {
	local, err = r.RenderIndent()
	if err != nil {
		return nil, nil, err
	}
	if r.remote.Template != nil {
		remote, err = json.MarshalIndent(r.remote.Template, "", "  ")
		if err != nil {
			return nil, nil, err
		}
	} else if r.remote.Body != "" {
		remote = []byte(r.remote.Body)
	}
	return local, remote, nil
}

// Commit submits the desired template as a change set, waits for the
// backend to compute it, optionally asks the gate for confirmation, executes
// it and waits for the stack to settle.
//
// A change set without changes, a rejected change set and a rollback all
// return a nil error; CommitResult.Outcome tells them apart.
func (r *Reconciler) Commit(ctx context.Context, interactive bool) (*CommitResult, error) {
	if interactive && r.gate == nil {
		return nil, NewPermanentError("interactive commit requires a confirmation gate", nil).
			WithCode(ErrCodeValidation).
			WithResource(r.stackName).
			WithOperation(operationCommit)
	}
	if err := r.Initialize(ctx); err != nil {
		return nil, err
	}

	start := r.now()
	csType := ChangeSetTypeUpdate
	if !r.exists {
		csType = ChangeSetTypeCreate
	}
	name := r.changeSetName(start)
	result := &CommitResult{RunID: uuid.New().String()}

	ctx, span := r.tracer.StartSpan(ctx, "engine.commit",
		telemetry.AttrStackName.String(r.stackName),
		telemetry.AttrChangeSetName.String(name),
		telemetry.AttrChangeSetType.String(string(csType)),
	)
	defer span.End()

	log := r.logger.WithChangeSet(name).WithRunID(result.RunID)
	r.journalStart(ctx, RunRecord{
		ID:            result.RunID,
		StackName:     r.stackName,
		Operation:     operationCommit,
		ChangeSetName: name,
		ChangeSetType: csType,
		Operator:      r.operator,
		StartedAt:     start,
	})

	err := r.commit(ctx, log, name, csType, interactive, result)
	result.Duration = r.now().Sub(start)

	outcome := result.Outcome
	if err != nil {
		outcome = OutcomeFailed
		telemetry.RecordError(span, err)
		r.metrics.RecordError(string(ClassOf(err)), CodeOf(err))
		log.WithError(err).Error("Commit failed")
	} else {
		telemetry.RecordSuccess(span)
		span.SetAttributes(telemetry.AttrOutcome.String(string(outcome)))
	}
	r.metrics.RecordCommit(string(csType), string(outcome), result.Duration)
	r.journalFinish(ctx, result, outcome, err)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Reconciler) commit(ctx context.Context, log *telemetry.Logger, name string, csType ChangeSetType, interactive bool, result *CommitResult) error {
	if _, err := BuildDependencyGraph(r.desired); err != nil {
		return err
	}
	body, err := r.Render()
	if err != nil {
		return NewPermanentError("failed to render template", err).
			WithCode(ErrCodeValidation).
			WithResource(r.stackName).
			WithOperation(operationCommit)
	}

	log.Infof("Creating %s change set", csType)
	cs, err := r.plan(ctx, ChangeSetRequest{
		StackName:     r.stackName,
		ChangeSetName: name,
		Type:          csType,
		TemplateBody:  string(body),
		Description:   fmt.Sprintf("stackur commit by %s", r.operator),
		Capabilities:  r.capabilities,
		Tags:          r.tags,
	})
	if err != nil {
		return err
	}
	result.ChangeSet = cs

	if cs.IsEmpty() {
		result.Outcome = OutcomeNoChanges
		log.Info("No changes required")
		return nil
	}

	if cs.ExecutionStatus != ExecutionStatusAvailable {
		return NewPermanentError("change set cannot be executed", nil).
			WithCode(ErrCodeChangeSetNotExecutable).
			WithResource(r.stackName).
			WithOperation(operationCommit).
			WithDetail("change_set", name).
			WithDetail("status", string(cs.Status)).
			WithDetail("execution_status", string(cs.ExecutionStatus)).
			WithDetail("reason", cs.StatusReason)
	}

	if err := r.checkPolicy(ctx, log, cs); err != nil {
		return err
	}

	if interactive {
		accepted, err := r.gate.Confirm(ctx, cs)
		if err != nil {
			return fmt.Errorf("confirmation failed: %w", err)
		}
		if !accepted {
			result.Outcome = OutcomeRejected
			log.Warn("Changes not accepted, nothing was executed")
			return nil
		}
		log.Info("Changes accepted")
	} else {
		for _, c := range cs.Changes {
			log.WithField("logical_id", c.LogicalID).
				Infof("%s %s", c.Action, c.ResourceType)
		}
	}

	events, outcome, err := r.apply(ctx, log, name, result.RunID)
	result.Events = events
	if err != nil {
		return err
	}
	result.Outcome = outcome

	r.exists = true
	if err := r.refresh(ctx); err != nil {
		return err
	}

	if outcome == OutcomeRolledBack {
		log.Warn("Stack rolled back, desired state was not reached")
	} else {
		log.Info("Stack updated")
	}
	return nil
}

// plan creates the change set and polls until its computation ends.
func (r *Reconciler) plan(ctx context.Context, req ChangeSetRequest) (*ChangeSet, error) {
	ctx, span := r.tracer.StartSpan(ctx, "engine.plan", telemetry.AttrChangeSetName.String(req.ChangeSetName))
	defer span.End()

	if err := r.backend.CreateChangeSet(ctx, req); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to create change set %s: %w", req.ChangeSetName, err)
	}
	r.metrics.RecordChangeSet(string(req.Type))

	var cs *ChangeSet
	err := r.poll(ctx, phasePlan, func(ctx context.Context) (bool, error) {
		desc, err := r.backend.DescribeChangeSet(ctx, r.stackName, req.ChangeSetName)
		if err != nil {
			return false, fmt.Errorf("failed to describe change set %s: %w", req.ChangeSetName, err)
		}
		cs = desc
		return desc.Status.IsTerminal(), nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if cs.Type == "" {
		cs.Type = req.Type
	}
	span.SetAttributes(attribute.Int("change_set.changes", len(cs.Changes)))
	return cs, nil
}

// apply executes the change set and watches new stack events until the
// stack reports a terminal status.
func (r *Reconciler) apply(ctx context.Context, log *telemetry.Logger, name, runID string) ([]StackEvent, Outcome, error) {
	ctx, span := r.tracer.StartSpan(ctx, "engine.apply", telemetry.AttrChangeSetName.String(name))
	defer span.End()

	if r.applyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.applyTimeout)
		defer cancel()
	}

	// Events that predate the execution are never processed.
	baseline, err := r.backend.DescribeStackEvents(ctx, r.stackName)
	if err != nil && !IsNotFound(err) {
		return nil, "", fmt.Errorf("failed to read stack events: %w", err)
	}
	seen := len(baseline)

	if err := r.backend.ExecuteChangeSet(ctx, r.stackName, name); err != nil {
		telemetry.RecordError(span, err)
		return nil, "", fmt.Errorf("failed to execute change set %s: %w", name, err)
	}
	log.Info("Change set executing")

	var (
		processed []StackEvent
		outcome   Outcome
	)
	err = r.poll(ctx, phaseApply, func(ctx context.Context) (bool, error) {
		events, err := r.backend.DescribeStackEvents(ctx, r.stackName)
		if err != nil {
			return false, fmt.Errorf("failed to read stack events: %w", err)
		}
		fresh := len(events) - seen
		if fresh <= 0 {
			return false, nil
		}
		seen = len(events)

		// The backend lists newest first.
		for i := fresh - 1; i >= 0; i-- {
			ev := events[i]
			processed = append(processed, ev)
			r.observe(log, ev)

			if !ev.IsStackLevel(r.stackName) {
				continue
			}
			switch {
			case ev.Status.IsApplied():
				outcome = OutcomeApplied
				return true, nil
			case ev.Status.IsRolledBack():
				outcome = OutcomeRolledBack
				return true, nil
			case ev.Status.IsRollbackFailure():
				return true, NewPermanentError("stack rollback failed", nil).
					WithCode(ErrCodeRollbackFailed).
					WithResource(r.stackName).
					WithOperation(operationCommit).
					WithDetail("change_set", name).
					WithDetail("status", string(ev.Status)).
					WithDetail("reason", ev.StatusReason)
			}
		}
		return false, nil
	})

	r.journalEvents(ctx, runID, processed)
	if err != nil {
		if r.applyTimeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			err = NewTransientError("timed out waiting for stack to settle", err).
				WithCode(ErrCodeTimeout).
				WithResource(r.stackName).
				WithOperation(operationCommit).
				WithDetail("change_set", name)
		}
		telemetry.RecordError(span, err)
		return processed, "", err
	}
	telemetry.RecordSuccess(span)
	return processed, outcome, nil
}

// Uncommit deletes the whole stack and waits until it is gone. The desired
// template is kept so a later Commit recreates the stack.
func (r *Reconciler) Uncommit(ctx context.Context) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	if !r.exists {
		r.logger.Info("Stack does not exist, nothing to delete")
		r.clearRemote()
		return nil
	}

	ctx, span := r.tracer.StartSpan(ctx, "engine.uncommit", telemetry.AttrStackName.String(r.stackName))
	defer span.End()

	start := r.now()
	runID := uuid.New().String()
	r.journalStart(ctx, RunRecord{
		ID:        runID,
		StackName: r.stackName,
		Operation: operationUncommit,
		Operator:  r.operator,
		StartedAt: start,
	})

	err := r.teardown(ctx)
	outcome := RunOutcome{Outcome: OutcomeDeleted, CompletedAt: r.now()}
	if err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Error = err.Error()
		telemetry.RecordError(span, err)
		r.metrics.RecordError(string(ClassOf(err)), CodeOf(err))
	} else {
		telemetry.RecordSuccess(span)
	}
	r.metrics.RecordCommit("DELETE", string(outcome.Outcome), r.now().Sub(start))
	r.journalFinishRun(ctx, runID, outcome)
	return err
}

func (r *Reconciler) teardown(ctx context.Context) error {
	r.logger.Info("Deleting stack")
	if err := r.backend.DeleteStack(ctx, r.stackName); err != nil {
		return fmt.Errorf("failed to delete stack %s: %w", r.stackName, err)
	}

	err := r.poll(ctx, phaseTeardown, func(ctx context.Context) (bool, error) {
		desc, err := r.backend.DescribeStack(ctx, r.stackName)
		if IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to describe stack %s: %w", r.stackName, err)
		}
		switch desc.Status {
		case StatusDeleteComplete:
			return true, nil
		case StatusDeleteFailed:
			return true, NewPermanentError("stack deletion failed", nil).
				WithCode(ErrCodeDeleteFailed).
				WithResource(r.stackName).
				WithOperation(operationUncommit).
				WithDetail("reason", desc.StatusReason)
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	r.clearRemote()
	r.logger.Info("Stack deleted")
	return nil
}

func (r *Reconciler) clearRemote() {
	r.exists = false
	r.remote = RemoteState{}
	r.physicalIDs = make(map[string]string)
}

// refresh pulls the remote template and rebuilds the physical id index.
func (r *Reconciler) refresh(ctx context.Context) error {
	body, err := r.backend.GetTemplate(ctx, r.stackName)
	if err != nil {
		return fmt.Errorf("failed to get template of stack %s: %w", r.stackName, err)
	}
	resources, err := r.backend.ListStackResources(ctx, r.stackName)
	if err != nil {
		return fmt.Errorf("failed to list resources of stack %s: %w", r.stackName, err)
	}

	snapshot := RemoteState{Exists: true, Body: body, RefreshedAt: r.now()}
	if body != "" {
		tpl, err := ParseTemplate(body)
		if err != nil {
			r.logger.WithError(err).Warn("Remote template could not be parsed")
		} else {
			snapshot.Template = tpl
		}
	}

	ids := make(map[string]string, len(resources))
	for _, res := range resources {
		if res.PhysicalID != "" {
			ids[res.LogicalID] = res.PhysicalID
		}
	}

	r.remote = snapshot
	r.physicalIDs = ids
	return nil
}

func (r *Reconciler) observe(log *telemetry.Logger, ev StackEvent) {
	r.metrics.RecordStackEvent(ev.ResourceType, string(ev.Status))

	entry := log.WithFields(map[string]interface{}{
		"logical_id":    ev.LogicalID,
		"resource_type": ev.ResourceType,
		"status":        string(ev.Status),
	})
	msg := fmt.Sprintf("%s => %s", ev.Status, ev.StatusReason)
	if ev.Status.IsFailed() {
		entry.Warn(msg)
	} else {
		entry.Info(msg)
	}

	level := telemetry.EventLevelInfo
	if ev.Status.IsFailed() {
		level = telemetry.EventLevelError
	}
	if err := r.events.Publish(telemetry.Event{
		Type:       telemetry.EventTypeStackEvent,
		Source:     "engine",
		Stack:      r.stackName,
		ResourceID: ev.LogicalID,
		Message:    msg,
		Level:      level,
		Timestamp:  ev.Timestamp,
		Data: map[string]interface{}{
			"resource_type": ev.ResourceType,
			"status":        string(ev.Status),
			"physical_id":   ev.PhysicalID,
		},
	}); err != nil {
		log.WithError(err).Debug("Stack event not published")
	}
}

func (r *Reconciler) checkPolicy(ctx context.Context, log *telemetry.Logger, cs *ChangeSet) error {
	if r.policy == nil {
		return nil
	}
	decision, err := r.policy.EvaluateChangeSet(ctx, &PolicyInput{
		Stack:     r.stackName,
		ChangeSet: cs.Name,
		Type:      cs.Type,
		Changes:   cs.Changes,
	})
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	for _, w := range decision.Warnings {
		log.Warn(w)
	}
	for _, v := range decision.Violations {
		log.WithFields(map[string]interface{}{
			"policy":     v.Policy,
			"severity":   v.Severity,
			"logical_id": v.LogicalID,
		}).Warn(v.Message)
	}
	if decision.Allowed {
		return nil
	}

	e := NewPermanentError("change set denied by policy", nil).
		WithCode(ErrCodePolicyDenied).
		WithResource(r.stackName).
		WithOperation(operationCommit).
		WithDetail("change_set", cs.Name)
	for i, v := range decision.Violations {
		e.WithDetail(fmt.Sprintf("violation_%d", i), fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return e
}

func (r *Reconciler) journalStart(ctx context.Context, run RunRecord) {
	if r.journal == nil {
		return
	}
	if err := r.journal.StartRun(ctx, run); err != nil {
		r.logger.WithError(err).Warn("Failed to journal run start")
	}
}

func (r *Reconciler) journalEvents(ctx context.Context, runID string, events []StackEvent) {
	if r.journal == nil || len(events) == 0 {
		return
	}
	// Apply may have ended because ctx was cancelled; the record still matters.
	if err := r.journal.AppendEvents(context.WithoutCancel(ctx), runID, events); err != nil {
		r.logger.WithError(err).Warn("Failed to journal stack events")
	}
}

func (r *Reconciler) journalFinish(ctx context.Context, result *CommitResult, outcome Outcome, runErr error) {
	ro := RunOutcome{Outcome: outcome, CompletedAt: r.now()}
	if result.ChangeSet != nil {
		ro.StatusReason = result.ChangeSet.StatusReason
		ro.Changes = len(result.ChangeSet.Changes)
	}
	if runErr != nil {
		ro.Error = runErr.Error()
	}
	r.journalFinishRun(ctx, result.RunID, ro)
}

func (r *Reconciler) journalFinishRun(ctx context.Context, runID string, outcome RunOutcome) {
	if r.journal == nil {
		return
	}
	if err := r.journal.FinishRun(context.WithoutCancel(ctx), runID, outcome); err != nil {
		r.logger.WithError(err).Warn("Failed to journal run result")
	}
}

var changeSetNameInvalid = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// changeSetName builds "<operator>-<unix millis>", reduced to the characters
// the backend accepts: a leading letter followed by letters, digits and dashes.
func (r *Reconciler) changeSetName(at time.Time) string {
	op := changeSetNameInvalid.ReplaceAllString(r.operator, "-")
	if op == "" || !isLetter(op[0]) {
		op = "cs-" + op
	}
	name := fmt.Sprintf("%s-%d", op, at.UnixMilli())
	if len(name) > 128 {
		name = name[len(name)-128:]
		if !isLetter(name[0]) {
			name = "c" + name[1:]
		}
	}
	return name
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
