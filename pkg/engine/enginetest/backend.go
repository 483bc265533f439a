// Package enginetest provides an in-memory engine.Backend that behaves like
// the change set service closely enough to drive the engine end to end.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/stackur/pkg/engine"
)

const noChangesReason = "The submitted information didn't contain changes. Submit different information to create a change set."

// Backend is an in-memory engine.Backend. The zero value is not usable; call
// NewBackend.
type Backend struct {
	mu sync.Mutex

	// PlanPolls is how many DescribeChangeSet calls report CREATE_PENDING
	// before the change set is computed.
	PlanPolls int

	// EventsPerPoll limits how many new events each DescribeStackEvents call
	// reveals. Zero reveals everything at once.
	EventsPerPoll int

	// DeletePolls is how many DescribeStack calls report DELETE_IN_PROGRESS
	// after DeleteStack.
	DeletePolls int

	// FailResources makes the apply of the named logical ids fail.
	FailResources map[string]bool

	// FailRollback makes the rollback after a failed apply fail too.
	FailRollback bool

	// FailDelete makes DeleteStack end in DELETE_FAILED.
	FailDelete bool

	// ReplacementProperties lists property names whose modification forces
	// a replacement.
	ReplacementProperties map[string]bool

	// Calls records every method invocation in order.
	Calls []string

	// Requests records every submitted change set request.
	Requests []engine.ChangeSetRequest

	stacks     map[string]*stack
	changeSets map[string]*changeSet
	failures   map[string]error
	seq        int
	now        func() time.Time
}

type stack struct {
	status      engine.ResourceStatus
	template    *engine.Template
	physicalIDs map[string]string
	visible     []engine.StackEvent // newest first
	pending     []engine.StackEvent // oldest first
	deletePolls int
}

type changeSet struct {
	cs       engine.ChangeSet
	template *engine.Template
	polls    int
}

// NewBackend returns an empty backend.
func NewBackend() *Backend {
	return &Backend{
		FailResources:         make(map[string]bool),
		ReplacementProperties: map[string]bool{"BucketName": true, "TableName": true, "FunctionName": true},
		stacks:                make(map[string]*stack),
		changeSets:            make(map[string]*changeSet),
		failures:              make(map[string]error),
		now:                   time.Now,
	}
}

// FailNext makes the next call of method return err.
func (b *Backend) FailNext(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = err
}

// Seed creates a deployed stack in CREATE_COMPLETE with tpl as its template.
func (b *Backend) Seed(stackName string, tpl *engine.Template) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &stack{status: engine.StatusCreateComplete, template: tpl.Clone(), physicalIDs: make(map[string]string)}
	for _, name := range tpl.Names() {
		s.physicalIDs[name] = b.physicalID(stackName, name)
	}
	s.visible = []engine.StackEvent{b.event(stackName, stackName, engine.StackResourceType, engine.StatusCreateComplete, "")}
	b.stacks[stackName] = s
}

// SetStatus forces the status of an existing stack.
func (b *Backend) SetStatus(stackName string, status engine.ResourceStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stacks[stackName]; ok {
		s.status = status
	}
}

// Deployed returns the deployed template of the stack.
func (b *Backend) Deployed(stackName string) (*engine.Template, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stacks[stackName]
	if !ok || s.template == nil {
		return nil, false
	}
	return s.template.Clone(), true
}

// Status returns the status of the stack, or "" if it does not exist.
func (b *Backend) Status(stackName string) engine.ResourceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stacks[stackName]; ok {
		return s.status
	}
	return ""
}

// CallCount returns how many times method was called.
func (b *Backend) CallCount(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.Calls {
		if c == method {
			n++
		}
	}
	return n
}

func (b *Backend) enter(method string) error {
	b.Calls = append(b.Calls, method)
	if err, ok := b.failures[method]; ok {
		delete(b.failures, method)
		return err
	}
	return nil
}

// DescribeStack implements engine.Backend.
func (b *Backend) DescribeStack(ctx context.Context, stackName string) (*engine.StackDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("DescribeStack"); err != nil {
		return nil, err
	}

	s, ok := b.stacks[stackName]
	if !ok {
		return nil, engine.NewNotFoundError(stackName, fmt.Errorf("Stack with id %s does not exist", stackName))
	}
	if s.status == engine.StatusDeleteInProgress {
		if s.deletePolls > 0 {
			s.deletePolls--
		} else if b.FailDelete {
			s.status = engine.StatusDeleteFailed
		} else {
			delete(b.stacks, stackName)
			return nil, engine.NewNotFoundError(stackName, fmt.Errorf("Stack with id %s does not exist", stackName))
		}
	}
	return &engine.StackDescription{Name: stackName, ID: "arn:fake:" + stackName, Status: s.status}, nil
}

// GetTemplate implements engine.Backend.
func (b *Backend) GetTemplate(ctx context.Context, stackName string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("GetTemplate"); err != nil {
		return "", err
	}

	s, ok := b.stacks[stackName]
	if !ok {
		return "", engine.NewNotFoundError(stackName, nil)
	}
	if s.template == nil {
		return "", nil
	}
	body, err := json.Marshal(s.template)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ListStackResources implements engine.Backend.
func (b *Backend) ListStackResources(ctx context.Context, stackName string) ([]engine.StackResource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("ListStackResources"); err != nil {
		return nil, err
	}

	s, ok := b.stacks[stackName]
	if !ok {
		return nil, engine.NewNotFoundError(stackName, nil)
	}
	var out []engine.StackResource
	if s.template == nil {
		return out, nil
	}
	for _, name := range s.template.Names() {
		def, _ := s.template.Get(name)
		out = append(out, engine.StackResource{
			LogicalID:    name,
			PhysicalID:   s.physicalIDs[name],
			ResourceType: def.Type,
			Status:       engine.StatusCreateComplete,
		})
	}
	return out, nil
}

// CreateChangeSet implements engine.Backend.
func (b *Backend) CreateChangeSet(ctx context.Context, req engine.ChangeSetRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("CreateChangeSet"); err != nil {
		return err
	}
	b.Requests = append(b.Requests, req)

	desired, err := engine.ParseTemplate(req.TemplateBody)
	if err != nil {
		return fmt.Errorf("Template format error: %w", err)
	}

	s, exists := b.stacks[req.StackName]
	switch req.Type {
	case engine.ChangeSetTypeCreate:
		if exists && s.status != engine.StatusReviewInProgress {
			return fmt.Errorf("Stack [%s] already exists and cannot be created again with the changeSet [%s]", req.StackName, req.ChangeSetName)
		}
		if !exists {
			s = &stack{status: engine.StatusReviewInProgress, physicalIDs: make(map[string]string)}
			b.stacks[req.StackName] = s
		}
	case engine.ChangeSetTypeUpdate:
		if !exists || s.status == engine.StatusReviewInProgress {
			return engine.NewNotFoundError(req.StackName, fmt.Errorf("Stack [%s] does not exist", req.StackName))
		}
		if s.status == engine.StatusRollbackComplete {
			return fmt.Errorf("Stack:%s is in ROLLBACK_COMPLETE state and can not be updated", req.StackName)
		}
	default:
		return fmt.Errorf("invalid change set type %q", req.Type)
	}

	cs := engine.ChangeSet{
		Name:      req.ChangeSetName,
		StackName: req.StackName,
		Type:      req.Type,
		CreatedAt: b.now(),
	}
	current := s.template
	if current == nil {
		current = engine.NewTemplate()
	}
	cs.Changes = b.diff(current, desired, s.physicalIDs)

	switch {
	case desired.Len() == 0:
		cs.Status = engine.ChangeSetStatusFailed
		cs.ExecutionStatus = engine.ExecutionStatusUnavailable
		cs.StatusReason = "Template format error: At least one Resources member must be defined."
	case len(cs.Changes) == 0:
		cs.Status = engine.ChangeSetStatusFailed
		cs.ExecutionStatus = engine.ExecutionStatusUnavailable
		cs.StatusReason = noChangesReason
	default:
		cs.Status = engine.ChangeSetStatusCreateComplete
		cs.ExecutionStatus = engine.ExecutionStatusAvailable
	}

	b.changeSets[key(req.StackName, req.ChangeSetName)] = &changeSet{cs: cs, template: desired, polls: b.PlanPolls}
	return nil
}

// DescribeChangeSet implements engine.Backend.
func (b *Backend) DescribeChangeSet(ctx context.Context, stackName, changeSetName string) (*engine.ChangeSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("DescribeChangeSet"); err != nil {
		return nil, err
	}

	c, ok := b.changeSets[key(stackName, changeSetName)]
	if !ok {
		return nil, fmt.Errorf("ChangeSet [%s] does not exist", changeSetName)
	}
	if c.polls > 0 {
		c.polls--
		pending := c.cs
		pending.Status = engine.ChangeSetStatusCreatePending
		pending.ExecutionStatus = engine.ExecutionStatusUnavailable
		pending.StatusReason = ""
		pending.Changes = nil
		return &pending, nil
	}
	out := c.cs
	out.Changes = append([]engine.Change(nil), c.cs.Changes...)
	return &out, nil
}

// ExecuteChangeSet implements engine.Backend. The outcome is decided at once
// and the resulting events are revealed by later DescribeStackEvents calls.
func (b *Backend) ExecuteChangeSet(ctx context.Context, stackName, changeSetName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("ExecuteChangeSet"); err != nil {
		return err
	}

	c, ok := b.changeSets[key(stackName, changeSetName)]
	if !ok {
		return fmt.Errorf("ChangeSet [%s] does not exist", changeSetName)
	}
	if c.cs.ExecutionStatus != engine.ExecutionStatusAvailable {
		return fmt.Errorf("ChangeSet [%s] cannot be executed in its current status of [%s]", changeSetName, c.cs.Status)
	}
	c.cs.ExecutionStatus = engine.ExecutionStatusExecuteComplete

	s := b.stacks[stackName]
	creating := c.cs.Type == engine.ChangeSetTypeCreate
	inProgress, complete := engine.StatusUpdateInProgress, engine.StatusUpdateComplete
	if creating {
		inProgress, complete = engine.StatusCreateInProgress, engine.StatusCreateComplete
	}

	events := []engine.StackEvent{b.event(stackName, stackName, engine.StackResourceType, inProgress, "User Initiated")}
	failed := false
	ids := make(map[string]string, len(s.physicalIDs))
	for k, v := range s.physicalIDs {
		ids[k] = v
	}

	for _, ch := range c.cs.Changes {
		resStart, resDone, resFailed := engine.StatusUpdateInProgress, engine.StatusUpdateComplete, engine.StatusUpdateFailed
		switch ch.Action {
		case engine.ChangeActionAdd:
			resStart, resDone, resFailed = engine.StatusCreateInProgress, engine.StatusCreateComplete, engine.StatusCreateFailed
		case engine.ChangeActionRemove:
			resStart, resDone, resFailed = engine.StatusDeleteInProgress, engine.StatusDeleteComplete, engine.StatusDeleteFailed
		}
		events = append(events, b.event(stackName, ch.LogicalID, ch.ResourceType, resStart, ""))
		if b.FailResources[ch.LogicalID] {
			events = append(events, b.event(stackName, ch.LogicalID, ch.ResourceType, resFailed, "Resource handler returned message: simulated failure"))
			failed = true
			break
		}
		events = append(events, b.event(stackName, ch.LogicalID, ch.ResourceType, resDone, ""))
		switch ch.Action {
		case engine.ChangeActionAdd:
			ids[ch.LogicalID] = b.physicalID(stackName, ch.LogicalID)
		case engine.ChangeActionRemove:
			delete(ids, ch.LogicalID)
		case engine.ChangeActionModify:
			if ch.Replaces() {
				ids[ch.LogicalID] = b.physicalID(stackName, ch.LogicalID)
			}
		}
	}

	if failed {
		rbStart, rbDone, rbFailed := engine.StatusUpdateRollbackInProgress, engine.StatusUpdateRollbackComplete, engine.StatusUpdateRollbackFailed
		if creating {
			rbStart, rbDone, rbFailed = engine.StatusRollbackInProgress, engine.StatusRollbackComplete, engine.StatusRollbackFailed
		}
		events = append(events, b.event(stackName, stackName, engine.StackResourceType, rbStart, "The following resource(s) failed"))
		final := rbDone
		if b.FailRollback {
			final = rbFailed
		}
		events = append(events, b.event(stackName, stackName, engine.StackResourceType, final, ""))
		s.status = final
		if creating {
			s.template = c.template.Clone()
			s.physicalIDs = make(map[string]string)
		}
	} else {
		events = append(events, b.event(stackName, stackName, engine.StackResourceType, complete, ""))
		s.status = complete
		s.template = c.template.Clone()
		s.physicalIDs = ids
	}

	s.pending = append(s.pending, events...)
	return nil
}

// DescribeStackEvents implements engine.Backend.
func (b *Backend) DescribeStackEvents(ctx context.Context, stackName string) ([]engine.StackEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("DescribeStackEvents"); err != nil {
		return nil, err
	}

	s, ok := b.stacks[stackName]
	if !ok {
		return nil, engine.NewNotFoundError(stackName, nil)
	}
	n := len(s.pending)
	if b.EventsPerPoll > 0 && n > b.EventsPerPoll {
		n = b.EventsPerPoll
	}
	for _, ev := range s.pending[:n] {
		s.visible = append([]engine.StackEvent{ev}, s.visible...)
	}
	s.pending = s.pending[n:]
	return append([]engine.StackEvent(nil), s.visible...), nil
}

// DeleteStack implements engine.Backend.
func (b *Backend) DeleteStack(ctx context.Context, stackName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("DeleteStack"); err != nil {
		return err
	}

	s, ok := b.stacks[stackName]
	if !ok {
		return nil
	}
	s.status = engine.StatusDeleteInProgress
	s.deletePolls = b.DeletePolls
	return nil
}

func (b *Backend) diff(current, desired *engine.Template, ids map[string]string) []engine.Change {
	var changes []engine.Change
	for _, name := range desired.Names() {
		want, _ := desired.Get(name)
		have, ok := current.Get(name)
		if !ok {
			changes = append(changes, engine.Change{Action: engine.ChangeActionAdd, LogicalID: name, ResourceType: want.Type})
			continue
		}
		if sameDefinition(have, want) {
			continue
		}
		replacement := "False"
		if have.Type != want.Type || b.replacesProperty(have, want) {
			replacement = "True"
		}
		changes = append(changes, engine.Change{
			Action:       engine.ChangeActionModify,
			LogicalID:    name,
			PhysicalID:   ids[name],
			ResourceType: want.Type,
			Replacement:  replacement,
		})
	}
	for _, name := range current.Names() {
		if _, ok := desired.Get(name); ok {
			continue
		}
		have, _ := current.Get(name)
		changes = append(changes, engine.Change{
			Action:       engine.ChangeActionRemove,
			LogicalID:    name,
			PhysicalID:   ids[name],
			ResourceType: have.Type,
		})
	}
	return changes
}

func (b *Backend) replacesProperty(have, want engine.ResourceDefinition) bool {
	for prop := range b.ReplacementProperties {
		if !sameValue(have.Properties[prop], want.Properties[prop]) {
			return true
		}
	}
	return false
}

func (b *Backend) event(stackName, logicalID, resourceType string, status engine.ResourceStatus, reason string) engine.StackEvent {
	b.seq++
	return engine.StackEvent{
		EventID:      fmt.Sprintf("event-%d", b.seq),
		StackName:    stackName,
		LogicalID:    logicalID,
		ResourceType: resourceType,
		Status:       status,
		StatusReason: reason,
		Timestamp:    b.now(),
	}
}

func (b *Backend) physicalID(stackName, logicalID string) string {
	b.seq++
	return fmt.Sprintf("%s-%s-%04d", stackName, logicalID, b.seq)
}

func sameDefinition(a, b engine.ResourceDefinition) bool {
	return sameValue(a, b)
}

func sameValue(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func key(stackName, changeSetName string) string {
	return stackName + "/" + changeSetName
}
