package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"github.com/openfroyo/stackur/pkg/engine"
)

// CloudFormationClient defines the CloudFormation operations used by the backend.
type CloudFormationClient interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	GetTemplate(ctx context.Context, params *cloudformation.GetTemplateInput, optFns ...func(*cloudformation.Options)) (*cloudformation.GetTemplateOutput, error)
	ListStackResources(ctx context.Context, params *cloudformation.ListStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error)
	CreateChangeSet(ctx context.Context, params *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error)
	DescribeChangeSet(ctx context.Context, params *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error)
	ExecuteChangeSet(ctx context.Context, params *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error)
	DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
}

// CloudFormation is an engine.Backend backed by AWS CloudFormation.
type CloudFormation struct {
	client CloudFormationClient
	rec    recorder
}

var _ engine.Backend = (*CloudFormation)(nil)

// NewCloudFormation creates a backend from an AWS configuration.
func NewCloudFormation(cfg awsv2.Config, opts ...Option) *CloudFormation {
	return NewCloudFormationWithClient(cloudformation.NewFromConfig(cfg), opts...)
}

// NewCloudFormationWithClient creates a backend with a custom client.
func NewCloudFormationWithClient(client CloudFormationClient, opts ...Option) *CloudFormation {
	return &CloudFormation{
		client: client,
		rec:    newRecorder("cloudformation", opts),
	}
}

// DescribeStack implements engine.Backend.
func (c *CloudFormation) DescribeStack(ctx context.Context, stackName string) (*engine.StackDescription, error) {
	start := time.Now()
	out, err := c.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: awsv2.String(stackName),
	})
	if err := c.rec.observe("DescribeStacks", stackName, start, err); err != nil {
		return nil, err
	}
	if len(out.Stacks) == 0 {
		return nil, engine.NewNotFoundError(stackName, nil).WithOperation("DescribeStacks")
	}

	s := out.Stacks[0]
	desc := &engine.StackDescription{
		Name:         awsv2.ToString(s.StackName),
		ID:           awsv2.ToString(s.StackId),
		Status:       engine.ResourceStatus(s.StackStatus),
		StatusReason: awsv2.ToString(s.StackStatusReason),
		CreatedAt:    awsv2.ToTime(s.CreationTime),
	}
	if len(s.Outputs) > 0 {
		desc.Outputs = make(map[string]string, len(s.Outputs))
		for _, o := range s.Outputs {
			desc.Outputs[awsv2.ToString(o.OutputKey)] = awsv2.ToString(o.OutputValue)
		}
	}
	return desc, nil
}

// GetTemplate implements engine.Backend. It returns the original template
// as submitted, not the processed one.
func (c *CloudFormation) GetTemplate(ctx context.Context, stackName string) (string, error) {
	start := time.Now()
	out, err := c.client.GetTemplate(ctx, &cloudformation.GetTemplateInput{
		StackName:     awsv2.String(stackName),
		TemplateStage: cftypes.TemplateStageOriginal,
	})
	if err := c.rec.observe("GetTemplate", stackName, start, err); err != nil {
		return "", err
	}
	return awsv2.ToString(out.TemplateBody), nil
}

// ListStackResources implements engine.Backend.
func (c *CloudFormation) ListStackResources(ctx context.Context, stackName string) ([]engine.StackResource, error) {
	var resources []engine.StackResource

	paginator := cloudformation.NewListStackResourcesPaginator(c.client, &cloudformation.ListStackResourcesInput{
		StackName: awsv2.String(stackName),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		if err := c.rec.observe("ListStackResources", stackName, start, err); err != nil {
			return nil, err
		}
		for _, r := range page.StackResourceSummaries {
			resources = append(resources, engine.StackResource{
				LogicalID:    awsv2.ToString(r.LogicalResourceId),
				PhysicalID:   awsv2.ToString(r.PhysicalResourceId),
				ResourceType: awsv2.ToString(r.ResourceType),
				Status:       engine.ResourceStatus(r.ResourceStatus),
			})
		}
	}
	return resources, nil
}

// CreateChangeSet implements engine.Backend.
func (c *CloudFormation) CreateChangeSet(ctx context.Context, req engine.ChangeSetRequest) error {
	input := &cloudformation.CreateChangeSetInput{
		StackName:     awsv2.String(req.StackName),
		ChangeSetName: awsv2.String(req.ChangeSetName),
		ChangeSetType: cftypes.ChangeSetType(req.Type),
		TemplateBody:  awsv2.String(req.TemplateBody),
	}
	if req.Description != "" {
		input.Description = awsv2.String(req.Description)
	}
	for _, capability := range req.Capabilities {
		input.Capabilities = append(input.Capabilities, cftypes.Capability(capability))
	}
	for _, k := range sortedKeys(req.Tags) {
		input.Tags = append(input.Tags, cftypes.Tag{Key: awsv2.String(k), Value: awsv2.String(req.Tags[k])})
	}

	start := time.Now()
	_, err := c.client.CreateChangeSet(ctx, input)
	return c.rec.observe("CreateChangeSet", req.StackName, start, err)
}

// DescribeChangeSet implements engine.Backend. Changes of every page are
// returned in backend order. The type is left empty; the engine knows which
// type it submitted.
func (c *CloudFormation) DescribeChangeSet(ctx context.Context, stackName, changeSetName string) (*engine.ChangeSet, error) {
	input := &cloudformation.DescribeChangeSetInput{
		StackName:     awsv2.String(stackName),
		ChangeSetName: awsv2.String(changeSetName),
	}

	var cs *engine.ChangeSet
	for {
		start := time.Now()
		out, err := c.client.DescribeChangeSet(ctx, input)
		if err := c.rec.observe("DescribeChangeSet", stackName, start, err); err != nil {
			return nil, err
		}

		if cs == nil {
			cs = &engine.ChangeSet{
				Name:            awsv2.ToString(out.ChangeSetName),
				StackName:       awsv2.ToString(out.StackName),
				Status:          engine.ChangeSetStatus(out.Status),
				ExecutionStatus: engine.ExecutionStatus(out.ExecutionStatus),
				StatusReason:    awsv2.ToString(out.StatusReason),
				CreatedAt:       awsv2.ToTime(out.CreationTime),
			}
			if cs.Name == "" {
				cs.Name = changeSetName
			}
			if cs.StackName == "" {
				cs.StackName = stackName
			}
		}
		for _, ch := range out.Changes {
			if ch.ResourceChange == nil {
				continue
			}
			rc := ch.ResourceChange
			cs.Changes = append(cs.Changes, engine.Change{
				Action:       engine.ChangeAction(rc.Action),
				LogicalID:    awsv2.ToString(rc.LogicalResourceId),
				PhysicalID:   awsv2.ToString(rc.PhysicalResourceId),
				ResourceType: awsv2.ToString(rc.ResourceType),
				Replacement:  string(rc.Replacement),
			})
		}

		if awsv2.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	return cs, nil
}

// ExecuteChangeSet implements engine.Backend.
func (c *CloudFormation) ExecuteChangeSet(ctx context.Context, stackName, changeSetName string) error {
	start := time.Now()
	_, err := c.client.ExecuteChangeSet(ctx, &cloudformation.ExecuteChangeSetInput{
		StackName:     awsv2.String(stackName),
		ChangeSetName: awsv2.String(changeSetName),
	})
	return c.rec.observe("ExecuteChangeSet", stackName, start, err)
}

// DescribeStackEvents implements engine.Backend. Events of all pages are
// returned newest first, as CloudFormation orders them.
func (c *CloudFormation) DescribeStackEvents(ctx context.Context, stackName string) ([]engine.StackEvent, error) {
	var events []engine.StackEvent

	paginator := cloudformation.NewDescribeStackEventsPaginator(c.client, &cloudformation.DescribeStackEventsInput{
		StackName: awsv2.String(stackName),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		if err := c.rec.observe("DescribeStackEvents", stackName, start, err); err != nil {
			return nil, err
		}
		for _, e := range page.StackEvents {
			events = append(events, engine.StackEvent{
				EventID:      awsv2.ToString(e.EventId),
				StackName:    awsv2.ToString(e.StackName),
				LogicalID:    awsv2.ToString(e.LogicalResourceId),
				PhysicalID:   awsv2.ToString(e.PhysicalResourceId),
				ResourceType: awsv2.ToString(e.ResourceType),
				Status:       engine.ResourceStatus(e.ResourceStatus),
				StatusReason: awsv2.ToString(e.ResourceStatusReason),
				Timestamp:    awsv2.ToTime(e.Timestamp),
			})
		}
	}
	return events, nil
}

// DeleteStack implements engine.Backend.
func (c *CloudFormation) DeleteStack(ctx context.Context, stackName string) error {
	start := time.Now()
	_, err := c.client.DeleteStack(ctx, &cloudformation.DeleteStackInput{
		StackName: awsv2.String(stackName),
	})
	if err := c.rec.observe("DeleteStack", stackName, start, err); err != nil {
		return fmt.Errorf("delete stack: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
