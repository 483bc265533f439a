package aws

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackur/pkg/engine"
	"github.com/openfroyo/stackur/pkg/telemetry"
)

type mockCloudFormationClient struct {
	describeStacksFunc    func(ctx context.Context, params *cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error)
	createChangeSetFunc   func(ctx context.Context, params *cloudformation.CreateChangeSetInput) (*cloudformation.CreateChangeSetOutput, error)
	describeChangeSetFunc func(ctx context.Context, params *cloudformation.DescribeChangeSetInput) (*cloudformation.DescribeChangeSetOutput, error)

	eventPages    [][]cftypes.StackEvent
	resourcePages [][]cftypes.StackResourceSummary
	calls         []string
}

func (m *mockCloudFormationClient) DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	m.calls = append(m.calls, "DescribeStacks")
	if m.describeStacksFunc != nil {
		return m.describeStacksFunc(ctx, params)
	}
	return &cloudformation.DescribeStacksOutput{}, nil
}

func (m *mockCloudFormationClient) GetTemplate(ctx context.Context, params *cloudformation.GetTemplateInput, optFns ...func(*cloudformation.Options)) (*cloudformation.GetTemplateOutput, error) {
	m.calls = append(m.calls, "GetTemplate")
	if params.TemplateStage != cftypes.TemplateStageOriginal {
		return nil, errors.New("unexpected template stage")
	}
	return &cloudformation.GetTemplateOutput{TemplateBody: awsv2.String(`{"Resources":{}}`)}, nil
}

func (m *mockCloudFormationClient) ListStackResources(ctx context.Context, params *cloudformation.ListStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error) {
	m.calls = append(m.calls, "ListStackResources")
	page, next := pageIndex(params.NextToken, len(m.resourcePages))
	out := &cloudformation.ListStackResourcesOutput{NextToken: next}
	if page < len(m.resourcePages) {
		out.StackResourceSummaries = m.resourcePages[page]
	}
	return out, nil
}

func (m *mockCloudFormationClient) CreateChangeSet(ctx context.Context, params *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error) {
	m.calls = append(m.calls, "CreateChangeSet")
	if m.createChangeSetFunc != nil {
		return m.createChangeSetFunc(ctx, params)
	}
	return &cloudformation.CreateChangeSetOutput{}, nil
}

func (m *mockCloudFormationClient) DescribeChangeSet(ctx context.Context, params *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error) {
	m.calls = append(m.calls, "DescribeChangeSet")
	if m.describeChangeSetFunc != nil {
		return m.describeChangeSetFunc(ctx, params)
	}
	return &cloudformation.DescribeChangeSetOutput{}, nil
}

func (m *mockCloudFormationClient) ExecuteChangeSet(ctx context.Context, params *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error) {
	m.calls = append(m.calls, "ExecuteChangeSet")
	return &cloudformation.ExecuteChangeSetOutput{}, nil
}

func (m *mockCloudFormationClient) DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error) {
	m.calls = append(m.calls, "DescribeStackEvents")
	page, next := pageIndex(params.NextToken, len(m.eventPages))
	out := &cloudformation.DescribeStackEventsOutput{NextToken: next}
	if page < len(m.eventPages) {
		out.StackEvents = m.eventPages[page]
	}
	return out, nil
}

func (m *mockCloudFormationClient) DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	m.calls = append(m.calls, "DeleteStack")
	return &cloudformation.DeleteStackOutput{}, nil
}

// pageIndex decodes the fake page tokens "1", "2", ...
func pageIndex(token *string, pages int) (int, *string) {
	page := 0
	if token != nil {
		page = int((*token)[0] - '0')
	}
	if page+1 < pages {
		return page, awsv2.String(string(rune('0' + page + 1)))
	}
	return page, nil
}

func notFound(stack string) error {
	return &smithy.GenericAPIError{Code: "ValidationError", Message: "Stack with id " + stack + " does not exist"}
}

func TestDescribeStack(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	client := &mockCloudFormationClient{
		describeStacksFunc: func(ctx context.Context, params *cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error) {
			assert.Equal(t, "Alpha", awsv2.ToString(params.StackName))
			return &cloudformation.DescribeStacksOutput{Stacks: []cftypes.Stack{{
				StackName:    awsv2.String("Alpha"),
				StackId:      awsv2.String("arn:aws:cloudformation:us-east-2:1:stack/Alpha/abc"),
				StackStatus:  cftypes.StackStatusUpdateComplete,
				CreationTime: &created,
				Outputs: []cftypes.Output{
					{OutputKey: awsv2.String("BucketName"), OutputValue: awsv2.String("alpha-bucket1")},
				},
			}}}, nil
		},
	}

	desc, err := NewCloudFormationWithClient(client).DescribeStack(context.Background(), "Alpha")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusUpdateComplete, desc.Status)
	assert.Equal(t, created, desc.CreatedAt)
	assert.Equal(t, map[string]string{"BucketName": "alpha-bucket1"}, desc.Outputs)
}

func TestDescribeStackNotFound(t *testing.T) {
	client := &mockCloudFormationClient{
		describeStacksFunc: func(ctx context.Context, params *cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error) {
			return nil, notFound("Alpha")
		},
	}

	_, err := NewCloudFormationWithClient(client).DescribeStack(context.Background(), "Alpha")
	require.Error(t, err)
	assert.True(t, engine.IsNotFound(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class engine.ErrorClass
		code  string
	}{
		{
			name:  "throttled",
			err:   &smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"},
			class: engine.ErrorClassThrottled,
			code:  engine.ErrCodeRateLimited,
		},
		{
			name:  "access denied",
			err:   &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope"},
			class: engine.ErrorClassPermanent,
			code:  engine.ErrCodePermissionDenied,
		},
		{
			name:  "operation in progress",
			err:   &smithy.GenericAPIError{Code: "OperationInProgressException", Message: "busy"},
			class: engine.ErrorClassConflict,
			code:  engine.ErrCodeConflict,
		},
		{
			name:  "stack update in progress",
			err:   &smithy.GenericAPIError{Code: "ValidationError", Message: "Stack:arn:aws:cloudformation:us-east-2:1:stack/Alpha/x is in UPDATE_IN_PROGRESS state and can not be updated."},
			class: engine.ErrorClassConflict,
			code:  engine.ErrCodeConflict,
		},
		{
			name:  "conflicting s3 operation",
			err:   &smithy.GenericAPIError{Code: "OperationAborted", Message: "A conflicting conditional operation is in progress"},
			class: engine.ErrorClassConflict,
			code:  engine.ErrCodeConflict,
		},
		{
			name:  "other validation error",
			err:   &smithy.GenericAPIError{Code: "ValidationError", Message: "Template format error"},
			class: engine.ErrorClassPermanent,
			code:  engine.ErrCodeBackend,
		},
		{
			name:  "server fault",
			err:   &smithy.GenericAPIError{Code: "InternalFailure", Message: "oops", Fault: smithy.FaultServer},
			class: engine.ErrorClassTransient,
			code:  engine.ErrCodeBackend,
		},
		{
			name:  "plain error",
			err:   errors.New("connection reset"),
			class: engine.ErrorClassPermanent,
			code:  engine.ErrCodeBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("cloudformation", "CreateChangeSet", "Alpha", tt.err)
			assert.Equal(t, tt.class, engine.ClassOf(err))
			assert.Equal(t, tt.code, engine.CodeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, classify("s3", "PutObject", "", nil))
}

func TestCreateChangeSet(t *testing.T) {
	var got *cloudformation.CreateChangeSetInput
	client := &mockCloudFormationClient{
		createChangeSetFunc: func(ctx context.Context, params *cloudformation.CreateChangeSetInput) (*cloudformation.CreateChangeSetOutput, error) {
			got = params
			return &cloudformation.CreateChangeSetOutput{}, nil
		},
	}

	err := NewCloudFormationWithClient(client).CreateChangeSet(context.Background(), engine.ChangeSetRequest{
		StackName:     "Alpha",
		ChangeSetName: "jane-1700000000000",
		Type:          engine.ChangeSetTypeCreate,
		TemplateBody:  `{"Resources":{}}`,
		Capabilities:  []string{"CAPABILITY_IAM"},
		Tags:          map[string]string{"team": "web", "env": "prod"},
	})
	require.NoError(t, err)

	assert.Equal(t, cftypes.ChangeSetTypeCreate, got.ChangeSetType)
	assert.Equal(t, []cftypes.Capability{cftypes.CapabilityCapabilityIam}, got.Capabilities)
	require.Len(t, got.Tags, 2)
	assert.Equal(t, "env", awsv2.ToString(got.Tags[0].Key))
	assert.Nil(t, got.Description)
}

func TestDescribeChangeSetPages(t *testing.T) {
	client := &mockCloudFormationClient{
		describeChangeSetFunc: func(ctx context.Context, params *cloudformation.DescribeChangeSetInput) (*cloudformation.DescribeChangeSetOutput, error) {
			if params.NextToken == nil {
				return &cloudformation.DescribeChangeSetOutput{
					ChangeSetName:   awsv2.String("cs"),
					StackName:       awsv2.String("Alpha"),
					Status:          cftypes.ChangeSetStatusCreateComplete,
					ExecutionStatus: cftypes.ExecutionStatusAvailable,
					Changes: []cftypes.Change{{ResourceChange: &cftypes.ResourceChange{
						Action:            cftypes.ChangeActionAdd,
						LogicalResourceId: awsv2.String("Bucket1"),
						ResourceType:      awsv2.String("AWS::S3::Bucket"),
					}}},
					NextToken: awsv2.String("next"),
				}, nil
			}
			return &cloudformation.DescribeChangeSetOutput{
				Changes: []cftypes.Change{{ResourceChange: &cftypes.ResourceChange{
					Action:             cftypes.ChangeActionModify,
					LogicalResourceId:  awsv2.String("Fn"),
					PhysicalResourceId: awsv2.String("alpha-fn"),
					ResourceType:       awsv2.String("AWS::Lambda::Function"),
					Replacement:        cftypes.ReplacementTrue,
				}}},
			}, nil
		},
	}

	cs, err := NewCloudFormationWithClient(client).DescribeChangeSet(context.Background(), "Alpha", "cs")
	require.NoError(t, err)
	assert.Equal(t, engine.ChangeSetStatusCreateComplete, cs.Status)
	assert.Equal(t, engine.ExecutionStatusAvailable, cs.ExecutionStatus)
	require.Len(t, cs.Changes, 2)
	assert.Equal(t, engine.ChangeActionAdd, cs.Changes[0].Action)
	assert.True(t, cs.Changes[1].Replaces())
}

func TestDescribeStackEventsAllPages(t *testing.T) {
	ev := func(id string) cftypes.StackEvent {
		return cftypes.StackEvent{
			EventId:           awsv2.String(id),
			LogicalResourceId: awsv2.String("Bucket1"),
			ResourceType:      awsv2.String("AWS::S3::Bucket"),
			ResourceStatus:    cftypes.ResourceStatusCreateComplete,
		}
	}
	client := &mockCloudFormationClient{
		eventPages: [][]cftypes.StackEvent{{ev("3"), ev("2")}, {ev("1")}},
	}

	events, err := NewCloudFormationWithClient(client).DescribeStackEvents(context.Background(), "Alpha")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"3", "2", "1"}, []string{events[0].EventID, events[1].EventID, events[2].EventID})
	assert.Equal(t, 2, countCalls(client.calls, "DescribeStackEvents"))
}

func TestListStackResources(t *testing.T) {
	client := &mockCloudFormationClient{
		resourcePages: [][]cftypes.StackResourceSummary{
			{{LogicalResourceId: awsv2.String("Bucket1"), PhysicalResourceId: awsv2.String("alpha-bucket1"), ResourceType: awsv2.String("AWS::S3::Bucket"), ResourceStatus: cftypes.ResourceStatusCreateComplete}},
			{{LogicalResourceId: awsv2.String("Fn"), ResourceType: awsv2.String("AWS::Lambda::Function"), ResourceStatus: cftypes.ResourceStatusCreateInProgress}},
		},
	}

	resources, err := NewCloudFormationWithClient(client).ListStackResources(context.Background(), "Alpha")
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, "alpha-bucket1", resources[0].PhysicalID)
	assert.Equal(t, engine.StatusCreateInProgress, resources[1].Status)
}

func TestBackendCallsAreMetered(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	client := &mockCloudFormationClient{}
	cf := NewCloudFormationWithClient(client, WithMetrics(metrics), WithLogger(telemetry.NopLogger()))
	require.NoError(t, cf.ExecuteChangeSet(context.Background(), "Alpha", "cs"))
	require.NoError(t, cf.DeleteStack(context.Background(), "Alpha"))
	assert.Equal(t, []string{"ExecuteChangeSet", "DeleteStack"}, client.calls)
}

type objectVersion struct {
	key, version string
	marker       bool
}

type mockS3Client struct {
	pages    [][]string
	versions [][]objectVersion
	deleted  []string
	put      map[string][]byte
	err      error
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.err != nil {
		return nil, m.err
	}
	page, next := pageIndex(params.ContinuationToken, len(m.pages))
	out := &s3.ListObjectsV2Output{NextContinuationToken: next, IsTruncated: awsv2.Bool(next != nil)}
	if page < len(m.pages) {
		for _, key := range m.pages[page] {
			out.Contents = append(out.Contents, s3types.Object{Key: awsv2.String(key)})
		}
	}
	return out, nil
}

func (m *mockS3Client) ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	page, next := pageIndex(params.KeyMarker, len(m.versions))
	out := &s3.ListObjectVersionsOutput{
		IsTruncated:         awsv2.Bool(next != nil),
		NextKeyMarker:       next,
		NextVersionIdMarker: next,
	}
	if page < len(m.versions) {
		for _, v := range m.versions[page] {
			if v.marker {
				out.DeleteMarkers = append(out.DeleteMarkers, s3types.DeleteMarkerEntry{Key: awsv2.String(v.key), VersionId: awsv2.String(v.version)})
				continue
			}
			out.Versions = append(out.Versions, s3types.ObjectVersion{Key: awsv2.String(v.key), VersionId: awsv2.String(v.version)})
		}
	}
	return out, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	name := awsv2.ToString(params.Key)
	if params.VersionId != nil {
		name += "@" + awsv2.ToString(params.VersionId)
	}
	m.deleted = append(m.deleted, name)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	m.deleted = append(m.deleted, "bucket:"+awsv2.ToString(params.Bucket))
	return &s3.DeleteBucketOutput{}, nil
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if m.put == nil {
		m.put = make(map[string][]byte)
	}
	m.put[awsv2.ToString(params.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3(t *testing.T) {
	client := &mockS3Client{pages: [][]string{{"a", "b"}, {"c"}}}
	store := NewS3WithClient(client)
	ctx := context.Background()

	keys, err := store.ListObjects(ctx, "alpha-bucket1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	require.NoError(t, store.DeleteObject(ctx, "alpha-bucket1", "a"))
	require.NoError(t, store.DeleteBucket(ctx, "alpha-bucket1"))
	assert.Equal(t, []string{"a", "bucket:alpha-bucket1"}, client.deleted)

	require.NoError(t, store.PutObject(ctx, "alpha-bucket1", "index.html", []byte("<h1>hi</h1>")))
	assert.Equal(t, "<h1>hi</h1>", string(client.put["index.html"]))
}

func TestS3DeleteObjectVersions(t *testing.T) {
	client := &mockS3Client{versions: [][]objectVersion{
		{{key: "a", version: "v1"}, {key: "a", version: "v2"}, {key: "b", version: "v1", marker: true}},
		{{key: "c", version: "v3"}},
	}}
	store := NewS3WithClient(client)

	n, err := store.DeleteObjectVersions(context.Background(), "alpha-bucket1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"a@v1", "a@v2", "b@v1", "c@v3"}, client.deleted)
}

func TestS3DeleteObjectVersionsError(t *testing.T) {
	client := &mockS3Client{err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}}
	n, err := NewS3WithClient(client).DeleteObjectVersions(context.Background(), "alpha-bucket1")
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, client.deleted)
}

func TestS3NoSuchBucket(t *testing.T) {
	client := &mockS3Client{err: &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "gone"}}
	_, err := NewS3WithClient(client).ListObjects(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeNotFound, engine.CodeOf(err))
}

type mockSTSClient struct {
	arn string
	err error
}

func (m *mockSTSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &sts.GetCallerIdentityOutput{Arn: awsv2.String(m.arn)}, nil
}

func TestOperatorName(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "jane", OperatorName(ctx, &mockSTSClient{arn: "arn:aws:iam::123456789012:user/jane"}))
	assert.Equal(t, "session", OperatorName(ctx, &mockSTSClient{arn: "arn:aws:sts::123456789012:assumed-role/Deploy/session"}))

	t.Setenv("USER", "fallback")
	assert.Equal(t, "fallback", OperatorName(ctx, &mockSTSClient{err: errors.New("no credentials")}))
	assert.Equal(t, "fallback", OperatorName(ctx, nil))
}

func TestLoadSecretsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"accessKeyId":"AKIA","secretAccessKey":"s3cr3t","region":"us-east-2"}`), 0o600))

	creds, err := LoadSecretsFile(path)
	require.NoError(t, err)
	assert.Equal(t, Credentials{AccessKeyID: "AKIA", SecretAccessKey: "s3cr3t", Region: "us-east-2"}, creds)

	cfg, err := LoadConfig(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, "us-east-2", cfg.Region)
	got, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIA", got.AccessKeyID)

	require.NoError(t, os.WriteFile(path, []byte(`{"accessKeyId":"AKIA"}`), 0o600))
	_, err = LoadSecretsFile(path)
	assert.Error(t, err)

	_, err = LoadSecretsFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}
