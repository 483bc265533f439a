package compiler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackur/pkg/engine"
)

func compile(t *testing.T, decl Declaration) []Fragment {
	t.Helper()
	frags, err := NewCUECompiler().Compile(context.Background(), decl, "Alpha")
	require.NoError(t, err)
	require.NotEmpty(t, frags)
	return frags
}

func TestCompileBucket(t *testing.T) {
	frags := compile(t, Declaration{
		LogicalID: "Bucket1",
		Kind:      KindBucket,
		Properties: map[string]interface{}{
			"bucketName": "alpha-assets",
			"versioned":  true,
			"tags":       map[string]interface{}{"team": "web", "env": "prod"},
		},
	})
	require.Len(t, frags, 1)

	res := frags[0].Resource
	assert.Equal(t, "Bucket1", frags[0].LogicalID)
	assert.Equal(t, "AWS::S3::Bucket", res.Type)
	assert.Equal(t, "alpha-assets", res.Properties["BucketName"])
	assert.Equal(t, map[string]interface{}{"Status": "Enabled"}, res.Properties["VersioningConfiguration"])
	assert.NotContains(t, res.Properties, "Versioned")
	assert.Equal(t, []interface{}{
		map[string]interface{}{"Key": "env", "Value": "prod"},
		map[string]interface{}{"Key": "team", "Value": "web"},
		map[string]interface{}{"Key": StackTagKey, "Value": "Alpha"},
	}, res.Properties["Tags"])
}

func TestCompileBucketPublicRead(t *testing.T) {
	frags := compile(t, Declaration{
		LogicalID:  "Site",
		Kind:       KindBucket,
		Properties: map[string]interface{}{"publicReadAccess": true},
	})
	require.Len(t, frags, 2)

	block, ok := frags[0].Resource.Properties["PublicAccessBlockConfiguration"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, block["BlockPublicPolicy"])

	assert.Equal(t, "SitePolicy", frags[1].LogicalID)
	assert.Equal(t, "AWS::S3::BucketPolicy", frags[1].Resource.Type)
	assert.Equal(t, map[string]interface{}{"Ref": "Site"}, frags[1].Resource.Properties["Bucket"])
}

func TestCompileFunction(t *testing.T) {
	frags := compile(t, Declaration{
		LogicalID: "Api",
		Kind:      KindFunction,
		Properties: map[string]interface{}{
			"runtime":    "python3.12",
			"handler":    "index.handler",
			"inlineCode": "def handler(event, context): return 1",
			"memorySize": 256,
			"environment": map[string]interface{}{
				"variables": map[string]interface{}{"log_level": "debug"},
			},
		},
	})
	require.Len(t, frags, 2)

	props := frags[0].Resource.Properties
	assert.Equal(t, "AWS::Lambda::Function", frags[0].Resource.Type)
	assert.Equal(t, map[string]interface{}{"ZipFile": "def handler(event, context): return 1"}, props["Code"])
	assert.Equal(t, map[string]interface{}{
		"Variables": map[string]interface{}{"log_level": "debug"},
	}, props["Environment"])
	assert.Equal(t, map[string]interface{}{"Fn::GetAtt": []interface{}{"ApiServiceRole", "Arn"}}, props["Role"])

	assert.Equal(t, "ApiServiceRole", frags[1].LogicalID)
	assert.Equal(t, "AWS::IAM::Role", frags[1].Resource.Type)
}

func TestCompileFunctionWithRole(t *testing.T) {
	frags := compile(t, Declaration{
		LogicalID: "Worker",
		Kind:      KindFunction,
		Properties: map[string]interface{}{
			"runtime":    "nodejs20.x",
			"handler":    "index.handler",
			"codeBucket": "artifacts",
			"codeKey":    "worker.zip",
			"role":       "arn:aws:iam::123456789012:role/worker",
		},
	})
	require.Len(t, frags, 1)
	assert.Equal(t, map[string]interface{}{"S3Bucket": "artifacts", "S3Key": "worker.zip"}, frags[0].Resource.Properties["Code"])
}

func TestCompileTable(t *testing.T) {
	frags := compile(t, Declaration{
		LogicalID: "Orders",
		Kind:      KindTable,
		Properties: map[string]interface{}{
			"partitionKey": map[string]interface{}{"name": "pk"},
			"sortKey":      map[string]interface{}{"name": "sk", "type": "N"},
		},
		DeletionPolicy: "Retain",
	})
	props := frags[0].Resource.Properties
	assert.Equal(t, "PAY_PER_REQUEST", props["BillingMode"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"AttributeName": "pk", "KeyType": "HASH"},
		map[string]interface{}{"AttributeName": "sk", "KeyType": "RANGE"},
	}, props["KeySchema"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"AttributeName": "pk", "AttributeType": "S"},
		map[string]interface{}{"AttributeName": "sk", "AttributeType": "N"},
	}, props["AttributeDefinitions"])
	assert.Equal(t, "Retain", frags[0].Resource.DeletionPolicy)
}

func TestCompileFifoQueue(t *testing.T) {
	frags := compile(t, Declaration{
		LogicalID:  "Jobs",
		Kind:       KindQueue,
		Properties: map[string]interface{}{"queueName": "jobs", "fifoQueue": true},
	})
	assert.Equal(t, "jobs.fifo", frags[0].Resource.Properties["QueueName"])
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name string
		decl Declaration
	}{
		{
			name: "unknown kind",
			decl: Declaration{LogicalID: "X", Kind: "cluster"},
		},
		{
			name: "invalid logical id",
			decl: Declaration{LogicalID: "my-bucket", Kind: KindBucket},
		},
		{
			name: "schema violation",
			decl: Declaration{
				LogicalID:  "Fn",
				Kind:       KindFunction,
				Properties: map[string]interface{}{"runtime": "python3.12", "handler": "h", "inlineCode": "x", "memorySize": 64},
			},
		},
		{
			name: "missing required property",
			decl: Declaration{LogicalID: "Fn", Kind: KindFunction, Properties: map[string]interface{}{"handler": "h"}},
		},
		{
			name: "function without code",
			decl: Declaration{LogicalID: "Fn", Kind: KindFunction, Properties: map[string]interface{}{"runtime": "go", "handler": "h"}},
		},
		{
			name: "bad bucket name",
			decl: Declaration{LogicalID: "B", Kind: KindBucket, Properties: map[string]interface{}{"bucketName": "Upper_Case"}},
		},
		{
			name: "bad deletion policy",
			decl: Declaration{LogicalID: "B", Kind: KindBucket, DeletionPolicy: "Keep"},
		},
		{
			name: "snapshot policy on bucket",
			decl: Declaration{LogicalID: "B", Kind: KindBucket, DeletionPolicy: "Snapshot"},
		},
	}

	c := NewCUECompiler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile(context.Background(), tt.decl, "Alpha")
			require.Error(t, err)
			assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))
			assert.True(t, engine.IsPermanent(err))
		})
	}
}

func TestCompileDoesNotMutateDeclaration(t *testing.T) {
	props := map[string]interface{}{"versioned": true}
	compile(t, Declaration{LogicalID: "B", Kind: KindBucket, Properties: props})
	assert.Equal(t, map[string]interface{}{"versioned": true}, props)
}

func TestRegisterCustomKind(t *testing.T) {
	c := NewCUECompiler()
	require.NoError(t, c.Register(Kind{
		Name:         "parameter",
		ResourceType: "AWS::SSM::Parameter",
		Schema:       `#Props: {type: "String" | "StringList", value: string}`,
	}))
	assert.Contains(t, c.Kinds(), "parameter")

	rt, ok := c.ResourceType("parameter")
	assert.True(t, ok)
	assert.Equal(t, "AWS::SSM::Parameter", rt)

	frags, err := c.Compile(context.Background(), Declaration{
		LogicalID:  "Param",
		Kind:       "parameter",
		Properties: map[string]interface{}{"type": "String", "value": "v"},
	}, "Alpha")
	require.NoError(t, err)
	assert.NotContains(t, frags[0].Resource.Properties, "Tags")

	_, err = c.Compile(context.Background(), Declaration{
		LogicalID:  "Param",
		Kind:       "parameter",
		Properties: map[string]interface{}{"type": "String", "value": "v", "tier": "Standard"},
	}, "Alpha")
	assert.Error(t, err, "closed schema rejects unknown properties")

	assert.Error(t, c.Register(Kind{Name: "broken", ResourceType: "X::Y::Z", Schema: `#Props: {`}))
}

func TestFunc(t *testing.T) {
	var got string
	c := Func(func(ctx context.Context, decl Declaration, namespace string) ([]Fragment, error) {
		got = namespace
		return []Fragment{{LogicalID: decl.LogicalID}}, nil
	})
	frags, err := c.Compile(context.Background(), Declaration{LogicalID: "A"}, "Alpha")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got)
	assert.Equal(t, "A", frags[0].LogicalID)
}

func TestPascalKey(t *testing.T) {
	assert.Equal(t, "BucketName", pascalKey("bucketName"))
	assert.Equal(t, "Fn::GetAtt", pascalKey("Fn::GetAtt"))
	assert.Equal(t, "", pascalKey(""))
	assert.Equal(t, "Ärger", pascalKey("ärger"))
}

func TestNormalizeTags(t *testing.T) {
	tags, err := normalizeTags([]interface{}{
		map[string]interface{}{"Key": "b", "Value": "2"},
		map[string]interface{}{"key": "a", "value": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{
		map[string]interface{}{"Key": "a", "Value": "1"},
		map[string]interface{}{"Key": "b", "Value": "2"},
	}, tags)

	_, err = normalizeTags("team=web")
	assert.Error(t, err)
}
