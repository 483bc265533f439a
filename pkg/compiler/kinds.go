package compiler

import (
	"fmt"
	"strings"

	"github.com/openfroyo/stackur/pkg/engine"
)

// Built-in kind names.
const (
	KindBucket   = "bucket"
	KindFunction = "function"
	KindQueue    = "queue"
	KindTable    = "table"
	KindTopic    = "topic"
)

const tagsSchema = `[string]: string} | [...({key: string, value: string} | {Key: string, Value: string})]`

func builtinKinds() []Kind {
	return []Kind{
		{
			Name:         KindBucket,
			ResourceType: "AWS::S3::Bucket",
			Taggable:     true,
			Expand:       expandBucket,
			Schema: `
#Props: {
	bucketName?:       string & =~"^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$"
	versioned?:        bool
	publicReadAccess?: bool
	tags?:             {` + tagsSchema + `
	...
}
`,
		},
		{
			Name:         KindFunction,
			ResourceType: "AWS::Lambda::Function",
			Taggable:     true,
			Opaque:       []string{"environment.variables"},
			Expand:       expandFunction,
			Schema: `
#Props: {
	runtime:       string
	handler:       string
	functionName?: string & =~"^[a-zA-Z0-9_-]{1,64}$"
	inlineCode?:   string
	codeBucket?:   string
	codeKey?:      string
	memorySize?:   int & >=128 & <=10240
	timeout?:      int & >=1 & <=900
	environment?: {
		variables?: {[string]: string}
	}
	tags?: {` + tagsSchema + `
	...
}
`,
		},
		{
			Name:         KindQueue,
			ResourceType: "AWS::SQS::Queue",
			Taggable:     true,
			Expand:       expandQueue,
			Schema: `
#Props: {
	queueName?:              string & =~"^[a-zA-Z0-9_-]{1,75}(\\.fifo)?$"
	fifoQueue?:              bool
	visibilityTimeout?:      int & >=0 & <=43200
	messageRetentionPeriod?: int & >=60 & <=1209600
	delaySeconds?:           int & >=0 & <=900
	tags?:                   {` + tagsSchema + `
	...
}
`,
		},
		{
			Name:         KindTable,
			ResourceType: "AWS::DynamoDB::Table",
			Taggable:     true,
			Expand:       expandTable,
			Schema: `
#Key: {
	name: string & != ""
	type: *"S" | "N" | "B"
}

#Props: {
	tableName?:    string & =~"^[a-zA-Z0-9_.-]{3,255}$"
	partitionKey?: #Key
	sortKey?:      #Key
	billingMode?:  "PAY_PER_REQUEST" | "PROVISIONED"
	tags?:         {` + tagsSchema + `
	...
}
`,
		},
		{
			Name:         KindTopic,
			ResourceType: "AWS::SNS::Topic",
			Taggable:     true,
			Schema: `
#Props: {
	topicName?:   string & =~"^[a-zA-Z0-9_-]{1,256}(\\.fifo)?$"
	displayName?: string
	fifoTopic?:   bool
	tags?:        {` + tagsSchema + `
	...
}
`,
		},
	}
}

// expandBucket handles versioned and publicReadAccess. Public read access
// lifts the public access block and adds a <Name>Policy bucket policy.
func expandBucket(decl Declaration, props map[string]interface{}) ([]Fragment, error) {
	if v, ok := props["versioned"].(bool); ok {
		status := "Suspended"
		if v {
			status = "Enabled"
		}
		props["versioningConfiguration"] = map[string]interface{}{"status": status}
	}
	delete(props, "versioned")

	public, _ := props["publicReadAccess"].(bool)
	delete(props, "publicReadAccess")
	if !public {
		return nil, nil
	}

	props["publicAccessBlockConfiguration"] = map[string]interface{}{
		"blockPublicAcls":       false,
		"blockPublicPolicy":     false,
		"ignorePublicAcls":      false,
		"restrictPublicBuckets": false,
	}

	policy := Fragment{
		LogicalID: decl.LogicalID + "Policy",
		Resource: engine.ResourceDefinition{
			Type: "AWS::S3::BucketPolicy",
			Properties: map[string]interface{}{
				"Bucket": ref(decl.LogicalID),
				"PolicyDocument": map[string]interface{}{
					"Version": "2012-10-17",
					"Statement": []interface{}{
						map[string]interface{}{
							"Effect":    "Allow",
							"Principal": "*",
							"Action":    "s3:GetObject",
							"Resource": map[string]interface{}{
								"Fn::Join": []interface{}{"", []interface{}{
									"arn:", ref("AWS::Partition"), ":s3:::", ref(decl.LogicalID), "/*",
								}},
							},
						},
					},
				},
			},
		},
	}
	return []Fragment{policy}, nil
}

// expandFunction maps the code shorthands and, when no role is given, adds
// a <Name>ServiceRole with basic execution permissions.
func expandFunction(decl Declaration, props map[string]interface{}) ([]Fragment, error) {
	inline, hasInline := props["inlineCode"].(string)
	bucket, hasBucket := props["codeBucket"].(string)
	key, hasKey := props["codeKey"].(string)
	_, hasCode := props["code"]

	switch {
	case hasInline && (hasBucket || hasKey || hasCode):
		return nil, fmt.Errorf("inlineCode cannot be combined with codeBucket, codeKey or code")
	case hasInline:
		props["code"] = map[string]interface{}{"zipFile": inline}
	case hasBucket && hasKey:
		if hasCode {
			return nil, fmt.Errorf("codeBucket and codeKey cannot be combined with code")
		}
		props["code"] = map[string]interface{}{"s3Bucket": bucket, "s3Key": key}
	case hasBucket || hasKey:
		return nil, fmt.Errorf("codeBucket and codeKey must be set together")
	case !hasCode:
		return nil, fmt.Errorf("function requires inlineCode, codeBucket and codeKey, or code")
	}
	delete(props, "inlineCode")
	delete(props, "codeBucket")
	delete(props, "codeKey")

	if _, ok := props["role"]; ok {
		return nil, nil
	}

	roleID := decl.LogicalID + "ServiceRole"
	props["role"] = map[string]interface{}{"Fn::GetAtt": []interface{}{roleID, "Arn"}}

	role := Fragment{
		LogicalID: roleID,
		Resource: engine.ResourceDefinition{
			Type: "AWS::IAM::Role",
			Properties: map[string]interface{}{
				"AssumeRolePolicyDocument": map[string]interface{}{
					"Version": "2012-10-17",
					"Statement": []interface{}{
						map[string]interface{}{
							"Action":    "sts:AssumeRole",
							"Effect":    "Allow",
							"Principal": map[string]interface{}{"Service": "lambda.amazonaws.com"},
						},
					},
				},
				"ManagedPolicyArns": []interface{}{
					map[string]interface{}{
						"Fn::Join": []interface{}{"", []interface{}{
							"arn:", ref("AWS::Partition"), ":iam::aws:policy/service-role/AWSLambdaBasicExecutionRole",
						}},
					},
				},
			},
		},
	}
	return []Fragment{role}, nil
}

// expandQueue appends the .fifo suffix the backend requires on FIFO queue names.
func expandQueue(decl Declaration, props map[string]interface{}) ([]Fragment, error) {
	fifo, _ := props["fifoQueue"].(bool)
	name, ok := props["queueName"].(string)
	if fifo && ok && !strings.HasSuffix(name, ".fifo") {
		props["queueName"] = name + ".fifo"
	}
	if !fifo && ok && strings.HasSuffix(name, ".fifo") {
		return nil, fmt.Errorf("queue name %s ends in .fifo but fifoQueue is not set", name)
	}
	return nil, nil
}

// expandTable turns partitionKey and sortKey into the key schema and
// attribute definitions, defaulting to on-demand billing.
func expandTable(decl Declaration, props map[string]interface{}) ([]Fragment, error) {
	pk, hasPK := props["partitionKey"].(map[string]interface{})
	if !hasPK {
		if _, ok := props["keySchema"]; !ok {
			return nil, fmt.Errorf("table requires partitionKey or keySchema")
		}
	} else {
		keySchema := []interface{}{keyElement(pk, "HASH")}
		attrs := []interface{}{attributeDefinition(pk)}
		if sk, ok := props["sortKey"].(map[string]interface{}); ok {
			keySchema = append(keySchema, keyElement(sk, "RANGE"))
			attrs = append(attrs, attributeDefinition(sk))
		}
		props["keySchema"] = keySchema
		props["attributeDefinitions"] = attrs
	}
	delete(props, "partitionKey")
	delete(props, "sortKey")

	if _, ok := props["billingMode"]; !ok {
		if _, provisioned := props["provisionedThroughput"]; !provisioned {
			props["billingMode"] = "PAY_PER_REQUEST"
		}
	}
	return nil, nil
}

func keyElement(key map[string]interface{}, keyType string) map[string]interface{} {
	return map[string]interface{}{"attributeName": key["name"], "keyType": keyType}
}

func attributeDefinition(key map[string]interface{}) map[string]interface{} {
	attrType, _ := key["type"].(string)
	if attrType == "" {
		attrType = "S"
	}
	return map[string]interface{}{"attributeName": key["name"], "attributeType": attrType}
}

func ref(name string) map[string]interface{} {
	return map[string]interface{}{"Ref": name}
}
