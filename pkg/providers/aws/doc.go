// Package aws adapts the AWS SDK to the engine and stack interfaces.
//
// CloudFormation implements engine.Backend and S3 implements
// stack.ObjectStore. Both are built from an explicit aws.Config returned by
// LoadConfig; nothing here reads or mutates process-wide SDK state. Each
// adapter talks to a narrow client interface so tests can substitute fakes.
package aws
