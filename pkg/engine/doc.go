// Package engine reconciles one deployment stack against a change set
// backend.
//
// # Overview
//
// A Reconciler owns three pieces of state:
//
//   - the desired template, built up with AddResource
//   - the last remote snapshot, refreshed after every mutation
//   - the logical to physical id index of deployed resources
//
// Commit drives one change set through its phases:
//
//  1. Plan - submit the rendered template and poll until it is computed
//  2. Gate - evaluate policy and, for interactive commits, ask the Gate
//  3. Apply - execute and watch new stack events until the stack settles
//  4. Resync - pull the remote template and resource ids
//
// A change set without changes, a rejected change set and a rollback are
// normal returns; CommitResult.Outcome tells them apart. Anything else
// aborts the commit with an error.
//
// # Backends
//
// Backend is the narrow surface the engine needs from the remote service.
// The AWS implementation lives in pkg/providers/aws; enginetest provides an
// in-memory one for tests.
//
// # Error Classification
//
// Errors carry a class and a code:
//
//	if engine.CodeOf(err) == engine.ErrCodePolicyDenied {
//	    // show the violations
//	}
//
// Cancelled and timed-out polls are transient. Unexecutable change sets,
// failed rollbacks and failed deletions are permanent.
//
// # Concurrency
//
// A Reconciler is not safe for concurrent use. Calls are sequential and
// every blocking call takes a context.
package engine
