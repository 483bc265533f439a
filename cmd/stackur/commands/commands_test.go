package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackur/pkg/config"
	"github.com/openfroyo/stackur/pkg/engine"
	"github.com/openfroyo/stackur/pkg/engine/enginetest"
	"github.com/openfroyo/stackur/pkg/stores"
)

const testManifest = `
stack: Alpha
interactive: false
logging:
  level: error
stages:
  - resource:
      name: Site
      kind: bucket
      properties:
        bucketName: alpha-site
  - resource:
      name: Jobs
      kind: queue
      depends_on: [Site]
  - task:
      name: Seed
      script: log("seeding")
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stackur.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidate(t *testing.T) {
	path := writeManifest(t, testManifest)

	out, err := run(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Stack Alpha: 3 stages, 2 resources, 2 policies")
	assert.Contains(t, out, "OK")
}

func TestValidate_JSON(t *testing.T) {
	path := writeManifest(t, testManifest)

	out, err := run(t, "validate", "-c", path, "--json")
	require.NoError(t, err)

	var report validateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "Alpha", report.Stack)
	assert.Equal(t, 2, report.Resources)
	assert.True(t, report.Decision.Allowed)
}

func TestValidate_PolicyViolation(t *testing.T) {
	path := writeManifest(t, testManifest+"policies: [policies]\n")
	policyDir := filepath.Join(filepath.Dir(path), "policies")
	require.NoError(t, os.MkdirAll(policyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "no-queues.rego"), []byte(`# Queues are managed elsewhere.
package stackur.policies.noqueues

deny contains msg if {
	some c in input.changes
	c.resource_type == "AWS::SQS::Queue"
	msg := sprintf("%s is a queue", [c.logical_id])
}
`), 0o644))

	out, err := run(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "violates policies")
	assert.Contains(t, out, "error no-queues: Jobs is a queue")
}

func TestValidate_InvalidManifest(t *testing.T) {
	path := writeManifest(t, "stack: Alpha\nstages:\n  - resource: {name: Site, kind: bucket, properties: {bucketName: NOT_VALID}}\n")

	_, err := run(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Site")
}

func TestRender(t *testing.T) {
	path := writeManifest(t, testManifest)

	out, err := run(t, "render", "-c", path)
	require.NoError(t, err)

	var tpl engine.Template
	require.NoError(t, json.Unmarshal([]byte(out), &tpl))
	site, ok := tpl.Get("Site")
	require.True(t, ok)
	assert.Equal(t, "AWS::S3::Bucket", site.Type)
	jobs, ok := tpl.Get("Jobs")
	require.True(t, ok)
	assert.Equal(t, []string{"Site"}, jobs.DependsOn)
}

func TestRender_Graph(t *testing.T) {
	path := writeManifest(t, testManifest)

	out, err := run(t, "render", "-c", path, "--graph")
	require.NoError(t, err)
	assert.Contains(t, out, "wave 1: Site")
	assert.Contains(t, out, "wave 2: Jobs")
	assert.Contains(t, out, "Site -> Jobs (depends_on)")
}

func TestRender_FlagsExclusive(t *testing.T) {
	path := writeManifest(t, testManifest)

	_, err := run(t, "render", "-c", path, "--graph", "--remote")
	require.Error(t, err)
}

func TestUncommit_RequiresYes(t *testing.T) {
	path := writeManifest(t, "stack: Alpha\n")

	_, err := run(t, "uncommit", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without --yes")
}

func TestHistory(t *testing.T) {
	path := writeManifest(t, "stack: Alpha\nlogging: {level: error}\n")
	journalPath := filepath.Join(filepath.Dir(path), ".stackur", "journal.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(journalPath), 0o755))

	ctx := context.Background()
	store, err := stores.NewSQLiteStore(stores.Config{Path: journalPath})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))

	started := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, store.StartRun(ctx, engine.RunRecord{
		ID:            "run-001",
		StackName:     "Alpha",
		Operation:     "commit",
		ChangeSetName: "tester-20260301120000",
		ChangeSetType: engine.ChangeSetTypeCreate,
		Operator:      "tester",
		StartedAt:     started,
	}))
	require.NoError(t, store.AppendEvents(ctx, "run-001", []engine.StackEvent{{
		EventID:      "ev-1",
		LogicalID:    "Site",
		ResourceType: "AWS::S3::Bucket",
		Status:       "CREATE_COMPLETE",
		Timestamp:    started.Add(30 * time.Second),
	}}))
	require.NoError(t, store.FinishRun(ctx, "run-001", engine.RunOutcome{
		Outcome:     engine.OutcomeApplied,
		Changes:     1,
		CompletedAt: started.Add(time.Minute),
	}))
	require.NoError(t, store.Close())

	out, err := run(t, "history", "-c", path, "--json")
	require.NoError(t, err)
	var runs []stores.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-001", runs[0].ID)

	out, err = run(t, "history", "-c", path, "run-001")
	require.NoError(t, err)
	assert.Contains(t, out, "Run run-001: commit of Alpha by tester")
	assert.Contains(t, out, "CREATE_COMPLETE")

	_, err = run(t, "history", "-c", path, "--prune")
	require.Error(t, err, "no retention configured")
}

func TestWatchManifest(t *testing.T) {
	path := writeManifest(t, "stack: Alpha\n")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	changes := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- watchManifest(ctx, path, func() { changes <- struct{}{} })
	}()

	// Give the watcher time to start before writing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("stack: Beta\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("stack: Gamma\n"), 0o644))

	select {
	case <-changes:
	case <-ctx.Done():
		t.Fatal("manifest change not reported")
	}

	select {
	case <-changes:
		t.Fatal("writes in one burst should be reported once")
	case <-time.After(watchDebounce * 2):
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestEnvReload_RemovesDroppedStages(t *testing.T) {
	ctx := context.Background()
	load := func(content string) *config.Manifest {
		m, err := config.Load(writeManifest(t, content))
		require.NoError(t, err)
		return m
	}
	const before = `
stack: Alpha
interactive: false
poll_interval: 1ms
stages:
  - resource: {name: Site, kind: bucket}
  - resource: {name: Jobs, kind: queue}
`
	const after = `
stack: Alpha
interactive: false
poll_interval: 1ms
stages:
  - resource: {name: Site, kind: bucket}
`
	backend := enginetest.NewBackend()
	e := &env{backend: backend}
	e.build(load(before))
	require.NoError(t, e.stack.Commit(ctx))
	deployed, _ := backend.Deployed("Alpha")
	require.Equal(t, []string{"Site", "Jobs"}, deployed.Names())
	engineBefore := e.stack.Engine()

	removed := e.reload(load(after))
	assert.Equal(t, []string{"Jobs"}, removed)
	assert.Same(t, engineBefore, e.stack.Engine())

	require.NoError(t, e.stack.Commit(ctx))
	deployed, _ = backend.Deployed("Alpha")
	assert.Equal(t, []string{"Site"}, deployed.Names())
	assert.Equal(t, 0, backend.CallCount("DeleteStack"))
}

func TestExplain(t *testing.T) {
	assert.NoError(t, explain(nil))

	plain := errors.New("boom")
	assert.Same(t, plain, explain(plain))

	busy := engine.NewConflictError("cloudformation operation already in progress", errors.New("UPDATE_IN_PROGRESS")).
		WithCode(engine.ErrCodeConflict)
	err := explain(busy)
	assert.ErrorIs(t, err, busy)
	assert.True(t, engine.IsConflict(err))
	assert.Contains(t, err.Error(), "retry when it finishes")
}
