package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackur/pkg/engine"
	"github.com/openfroyo/stackur/pkg/engine/enginetest"
	"github.com/openfroyo/stackur/pkg/stack"
)

type memStore struct {
	objects map[string]map[string]string
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string]map[string]string)}
}

func (m *memStore) ListObjects(ctx context.Context, bucket string) ([]string, error) {
	var keys []string
	for k := range m.objects[bucket] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memStore) DeleteObject(ctx context.Context, bucket, key string) error {
	delete(m.objects[bucket], key)
	return nil
}

func (m *memStore) DeleteObjectVersions(ctx context.Context, bucket string) (int, error) {
	return 0, nil
}

func (m *memStore) DeleteBucket(ctx context.Context, bucket string) error {
	if len(m.objects[bucket]) > 0 {
		return errors.New("BucketNotEmpty")
	}
	delete(m.objects, bucket)
	return nil
}

func (m *memStore) PutObject(ctx context.Context, bucket, key string, body []byte) error {
	if m.objects[bucket] == nil {
		m.objects[bucket] = make(map[string]string)
	}
	m.objects[bucket][key] = string(body)
	return nil
}

const siteManifest = `
stack: Alpha
interactive: false
poll_interval: 1ms
stages:
  - resource:
      name: Site
      kind: bucket
      properties:
        bucketName: alpha-site
  - task:
      name: Seed
      condition: physical_id("Site") != ""
      script: |
        bucket = physical_id("Site")
        for page in ["index.html", "error.html"]:
            put_object(bucket, page, "<h1>%s</h1>" % stack)
  - task:
      name: Skipped
      condition: env("STACKUR_TEST_NEVER_SET") == "yes"
      script: put_object(physical_id("Site"), "skipped.html", "")
`

func buildSite(t *testing.T, doc string) (*stack.Stack, *enginetest.Backend, *memStore) {
	t.Helper()
	m, err := Parse(strings.NewReader(doc), t.TempDir())
	require.NoError(t, err)

	backend := enginetest.NewBackend()
	store := newMemStore()
	s := BuildStack(m, backend,
		stack.WithObjectStore(store),
		stack.WithEngineOptions(engine.WithOperator("tester")),
	)
	return s, backend, store
}

func TestBuildStack_Commit(t *testing.T) {
	s, backend, store := buildSite(t, siteManifest)

	require.NoError(t, s.Commit(context.Background()))
	assert.Len(t, s.Units(), 3)
	assert.False(t, s.Interactive())

	bucket, ok := s.Engine().PhysicalID("Site")
	require.True(t, ok, "Site is committed")
	assert.True(t, strings.HasPrefix(bucket, "Alpha-Site-"), "unexpected physical id %s", bucket)
	_, ok = backend.Deployed("Alpha")
	assert.True(t, ok)

	pages := store.objects[bucket]
	assert.Equal(t, map[string]string{
		"index.html": "<h1>Alpha</h1>",
		"error.html": "<h1>Alpha</h1>",
	}, pages, "a task with a false condition does not run its script")
}

func TestBuildStack_Uncommit(t *testing.T) {
	s, backend, store := buildSite(t, siteManifest)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx))
	bucket, _ := s.Engine().PhysicalID("Site")

	require.NoError(t, s.Uncommit(ctx))
	assert.NotContains(t, store.objects, bucket, "bucket emptied and deleted")
	assert.Equal(t, 1, backend.CallCount("DeleteStack"))
}

func TestBuildStack_RetainedBucketIsKept(t *testing.T) {
	doc := strings.Replace(siteManifest, "      kind: bucket\n", "      kind: bucket\n      deletion_policy: Retain\n", 1)
	s, backend, store := buildSite(t, doc)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx))
	bucket, _ := s.Engine().PhysicalID("Site")

	require.NoError(t, s.Uncommit(ctx))
	assert.Len(t, store.objects[bucket], 2, "retained bucket keeps its objects")
	assert.Equal(t, 1, backend.CallCount("DeleteStack"))
}

func TestBuildStack_TaskFailure(t *testing.T) {
	doc := `
stack: Alpha
interactive: false
poll_interval: 1ms
stages:
  - task:
      name: Broken
      script: fail("seed failed")
`
	s, _, _ := buildSite(t, doc)

	err := s.Commit(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed failed")
}

func TestBuildStack_NoObjectStore(t *testing.T) {
	m, err := Parse(strings.NewReader(siteManifest), t.TempDir())
	require.NoError(t, err)
	s := BuildStack(m, enginetest.NewBackend(), stack.WithEngineOptions(engine.WithOperator("tester")))

	err = s.Commit(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no object store configured")
}

func TestManifest_EngineOptionsOverride(t *testing.T) {
	m, err := Parse(strings.NewReader("stack: Alpha\napply_timeout: 1m\n"), "")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, m.ApplyTimeout)
	assert.Len(t, m.EngineOptions(), 2, "no capabilities or tags")
}

func TestRemovedResources(t *testing.T) {
	parse := func(doc string) *Manifest {
		m, err := Parse(strings.NewReader(doc), "")
		require.NoError(t, err)
		return m
	}
	prev := parse(`
stack: Alpha
stages:
  - resource: {name: Site, kind: bucket}
  - resource: {name: Jobs, kind: queue}
  - task: {name: Seed, script: "x = 1"}
  - resource: {name: Events, kind: topic}
`)
	next := parse(`
stack: Alpha
stages:
  - resource: {name: Events, kind: topic}
  - resource: {name: Site, kind: bucket}
`)

	assert.Equal(t, []string{"Jobs"}, RemovedResources(prev, next))
	assert.Empty(t, RemovedResources(next, next))
	assert.Equal(t, []string{"Events", "Site"}, RemovedResources(next, parse("stack: Alpha\n")))
}
