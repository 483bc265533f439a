// Package stores provides the SQLite run journal. Every commit and teardown
// is recorded as a run together with the stack events observed while it was
// applied. The journal is diagnostic history; nothing reads it back to
// decide what to deploy.
package stores
