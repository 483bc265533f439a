package engine

import (
	"os"
	"time"

	"github.com/openfroyo/stackur/pkg/telemetry"
)

// DefaultPollInterval is how long the plan and apply phases sleep between
// backend checks.
const DefaultPollInterval = 5 * time.Second

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithGate sets the confirmation gate consulted by interactive commits.
func WithGate(g Gate) Option {
	return func(r *Reconciler) { r.gate = g }
}

// WithPolicy sets the policy evaluated on every executable change set.
func WithPolicy(p ChangeSetPolicy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithJournal sets the run journal.
func WithJournal(j Journal) Option {
	return func(r *Reconciler) { r.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l.NewComponentLogger("engine")
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Reconciler) { r.tracer = t }
}

// WithEvents sets the publisher that receives every processed stack event.
func WithEvents(p *telemetry.EventPublisher) Option {
	return func(r *Reconciler) { r.events = p }
}

// WithOperator sets the identity used to prefix change set names.
func WithOperator(name string) Option {
	return func(r *Reconciler) {
		if name != "" {
			r.operator = name
		}
	}
}

// WithPollInterval overrides DefaultPollInterval. Non-positive values are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithApplyTimeout bounds the apply phase. Zero waits until the backend
// reports a terminal stack status or the context ends.
func WithApplyTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.applyTimeout = d }
}

// WithCapabilities sets the capabilities acknowledged on every change set,
// e.g. CAPABILITY_IAM for templates that create roles.
func WithCapabilities(caps ...string) Option {
	return func(r *Reconciler) { r.capabilities = caps }
}

// WithTags sets stack tags submitted with every change set.
func WithTags(tags map[string]string) Option {
	return func(r *Reconciler) { r.tags = tags }
}

// WithClock replaces time.Now, used for change set names and durations.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func defaultOperator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "stackur"
}
