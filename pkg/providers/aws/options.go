package aws

import "github.com/openfroyo/stackur/pkg/telemetry"

// Option configures an adapter.
type Option func(*recorder)

// WithMetrics records every SDK call.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *recorder) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(r *recorder) {
		if l != nil {
			r.logger = l.NewComponentLogger("aws." + r.service)
		}
	}
}

func newRecorder(service string, opts []Option) recorder {
	r := recorder{service: service, logger: telemetry.NopLogger()}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}
