// Package telemetry provides the observability stack shared by the engine,
// the stack runner and the CLI.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//
//	rec := engine.New("Alpha", backend,
//	    engine.WithLogger(tel.Logger),
//	    engine.WithMetrics(tel.Metrics),
//	    engine.WithTracer(tel.Tracer),
//	    engine.WithEvents(tel.Events),
//	)
//
// # Logging
//
// Loggers carry stack, change set and unit fields:
//
//	logger := tel.Logger.NewComponentLogger("stack").WithStack("Alpha")
//	logger.WithChangeSet(name).Info("Creating change set")
//
// # Metrics
//
// Every Record* method is safe on a nil or disabled *Metrics, so callers
// never check whether metrics are enabled. Exposed series include
//
//	stackur_change_sets_created_total{type}
//	stackur_commits_completed_total{type,outcome}
//	stackur_commit_duration_seconds{type,outcome}
//	stackur_poll_ticks_total{phase}
//	stackur_stack_events_total{resource_type,status}
//	stackur_units_committed_total{kind,result}
//	stackur_backend_calls_total{service,operation}
//
// # Tracing
//
// The engine opens engine.commit, engine.plan, engine.apply and
// engine.uncommit spans; the stack runner opens stack.commit and one
// unit.* span per staged unit. A nil *Tracer yields no-op spans.
//
// # Events
//
// The publisher receives every stack event processed during an apply and
// every unit transition. The CLI subscribes to print progress.
package telemetry
