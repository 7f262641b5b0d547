// Package telemetry wires careflow's logs, spans, metrics and lifecycle
// events.
//
// NewTelemetry builds all four from one Config:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	go tel.Metrics.Serve(ctx)
//
// Logger wraps zerolog with the task, trigger and activity fields that the
// engine logs under. Library packages take a zerolog.Logger, so hand them
// tel.Logger.Zerolog().
//
// Tracer owns the global OpenTelemetry provider. With tracing disabled the
// engine and store still start spans, but they are not recorded.
//
// Metrics is a private Prometheus registry served on its own listener. It
// implements engine.ActivityObserver and engine.QueueObserver, and counts
// workflow starts, completions, retries and abandonment from lifecycle
// events.
//
// EventPublisher implements engine.EventPublisher. In async mode Publish
// never blocks: a full buffer drops the event and returns an error.
//
//	tel.Events.Subscribe(func(e engine.LifecycleEvent) {
//	    forwarder.Forward(e)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
