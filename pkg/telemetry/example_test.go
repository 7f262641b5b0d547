package telemetry_test

import (
	"context"
	"fmt"

	"github.com/careflow/careflow/pkg/engine"
	"github.com/careflow/careflow/pkg/telemetry"
)

// Example_eventPublishing demonstrates subscribing to lifecycle events.
func Example_eventPublishing() {
	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})
	if err != nil {
		panic(err)
	}
	defer publisher.Shutdown(context.Background())

	publisher.Subscribe(func(e engine.LifecycleEvent) {
		fmt.Printf("%s %s: %s\n", e.Level, e.Type, e.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	ctx := context.Background()
	_ = publisher.Publish(ctx, &engine.LifecycleEvent{
		Type:    engine.LifecycleTaskCreated,
		Message: "Workflow patient-intake started",
	})
	_ = publisher.Publish(ctx, &engine.LifecycleEvent{
		Type:    engine.LifecycleEventAbandoned,
		Message: "Event abandoned after 3 attempts",
	})

	// Output: error event_abandoned: Event abandoned after 3 attempts
}

// Example_structuredLogging demonstrates domain logger fields.
func Example_structuredLogging() {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	})
	if err != nil {
		panic(err)
	}

	logger.NewComponentLogger("server").
		WithTaskID("task-123").
		WithEventName("patient-intake").
		Info("Workflow executed")

	// Output varies with the timestamp, no output specified
}
