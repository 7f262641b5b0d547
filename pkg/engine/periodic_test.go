package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type capturingSubmitter struct {
	mu     sync.Mutex
	events []*TriggerEvent
}

func (s *capturingSubmitter) Submit(ev *TriggerEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return Fingerprint(ev), nil
}

func (s *capturingSubmitter) submitted() []*TriggerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*TriggerEvent(nil), s.events...)
}

func (s *PeriodicScheduler) tickers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func TestPeriodicScheduler_FollowsRegistry(t *testing.T) {
	registry, _ := newRegistry(newMemStore())
	sub := &capturingSubmitter{}
	sched := NewPeriodicScheduler(registry, sub, zerolog.Nop())
	ctx := context.Background()

	sched.Start(ctx)
	defer sched.Stop()

	if sched.tickers() != 0 {
		t.Fatalf("expected no tickers, got %d", sched.tickers())
	}

	def, err := registry.RegisterEvent(ctx, &EventDefinition{
		Name:     "census",
		Triggers: []TriggerSpec{{Type: TriggerKindPeriodic, Name: "every-second", Every: "1s"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sched.tickers() != 1 {
		t.Fatalf("expected 1 ticker after register, got %d", sched.tickers())
	}

	waitFor(t, "periodic submission", func() bool { return len(sub.submitted()) > 0 })
	ev := sub.submitted()[0]
	if ev.Kind != TriggerKindPeriodic || ev.Name != "census" {
		t.Errorf("unexpected event %+v", ev)
	}
	payload, _ := ev.Payload.(map[string]interface{})
	if payload["trigger"] != "every-second" || payload["interval"] != "1s" {
		t.Errorf("unexpected payload %v", payload)
	}

	// Re-registering an unchanged binding keeps the ticker.
	if _, err := registry.RegisterEvent(ctx, &EventDefinition{
		Name:     "census",
		Triggers: []TriggerSpec{{Type: TriggerKindPeriodic, Name: "every-second", Every: "1s"}},
	}); err != nil {
		t.Fatal(err)
	}
	if sched.tickers() != 1 {
		t.Errorf("expected 1 ticker after re-register, got %d", sched.tickers())
	}

	if err := registry.UnregisterEvent(ctx, def); err != nil {
		t.Fatal(err)
	}
	if sched.tickers() != 0 {
		t.Errorf("expected tickers to stop after unregister, got %d", sched.tickers())
	}
}

func TestPeriodicScheduler_IdleUntilStarted(t *testing.T) {
	registry, _ := newRegistry(newMemStore())
	sched := NewPeriodicScheduler(registry, &capturingSubmitter{}, zerolog.Nop())

	if _, err := registry.RegisterEvent(context.Background(), &EventDefinition{
		Name:     "census",
		Triggers: []TriggerSpec{{Type: TriggerKindPeriodic, Name: "hourly", Every: "1h"}},
	}); err != nil {
		t.Fatal(err)
	}
	if sched.tickers() != 0 {
		t.Errorf("scheduler must not tick before Start, got %d tickers", sched.tickers())
	}

	sched.Start(context.Background())
	if sched.tickers() != 1 {
		t.Errorf("expected 1 ticker after Start, got %d", sched.tickers())
	}
	sched.Stop()
	if sched.tickers() != 0 {
		t.Errorf("expected no tickers after Stop, got %d", sched.tickers())
	}
}
