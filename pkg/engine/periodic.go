package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventSubmitter accepts events for asynchronous processing.
type EventSubmitter interface {
	Submit(ev *TriggerEvent) (string, error)
}

// PeriodicScheduler runs one ticker per periodic binding in the registry and
// submits an event on every tick. It follows registry changes.
type PeriodicScheduler struct {
	registry  *TriggerRegistry
	submitter EventSubmitter
	logger    zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewPeriodicScheduler creates a scheduler and subscribes it to registry changes.
func NewPeriodicScheduler(registry *TriggerRegistry, submitter EventSubmitter, logger zerolog.Logger) *PeriodicScheduler {
	s := &PeriodicScheduler{
		registry:  registry,
		submitter: submitter,
		logger:    logger.With().Str("component", "periodic-scheduler").Logger(),
		running:   make(map[string]context.CancelFunc),
	}
	registry.OnRefresh(s.Rebuild)
	return s
}

// Start begins ticking for the current bindings.
func (s *PeriodicScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.Rebuild()
}

// Stop halts every ticker and waits for them to exit.
func (s *PeriodicScheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	s.wg.Wait()
}

// Rebuild reconciles tickers with the registry's periodic bindings. Bindings
// whose definition and interval are unchanged keep their ticker.
func (s *PeriodicScheduler) Rebuild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	wanted := make(map[string]PeriodicBinding)
	for _, b := range s.registry.Periodic() {
		wanted[bindingKey(b)] = b
	}

	for key, cancel := range s.running {
		if _, ok := wanted[key]; !ok {
			cancel()
			delete(s.running, key)
		}
	}
	for key, b := range wanted {
		if _, ok := s.running[key]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(s.ctx)
		s.running[key] = cancel
		s.wg.Add(1)
		go s.tick(ctx, b)
	}

	s.logger.Debug().Int("tickers", len(s.running)).Msg("Periodic triggers reconciled")
}

func (s *PeriodicScheduler) tick(ctx context.Context, b PeriodicBinding) {
	defer s.wg.Done()

	ticker := time.NewTicker(b.Trigger.Every)
	defer ticker.Stop()

	for {
		select {
		case t := <-ticker.C:
			tick := t.UTC().Truncate(b.Trigger.Every)
			ev := &TriggerEvent{
				Kind: TriggerKindPeriodic,
				Name: b.Definition.Name,
				Payload: map[string]interface{}{
					"trigger":  b.Trigger.Name,
					"tick":     tick.Format(time.RFC3339),
					"interval": b.Trigger.Every.String(),
				},
				ReceivedAt: t.UTC(),
			}
			if _, err := s.submitter.Submit(ev); err != nil {
				if errors.Is(err, ErrEventInFlight) {
					s.logger.Debug().Str("event_name", ev.Name).Msg("Previous tick still in flight")
					continue
				}
				s.logger.Warn().Err(err).Str("event_name", ev.Name).Msg("Failed to submit periodic event")
			}
		case <-ctx.Done():
			return
		}
	}
}

func bindingKey(b PeriodicBinding) string {
	return b.Definition.ID + "|" + b.Trigger.Name + "|" + b.Trigger.Every.String()
}
