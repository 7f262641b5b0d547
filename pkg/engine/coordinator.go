package engine

import (
	"container/heap"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
)

// ErrEventInFlight is returned by Submit when an event with the same ID is
// already queued or being processed.
var ErrEventInFlight = errors.New("event already queued or in flight")

// ErrCoordinatorStopped is returned by Submit after Stop.
var ErrCoordinatorStopped = errors.New("coordinator stopped")

// Fingerprint derives a stable event ID from the event's kind, name and payload.
func Fingerprint(ev *TriggerEvent) string {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", ev.Payload))
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte(ev.Kind))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeTriggerKey(ev.Name)))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// EventProcessor runs workflows for the coordinator.
type EventProcessor interface {
	Process(ctx context.Context, event *TriggerEvent, root *Task) (*Task, error)
	Finalize(ctx context.Context, root *Task, cause error) (*Task, error)
}

// QueueObserver receives queue depth changes.
type QueueObserver interface {
	SetQueuedEvents(depth int)
}

// CoordinatorConfig tunes retry and concurrency.
type CoordinatorConfig struct {
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultCoordinatorConfig returns the coordinator defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Workers:        4,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}
}

// queuedEvent is one entry of the priority queue.
type queuedEvent struct {
	event    *TriggerEvent
	priority int
	seq      uint64
	attempts int
	root     *Task
	index    int
}

// eventQueue orders by priority, then submission order.
type eventQueue []*queuedEvent

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x interface{}) {
	item := x.(*queuedEvent)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *eventQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// Coordinator schedules event processing by priority and retries failures
// with exponential backoff, up to a maximum number of attempts.
type Coordinator struct {
	processor EventProcessor
	tasks     *TaskManager
	publisher EventPublisher
	observer  QueueObserver
	config    CoordinatorConfig
	logger    zerolog.Logger

	mu       sync.Mutex
	queue    eventQueue
	inFlight map[string]bool
	timers   map[string]*time.Timer
	seq      uint64
	stopped  bool
	notify   chan struct{}

	onDrainTimeout func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorPublisher sets the lifecycle event publisher.
func WithCoordinatorPublisher(p EventPublisher) CoordinatorOption {
	return func(c *Coordinator) { c.publisher = p }
}

// WithQueueObserver reports queue depth to o.
func WithQueueObserver(o QueueObserver) CoordinatorOption {
	return func(c *Coordinator) { c.observer = o }
}

// WithDrainTimeoutHook runs fn when Stop gives up waiting, before in-flight
// work is cancelled. Used to settle running activities first.
func WithDrainTimeoutHook(fn func()) CoordinatorOption {
	return func(c *Coordinator) { c.onDrainTimeout = fn }
}

// NewCoordinator creates a coordinator. Call Start to run its workers.
func NewCoordinator(processor EventProcessor, tasks *TaskManager, cfg CoordinatorConfig, logger zerolog.Logger, opts ...CoordinatorOption) *Coordinator {
	defaults := DefaultCoordinatorConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	c := &Coordinator{
		processor: processor,
		tasks:     tasks,
		config:    cfg,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		inFlight:  make(map[string]bool),
		timers:    make(map[string]*time.Timer),
		notify:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the workers. Work is processed under a context derived from
// ctx.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.logger.Info().Int("workers", c.config.Workers).Msg("Coordinator started")
}

// Stop refuses new events, cancels pending retries and waits for in-flight
// work to finish or ctx to expire. On expiry the drain timeout hook runs and
// then in-flight work is cancelled.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
	c.wake()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if c.cancel != nil {
			c.cancel()
		}
		return nil
	case <-ctx.Done():
		if c.onDrainTimeout != nil {
			c.onDrainTimeout()
		}
		if c.cancel != nil {
			c.cancel()
		}
		return fmt.Errorf("coordinator shutdown timeout")
	}
}

// Submit queues an event at the priority of its trigger kind and returns its
// ID. An empty ID is replaced by the event fingerprint.
func (c *Coordinator) Submit(ev *TriggerEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = Fingerprint(ev)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ev.ID, ErrCoordinatorStopped
	}
	if c.inFlight[ev.ID] {
		c.mu.Unlock()
		return ev.ID, ErrEventInFlight
	}
	c.inFlight[ev.ID] = true
	c.pushLocked(&queuedEvent{event: ev, priority: ev.Kind.Priority()})
	c.mu.Unlock()

	c.logger.Debug().
		Str("event_id", ev.ID).
		Str("kind", string(ev.Kind)).
		Str("event_name", ev.Name).
		Msg("Event queued")
	c.wake()
	return ev.ID, nil
}

// Pending returns the number of queued events, including those waiting on a
// retry delay.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) + len(c.timers)
}

func (c *Coordinator) pushLocked(item *queuedEvent) {
	c.seq++
	item.seq = c.seq
	heap.Push(&c.queue, item)
	if c.observer != nil {
		c.observer.SetQueuedEvents(len(c.queue))
	}
}

func (c *Coordinator) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Coordinator) next() (*queuedEvent, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			item := heap.Pop(&c.queue).(*queuedEvent)
			if c.observer != nil {
				c.observer.SetQueuedEvents(len(c.queue))
			}
			more := len(c.queue) > 0
			c.mu.Unlock()
			if more {
				c.wake()
			}
			return item, true
		}
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			c.wake()
			return nil, false
		}

		select {
		case <-c.notify:
		case <-c.ctx.Done():
			return nil, false
		}
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		item, ok := c.next()
		if !ok {
			return
		}
		c.process(item)
	}
}

func (c *Coordinator) process(item *queuedEvent) {
	ev := item.event
	log := c.logger.With().Str("event_id", ev.ID).Str("event_name", ev.Name).Logger()

	root, err := c.processor.Process(c.ctx, ev, item.root)
	if root != nil {
		item.root = root
	}
	item.attempts++

	if err == nil {
		if _, ferr := c.processor.Finalize(c.ctx, root, nil); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to settle processed event")
		}
		if _, rerr := c.tasks.RecordEventAttempt(c.ctx, root.ID, BusinessStatusProcessed, item.attempts, ""); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to record processed event")
		}
		log.Info().Str("task_id", root.ID).Int("attempts", item.attempts).Msg("Event processed")
		c.release(ev.ID)
		return
	}

	if !IsRetryable(err) || item.attempts >= c.config.MaxAttempts {
		c.abandon(item, err)
		return
	}

	delay := c.backoff(item.attempts)
	item.priority = max(item.priority-1, 0)

	if item.root != nil {
		if _, rerr := c.tasks.RecordEventAttempt(c.ctx, item.root.ID, BusinessStatusWaiting, item.attempts, err.Error()); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to record event retry")
		}
	}
	c.publish(&LifecycleEvent{
		Type:      LifecycleEventRetrying,
		TaskID:    rootID(item.root),
		EventName: ev.Name,
		Message:   fmt.Sprintf("Event %s retrying in %s after attempt %d", ev.Name, delay, item.attempts),
		Data:      map[string]interface{}{"attempts": item.attempts, "delay": delay.Seconds(), "error": err.Error()},
	})
	log.Warn().
		Err(err).
		Int("attempts", item.attempts).
		Dur("delay", delay).
		Int("priority", item.priority).
		Msg("Event failed, retrying")

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.release(ev.ID)
		return
	}
	c.timers[ev.ID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if _, pending := c.timers[ev.ID]; !pending {
			c.mu.Unlock()
			return
		}
		delete(c.timers, ev.ID)
		c.pushLocked(item)
		c.mu.Unlock()
		c.wake()
	})
	c.mu.Unlock()
}

// abandon gives up on an event and settles its root task as failed.
func (c *Coordinator) abandon(item *queuedEvent, cause error) {
	ev := item.event
	if item.root != nil {
		if _, err := c.tasks.RecordEventAttempt(c.ctx, item.root.ID, BusinessStatusError, item.attempts, cause.Error()); err != nil {
			c.logger.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to record abandoned event")
		}
		if _, err := c.processor.Finalize(c.ctx, item.root, cause); err != nil {
			c.logger.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to settle abandoned event")
		}
	}

	c.publish(&LifecycleEvent{
		Type:      LifecycleEventAbandoned,
		TaskID:    rootID(item.root),
		EventName: ev.Name,
		Message:   fmt.Sprintf("Event %s abandoned after %d attempts", ev.Name, item.attempts),
		Data:      map[string]interface{}{"attempts": item.attempts, "error": cause.Error(), "code": CodeOf(cause)},
	})
	c.logger.Error().
		Err(cause).
		Str("event_id", ev.ID).
		Int("attempts", item.attempts).
		Bool("retryable", IsRetryable(cause)).
		Msg("Event abandoned")
	c.release(ev.ID)
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

// backoff returns initial * 2^(attempt-1) plus up to 25% jitter, never more
// than the maximum.
func (c *Coordinator) backoff(attempt int) time.Duration {
	limit := c.config.MaxBackoff
	delay := limit
	if d := float64(c.config.InitialBackoff) * math.Pow(2, float64(attempt-1)); d < float64(limit) {
		delay = time.Duration(d)
	}
	if jitter := int64(delay) / 4; jitter > 0 {
		delay += time.Duration(rand.Int64N(jitter))
	}
	return min(delay, limit)
}

func (c *Coordinator) publish(event *LifecycleEvent) {
	if c.publisher == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC()
	event.Level = event.Type.Severity()
	if err := c.publisher.Publish(context.Background(), event); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to publish lifecycle event")
	}
}

func rootID(t *Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}
