package natsbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/pkg/engine"
)

// Expander turns a data change into one event per subscribed definition.
type Expander interface {
	DataChangeEvents(change *engine.DataChange) []*engine.TriggerEvent
}

// Submitter queues trigger events.
type Submitter interface {
	Submit(ev *engine.TriggerEvent) (string, error)
}

// dataChangeMessage is the body of a data-change notification. The
// resource type and action come from the subject.
type dataChangeMessage struct {
	ResourceID string                 `json:"resourceId"`
	Resource   map[string]interface{} `json:"resource"`
}

// DataChangeIntake subscribes to <prefix>.<resourceType>.<action> and
// submits the matching data-changed events.
type DataChangeIntake struct {
	prefix   string
	expander Expander
	queue    Submitter
	logger   zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewDataChangeIntake creates an intake for subjects under prefix.
func NewDataChangeIntake(prefix string, expander Expander, queue Submitter, logger zerolog.Logger) *DataChangeIntake {
	return &DataChangeIntake{
		prefix:   strings.TrimSuffix(prefix, "."),
		expander: expander,
		queue:    queue,
		logger:   logger.With().Str("component", "natsbus").Str("subject_prefix", prefix).Logger(),
	}
}

// Subscribe starts receiving notifications on nc.
func (i *DataChangeIntake) Subscribe(nc *nats.Conn) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sub != nil {
		return fmt.Errorf("intake already subscribed to %s", i.sub.Subject)
	}

	sub, err := nc.Subscribe(i.prefix+".>", i.HandleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s.>: %w", i.prefix, err)
	}
	i.sub = sub
	i.logger.Info().Msg("Subscribed to data changes")
	return nil
}

// Unsubscribe stops receiving notifications.
func (i *DataChangeIntake) Unsubscribe() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sub == nil {
		return nil
	}
	err := i.sub.Unsubscribe()
	i.sub = nil
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// HandleMessage decodes one notification and submits its events. Bad
// messages are logged and dropped.
func (i *DataChangeIntake) HandleMessage(msg *nats.Msg) {
	change, err := i.decode(msg)
	if err != nil {
		i.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping data change")
		return
	}

	ids, err := i.Handle(change)
	if err != nil {
		i.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to queue data change")
		return
	}
	i.logger.Debug().
		Str("resource_type", change.ResourceType).
		Str("action", change.Action).
		Int("events", len(ids)).
		Msg("Data change received")
}

// Handle submits one event per definition subscribed to change. Events
// already in flight count as submitted.
func (i *DataChangeIntake) Handle(change *engine.DataChange) ([]string, error) {
	events := i.expander.DataChangeEvents(change)
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		id, err := i.queue.Submit(ev)
		if err != nil && !errors.Is(err, engine.ErrEventInFlight) {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (i *DataChangeIntake) decode(msg *nats.Msg) (*engine.DataChange, error) {
	resourceType, action, err := ParseSubject(i.prefix, msg.Subject)
	if err != nil {
		return nil, err
	}
	change := &engine.DataChange{ResourceType: resourceType, Action: action}

	if len(bytes.TrimSpace(msg.Data)) == 0 {
		return change, nil
	}
	var body dataChangeMessage
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return nil, fmt.Errorf("invalid data change body: %w", err)
	}
	change.ResourceID = body.ResourceID
	change.Resource = body.Resource
	return change, nil
}

// ParseSubject splits <prefix>.<resourceType>.<action>.
func ParseSubject(prefix, subject string) (resourceType, action string, err error) {
	rest, ok := strings.CutPrefix(subject, strings.TrimSuffix(prefix, ".")+".")
	if !ok {
		return "", "", fmt.Errorf("subject %q is outside prefix %q", subject, prefix)
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("subject %q must be %s.<resourceType>.<action>", subject, prefix)
	}
	return parts[0], parts[1], nil
}
