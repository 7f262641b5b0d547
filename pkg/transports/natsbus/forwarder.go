package natsbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/pkg/engine"
)

// Publisher publishes to JetStream and waits for the ack. *Client
// implements it.
type Publisher interface {
	PublishSync(ctx context.Context, subj string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EventForwarder publishes lifecycle events to <subject>.<event type>.
// The event ID is the message ID, so JetStream drops redeliveries inside
// the stream's duplicate window.
type EventForwarder struct {
	subject string
	pub     Publisher
	timeout time.Duration
	logger  zerolog.Logger
}

// NewEventForwarder creates a forwarder publishing under subject.
func NewEventForwarder(pub Publisher, subject string, logger zerolog.Logger) *EventForwarder {
	return &EventForwarder{
		subject: subject,
		pub:     pub,
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "natsbus").Str("subject", subject).Logger(),
	}
}

// Forward publishes event. Its signature matches telemetry.EventSubscriber.
func (f *EventForwarder) Forward(event engine.LifecycleEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		f.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to encode lifecycle event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	subj := f.subject + "." + string(event.Type)
	var opts []jetstream.PublishOpt
	if event.ID != "" {
		opts = append(opts, jetstream.WithMsgID(event.ID))
	}
	if _, err := f.pub.PublishSync(ctx, subj, data, opts...); err != nil {
		f.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to forward lifecycle event")
	}
}
