package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher forwards committed events to JetStream. Publish only
// enqueues; Run drains the queue. A full queue drops the event since
// consumers can always re-read state from the engine.
type NATSPublisher struct {
	js     Publisher
	prefix string
	queue  chan Event
	log    zerolog.Logger
}

// NewNATSPublisher creates a publisher with a bounded queue.
func NewNATSPublisher(js Publisher, prefix string, buffer int, log zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{
		js:     js,
		prefix: prefix,
		queue:  make(chan Event, buffer),
		log:    log,
	}
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) {
	select {
	case p.queue <- e:
	default:
		p.log.Warn().Uint64("sequence", e.Sequence).Str("type", string(e.Type)).Msg("event queue full, dropping")
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-p.queue:
			if err := p.publish(ctx, e); err != nil {
				// Non-fatal: the engine state remains the source of truth.
				p.log.Warn().Err(err).Uint64("sequence", e.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, e.Subject(p.prefix), data)
	return err
}

// EnsureStream creates or updates the stream that captures prefix.>.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}
	return nil
}
