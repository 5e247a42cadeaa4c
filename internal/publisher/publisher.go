// Package publisher relays domain events from the in-process bus to NATS
// JetStream in the canonical envelope format.
package publisher

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/p2p-engine/internal/metrics"
	"github.com/Checker-Finance/p2p-engine/pkg/eventbus"
	"github.com/Checker-Finance/p2p-engine/pkg/logger"
	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// Publisher wraps a NATS connection and provides helpers for publishing canonical events.
type Publisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	service string
}

// New creates a new Publisher with JetStream enabled if available.
func New(nc *nats.Conn, subject, service string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &Publisher{
		nc:      nc,
		js:      js,
		subject: subject,
		service: service,
	}, nil
}

// Attach subscribes the publisher to every bus topic. Relay failures are
// logged and counted but never surface to the operation that emitted the
// event.
func (p *Publisher) Attach(bus *eventbus.Bus) {
	bus.SubscribeAll(func(event model.Event) {
		if err := p.PublishEvent(event); err != nil {
			logger.S().Errorw("publisher.relay_failed",
				"topic", event.Topic,
				"error", err,
			)
		}
	})
}

// PublishEvent wraps a domain event in the canonical envelope and publishes
// it under "<subject>.<topic>".
func (p *Publisher) PublishEvent(event model.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	env := &model.Envelope{
		ID:            uuid.New(),
		CorrelationID: uuid.New(),
		Topic:         event.Topic,
		EventType:     event.Topic,
		Version:       "1.0.0",
		Timestamp:     event.Timestamp,
		Payload:       payload,
	}
	return p.PublishEnvelope(p.subject+"."+event.Topic, env)
}

// PublishEnvelope serializes and publishes a canonical event envelope to NATS.
func (p *Publisher) PublishEnvelope(subject string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	if subject == "" {
		subject = p.subject
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg)
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, subject)

	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncNATSMessage(subject, "error")
		return err
	}

	metrics.IncNATSMessage(subject, "ok")
	return nil
}

// HealthCheck reports whether the NATS connection is alive.
func (p *Publisher) HealthCheck() bool {
	return p.nc != nil && p.nc.IsConnected()
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
