// Package events publishes workflow events to NATS JetStream for consumption
// by the notifications service.
//
// Subject convention: notifications.screening.<event_type>
// Event types: session_created, step_updated, step_completed,
//
//	approval_requested, approval_approved, approval_rejected,
//	session_locked, session_unlocked, access_granted, access_revoked
//
// All publish operations are non-fatal. Errors are logged but never propagated
// to the caller, so event delivery failures never interrupt workflow
// operations.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event is the JSON schema published to NATS.
type Event struct {
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id"`
	PatientID string         `json:"patient_id,omitempty"`
	Step      string         `json:"step,omitempty"`
	ActorID   string         `json:"actor_id"`
	ActorName string         `json:"actor_name,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Publisher publishes workflow events. A nil Publisher is a no-op, so callers
// never have to branch on whether NATS is configured.
type Publisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log zerolog.Logger
}

// Connect dials NATS and prepares a JetStream context. An empty URL returns a
// nil publisher.
func Connect(url string, log zerolog.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url, nats.Name("be-screening-workflow"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &Publisher{nc: nc, js: js, log: log}, nil
}

// Publish emits one workflow event. Subject: notifications.screening.<type>.
func (p *Publisher) Publish(ctx context.Context, event *Event) {
	if p == nil || p.js == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("events: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.screening.%s", event.EventType)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("session_id", event.SessionID).
			Msg("events: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("session_id", event.SessionID).
		Msg("events: event published")
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Close()
}
