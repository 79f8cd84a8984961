// Package events carries domain notifications (anchor confirmations, review
// transitions) to in-process subscribers, Kafka and webhooks.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TypeAnchorSubmitted        = "anchor.submitted"
	TypeAnchorConfirmed        = "anchor.confirmed"
	TypeAnchorUnavailable      = "anchor.unavailable"
	TypeSubmissionTransitioned = "submission.transitioned"
)

// Event is an immutable notification. Subject is the content hash for anchor
// events and the submission id for review events.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Subject    string          `json:"subject"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// New builds an event with a fresh id, marshaling payload as JSON.
func New(eventType, subject string, payload any, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Subject:    subject,
		Payload:    raw,
		OccurredAt: at.UTC(),
	}, nil
}

// Publisher delivers events. Implementations must not block the caller for
// longer than a bounded enqueue.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, e Event) error {
	p.Logger.Info().
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("subject", e.Subject).
		RawJSON("payload", e.Payload).
		Msg("event published")
	return nil
}
