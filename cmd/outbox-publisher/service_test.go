package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memberhubhq/memberhub-backend/pkg/config"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox/payloads"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox/registry"
)

func TestDrainBatchContinuesAfterFailure(t *testing.T) {
	store := &fakeStore{
		events: []models.OutboxEvent{
			{
				ID:            uuid.New(),
				EventType:     enums.EventNotificationRequested,
				AggregateType: enums.AggregateMembership,
				AggregateID:   uuid.New(),
				Payload:       mustEnvelopePayload(t, "event-one"),
			},
			{
				ID:            uuid.New(),
				EventType:     enums.EventNotificationRequested,
				AggregateType: enums.AggregateMembership,
				AggregateID:   uuid.New(),
				Payload:       mustEnvelopePayload(t, "event-two"),
			},
		},
	}
	pub := &fakeTopicPublisher{
		handles: []publishHandle{
			fakePublishHandle{err: errors.New("transient")},
			fakePublishHandle{},
		},
	}
	resolved := &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{
			EventType: enums.EventNotificationRequested,
			Topic:     "notification-topic",
		},
		Envelope: outbox.PayloadEnvelope{
			EventID:    uuid.NewString(),
			OccurredAt: time.Now(),
		},
		Payload: &payloads.NotificationRequestedEvent{},
	}
	publisher := newTestPublisher(t, store, pub, &fakeResolver{resolved: resolved}, &fakeDeadLetters{}, nil)

	drained, err := publisher.drainBatch(context.Background())
	if err != nil {
		t.Fatalf("drain batch returned error: %v", err)
	}
	if !drained {
		t.Fatalf("expected batch to report drained")
	}
	if got := len(store.failed); got != 1 {
		t.Fatalf("unexpected number of failed rows: %d", got)
	}
	if got := len(store.published); got != 1 {
		t.Fatalf("unexpected number of published rows: %d", got)
	}
	if store.failed[0] != store.events[0].ID {
		t.Fatalf("failed row recorded wrong ID")
	}
	if store.published[0] != store.events[1].ID {
		t.Fatalf("published row recorded wrong ID")
	}
}

func TestDrainBatchDeadLettersUnroutableEvent(t *testing.T) {
	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventNotificationRequested,
		AggregateType: enums.AggregateMembership,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelopePayload(t, "nonretryable"),
	}
	store := &fakeStore{events: []models.OutboxEvent{event}}
	resolver := &fakeResolver{err: registry.NewNonRetryableError(errors.New("invalid payload"))}
	deadLetters := &fakeDeadLetters{}
	publisher := newTestPublisher(t, store, &fakeTopicPublisher{}, resolver, deadLetters, nil)

	drained, err := publisher.drainBatch(context.Background())
	if err != nil {
		t.Fatalf("drain batch returned error: %v", err)
	}
	if !drained {
		t.Fatalf("expected batch to report drained")
	}
	if got := len(deadLetters.entries); got != 1 {
		t.Fatalf("expected dlq entry, got %d", got)
	}
	entry := deadLetters.entries[0]
	if entry.EventID != event.ID {
		t.Fatalf("dlq event_id mismatch: %s", entry.EventID)
	}
	if entry.Payload == nil || !bytes.Equal(entry.Payload, event.Payload) {
		t.Fatalf("dlq payload mismatch")
	}
	if entry.ErrorReason != enums.DLQReasonUnroutable {
		t.Fatalf("unexpected error reason: %s", entry.ErrorReason)
	}
}

func TestDrainBatchDeadLettersOnMaxAttempts(t *testing.T) {
	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventNotificationRequested,
		AggregateType: enums.AggregateMembership,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelopePayload(t, "max-attempts"),
		AttemptCount:  1,
	}
	store := &fakeStore{events: []models.OutboxEvent{event}}
	pub := &fakeTopicPublisher{
		handles: []publishHandle{
			fakePublishHandle{err: errors.New("transient")},
		},
	}
	resolved := &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{
			EventType: enums.EventNotificationRequested,
			Topic:     "notification-topic",
		},
		Envelope: outbox.PayloadEnvelope{
			EventID:    event.ID.String(),
			OccurredAt: time.Now(),
		},
		Payload: &payloads.NotificationRequestedEvent{},
	}
	deadLetters := &fakeDeadLetters{}
	publisher := newTestPublisher(t, store, pub, &fakeResolver{resolved: resolved}, deadLetters, &config.OutboxConfig{
		BatchSize:      1,
		PollIntervalMS: 100,
		MaxAttempts:    2,
	})

	drained, err := publisher.drainBatch(context.Background())
	if err != nil {
		t.Fatalf("drain batch returned error: %v", err)
	}
	if !drained {
		t.Fatalf("expected batch to report drained")
	}
	if got := len(deadLetters.entries); got != 1 {
		t.Fatalf("expected dlq entry, got %d", got)
	}
	entry := deadLetters.entries[0]
	if entry.EventID != event.ID {
		t.Fatalf("dlq event_id mismatch: %s", entry.EventID)
	}
	if entry.ErrorReason != enums.DLQReasonMaxAttempts {
		t.Fatalf("unexpected error reason: %s", entry.ErrorReason)
	}
}

func newTestPublisher(t *testing.T, store eventStore, pub topicPublisher, resolver eventResolver, deadLetters deadLetterStore, outboxCfgOverride *config.OutboxConfig) *Publisher {
	outboxCfg := config.OutboxConfig{
		BatchSize:      2,
		PollIntervalMS: 100,
		MaxAttempts:    5,
	}
	if outboxCfgOverride != nil {
		outboxCfg = *outboxCfgOverride
	}
	cfg := &config.Config{
		Outbox: outboxCfg,
	}
	logg := logger.New(logger.Options{
		ServiceName: "outbox-publisher-test",
		Output:      io.Discard,
	})
	publisher, err := NewPublisher(PublisherParams{
		Config:       cfg,
		Logger:       logg,
		DB:           &fakeTxRunner{},
		PubSub:       &fakeTopicSource{},
		Store:        store,
		Resolver:     resolver,
		DeadLetters:  deadLetters,
		PublisherFor: func(_ string) topicPublisher { return pub },
	})
	if err != nil {
		t.Fatalf("failed to construct publisher: %v", err)
	}
	return publisher
}

func mustEnvelopePayload(tb testing.TB, eventID string) json.RawMessage {
	tb.Helper()
	env := outbox.PayloadEnvelope{
		Version:    1,
		EventID:    eventID,
		OccurredAt: time.Now(),
		Data:       json.RawMessage(`{}`),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	return payload
}

type fakeStore struct {
	events    []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
}

func (f *fakeStore) FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeStore) MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeStore) MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeStore) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakeTxRunner struct{}

func (f *fakeTxRunner) Ping(context.Context) error {
	return nil
}

func (f *fakeTxRunner) WithTx(_ context.Context, fn func(*gorm.DB) error) error {
	return fn(nil)
}

type fakeTopicSource struct{}

func (f *fakeTopicSource) Ping(context.Context) error {
	return nil
}

func (f *fakeTopicSource) Publisher(name string) *gcppubsub.Publisher {
	return nil
}

type fakeTopicPublisher struct {
	handles []publishHandle
}

func (f *fakeTopicPublisher) Publish(context.Context, *gcppubsub.Message) publishHandle {
	if len(f.handles) == 0 {
		return nil
	}
	handle := f.handles[0]
	f.handles = f.handles[1:]
	return handle
}

type fakePublishHandle struct {
	err error
}

func (f fakePublishHandle) Get(context.Context) (string, error) {
	return "", f.err
}

type fakeResolver struct {
	resolved *registry.ResolvedEvent
	err      error
}

func (f *fakeResolver) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if f.resolved == nil {
		return nil, f.err
	}
	resolved := *f.resolved
	resolved.Envelope.EventID = event.ID.String()
	resolved.Envelope.OccurredAt = time.Now()
	return &resolved, f.err
}

type fakeDeadLetters struct {
	entries []models.OutboxDLQ
}

func (f *fakeDeadLetters) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	f.entries = append(f.entries, entry)
	return nil
}
