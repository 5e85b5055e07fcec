package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memberhubhq/memberhub-backend/pkg/config"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize   = 50
	defaultPollMs      = 500
	defaultMaxAttempts = 10
	publishTimeout     = 15 * time.Second
	backoffCeiling     = 10 * time.Second
	jitterWindow       = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type txRunner interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type topicSource interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type eventStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type deadLetterStore interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type eventResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type topicPublisher interface {
	Publish(context.Context, *gcppubsub.Message) publishHandle
}

type publishHandle interface {
	Get(context.Context) (string, error)
}

type publisherFor func(topic string) topicPublisher

// PublisherParams wires the outbox drain loop dependencies.
type PublisherParams struct {
	Config       *config.Config
	Logger       *logger.Logger
	DB           txRunner
	PubSub       topicSource
	Store        eventStore
	Resolver     eventResolver
	DeadLetters  deadLetterStore
	PublisherFor publisherFor
}

// Publisher drains unpublished outbox rows to their Pub/Sub topics. Each batch
// runs in one transaction so row state only advances when the markers commit.
type Publisher struct {
	cfg          *config.Config
	logg         *logger.Logger
	db           txRunner
	store        eventStore
	topics       topicSource
	resolver     eventResolver
	deadLetters  deadLetterStore
	publisherFor publisherFor
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

func NewPublisher(params PublisherParams) (*Publisher, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.PubSub == nil {
		return nil, errors.New("pubsub client is required")
	}
	if params.Store == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Resolver == nil {
		return nil, errors.New("event resolver is required")
	}
	if params.DeadLetters == nil {
		return nil, errors.New("dead letter store is required")
	}

	lookup := params.PublisherFor
	if lookup == nil {
		lookup = func(topic string) topicPublisher {
			pub := params.PubSub.Publisher(topic)
			if pub == nil {
				return nil
			}
			return &gcpPublisher{pub: pub}
		}
	}

	batch := params.Config.Outbox.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := params.Config.Outbox.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := params.Config.Outbox.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Publisher{
		cfg:          params.Config,
		logg:         params.Logger,
		db:           params.DB,
		store:        params.Store,
		topics:       params.PubSub,
		resolver:     params.Resolver,
		deadLetters:  params.DeadLetters,
		publisherFor: lookup,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
	}, nil
}

// Run polls the outbox until the context is canceled. Batch errors back off
// exponentially with jitter; an idle poll sleeps one interval.
func (p *Publisher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := p.db.Ping(ctx); err != nil {
		p.logg.Error(ctx, "database not reachable", err)
		return fmt.Errorf("database ping: %w", err)
	}
	if err := p.topics.Ping(ctx); err != nil {
		p.logg.Error(ctx, "pubsub not reachable", err)
		return fmt.Errorf("pubsub ping: %w", err)
	}

	interval := p.pollInterval
	if interval <= 0 {
		interval = time.Duration(defaultPollMs) * time.Millisecond
	}
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			p.logg.Info(ctx, "publisher stopping")
			return ctx.Err()
		default:
		}

		drained, err := p.drainBatch(ctx)
		if err != nil {
			p.logg.Error(ctx, "batch failed", err)
			backoff = growBackoff(backoff, interval)
			if err := p.wait(ctx, jittered(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if drained {
			continue
		}

		if err := p.wait(ctx, jittered(interval)); err != nil {
			return err
		}
	}
}

// drainBatch publishes one fetched batch inside a transaction. It reports
// false when the outbox had nothing to publish.
func (p *Publisher) drainBatch(ctx context.Context) (bool, error) {
	drained := false
	err := p.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := p.store.FetchUnpublishedForPublish(tx, p.batchSize, p.maxAttempts)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		drained = true
		for _, event := range events {
			if err := p.dispatch(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	return drained, err
}

// dispatch resolves and publishes a single event, advancing its row state.
// A failure to publish is absorbed here; only marker errors abort the batch.
func (p *Publisher) dispatch(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) error {
	resolved, err := p.resolver.Resolve(event)
	if err != nil {
		return p.deadLetter(ctx, tx, event, enums.DLQReasonUnroutable, err, "", nil)
	}

	fields := p.logFields(event, resolved.Envelope, resolved.Descriptor.Topic)
	if err := p.publish(ctx, event, resolved); err != nil {
		var nonRetry registry.NonRetryableError
		if errors.As(err, &nonRetry) {
			return p.deadLetter(ctx, tx, event, enums.DLQReasonUnroutable, err, resolved.Descriptor.Topic, fields)
		}

		nextAttempt := event.AttemptCount + 1
		fields["attempt_count"] = nextAttempt

		if nextAttempt >= p.maxAttempts {
			fields["terminal_reason"] = "max_attempts"
			terminalErr := fmt.Errorf("max publish attempts reached: %w", err)
			return p.deadLetter(ctx, tx, event, enums.DLQReasonMaxAttempts, terminalErr, resolved.Descriptor.Topic, fields)
		}

		logCtx := p.logg.WithFields(ctx, fields)
		logCtx = p.logg.WithField(logCtx, "error", err.Error())
		p.logg.Warn(logCtx, "publish attempt failed, will retry")
		if markErr := p.store.MarkFailedTx(tx, event.ID, err); markErr != nil {
			return fmt.Errorf("mark failure %s: %w", event.ID, markErr)
		}
		return nil
	}

	if markErr := p.store.MarkPublishedTx(tx, event.ID); markErr != nil {
		return fmt.Errorf("mark published %s: %w", event.ID, markErr)
	}
	p.logg.Info(p.logg.WithFields(ctx, fields), "event published")
	return nil
}

// deadLetter copies the event into the DLQ and marks the row terminal, both
// in the batch transaction.
func (p *Publisher) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, topic string, fields map[string]any) error {
	if fields == nil {
		fields = p.logFields(event, outbox.PayloadEnvelope{}, topic)
	}
	fields["error_reason"] = reason
	logCtx := p.logg.WithFields(ctx, fields)
	logCtx = p.logg.WithField(logCtx, "error", cause.Error())
	p.logg.Warn(logCtx, "dead-lettering event, no further retries")

	message := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &message,
		AttemptCount:  event.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := p.deadLetters.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, err)
	}
	if err := p.store.MarkTerminalTx(tx, event.ID, cause, p.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := p.publisherFor(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %s", topic))
	}

	msg := &gcppubsub.Message{
		Data: event.Payload,
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID.String(),
			"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	handle := pub.Publish(publishCtx, msg)
	if handle == nil {
		return registry.NewNonRetryableError(fmt.Errorf("nil publish handle for topic %s", topic))
	}
	if _, err := handle.Get(publishCtx); err != nil {
		return err
	}
	return nil
}

func (p *Publisher) logFields(event models.OutboxEvent, envelope outbox.PayloadEnvelope, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"attempt_count":  event.AttemptCount,
	}
	if envelope.EventID != "" {
		fields["event_id"] = envelope.EventID
		fields["occurred_at"] = envelope.OccurredAt.Format(time.RFC3339Nano)
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func (p *Publisher) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func growBackoff(current, base time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > backoffCeiling {
		return backoffCeiling
	}
	return next
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(jitterSource.Int63n(int64(jitterWindow)))
}

type gcpPublisher struct {
	pub *gcppubsub.Publisher
}

func (g *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishHandle {
	if g == nil || g.pub == nil {
		return nil
	}
	return gcpPublishHandle{result: g.pub.Publish(ctx, msg)}
}

type gcpPublishHandle struct {
	result *gcppubsub.PublishResult
}

func (h gcpPublishHandle) Get(ctx context.Context) (string, error) {
	if h.result == nil {
		return "", errors.New("publish result is nil")
	}
	return h.result.Get(ctx)
}
