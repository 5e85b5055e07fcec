package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox/idempotency"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox/payloads"
	"github.com/memberhubhq/memberhub-backend/pkg/sms"
)

const notifierConsumer = "notifier"

type smsSender interface {
	Send(ctx context.Context, phoneNumber, text string) (*sms.Receipt, error)
}

// Consumer drains notification intents off the topic and delivers them as
// texts. The Redis guard keeps redelivered messages from texting twice.
type Consumer struct {
	repo         Repository
	sender       smsSender
	subscription *pubsub.Subscriber
	idempotency  *idempotency.Manager
	logg         *logger.Logger
}

// NewConsumer builds the notification consumer.
func NewConsumer(repo Repository, sender smsSender, subscription *pubsub.Subscriber, manager *idempotency.Manager, logg *logger.Logger) (*Consumer, error) {
	if repo == nil {
		return nil, fmt.Errorf("notifications repository required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sms sender required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("notification subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		repo:         repo,
		sender:       sender,
		subscription: subscription,
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	fields := map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	}
	logCtx := c.logg.WithFields(ctx, fields)

	if eventType != string(enums.EventNotificationRequested) {
		c.logg.Info(logCtx, "skipping non-notification event")
		return processResult{ack: true}
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{ack: true}
	}

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, notifierConsumer, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	}

	var payload payloads.NotificationRequestedEvent
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		c.logg.Error(logCtx, "failed to parse payload", err)
		_ = c.idempotency.Delete(ctx, notifierConsumer, eventID)
		return processResult{nack: true}
	}

	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"customer_id": payload.CustomerID.String(),
		"kind":        payload.Kind,
	})

	if err := c.deliver(ctx, payload, logCtx); err != nil {
		c.logg.Error(logCtx, "notification delivery failed", err)
		_ = c.idempotency.Delete(ctx, notifierConsumer, eventID)
		return processResult{nack: true}
	}

	return processResult{ack: true}
}

func (c *Consumer) deliver(ctx context.Context, payload payloads.NotificationRequestedEvent, logCtx context.Context) error {
	if payload.Phone == "" {
		// Nothing to send to; drop rather than retry forever.
		c.logg.Warn(logCtx, "notification intent without phone number, dropping")
		return nil
	}

	body, err := Render(payload)
	if err != nil {
		c.logg.Error(logCtx, "unrenderable notification, dropping", err)
		return nil
	}

	receipt, err := c.sender.Send(ctx, payload.Phone, body)
	if err != nil {
		return err
	}

	row := &models.Notification{
		CustomerID:   payload.CustomerID,
		MembershipID: payload.MembershipID,
		PaymentID:    payload.PaymentID,
		Kind:         payload.Kind,
		Body:         body,
		Phone:        payload.Phone,
	}
	if receipt != nil && receipt.MessageID != "" {
		ref := receipt.MessageID
		row.ProviderRef = &ref
	}
	// The text already went out; an audit write failure must not trigger a
	// redelivery and a second send.
	if err := c.repo.Create(ctx, row); err != nil {
		c.logg.Error(logCtx, "failed to record sent notification", err)
		return nil
	}

	c.logg.Info(logCtx, "notification delivered")
	return nil
}
