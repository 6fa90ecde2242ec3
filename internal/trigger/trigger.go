// Package trigger connects the dispatcher to NSQ: a consumer handler for delivery triggers and
// a publisher for triggers and dead letters.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/dispatcher"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

type Dispatcher interface {
	Deliver(ctx context.Context, id string) (dispatcher.Outcome, error)
}

// Handler consumes delivery triggers. Malformed messages and unknown ids are finished;
// internal errors are returned so NSQ requeues the message.
type Handler struct {
	dispatcher Dispatcher
	logger     *logging.Logger
	timeout    time.Duration
}

// NewHandler returns a Handler that bounds each invocation by timeout (0 means none).
func NewHandler(d Dispatcher, timeout time.Duration, logger *logging.Logger) *Handler {
	return &Handler{dispatcher: d, logger: logger, timeout: timeout}
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	t, err := delivery.ParseTrigger(m.Body)
	if err != nil {
		h.logger.Plain().WithError(err).WithField("attempts", m.Attempts).Error("bad trigger payload")
		metrics.RecordSkip(delivery.ErrInvalidTrigger.Error())
		return nil // terminal: don't retry bad payloads
	}

	ctx := tracing.ExtractMap(context.Background(), t.TraceHeaders)
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	id := t.DeliveryID()
	out, err := h.dispatcher.Deliver(ctx, id)
	switch {
	case errors.Is(err, dispatcher.ErrDeliveryNotFound):
		h.logger.WithContext(ctx).WithDelivery(id).Warn("trigger for unknown delivery dropped")
		return nil
	case err != nil:
		h.logger.WithContext(ctx).WithDelivery(id).WithError(err).Error("dispatch failed, requeueing trigger")
		return err
	}
	h.logger.WithContext(ctx).WithDelivery(id).WithFields(map[string]any{
		"processed": out.Processed,
		"status":    string(out.Status),
		"reason":    out.Reason,
	}).Debug("trigger handled")
	return nil
}

// Producer is satisfied by *nsq.Producer.
type Producer interface {
	Publish(topic string, body []byte) error
}

// Publisher sends triggers and dead letters. Publishes are retried with exponential backoff.
type Publisher struct {
	producer Producer
	topic    string
	dlqTopic string
	maxTries uint
	logger   *logging.Logger

	newBackOff func() backoff.BackOff
}

func NewPublisher(p Producer, topic, dlqTopic string, logger *logging.Logger) *Publisher {
	return &Publisher{
		producer:   p,
		topic:      topic,
		dlqTopic:   dlqTopic,
		maxTries:   5,
		logger:     logger,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Enqueue publishes a trigger for deliveryID carrying the trace context of ctx.
func (p *Publisher) Enqueue(ctx context.Context, deliveryID string) error {
	t := delivery.NewTrigger(deliveryID)
	if err := t.Validate(); err != nil {
		return err
	}
	t.TraceHeaders = tracing.InjectMap(ctx)
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	return p.publish(ctx, p.topic, body)
}

// PublishDeadLetter implements dispatcher.DeadLetterSink.
func (p *Publisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.publish(ctx, p.dlqTopic, body); err != nil {
		return err
	}
	p.logger.WithContext(ctx).WithDelivery(dl.Delivery.ID).WithField("topic", p.dlqTopic).Info("dlq published")
	return nil
}

func (p *Publisher) publish(ctx context.Context, topic string, body []byte) error {
	op := func() (struct{}, error) {
		err := p.producer.Publish(topic, body)
		if err != nil {
			p.logger.WithContext(ctx).WithField("topic", topic).WithError(err).Warn("nsq publish failed, retrying")
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.maxTries),
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published")
	return nil
}
