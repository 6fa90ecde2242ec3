// Package dispatcher runs one delivery invocation: load the row, apply the guards, resolve the
// endpoint, claim, sign, send and persist the next state.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
	"github.com/austindbirch/harbor_dispatch/internal/registry"
	"github.com/austindbirch/harbor_dispatch/internal/retry"
	"github.com/austindbirch/harbor_dispatch/internal/sender"
	"github.com/austindbirch/harbor_dispatch/internal/signature"
	"github.com/austindbirch/harbor_dispatch/internal/store"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

var (
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrInternal         = errors.New("internal error")
)

// Outcome is the result of one invocation, serialized as the dispatch API response.
type Outcome struct {
	DeliveryID     string          `json:"delivery_id"`
	Processed      bool            `json:"processed"`
	Success        bool            `json:"success"`
	Status         delivery.Status `json:"status,omitempty"`
	Attempts       int             `json:"attempts"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, r sender.Request) delivery.Attempt
}

// DeadLetterSink receives deliveries that just reached the failed state.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

// DefaultStoreTimeout bounds each store stage of an invocation when Options leaves it unset.
const DefaultStoreTimeout = 5 * time.Second

type Options struct {
	Store    store.Store
	Registry registry.Registry
	Sender   Sender
	Policy   sender.URLPolicy
	// SendTimeout bounds the outbound request. Defaults to sender.DefaultTimeout.
	SendTimeout time.Duration
	// StoreTimeout bounds the lookups before the send and the write after it.
	StoreTimeout time.Duration
	// DeadLetters is optional.
	DeadLetters DeadLetterSink
	Logger      *logging.Logger
}

type Dispatcher struct {
	store       store.Store
	registry    registry.Registry
	sender      Sender
	policy      sender.URLPolicy
	deadLetters DeadLetterSink
	logger      *logging.Logger

	sendTimeout  time.Duration
	storeTimeout time.Duration

	// Now is the clock used for timestamps and signatures. Defaults to time.Now.
	Now func() time.Time
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("harbordispatch-dispatcher")
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = sender.DefaultTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	return &Dispatcher{
		store:        opts.Store,
		registry:     opts.Registry,
		sender:       opts.Sender,
		policy:       opts.Policy,
		deadLetters:  opts.DeadLetters,
		logger:       logger,
		sendTimeout:  opts.SendTimeout,
		storeTimeout: opts.StoreTimeout,
		Now:          time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	return d.Now().UTC()
}

// Deliver processes the delivery with the given id. Delivery failures are reported in the
// Outcome; the error is non-nil only for an unknown id (ErrDeliveryNotFound) or an internal
// failure (ErrInternal). It is safe to call repeatedly and concurrently for the same id.
//
// Cancelling ctx does not abort an invocation: once started it runs to completion under its
// own deadlines, so an attempt that reached the destination is always recorded.
func (d *Dispatcher) Deliver(ctx context.Context, id string) (Outcome, error) {
	ctx, span := tracing.StartSpan(context.WithoutCancel(ctx), "dispatcher.deliver", attribute.String("delivery_id", id))
	defer span.End()

	prep, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()

	tracing.AddSpanEvent(ctx, "db.load_delivery")
	row, err := d.store.Get(prep, id)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.WithContext(ctx).WithDelivery(id).Warn("delivery not found")
		return Outcome{DeliveryID: id}, fmt.Errorf("deliver %s: %w", id, ErrDeliveryNotFound)
	}
	if err != nil {
		return Outcome{DeliveryID: id}, d.internal(ctx, id, "load", err)
	}
	span.SetAttributes(
		attribute.String("endpoint_id", row.EndpointID),
		attribute.String("event_type", row.EventType),
		attribute.Int("attempts", row.Attempts),
	)

	if reason := retry.Check(row); reason != "" {
		return d.skip(ctx, row, reason), nil
	}

	tracing.AddSpanEvent(ctx, "registry.lookup")
	ep, err := d.registry.Lookup(prep, row.EndpointID)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return Outcome{DeliveryID: id}, d.internal(ctx, id, "registry", err)
	}
	if reason := d.usable(ep, err); reason != "" {
		return d.failConfig(ctx, row, reason)
	}

	canonical, err := signature.Canonicalize(row.Payload)
	if err != nil {
		return d.failConfig(ctx, row, retry.ReasonInvalidPayload)
	}

	tracing.AddSpanEvent(ctx, "db.claim")
	started := d.now()
	claimed, err := d.store.Claim(prep, id, started)
	if err != nil {
		return Outcome{DeliveryID: id}, d.internal(ctx, id, "claim", err)
	}
	if !claimed {
		row.Status = delivery.StatusProcessing
		return d.skip(ctx, row, retry.ReasonInFlight), nil
	}

	ts := started.Unix()
	tracing.AddSpanEvent(ctx, "http.send_webhook")
	sendCtx, cancelSend := context.WithTimeout(ctx, d.sendTimeout)
	attempt := d.sender.Send(sendCtx, sender.Request{
		URL:        ep.URL,
		Body:       canonical,
		Signature:  signature.SignCanonical(ep.Secret, ts, canonical),
		Timestamp:  ts,
		EventType:  row.EventType,
		DeliveryID: row.ID,
	})
	cancelSend()
	metrics.RecordAttempt(attempt.Succeeded(), attempt.StatusCode, attempt.Latency)
	span.SetAttributes(
		attribute.Int("http.status_code", attempt.StatusCode),
		attribute.Int64("http.latency_ms", attempt.Latency.Milliseconds()),
	)
	if attempt.Err != nil {
		span.SetAttributes(attribute.String("http.error", attempt.Err.Error()))
	}
	if attempt.BodyErr != nil {
		d.logger.WithContext(ctx).WithDelivery(id).WithError(attempt.BodyErr).
			WithField("http_status", attempt.StatusCode).Debug("response body read incomplete")
	}

	next := retry.Next(row.Attempts, attempt)
	finished := d.now()
	tracing.AddSpanEvent(ctx, "db.record_outcome", attribute.String("status", string(next.Status)))
	record, cancelRecord := context.WithTimeout(ctx, d.storeTimeout)
	defer cancelRecord()
	ok, err := d.store.Update(record, id, store.Patch{
		From:           []delivery.Status{delivery.StatusProcessing},
		Status:         next.Status,
		Attempts:       &next.Attempts,
		ResponseStatus: next.ResponseStatus,
		ResponseBody:   &next.ResponseBody,
		LastAttemptAt:  &finished,
	})
	if err != nil {
		return Outcome{DeliveryID: id}, d.internal(ctx, id, "record", err)
	}
	if !ok {
		return Outcome{DeliveryID: id}, d.internal(ctx, id, "record", errors.New("conditional update lost"))
	}
	metrics.RecordTransition(string(next.Status))

	row.Status = next.Status
	row.Attempts = next.Attempts
	row.ResponseStatus = next.ResponseStatus
	row.ResponseBody = next.ResponseBody
	row.LastAttemptAt = &finished

	out := Outcome{
		DeliveryID:     id,
		Processed:      true,
		Success:        attempt.Succeeded(),
		Status:         next.Status,
		Attempts:       next.Attempts,
		ResponseStatus: next.ResponseStatus,
	}
	entry := d.logger.WithContext(ctx).WithDelivery(id).WithEndpoint(row.EndpointID).WithEvent(row.EventType).
		WithFields(map[string]any{
			"status":      string(next.Status),
			"attempts":    next.Attempts,
			"http_status": attempt.StatusCode,
			"latency_ms":  attempt.Latency.Milliseconds(),
		})
	if out.Success {
		tracing.AddSpanEvent(ctx, "delivery.success")
		entry.Info("delivery succeeded")
		return out, nil
	}

	out.Error = next.ResponseBody
	reason := retry.ClassifyReason(attempt.Err, attempt.StatusCode)
	span.SetAttributes(attribute.String("failure_reason", reason))
	if next.Status == delivery.StatusFailed {
		tracing.AddSpanEvent(ctx, "delivery.exhausted")
		entry.WithField("reason", reason).Warn("delivery failed, retry budget exhausted")
		metrics.RecordDeadLetter(reason)
		d.publishDeadLetter(ctx, row, retry.ReasonExhausted)
		return out, nil
	}
	tracing.AddSpanEvent(ctx, "delivery.retry_pending")
	entry.WithField("reason", reason).Info("delivery attempt failed, will retry")
	metrics.RecordRetry(reason)
	return out, nil
}

// usable returns the configuration failure text for an endpoint, or "" when it can be sent to.
func (d *Dispatcher) usable(ep delivery.Endpoint, lookupErr error) string {
	switch {
	case lookupErr != nil:
		return retry.ReasonEndpointNotFound
	case !ep.Active:
		return retry.ReasonEndpointInactive
	case ep.Secret == "":
		return retry.ReasonMissingSecret
	}
	if err := d.policy.Check(ep.URL); err != nil {
		return retry.ReasonUnsafeURL
	}
	return ""
}

// failConfig moves a pending row straight to failed without consuming an attempt.
func (d *Dispatcher) failConfig(ctx context.Context, row delivery.Delivery, reason string) (Outcome, error) {
	tracing.AddSpanEvent(ctx, "delivery.config_failure", attribute.String("reason", reason))
	dec := retry.ConfigFailure(row.Attempts, reason)
	at := d.now()
	record, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	ok, err := d.store.Update(record, row.ID, store.Patch{
		From:          []delivery.Status{delivery.StatusPending},
		Status:        dec.Status,
		ResponseBody:  &dec.ResponseBody,
		LastAttemptAt: &at,
	})
	if err != nil {
		return Outcome{DeliveryID: row.ID}, d.internal(ctx, row.ID, "config_failure", err)
	}
	if !ok {
		// Someone claimed the row between our read and this write.
		row.Status = delivery.StatusProcessing
		return d.skip(ctx, row, retry.ReasonInFlight), nil
	}
	metrics.RecordTransition(string(dec.Status))
	metrics.RecordSkip(reason)
	metrics.RecordDeadLetter("config")

	row.Status = dec.Status
	row.ResponseBody = dec.ResponseBody
	row.LastAttemptAt = &at
	d.logger.WithContext(ctx).WithDelivery(row.ID).WithEndpoint(row.EndpointID).
		WithField("reason", reason).Warn("delivery failed on endpoint configuration")
	d.publishDeadLetter(ctx, row, reason)

	return Outcome{
		DeliveryID: row.ID,
		Status:     dec.Status,
		Attempts:   dec.Attempts,
		Reason:     reason,
	}, nil
}

func (d *Dispatcher) skip(ctx context.Context, row delivery.Delivery, reason string) Outcome {
	tracing.AddSpanEvent(ctx, "delivery.skipped", attribute.String("reason", reason))
	metrics.RecordSkip(reason)
	d.logger.WithContext(ctx).WithDelivery(row.ID).WithFields(map[string]any{
		"reason":   reason,
		"status":   string(row.Status),
		"attempts": row.Attempts,
	}).Debug("delivery skipped")
	return Outcome{
		DeliveryID: row.ID,
		Status:     row.Status,
		Attempts:   row.Attempts,
		Reason:     reason,
	}
}

func (d *Dispatcher) publishDeadLetter(ctx context.Context, row delivery.Delivery, reason string) {
	if d.deadLetters == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	if err := d.deadLetters.PublishDeadLetter(pctx, delivery.NewDeadLetter(row, reason)); err != nil {
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithDelivery(row.ID).WithError(err).Error("dead letter publish failed")
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq")
}

func (d *Dispatcher) internal(ctx context.Context, id, stage string, err error) error {
	tracing.SetSpanError(ctx, err)
	metrics.RecordInternalError(stage)
	d.logger.WithContext(ctx).WithDelivery(id).WithField("stage", stage).WithError(err).Error("dispatch internal error")
	return fmt.Errorf("deliver %s: %s: %w", id, stage, errors.Join(ErrInternal, err))
}
