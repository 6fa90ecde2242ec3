// Package retry holds the delivery state machine. Everything here is pure: callers load the
// row, ask for a decision and persist it themselves.
package retry

import (
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
)

// Skip reasons returned by Check. They are surfaced verbatim to callers.
const (
	ReasonDelivered = "already delivered"
	ReasonExhausted = "retry budget exhausted"
	ReasonFailed    = "delivery already failed"
	ReasonInFlight  = "delivery in flight"
)

// Configuration failure texts stored in response_body.
const (
	ReasonEndpointNotFound = "Webhook configuration not found"
	ReasonEndpointInactive = "Webhook is inactive"
	ReasonMissingSecret    = "Webhook secret is not configured"
	ReasonUnsafeURL        = "URL blocked by SSRF protection"
	ReasonInvalidPayload   = "Payload is not valid JSON"
)

// Check evaluates the guards against the authoritative row. An empty result means the
// delivery may be claimed.
func Check(d delivery.Delivery) string {
	switch {
	case d.Status == delivery.StatusSuccess:
		return ReasonDelivered
	case d.Attempts >= delivery.MaxAttempts:
		return ReasonExhausted
	case d.Status == delivery.StatusFailed:
		return ReasonFailed
	case d.Status == delivery.StatusProcessing:
		return ReasonInFlight
	}
	return ""
}

// Decision is the next persisted state of a delivery after one send.
type Decision struct {
	Status         delivery.Status
	Attempts       int
	ResponseStatus *int
	ResponseBody   string
}

// Next maps the outcome of one send to the next state. attempts is the count before the send.
func Next(attempts int, a delivery.Attempt) Decision {
	d := Decision{ResponseBody: a.Text()}
	if a.Err == nil {
		code := a.StatusCode
		d.ResponseStatus = &code
	}
	if a.Succeeded() {
		d.Status = delivery.StatusSuccess
		d.Attempts = attempts
		return d
	}
	d.Attempts = attempts + 1
	if d.Attempts >= delivery.MaxAttempts {
		d.Attempts = delivery.MaxAttempts
		d.Status = delivery.StatusFailed
	} else {
		d.Status = delivery.StatusPending
	}
	return d
}

// ConfigFailure is the terminal decision for a delivery whose endpoint cannot be used.
// No attempt is consumed.
func ConfigFailure(attempts int, reason string) Decision {
	return Decision{
		Status:       delivery.StatusFailed,
		Attempts:     attempts,
		ResponseBody: delivery.Truncate(reason),
	}
}
