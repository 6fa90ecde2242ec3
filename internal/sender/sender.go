// Package sender performs the single outbound HTTP POST of a webhook attempt.
package sender

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

const (
	HeaderSignature  = "X-Signature"
	HeaderTimestamp  = "X-Timestamp"
	HeaderEvent      = "X-Event"
	HeaderDeliveryID = "X-Delivery-Id"

	DefaultUserAgent = "HarborDispatch-Webhook/1.0"
	DefaultTimeout   = 10 * time.Second
)

// Bytes read from a response before truncation; enough for MaxResponseBody multibyte runes.
const readLimit = 4 * delivery.MaxResponseBody

// drainLimit caps how much of an oversized response is discarded to reuse the connection.
const drainLimit = 64 << 10

// Request is one signed webhook ready to send.
type Request struct {
	URL        string
	Body       []byte // canonical payload, exactly the signed bytes
	Signature  string
	Timestamp  int64
	EventType  string
	DeliveryID string
}

type Sender struct {
	client    *http.Client
	userAgent string
}

// New returns a Sender with an explicit per-request timeout. Redirects are not followed: a 3xx
// is recorded as a failed attempt.
func New(timeout time.Duration, userAgent string) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return NewWithClient(client, userAgent)
}

// NewWithClient wraps an existing client, e.g. httptest.Server.Client().
func NewWithClient(client *http.Client, userAgent string) *Sender {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Sender{client: client, userAgent: userAgent}
}

// Send POSTs the request and reports what happened. It never returns an error: transport
// failures are carried in Attempt.Err.
func (s *Sender) Send(ctx context.Context, r Request) delivery.Attempt {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return delivery.Attempt{Err: err, Latency: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderSignature, r.Signature)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(r.Timestamp, 10))
	req.Header.Set(HeaderEvent, r.EventType)
	req.Header.Set(HeaderDeliveryID, r.DeliveryID)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return delivery.Attempt{Err: err, Latency: time.Since(start)}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, readLimit))
	if readErr == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
	} else {
		tracing.AddSpanEvent(ctx, "http.response_body_truncated",
			attribute.Int("http.status_code", resp.StatusCode),
			attribute.String("error", readErr.Error()))
	}

	return delivery.Attempt{
		StatusCode: resp.StatusCode,
		Body:       delivery.Truncate(string(body)),
		Latency:    time.Since(start),
		BodyErr:    readErr,
	}
}
