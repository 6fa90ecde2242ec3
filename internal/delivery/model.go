package delivery

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxAttempts is the retry budget: a delivery is never sent more than this many times.
const MaxAttempts = 5

// MaxResponseBody is the number of characters of a response (or error) kept on the row.
const MaxResponseBody = 1000

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Endpoint is a tenant-configured destination. The engine only reads it.
type Endpoint struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Secret string `json:"-"` // never serialized
	Active bool   `json:"active"`
}

// Delivery is one logical attempt sequence of a single event to one endpoint.
type Delivery struct {
	ID             string          `json:"id"`
	EndpointID     string          `json:"endpoint_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Attempt is the result of one HTTP send. Exactly one of StatusCode>0 or Err is meaningful
// for a completed request; a transport failure leaves StatusCode at 0.
type Attempt struct {
	StatusCode int
	Body       string
	Err        error
	Latency    time.Duration
	// BodyErr is set when the response body could not be read in full. The status still
	// decides the outcome; Body holds whatever arrived.
	BodyErr error
}

// Succeeded reports whether the destination acknowledged the delivery with a 2xx.
func (a Attempt) Succeeded() bool {
	return a.Err == nil && a.StatusCode >= 200 && a.StatusCode < 300
}

// Text is what gets stored in response_body for this attempt.
func (a Attempt) Text() string {
	if a.Err != nil {
		return Truncate("Network error: " + a.Err.Error())
	}
	return Truncate(a.Body)
}

// Truncate keeps at most MaxResponseBody characters of s without splitting a rune. Invalid
// UTF-8 is replaced with U+FFFD and NUL bytes are dropped, since a text column accepts neither.
func Truncate(s string) string {
	s = strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
	if utf8.RuneCountInString(s) <= MaxResponseBody {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxResponseBody {
			return s[:i]
		}
		n++
	}
	return s
}
