package delivery

import (
	"errors"
	"strings"

	json "github.com/goccy/go-json"
)

// ErrInvalidTrigger is returned when an invocation payload lacks record or record.id.
var ErrInvalidTrigger = errors.New("invalid input")

// TriggerRecord is the caller's snapshot of the row. Only ID is trusted; the rest is
// informational because the dispatcher always re-reads the authoritative row.
type TriggerRecord struct {
	ID       string `json:"id"`
	Status   string `json:"status,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Trigger is the invocation payload a scheduler sends, over HTTP or NSQ.
type Trigger struct {
	Record       *TriggerRecord    `json:"record"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel propagation for NSQ
}

func NewTrigger(id string) Trigger {
	return Trigger{Record: &TriggerRecord{ID: id}}
}

// ParseTrigger decodes and validates an invocation payload.
func ParseTrigger(b []byte) (Trigger, error) {
	var t Trigger
	if err := json.Unmarshal(b, &t); err != nil {
		return Trigger{}, ErrInvalidTrigger
	}
	if err := t.Validate(); err != nil {
		return Trigger{}, err
	}
	return t, nil
}

func (t Trigger) Validate() error {
	if t.Record == nil || strings.TrimSpace(t.Record.ID) == "" {
		return ErrInvalidTrigger
	}
	return nil
}

// DeliveryID returns the trimmed record id.
func (t Trigger) DeliveryID() string {
	if t.Record == nil {
		return ""
	}
	return strings.TrimSpace(t.Record.ID)
}
