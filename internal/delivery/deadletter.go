package delivery

import "time"

const DLQType = "delivery.dlq"

// DeadLetter is published when a delivery reaches the failed state.
type DeadLetter struct {
	Type           string   `json:"type"`    // "delivery.dlq"
	Version        string   `json:"version"` // schema version
	At             string   `json:"at"`      // RFC3339 time the dead letter was emitted
	Reason         string   `json:"reason"`  // human/debug text
	Attempts       int      `json:"attempts"`
	ResponseStatus int      `json:"response_status,omitempty"`
	ResponseBody   string   `json:"response_body,omitempty"`
	Delivery       Delivery `json:"delivery"` // snapshot after the final transition
}

func NewDeadLetter(d Delivery, reason string) DeadLetter {
	dl := DeadLetter{
		Type:         DLQType,
		Version:      "v1",
		At:           time.Now().UTC().Format(time.RFC3339Nano),
		Reason:       reason,
		Attempts:     d.Attempts,
		ResponseBody: d.ResponseBody,
		Delivery:     d,
	}
	if d.ResponseStatus != nil {
		dl.ResponseStatus = *d.ResponseStatus
	}
	return dl
}
