// Package store persists deliveries. Every state change is a single conditional row write so
// concurrent dispatchers cannot overwrite each other.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
)

var ErrNotFound = errors.New("delivery not found")

// AbandonedBody is recorded when a processing row is released without an outcome.
const AbandonedBody = "Attempt abandoned: no outcome recorded"

// NewDelivery is the input to Create. An empty ID gets a generated UUID.
type NewDelivery struct {
	ID         string
	EndpointID string
	EventType  string
	Payload    json.RawMessage
}

// Patch is a partial update. Nil fields are left untouched. When From is non-empty the update
// only applies if the current status is one of From.
type Patch struct {
	From           []delivery.Status
	Status         delivery.Status
	Attempts       *int
	ResponseStatus *int
	ResponseBody   *string
	LastAttemptAt  *time.Time
}

// Released is a processing row moved back by ReleaseStale.
type Released struct {
	ID       string
	Status   delivery.Status
	Attempts int
}

type Store interface {
	Get(ctx context.Context, id string) (delivery.Delivery, error)
	Create(ctx context.Context, d NewDelivery) (delivery.Delivery, error)
	// Update applies p atomically. It reports false when the row does not exist or its status
	// is not in p.From.
	Update(ctx context.Context, id string, p Patch) (bool, error)
	// Claim moves a pending row with budget left to processing. It reports false when another
	// caller got there first or the row is no longer eligible.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	// ListPending returns pending rows with budget left, oldest first.
	ListPending(ctx context.Context, limit int) ([]delivery.Delivery, error)
	// ReleaseStale counts the in-flight attempt of every processing row last touched before
	// cutoff and moves it to pending, or failed once the budget is spent.
	ReleaseStale(ctx context.Context, cutoff time.Time) ([]Released, error)
}

func statusStrings(in []delivery.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func contains(set []delivery.Status, s delivery.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
