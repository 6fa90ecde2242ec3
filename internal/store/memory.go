package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
)

// Memory is an in-process Store with the same conditional semantics as Postgres.
type Memory struct {
	mu   sync.Mutex
	rows map[string]delivery.Delivery
	// Now stamps created_at/updated_at. Defaults to time.Now.
	Now func() time.Time

	writes int
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]delivery.Delivery)}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// clone detaches the pointer fields so callers cannot mutate stored rows.
func clone(d delivery.Delivery) delivery.Delivery {
	if d.ResponseStatus != nil {
		v := *d.ResponseStatus
		d.ResponseStatus = &v
	}
	if d.LastAttemptAt != nil {
		v := *d.LastAttemptAt
		d.LastAttemptAt = &v
	}
	d.Payload = append(json.RawMessage(nil), d.Payload...)
	return d
}

// Put inserts or replaces a row as-is. Test helper for seeding arbitrary states.
func (m *Memory) Put(d delivery.Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[d.ID] = clone(d)
}

func (m *Memory) Get(_ context.Context, id string) (delivery.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return delivery.Delivery{}, ErrNotFound
	}
	return clone(d), nil
}

func (m *Memory) Create(_ context.Context, in NewDelivery) (delivery.Delivery, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if len(in.Payload) == 0 || !json.Valid(in.Payload) {
		return delivery.Delivery{}, fmt.Errorf("create delivery %s: payload is not valid json", in.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[in.ID]; exists {
		return delivery.Delivery{}, fmt.Errorf("create delivery %s: duplicate id", in.ID)
	}
	now := m.now()
	d := delivery.Delivery{
		ID:         in.ID,
		EndpointID: in.EndpointID,
		EventType:  in.EventType,
		Payload:    in.Payload,
		Status:     delivery.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.rows[d.ID] = clone(d)
	return clone(d), nil
}

func (m *Memory) Update(_ context.Context, id string, p Patch) (bool, error) {
	if p.Status == "" && p.Attempts == nil && p.ResponseStatus == nil && p.ResponseBody == nil && p.LastAttemptAt == nil {
		return false, errEmptyPatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	if len(p.From) > 0 && !contains(p.From, d.Status) {
		return false, nil
	}
	if d.Status.Terminal() {
		return false, fmt.Errorf("update delivery %s: row is terminal (%s)", id, d.Status)
	}
	if p.Attempts != nil && (*p.Attempts < 0 || *p.Attempts > delivery.MaxAttempts) {
		return false, fmt.Errorf("update delivery %s: attempts %d out of range", id, *p.Attempts)
	}

	if p.Status != "" {
		d.Status = p.Status
	}
	if p.Attempts != nil {
		d.Attempts = *p.Attempts
	}
	if p.ResponseStatus != nil {
		v := *p.ResponseStatus
		d.ResponseStatus = &v
	}
	if p.ResponseBody != nil {
		d.ResponseBody = delivery.Truncate(*p.ResponseBody)
	}
	if p.LastAttemptAt != nil {
		v := *p.LastAttemptAt
		d.LastAttemptAt = &v
	}
	d.UpdatedAt = m.now()
	m.rows[id] = d
	m.writes++
	return true, nil
}

func (m *Memory) Claim(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok || d.Status != delivery.StatusPending || d.Attempts >= delivery.MaxAttempts {
		return false, nil
	}
	d.Status = delivery.StatusProcessing
	d.LastAttemptAt = &at
	d.UpdatedAt = m.now()
	m.rows[id] = d
	m.writes++
	return true, nil
}

func (m *Memory) ListPending(_ context.Context, limit int) ([]delivery.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []delivery.Delivery
	for _, d := range m.rows {
		if d.Status == delivery.StatusPending && d.Attempts < delivery.MaxAttempts {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ReleaseStale(_ context.Context, cutoff time.Time) ([]Released, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Released
	for id, d := range m.rows {
		if d.Status != delivery.StatusProcessing {
			continue
		}
		touched := d.UpdatedAt
		if d.LastAttemptAt != nil {
			touched = *d.LastAttemptAt
		}
		if !touched.Before(cutoff) {
			continue
		}
		d.Attempts++
		if d.Attempts >= delivery.MaxAttempts {
			d.Status = delivery.StatusFailed
		} else {
			d.Status = delivery.StatusPending
		}
		d.ResponseStatus = nil
		d.ResponseBody = AbandonedBody
		d.UpdatedAt = m.now()
		m.rows[id] = d
		m.writes++
		out = append(out, Released{ID: id, Status: d.Status, Attempts: d.Attempts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WriteCount returns the number of row writes made by Update, Claim and ReleaseStale.
func (m *Memory) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
