package store

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
)

// runContract exercises the behaviour every Store implementation must share.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	intp := func(i int) *int { return &i }
	strp := func(s string) *string { return &s }

	create := func(t *testing.T, s Store, id string) delivery.Delivery {
		t.Helper()
		d, err := s.Create(ctx, NewDelivery{ID: id, EndpointID: "ep-1", EventType: "order.paid", Payload: json.RawMessage(`{"order_id":"42","total":10.50}`)})
		if err != nil {
			t.Fatalf("Create(%s) unexpected error: %v", id, err)
		}
		return d
	}

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		created := create(t, s, "d-1")
		if created.Status != delivery.StatusPending || created.Attempts != 0 {
			t.Errorf("created = %s/%d, want pending/0", created.Status, created.Attempts)
		}

		got, err := s.Get(ctx, "d-1")
		if err != nil {
			t.Fatalf("Get() unexpected error: %v", err)
		}
		if got.EndpointID != "ep-1" || got.EventType != "order.paid" {
			t.Errorf("unexpected row: %+v", got)
		}
		if got.ResponseStatus != nil || got.LastAttemptAt != nil || got.ResponseBody != "" {
			t.Errorf("fresh row should have no attempt data: %+v", got)
		}
		var want, have map[string]any
		_ = json.Unmarshal([]byte(`{"order_id":"42","total":10.50}`), &want)
		if err := json.Unmarshal(got.Payload, &have); err != nil {
			t.Fatalf("payload not json: %v", err)
		}
		if !reflect.DeepEqual(want, have) {
			t.Errorf("payload = %s", got.Payload)
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("create generates id", func(t *testing.T) {
		s := newStore(t)
		d, err := s.Create(ctx, NewDelivery{EndpointID: "ep", EventType: "e", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("Create() unexpected error: %v", err)
		}
		if len(d.ID) != 36 {
			t.Errorf("generated id = %q, want a uuid", d.ID)
		}
	})

	t.Run("create rejects invalid payload", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Create(ctx, NewDelivery{ID: "bad", EndpointID: "ep", EventType: "e", Payload: json.RawMessage(`{`)}); err == nil {
			t.Error("Create() expected error for invalid payload")
		}
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "d-1")
		at := time.Now().UTC().Truncate(time.Millisecond)

		ok, err := s.Claim(ctx, "d-1", at)
		if err != nil || !ok {
			t.Fatalf("first Claim() = %v, %v; want true", ok, err)
		}
		ok, err = s.Claim(ctx, "d-1", at)
		if err != nil || ok {
			t.Fatalf("second Claim() = %v, %v; want false", ok, err)
		}
		got, _ := s.Get(ctx, "d-1")
		if got.Status != delivery.StatusProcessing {
			t.Errorf("status = %s, want processing", got.Status)
		}
		if ok, _ := s.Claim(ctx, "missing", at); ok {
			t.Error("Claim() on unknown id should be false")
		}
	})

	t.Run("claim refuses exhausted row", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "d-1")
		if ok, err := s.Update(ctx, "d-1", Patch{Attempts: intp(5)}); err != nil || !ok {
			t.Fatalf("Update() = %v, %v", ok, err)
		}
		if ok, _ := s.Claim(ctx, "d-1", time.Now()); ok {
			t.Error("Claim() should refuse a row with attempts at the budget")
		}
		pending, _ := s.ListPending(ctx, 10)
		if len(pending) != 0 {
			t.Errorf("ListPending() = %d rows, want 0", len(pending))
		}
	})

	t.Run("response body stored as valid text", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "d-1")
		_, _ = s.Claim(ctx, "d-1", time.Now())

		ok, err := s.Update(ctx, "d-1", Patch{
			From:           []delivery.Status{delivery.StatusProcessing},
			Status:         delivery.StatusPending,
			Attempts:       intp(1),
			ResponseStatus: intp(502),
			ResponseBody:   strp("Erro \xe9 interno\x00"),
		})
		if err != nil || !ok {
			t.Fatalf("Update() = %v, %v; want true", ok, err)
		}
		got, _ := s.Get(ctx, "d-1")
		if got.ResponseBody != "Erro \uFFFD interno" {
			t.Errorf("ResponseBody = %q", got.ResponseBody)
		}
		if got.ResponseStatus == nil || *got.ResponseStatus != 502 {
			t.Errorf("ResponseStatus = %v, want 502", got.ResponseStatus)
		}
	})

	t.Run("conditional update", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "d-1")
		_, _ = s.Claim(ctx, "d-1", time.Now())

		now := time.Now().UTC().Truncate(time.Millisecond)
		ok, err := s.Update(ctx, "d-1", Patch{
			From:           []delivery.Status{delivery.StatusProcessing},
			Status:         delivery.StatusSuccess,
			ResponseStatus: intp(200),
			ResponseBody:   strp("ok"),
			LastAttemptAt:  &now,
		})
		if err != nil || !ok {
			t.Fatalf("Update() = %v, %v; want true", ok, err)
		}

		got, _ := s.Get(ctx, "d-1")
		if got.Status != delivery.StatusSuccess || got.Attempts != 0 {
			t.Errorf("state = %s/%d, want success/0", got.Status, got.Attempts)
		}
		if got.ResponseStatus == nil || *got.ResponseStatus != 200 || got.ResponseBody != "ok" {
			t.Errorf("response = %v %q", got.ResponseStatus, got.ResponseBody)
		}
		if got.LastAttemptAt == nil || !got.LastAttemptAt.Equal(now) {
			t.Errorf("LastAttemptAt = %v, want %v", got.LastAttemptAt, now)
		}

		// Terminal rows are out of every From set used by the engine.
		for _, from := range [][]delivery.Status{
			{delivery.StatusProcessing},
			{delivery.StatusPending},
			{delivery.StatusPending, delivery.StatusProcessing},
		} {
			ok, err := s.Update(ctx, "d-1", Patch{From: from, Status: delivery.StatusPending})
			if err != nil || ok {
				t.Errorf("Update(from %v) on success row = %v, %v; want false, nil", from, ok, err)
			}
		}
		if ok, _ := s.Update(ctx, "missing", Patch{From: []delivery.Status{delivery.StatusPending}, Status: delivery.StatusFailed}); ok {
			t.Error("Update() on unknown id should be false")
		}
	})

	t.Run("empty patch", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "d-1")
		if _, err := s.Update(ctx, "d-1", Patch{From: []delivery.Status{delivery.StatusPending}}); err == nil {
			t.Error("Update() with nothing to set should error")
		}
	})

	t.Run("list pending", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"a", "b", "c", "d"} {
			create(t, s, id)
		}
		_, _ = s.Claim(ctx, "b", time.Now())

		got, err := s.ListPending(ctx, 2)
		if err != nil {
			t.Fatalf("ListPending() unexpected error: %v", err)
		}
		if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
			ids := make([]string, len(got))
			for i, d := range got {
				ids[i] = d.ID
			}
			t.Errorf("ListPending(2) = %v, want [a c]", ids)
		}
	})

	t.Run("release stale", func(t *testing.T) {
		s := newStore(t)
		create(t, s, "fresh")
		create(t, s, "stale")
		create(t, s, "last")

		old := time.Now().Add(-10 * time.Minute)
		_, _ = s.Claim(ctx, "stale", old)
		_, _ = s.Update(ctx, "last", Patch{Attempts: intp(4)})
		_, _ = s.Claim(ctx, "last", old)
		_, _ = s.Claim(ctx, "fresh", time.Now())

		released, err := s.ReleaseStale(ctx, time.Now().Add(-time.Minute))
		if err != nil {
			t.Fatalf("ReleaseStale() unexpected error: %v", err)
		}
		got := map[string]Released{}
		for _, r := range released {
			got[r.ID] = r
		}
		if len(got) != 2 {
			t.Fatalf("released %d rows, want 2: %+v", len(got), released)
		}
		if r := got["stale"]; r.Status != delivery.StatusPending || r.Attempts != 1 {
			t.Errorf("stale = %+v, want pending/1", r)
		}
		if r := got["last"]; r.Status != delivery.StatusFailed || r.Attempts != delivery.MaxAttempts {
			t.Errorf("last = %+v, want failed/5", r)
		}

		row, _ := s.Get(ctx, "stale")
		if row.ResponseBody != AbandonedBody || row.ResponseStatus != nil {
			t.Errorf("stale row response = %v %q", row.ResponseStatus, row.ResponseBody)
		}
		row, _ = s.Get(ctx, "fresh")
		if row.Status != delivery.StatusProcessing {
			t.Errorf("fresh row status = %s, want processing", row.Status)
		}
	})
}
