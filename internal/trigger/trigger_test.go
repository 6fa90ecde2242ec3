package trigger

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/dispatcher"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
)

var quiet = logging.NewWithWriter("test", io.Discard, logging.LevelError)

type fakeDispatcher struct {
	mu    sync.Mutex
	ids   []string
	out   dispatcher.Outcome
	err   error
	hasDL bool
}

func (f *fakeDispatcher) Deliver(ctx context.Context, id string) (dispatcher.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	_, f.hasDL = ctx.Deadline()
	return f.out, f.err
}

func message(body string) *nsq.Message {
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	return nsq.NewMessage(id, []byte(body))
}

func TestHandler_HandleMessage(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		err       error
		wantErr   bool
		wantCalls int
	}{
		{name: "valid trigger", body: `{"record":{"id":"d-1"}}`, wantCalls: 1},
		{name: "invalid json finished", body: `not json`, wantCalls: 0},
		{name: "missing id finished", body: `{"record":{}}`, wantCalls: 0},
		{name: "unknown delivery finished", body: `{"record":{"id":"d-1"}}`, err: dispatcher.ErrDeliveryNotFound, wantCalls: 1},
		{name: "internal error requeued", body: `{"record":{"id":"d-1"}}`, err: dispatcher.ErrInternal, wantErr: true, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := &fakeDispatcher{err: tt.err}
			h := NewHandler(fd, 0, quiet)

			err := h.HandleMessage(message(tt.body))
			if (err != nil) != tt.wantErr {
				t.Errorf("HandleMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(fd.ids) != tt.wantCalls {
				t.Errorf("Deliver calls = %d, want %d", len(fd.ids), tt.wantCalls)
			}
			if tt.wantCalls > 0 && fd.ids[0] != "d-1" {
				t.Errorf("Deliver id = %q, want d-1", fd.ids[0])
			}
		})
	}
}

func TestHandler_AppliesTimeout(t *testing.T) {
	fd := &fakeDispatcher{}
	if err := NewHandler(fd, 30*time.Second, quiet).HandleMessage(message(`{"record":{"id":"d-1"}}`)); err != nil {
		t.Fatalf("HandleMessage() unexpected error: %v", err)
	}
	if !fd.hasDL {
		t.Error("Deliver context has no deadline")
	}
}

type fakeProducer struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	published map[string][][]byte
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failFirst {
		return errors.New("nsqd unavailable")
	}
	if p.published == nil {
		p.published = make(map[string][][]byte)
	}
	p.published[topic] = append(p.published[topic], body)
	return nil
}

func newTestPublisher(p Producer) *Publisher {
	pub := NewPublisher(p, "deliveries", "deliveries_dlq", quiet)
	pub.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return pub
}

func TestPublisher_Enqueue(t *testing.T) {
	p := &fakeProducer{failFirst: 2}
	pub := newTestPublisher(p)

	if err := pub.Enqueue(context.Background(), "d-1"); err != nil {
		t.Fatalf("Enqueue() unexpected error: %v", err)
	}
	if p.calls != 3 {
		t.Errorf("Publish calls = %d, want 3", p.calls)
	}
	msgs := p.published["deliveries"]
	if len(msgs) != 1 {
		t.Fatalf("published = %d, want 1", len(msgs))
	}
	tr, err := delivery.ParseTrigger(msgs[0])
	if err != nil {
		t.Fatalf("published trigger does not parse: %v", err)
	}
	if tr.DeliveryID() != "d-1" {
		t.Errorf("DeliveryID() = %q, want d-1", tr.DeliveryID())
	}
}

func TestPublisher_EnqueueRejectsBlankID(t *testing.T) {
	p := &fakeProducer{}
	if err := newTestPublisher(p).Enqueue(context.Background(), "  "); !errors.Is(err, delivery.ErrInvalidTrigger) {
		t.Errorf("Enqueue() error = %v, want ErrInvalidTrigger", err)
	}
	if p.calls != 0 {
		t.Errorf("Publish calls = %d, want 0", p.calls)
	}
}

func TestPublisher_GivesUp(t *testing.T) {
	p := &fakeProducer{failFirst: 100}
	err := newTestPublisher(p).Enqueue(context.Background(), "d-1")
	if err == nil {
		t.Fatal("Enqueue() expected error but got none")
	}
	if p.calls != 5 {
		t.Errorf("Publish calls = %d, want 5", p.calls)
	}
}

func TestPublisher_PublishDeadLetter(t *testing.T) {
	p := &fakeProducer{}
	dl := delivery.NewDeadLetter(delivery.Delivery{ID: "d-9", Status: delivery.StatusFailed, Attempts: 5}, "retry budget exhausted")

	if err := newTestPublisher(p).PublishDeadLetter(context.Background(), dl); err != nil {
		t.Fatalf("PublishDeadLetter() unexpected error: %v", err)
	}
	msgs := p.published["deliveries_dlq"]
	if len(msgs) != 1 {
		t.Fatalf("dlq messages = %d, want 1", len(msgs))
	}
	var got delivery.DeadLetter
	if err := json.Unmarshal(msgs[0], &got); err != nil {
		t.Fatalf("dead letter does not decode: %v", err)
	}
	if got.Type != delivery.DLQType || got.Delivery.ID != "d-9" || got.Attempts != 5 {
		t.Errorf("dead letter = %+v", got)
	}
}

func TestBacklogMonitor_Poll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"topics":[
			{"topic_name":"deliveries","channels":[{"channel_name":"dispatchers","depth":7}]},
			{"topic_name":"deliveries_dlq","channels":[{"channel_name":"audit","depth":2}]},
			{"topic_name":"other","channels":[{"channel_name":"x","depth":99}]}
		]}`)
	}))
	defer srv.Close()

	m := NewBacklogMonitor(strings.TrimPrefix(srv.URL, "http://"), quiet, "deliveries", "deliveries_dlq")
	if err := m.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() unexpected error: %v", err)
	}

	if got := testutil.ToFloat64(metrics.TriggerBacklog.WithLabelValues("deliveries", "dispatchers")); got != 7 {
		t.Errorf("deliveries backlog = %v, want 7", got)
	}
	if got := testutil.ToFloat64(metrics.TriggerBacklog.WithLabelValues("deliveries_dlq", "audit")); got != 2 {
		t.Errorf("dlq backlog = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.TriggerBacklog.WithLabelValues("other", "x")); got != 0 {
		t.Errorf("unwatched topic exported %v", got)
	}
}

func TestBacklogMonitor_PollErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewBacklogMonitor(strings.TrimPrefix(srv.URL, "http://"), quiet, "deliveries")
	if err := m.Poll(context.Background()); err == nil {
		t.Error("Poll() expected error on 500")
	}
}
