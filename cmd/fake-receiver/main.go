// Command fake-receiver is a webhook target for local runs and end-to-end checks. It verifies
// signatures, can fail the first N requests, and can delay its responses.
package main

import (
	"io"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/sender"
	"github.com/austindbirch/harbor_dispatch/internal/signature"
)

type receiver struct {
	secret     string
	leeway     time.Duration
	failFirstN int
	delay      time.Duration
	logger     *logging.Logger

	mu       sync.Mutex
	reqCount int
	received []string // delivery ids accepted, in order
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{
		secret:     cfg.EndpointSecret,
		leeway:     time.Duration(cfg.SigningLeewaySeconds) * time.Second,
		failFirstN: cfg.FailFirstN,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
	}
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	logger := logging.New("fake-receiver")
	rcv := newReceiver(cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      rcv.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"verify":       cfg.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

func (rc *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	r.Post("/hook", rc.handleHook)
	return r
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	rc.mu.Lock()
	rc.reqCount++
	n := rc.reqCount
	rc.mu.Unlock()

	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	log := rc.logger.WithContext(r.Context()).
		WithDelivery(r.Header.Get(sender.HeaderDeliveryID)).
		WithEvent(r.Header.Get(sender.HeaderEvent))

	if rc.secret != "" {
		err := signature.Verify(rc.secret, b, r.Header.Get(sender.HeaderTimestamp), r.Header.Get(sender.HeaderSignature), rc.leeway, time.Now())
		if err != nil {
			log.WithError(err).Warn("fake-receiver failed to verify signature")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if rc.delay > 0 {
		time.Sleep(rc.delay)
	}

	// Simulate flakiness: first N requests -> 500
	if n <= rc.failFirstN {
		log.WithField("body", truncate(string(b), 160)).Warnf("FAILING (%d/%d)", n, rc.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	rc.mu.Lock()
	rc.received = append(rc.received, r.Header.Get(sender.HeaderDeliveryID))
	rc.mu.Unlock()

	log.WithField("body", truncate(string(b), 160)).Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate cuts s to n runes and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
