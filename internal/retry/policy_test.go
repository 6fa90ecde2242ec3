package retry

import (
	"errors"
	"strings"
	"testing"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		status   delivery.Status
		attempts int
		want     string
	}{
		{name: "fresh pending", status: delivery.StatusPending, attempts: 0, want: ""},
		{name: "pending with retries left", status: delivery.StatusPending, attempts: 4, want: ""},
		{name: "success", status: delivery.StatusSuccess, attempts: 1, want: ReasonDelivered},
		{name: "success wins over budget", status: delivery.StatusSuccess, attempts: 5, want: ReasonDelivered},
		{name: "pending at budget", status: delivery.StatusPending, attempts: 5, want: ReasonExhausted},
		{name: "failed at budget", status: delivery.StatusFailed, attempts: 5, want: ReasonExhausted},
		{name: "failed by configuration", status: delivery.StatusFailed, attempts: 0, want: ReasonFailed},
		{name: "processing", status: delivery.StatusProcessing, attempts: 2, want: ReasonInFlight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Check(delivery.Delivery{Status: tt.status, Attempts: tt.attempts})
			if got != tt.want {
				t.Errorf("Check() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name         string
		attempts     int
		attempt      delivery.Attempt
		wantStatus   delivery.Status
		wantAttempts int
		wantCode     int // 0 means nil
		wantBody     string
	}{
		{
			name:         "2xx keeps attempts",
			attempts:     0,
			attempt:      delivery.Attempt{StatusCode: 200, Body: "ok"},
			wantStatus:   delivery.StatusSuccess,
			wantAttempts: 0,
			wantCode:     200,
			wantBody:     "ok",
		},
		{
			name:         "2xx after retries",
			attempts:     3,
			attempt:      delivery.Attempt{StatusCode: 202},
			wantStatus:   delivery.StatusSuccess,
			wantAttempts: 3,
			wantCode:     202,
		},
		{
			name:         "first 500 goes back to pending",
			attempts:     0,
			attempt:      delivery.Attempt{StatusCode: 500, Body: "boom"},
			wantStatus:   delivery.StatusPending,
			wantAttempts: 1,
			wantCode:     500,
			wantBody:     "boom",
		},
		{
			name:         "fourth failure still pending",
			attempts:     3,
			attempt:      delivery.Attempt{StatusCode: 404},
			wantStatus:   delivery.StatusPending,
			wantAttempts: 4,
			wantCode:     404,
		},
		{
			name:         "fifth failure is terminal",
			attempts:     4,
			attempt:      delivery.Attempt{StatusCode: 503, Body: "down"},
			wantStatus:   delivery.StatusFailed,
			wantAttempts: 5,
			wantCode:     503,
			wantBody:     "down",
		},
		{
			name:         "network error has no status",
			attempts:     1,
			attempt:      delivery.Attempt{Err: errors.New("dial tcp: i/o timeout")},
			wantStatus:   delivery.StatusPending,
			wantAttempts: 2,
			wantBody:     "Network error: dial tcp: i/o timeout",
		},
		{
			name:         "redirect is a failure",
			attempts:     0,
			attempt:      delivery.Attempt{StatusCode: 301},
			wantStatus:   delivery.StatusPending,
			wantAttempts: 1,
			wantCode:     301,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Next(tt.attempts, tt.attempt)
			if d.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", d.Status, tt.wantStatus)
			}
			if d.Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", d.Attempts, tt.wantAttempts)
			}
			switch {
			case tt.wantCode == 0 && d.ResponseStatus != nil:
				t.Errorf("ResponseStatus = %d, want nil", *d.ResponseStatus)
			case tt.wantCode != 0 && (d.ResponseStatus == nil || *d.ResponseStatus != tt.wantCode):
				t.Errorf("ResponseStatus = %v, want %d", d.ResponseStatus, tt.wantCode)
			}
			if d.ResponseBody != tt.wantBody {
				t.Errorf("ResponseBody = %q, want %q", d.ResponseBody, tt.wantBody)
			}
		})
	}
}

// Whatever sequence of outcomes is fed in, attempts never exceeds the budget and a terminal
// state is reached after at most MaxAttempts failures.
func TestNext_AttemptBound(t *testing.T) {
	attempts := 0
	status := delivery.StatusPending
	for i := 0; i < 20 && !status.Terminal(); i++ {
		d := Next(attempts, delivery.Attempt{StatusCode: 500})
		attempts, status = d.Attempts, d.Status
		if attempts > delivery.MaxAttempts {
			t.Fatalf("attempts = %d exceeds %d", attempts, delivery.MaxAttempts)
		}
	}
	if status != delivery.StatusFailed || attempts != delivery.MaxAttempts {
		t.Errorf("final state = %s/%d, want failed/%d", status, attempts, delivery.MaxAttempts)
	}
}

func TestNext_TruncatesBody(t *testing.T) {
	d := Next(0, delivery.Attempt{StatusCode: 500, Body: strings.Repeat("x", 5000)})
	if len(d.ResponseBody) != delivery.MaxResponseBody {
		t.Errorf("len(ResponseBody) = %d, want %d", len(d.ResponseBody), delivery.MaxResponseBody)
	}
}

func TestConfigFailure(t *testing.T) {
	d := ConfigFailure(2, ReasonEndpointInactive)
	if d.Status != delivery.StatusFailed {
		t.Errorf("Status = %s, want failed", d.Status)
	}
	if d.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (unchanged)", d.Attempts)
	}
	if d.ResponseStatus != nil {
		t.Errorf("ResponseStatus = %d, want nil", *d.ResponseStatus)
	}
	if d.ResponseBody != ReasonEndpointInactive {
		t.Errorf("ResponseBody = %q", d.ResponseBody)
	}
}
