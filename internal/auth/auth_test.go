package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestAuthenticator_Check(t *testing.T) {
	a := NewAuthenticator("internal-s3cret", newTestValidator(t))
	token := mustSignToken(t, "scheduler")

	tests := []struct {
		name          string
		authenticator *Authenticator
		secret        string
		authorization string
		wantCaller    string
		expectError   bool
	}{
		{name: "internal secret", authenticator: a, secret: "internal-s3cret", wantCaller: "internal"},
		{name: "bearer token", authenticator: a, authorization: "Bearer " + token, wantCaller: "scheduler"},
		{name: "wrong secret falls back to token", authenticator: a, secret: "nope", authorization: "Bearer " + token, wantCaller: "scheduler"},
		{name: "wrong secret", authenticator: a, secret: "nope", expectError: true},
		{name: "prefix of secret", authenticator: a, secret: "internal", expectError: true},
		{name: "token without Bearer prefix", authenticator: a, authorization: token, expectError: true},
		{name: "invalid token", authenticator: a, authorization: "Bearer abc.def.ghi", expectError: true},
		{name: "nothing presented", authenticator: a, expectError: true},
		{name: "no secret configured", authenticator: NewAuthenticator("", nil), secret: "", expectError: true},
		{name: "no validator configured", authenticator: NewAuthenticator("x", nil), authorization: "Bearer " + token, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller, err := tt.authenticator.Check(tt.secret, tt.authorization)
			if tt.expectError {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("Check() error = %v, want ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Check() unexpected error: %v", err)
			}
			if caller != tt.wantCaller {
				t.Errorf("Check() = %q, want %q", caller, tt.wantCaller)
			}
		})
	}
}

func TestAuthenticator_HTTPMiddleware(t *testing.T) {
	a := NewAuthenticator("internal-s3cret", newTestValidator(t))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := CallerFromContext(r.Context())
		w.Header().Set("X-Caller", caller)
		w.WriteHeader(http.StatusOK)
	})
	handler := a.HTTPMiddleware(next)

	tests := []struct {
		name           string
		headers        map[string]string
		expectedStatus int
		expectedCaller string
	}{
		{
			name:           "internal secret",
			headers:        map[string]string{HeaderInternalSecret: "internal-s3cret"},
			expectedStatus: http.StatusOK,
			expectedCaller: "internal",
		},
		{
			name:           "bearer token",
			headers:        map[string]string{"Authorization": "Bearer " + mustSignToken(t, "cron")},
			expectedStatus: http.StatusOK,
			expectedCaller: "cron",
		},
		{
			name:           "missing credentials",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "wrong secret",
			headers:        map[string]string{HeaderInternalSecret: "guess"},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.expectedStatus)
			}
			if got := rec.Header().Get("X-Caller"); got != tt.expectedCaller {
				t.Errorf("caller = %q, want %q", got, tt.expectedCaller)
			}
			if tt.expectedStatus == http.StatusUnauthorized && rec.Body.String() != `{"error":"Unauthorized"}` {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestAuthenticator_GRPCInterceptor(t *testing.T) {
	interceptor := NewAuthenticator("internal-s3cret", nil).GRPCInterceptor()
	handler := func(ctx context.Context, _ any) (any, error) {
		caller, _ := CallerFromContext(ctx)
		return caller, nil
	}

	tests := []struct {
		name         string
		method       string
		md           metadata.MD
		expectedCode codes.Code
		expectedResp any
	}{
		{
			name:         "health check skips auth",
			method:       "/grpc.health.v1.Health/Check",
			expectedCode: codes.OK,
			expectedResp: "",
		},
		{
			name:         "missing metadata",
			method:       "/harbordispatch.v1.Dispatch/Deliver",
			expectedCode: codes.Unauthenticated,
		},
		{
			name:         "internal secret in metadata",
			method:       "/harbordispatch.v1.Dispatch/Deliver",
			md:           metadata.Pairs("x-internal-secret", "internal-s3cret"),
			expectedCode: codes.OK,
			expectedResp: "internal",
		},
		{
			name:         "wrong secret",
			method:       "/harbordispatch.v1.Dispatch/Deliver",
			md:           metadata.Pairs("x-internal-secret", "nope"),
			expectedCode: codes.Unauthenticated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: tt.method}, handler)
			if got := status.Code(err); got != tt.expectedCode {
				t.Fatalf("code = %v, want %v", got, tt.expectedCode)
			}
			if tt.expectedCode == codes.OK && resp != tt.expectedResp {
				t.Errorf("resp = %v, want %v", resp, tt.expectedResp)
			}
		})
	}
}

func TestCallerFromContext(t *testing.T) {
	if _, ok := CallerFromContext(context.Background()); ok {
		t.Error("CallerFromContext() ok on empty context")
	}
	ctx := context.WithValue(context.Background(), CallerKey, "svc")
	if got, ok := CallerFromContext(ctx); !ok || got != "svc" {
		t.Errorf("CallerFromContext() = %q, %v", got, ok)
	}
}
