// Package auth authenticates internal callers of the dispatch API: schedulers present either
// the shared internal secret or a Bearer JWT.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const HeaderInternalSecret = "X-Internal-Secret"

var ErrUnauthorized = errors.New("unauthorized")

type contextKey string

const CallerKey contextKey = "caller"

// Authenticator accepts a request when it carries the internal secret or a valid JWT. With
// neither configured every request is rejected.
type Authenticator struct {
	internalSecret string
	jwt            *JWTValidator
}

// NewAuthenticator builds an Authenticator. jwt may be nil.
func NewAuthenticator(internalSecret string, jwt *JWTValidator) *Authenticator {
	return &Authenticator{internalSecret: internalSecret, jwt: jwt}
}

// Check returns the caller identity for a secret header value and an Authorization value.
func (a *Authenticator) Check(secret, authorization string) (string, error) {
	if secret != "" && a.internalSecret != "" &&
		subtle.ConstantTimeCompare([]byte(secret), []byte(a.internalSecret)) == 1 {
		return "internal", nil
	}
	if authorization != "" && a.jwt != nil {
		token := strings.TrimPrefix(authorization, "Bearer ")
		if token == authorization {
			return "", ErrUnauthorized
		}
		sub, err := a.jwt.ValidateToken(token)
		if err != nil {
			return "", errors.Join(ErrUnauthorized, err)
		}
		return sub, nil
	}
	return "", ErrUnauthorized
}

// HTTPMiddleware rejects unauthenticated requests with 401 {"error":"Unauthorized"}.
func (a *Authenticator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.Check(r.Header.Get(HeaderInternalSecret), r.Header.Get("Authorization"))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
			return
		}
		ctx := context.WithValue(r.Context(), CallerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GRPCInterceptor returns a unary interceptor applying the same rules to gRPC metadata.
// Health checks are always allowed.
func (a *Authenticator) GRPCInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		caller, err := a.Check(first(md.Get(strings.ToLower(HeaderInternalSecret))), first(md.Get("authorization")))
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "unauthorized")
		}
		return handler(context.WithValue(ctx, CallerKey, caller), req)
	}
}

// CallerFromContext returns the identity set by the middleware.
func CallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(CallerKey).(string)
	return caller, ok
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
