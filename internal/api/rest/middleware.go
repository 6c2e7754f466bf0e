package rest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeySubject   contextKey = "subject"
)

// requestIDMiddleware assigns a request ID, honoring one supplied upstream.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestID returns the request ID from the context, if any.
func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", requestID(r.Context())),
				)
				respondError(w, http.StatusInternalServerError, "internal", "Internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Authenticator validates bearer tokens issued by the portal's identity
// layer. The audit trail records authentication events; it never issues
// credentials itself.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator over a shared HMAC secret.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

type apiClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// verify parses and validates the Authorization header.
func (a *Authenticator) verify(r *http.Request) (*apiClaims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, fmt.Errorf("missing bearer token")
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	claims := &apiClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// requireRole wraps a handler with token validation and a role check.
// Producers hold the service role; the review UI holds admin or auditor.
func (s *Server) requireRole(roles []string, h http.HandlerFunc) http.HandlerFunc {
	if s.authenticator == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authenticator.verify(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid credentials", err)
			return
		}
		allowed := false
		for _, role := range roles {
			if claims.Role == role {
				allowed = true
				break
			}
		}
		if !allowed {
			respondError(w, http.StatusForbidden, "forbidden", "Insufficient role for this endpoint", nil)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeySubject, claims.Subject)
		h(w, r.WithContext(ctx))
	}
}
