package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"hapanel/internal/logging"
)

type ctxKey int

const requestIDKey ctxKey = iota

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestID tags each request with an id, echoes it in X-Request-ID and logs
// the outcome.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		s.logger.Debug("http request",
			logging.Field("request_id", id),
			logging.Field("method", r.Method),
			logging.Field("path", r.URL.Path),
			logging.Field("status", rec.status),
			logging.Field("duration", time.Since(started).String()),
		)
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requireAuth answers 401 unless a usable token is stored. An expired token
// gets one refresh attempt first.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.ValidToken(r.Context()); err != nil {
			s.logger.Debug("unauthenticated request",
				logging.Field("request_id", requestIDFrom(r.Context())),
				logging.Field("path", r.URL.Path),
				logging.Field("error", err),
			)
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}
