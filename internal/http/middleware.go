package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/carpool-coordinator/internal/observability"
)

// requestTags identify a status API call in logs and response headers.
type requestTags struct {
	RequestID string
	SessionID string
}

type tagsKey struct{}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.tagRequest)
	s.mux.Use(s.accessLog)
	s.mux.Use(s.recoverPanics)
}

// tagRequest echoes or mints X-Request-ID and stamps every response with the
// coordinator session it was served from.
func (s *Server) tagRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tags := requestTags{RequestID: r.Header.Get("X-Request-ID")}
		if tags.RequestID == "" {
			tags.RequestID = uuid.NewString()
		}
		if s.deps.Ride != nil {
			tags.SessionID = s.deps.Ride.Snapshot().SessionID
		}
		w.Header().Set("X-Request-ID", tags.RequestID)
		if tags.SessionID != "" {
			w.Header().Set("X-Carpool-Session", tags.SessionID)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tagsKey{}, tags)))
	})
}

// accessLog records one line per call with the ride phase as it stood once
// the handler finished, so a ride action logs the phase it produced.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := routeTemplate(r)
		status := strconv.Itoa(rec.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		tags := tagsFrom(r.Context())
		args := []any{
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", tags.RequestID,
			"session", tags.SessionID,
		}
		if s.deps.Ride != nil {
			snap := s.deps.Ride.Snapshot()
			args = append(args, "phase", snap.Phase)
			if snap.Ride != nil {
				args = append(args, "ride_id", snap.Ride.ID)
			}
		}
		s.logger.Info("status_api_request", args...)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				tags := tagsFrom(r.Context())
				s.logger.Error("panic_recovered", "error", v, "route", routeTemplate(r), "request_id", tags.RequestID, "session", tags.SessionID)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func tagsFrom(ctx context.Context) requestTags {
	tags, _ := ctx.Value(tagsKey{}).(requestTags)
	return tags
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
