package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/session"
)

type contextKey string

const requestIDKey contextKey = "request-id"

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.observabilityMiddleware)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionMiddleware builds a session from the bearer token (or the
// access_token query parameter, which browsers need for websockets) and
// returns rotated tokens in response headers. With a Verifier configured a
// token with a bad signature is rejected here.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if access == "" {
			access = r.URL.Query().Get("access_token")
		}
		if access == "" {
			respondJSON(w, http.StatusUnauthorized, false, "unauthorized", nil, nil)
			return
		}
		sess := session.New(access, r.Header.Get("X-Refresh-Token"))
		if s.Verifier != nil {
			if err := sess.Verify(s.Verifier); err != nil {
				s.log.Info("access token rejected", zap.String("request_id", requestIDFromContext(r.Context())), zap.Error(err))
				respondJSON(w, http.StatusUnauthorized, false, "unauthorized", nil, nil)
				return
			}
		}
		tw := &tokenWriter{ResponseWriter: w, sess: sess}
		next.ServeHTTP(tw, r.WithContext(session.WithSession(r.Context(), sess)))
	})
}

// tokenWriter adds refreshed tokens to the headers before they are sent.
type tokenWriter struct {
	http.ResponseWriter
	sess        *session.Session
	wroteHeader bool
}

func (t *tokenWriter) WriteHeader(code int) {
	if !t.wroteHeader {
		t.wroteHeader = true
		if t.sess.Refreshed() {
			t.Header().Set("X-Access-Token", t.sess.AccessToken())
			t.Header().Set("X-Refresh-Token", t.sess.RefreshToken())
		}
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *tokenWriter) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

func (t *tokenWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }

func (t *tokenWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) { return hijack(t.ResponseWriter) }

func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := routeTemplate(r)
		status := strconv.Itoa(ww.status)

		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("remote_addr", remoteIP(r)),
		}
		if rid := requestIDFromContext(r.Context()); rid != "" {
			fields = append(fields, zap.String("request_id", rid))
		}
		s.log.Info("http_request", fields...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("error", rec), zap.Stack("stack"))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriter) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) { return hijack(r.ResponseWriter) }

// hijack lets websocket upgrades pass through the wrappers.
func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
