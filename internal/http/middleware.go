package httpapi

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const requestIDHeader = "X-Request-ID"

type scopeKey struct{}

// requestScope follows one request through the middleware chain. The auth
// layer fills in the caller so the access log can name who made the call.
type requestScope struct {
	id      string
	started time.Time
	caller  *auth.Identity
}

func scopeOf(ctx context.Context) *requestScope {
	sc, _ := ctx.Value(scopeKey{}).(*requestScope)
	return sc
}

// callerOf returns the identity authenticate stored for r.
func callerOf(r *http.Request) (auth.Identity, bool) {
	sc := scopeOf(r.Context())
	if sc == nil || sc.caller == nil {
		return auth.Identity{}, false
	}
	return *sc.caller, true
}

// scoped wraps every route: it assigns the request id, survives handler
// panics and records the outcome as a metric and an access log line.
func (s *Server) scoped(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := &requestScope{id: r.Header.Get(requestIDHeader), started: time.Now()}
		if sc.id == "" {
			sc.id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, sc.id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(context.WithValue(r.Context(), scopeKey{}, sc))

		defer s.finish(rec, r, sc)
		next.ServeHTTP(rec, r)
	})
}

func (s *Server) finish(rec *statusRecorder, r *http.Request, sc *requestScope) {
	if p := recover(); p != nil {
		s.logger.Error("handler_panic", "request_id", sc.id, "path", r.URL.Path, "error", p)
		if !rec.wrote {
			writeJSON(rec, http.StatusInternalServerError, models.ErrorPayload{Code: "internal_error", Message: "internal error"})
		}
	}
	route := routeTemplate(r)
	elapsed := time.Since(sc.started)
	code := strconv.Itoa(rec.status)
	observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
	observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())

	args := []any{
		"request_id", sc.id,
		"method", r.Method,
		"route", route,
		"status", rec.status,
		"duration_ms", elapsed.Milliseconds(),
		"remote_addr", remoteIP(r),
	}
	if sc.caller != nil {
		args = append(args, "participant_id", sc.caller.ParticipantID, "role", sc.caller.Role)
	}
	s.logger.Info("http_request", args...)
}

// authenticate rejects requests without a valid bearer credential and
// records the caller on the request scope.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.verifier.Verify(auth.BearerToken(r))
		if err != nil {
			s.logger.Info("auth_rejected", "path", r.URL.Path, "remote_addr", remoteIP(r), "error", err)
			writeError(w, err)
			return
		}
		sc := scopeOf(r.Context())
		if sc == nil {
			sc = &requestScope{started: time.Now()}
			r = r.WithContext(context.WithValue(r.Context(), scopeKey{}, sc))
		}
		sc.caller = &id
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the response status. It stays hijackable so the
// websocket upgrade works behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.status = http.StatusSwitchingProtocols
	w.wrote = true
	return h.Hijack()
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// remoteIP prefers the first hop of X-Forwarded-For.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
