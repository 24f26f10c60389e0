// Package api exposes the agent over HTTP: operator endpoints behind JWT,
// host signal endpoints restricted to loopback, and the inbound SMS hook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"sentinel/pkg/deadline"
	"sentinel/pkg/incident"
	"sentinel/pkg/lifecycle"
	otelobs "sentinel/pkg/observability/otel"
	"sentinel/pkg/ratelimit"
	"sentinel/pkg/remote"
	"sentinel/pkg/sensors"
	"sentinel/pkg/structlog"
)

const maxBodyBytes = 16 << 10

type Trigger interface {
	Fire(ctx context.Context, reason string, severity incident.Severity) bool
}

type SMSHandler interface {
	Handle(ctx context.Context, in remote.Inbound) remote.Outcome
}

type EventSource interface {
	Entries(ctx context.Context) ([]string, error)
}

type UnlockRecorder interface {
	Record(ctx context.Context, r sensors.UnlockResult) (bool, error)
}

type SimObserver interface {
	Observe(ctx context.Context, state sensors.SimState, serial string) (bool, error)
}

type ConnectivityObserver interface {
	Changed(ctx context.Context, online bool) error
}

type TripwireControl interface {
	Arm(ctx context.Context, hours float64) error
	CheckIn(ctx context.Context) error
	Disarm(ctx context.Context) error
	Status(ctx context.Context) (deadline.Status, error)
}

// Deps are the components the server fronts. Nil members answer 503.
type Deps struct {
	Trigger      Trigger
	SMS          SMSHandler
	Events       EventSource
	Lifecycle    *lifecycle.Signal
	Unlocks      UnlockRecorder
	Sim          SimObserver
	Connectivity ConnectivityObserver
	Tripwire     TripwireControl
}

type Server struct {
	deps     Deps
	auth     *Authenticator
	logger   *structlog.Logger
	smsLimit ratelimit.Limiter
	requests metric.Int64Counter
	handler  http.Handler
}

type Option func(*Server)

func WithLogger(l *structlog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithSMSLimiter caps inbound messages per source address and per sender,
// bounding password guessing.
func WithSMSLimiter(l ratelimit.Limiter) Option { return func(s *Server) { s.smsLimit = l } }

func NewServer(deps Deps, auth *Authenticator, opts ...Option) *Server {
	s := &Server{deps: deps, auth: auth}
	for _, o := range opts {
		o(s)
	}
	s.logger = structlog.OrDefault(s.logger, "api")

	counter, err := otel.Meter("sentinel/api").Int64Counter("sentinel.api.requests",
		metric.WithDescription("HTTP requests by route."))
	if err != nil {
		s.logger.Warn("api request counter unavailable", structlog.Fields{"error": err})
	}
	s.requests = counter

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	s.route(mux, "POST /v1/sms", http.HandlerFunc(s.sms))

	s.route(mux, "POST /v1/trigger", auth.Require(RoleOperator, http.HandlerFunc(s.trigger)))
	s.route(mux, "GET /v1/events", auth.Require(RoleOperator, http.HandlerFunc(s.events)))
	s.route(mux, "GET /v1/tripwire", auth.Require(RoleOperator, http.HandlerFunc(s.tripwireStatus)))
	s.route(mux, "POST /v1/tripwire", auth.Require(RoleOperator, http.HandlerFunc(s.tripwireAction)))

	s.route(mux, "POST /v1/lifecycle", loopbackOnly(http.HandlerFunc(s.lifecycle)))
	s.route(mux, "POST /v1/connectivity", loopbackOnly(http.HandlerFunc(s.connectivity)))
	s.route(mux, "POST /v1/unlock", loopbackOnly(http.HandlerFunc(s.unlock)))
	s.route(mux, "POST /v1/sim", loopbackOnly(http.HandlerFunc(s.sim)))

	s.handler = otelobs.HTTPTraceLogMiddleware(s.logger, otelobs.WrapHTTPHandler("sentinel-api", mux))
	return s
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.requests != nil {
			s.requests.Add(r.Context(), 1, metric.WithAttributes(attribute.String("route", pattern)))
		}
		h.ServeHTTP(w, r)
	}))
}

func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is done, then drains for up to 10s.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("api listening", structlog.Fields{"addr": addr})

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type smsRequest struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

// sms never echoes the body; the status code alone says whether the
// message was consumed.
func (s *Server) sms(w http.ResponseWriter, r *http.Request) {
	if s.deps.SMS == nil {
		writeError(w, http.StatusServiceUnavailable, "remote commands disabled")
		return
	}
	var req smsRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.smsAllowed(r, req.Sender) {
		s.logger.SecurityEvent("sms_rate_limited", structlog.Fields{"sender": req.Sender, "remote": remoteHost(r)})
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	out := s.deps.SMS.Handle(r.Context(), remote.Inbound{Sender: req.Sender, Body: req.Body})
	if out.Consumed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// smsAllowed charges both the calling address and the claimed sender. The
// sender field is caller-controlled, so the address bucket is what bounds
// password guessing.
func (s *Server) smsAllowed(r *http.Request, sender string) bool {
	if s.smsLimit == nil {
		return true
	}
	byAddr := s.smsLimit.Allow(r.Context(), "addr:"+remoteHost(r))
	bySender := s.smsLimit.Allow(r.Context(), "sender:"+sender)
	return byAddr && bySender
}

type triggerRequest struct {
	Reason   string `json:"reason"`
	Severity string `json:"severity"`
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "trigger unavailable")
		return
	}
	var req triggerRequest
	if !decode(w, r, &req) {
		return
	}
	sev, err := incident.ParseSeverity(req.Severity)
	if err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason and valid severity required")
		return
	}
	claims, _ := ClaimsFromContext(r.Context())
	s.logger.AuditLog("manual_trigger", structlog.Fields{"reason": req.Reason, "severity": sev.String(), "subject": claims.Subject})
	fired := s.deps.Trigger.Fire(r.Context(), req.Reason, sev)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": fired})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log unavailable")
		return
	}
	entries, err := s.deps.Events.Entries(r.Context())
	if err != nil {
		s.logger.Error("read event log", structlog.Fields{"error": err})
		writeError(w, http.StatusInternalServerError, "event log unavailable")
		return
	}
	if entries == nil {
		entries = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"events": entries})
}

func (s *Server) tripwireStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tripwire == nil {
		writeError(w, http.StatusServiceUnavailable, "tripwire unavailable")
		return
	}
	st, err := s.deps.Tripwire.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tripwire state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type tripwireRequest struct {
	Action string  `json:"action"`
	Hours  float64 `json:"hours,omitempty"`
}

func (s *Server) tripwireAction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tripwire == nil {
		writeError(w, http.StatusServiceUnavailable, "tripwire unavailable")
		return
	}
	var req tripwireRequest
	if !decode(w, r, &req) {
		return
	}
	var err error
	switch req.Action {
	case "arm":
		err = s.deps.Tripwire.Arm(r.Context(), req.Hours)
	case "checkin":
		err = s.deps.Tripwire.CheckIn(r.Context())
	case "disarm":
		err = s.deps.Tripwire.Disarm(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "action must be arm, checkin or disarm")
		return
	}
	if errors.Is(err, deadline.ErrInvalidDuration) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tripwire update failed")
		return
	}
	s.logger.AuditLog("tripwire_"+req.Action, structlog.Fields{"hours": req.Hours})
	s.tripwireStatus(w, r)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lifecycle == nil {
		writeError(w, http.StatusServiceUnavailable, "lifecycle unavailable")
		return
	}
	var req struct {
		State string `json:"state"`
	}
	if !decode(w, r, &req) {
		return
	}
	st, err := lifecycle.ParseState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Lifecycle.Set(st)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) connectivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connectivity == nil {
		writeError(w, http.StatusServiceUnavailable, "connectivity unavailable")
		return
	}
	var req struct {
		Online bool `json:"online"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Connectivity.Changed(r.Context(), req.Online); err != nil {
		writeError(w, http.StatusInternalServerError, "check-in failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unlock(w http.ResponseWriter, r *http.Request) {
	if s.deps.Unlocks == nil {
		writeError(w, http.StatusServiceUnavailable, "unlock tracking unavailable")
		return
	}
	var req struct {
		Result string `json:"result"`
	}
	if !decode(w, r, &req) {
		return
	}
	fired, err := s.deps.Unlocks.Record(r.Context(), sensors.UnlockResult(req.Result))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unrecognised unlock result")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"incident": fired})
}

func (s *Server) sim(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sim == nil {
		writeError(w, http.StatusServiceUnavailable, "sim watcher unavailable")
		return
	}
	var req struct {
		State  string `json:"state"`
		Serial string `json:"serial"`
	}
	if !decode(w, r, &req) {
		return
	}
	fired, err := s.deps.Sim.Observe(r.Context(), sensors.SimState(req.State), req.Serial)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"incident": fired})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// loopbackOnly admits requests from the local host only.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := net.ParseIP(remoteHost(r)); ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, "host signals are local only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
