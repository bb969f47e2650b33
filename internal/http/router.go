package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apigrid/teams/internal/domain"
	"github.com/apigrid/teams/internal/events"
	"github.com/apigrid/teams/internal/service/team"
	"github.com/apigrid/teams/internal/ws"
)

// Router wires HTTP endpoints to the team service.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	team      team.Service
	feed      events.Feed
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitTeamWrite = 60
	rateLimitTeamRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, teamSvc team.Service, feed events.Feed, limiter RateLimiter, jwtSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		team:   teamSvc,
		feed:   feed,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: jwtSecret,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	teamLimit := readWriteLimit(rateLimitTeamRead, rateLimitTeamWrite)
	r.mux.HandleFunc("/teams", r.audit(r.handlerAuthRate("teams", teamLimit, rateWindowDefault, r.handleTeams)))
	r.mux.HandleFunc("/teams/", r.audit(r.handlerAuthRate("team", teamLimit, rateWindowDefault, r.handleTeamSubroutes)))
	r.mux.HandleFunc("/ws/events", r.audit(r.handlerAuthRate("ws_events", fixedLimit(rateLimitWebsocket), rateWindowRealtime, r.handleEventsWS)))
}

// handleTeams serves team creation and the member reverse lookup.
func (r *Router) handleTeams(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for teams route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read body")
			return
		}
		record, err := r.team.Create(req.Context(), info.UserID, body)
		if err != nil {
			r.writeTeamError(w, req, info.UserID, "", err)
			return
		}
		setEtag(w, record.Etag)
		w.Header().Set("Location", r.team.SelfRef(record.ID))
		writeJSON(w, http.StatusCreated, r.teamResponse(record))
	case http.MethodGet:
		member := strings.TrimSpace(req.URL.Query().Get("member"))
		if member == "" {
			writeError(w, http.StatusBadRequest, "member query parameter required")
			return
		}
		ids, err := r.team.ListForUser(req.Context(), info.UserID, member)
		if err != nil {
			r.writeTeamError(w, req, info.UserID, "", err)
			return
		}
		contents := make([]string, 0, len(ids))
		for _, id := range ids {
			contents = append(contents, r.team.SelfRef(id))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"self":     req.URL.String(),
			"contents": contents,
		})
	default:
		r.methodNotAllowed(w)
	}
}

// handleTeamSubroutes serves /teams/{id} and /teams/{id}/events.
func (r *Router) handleTeamSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for team route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/teams/")
	parts := strings.Split(trimmed, "/")
	id := parts[0]
	if id == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "events" {
		r.handleTeamEvents(w, req, info.UserID, id)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}

	switch req.Method {
	case http.MethodGet:
		record, err := r.team.Get(req.Context(), info.UserID, id)
		if err != nil {
			r.writeTeamError(w, req, info.UserID, id, err)
			return
		}
		setEtag(w, record.Etag)
		writeJSON(w, http.StatusOK, r.teamResponse(record))
	case http.MethodPatch:
		r.handleMutation(w, req, info.UserID, id, r.team.Update)
	case http.MethodPut:
		r.handleMutation(w, req, info.UserID, id, r.team.Replace)
	case http.MethodDelete:
		record, err := r.team.Delete(req.Context(), info.UserID, id)
		if err != nil {
			r.writeTeamError(w, req, info.UserID, id, err)
			return
		}
		setEtag(w, record.Etag)
		writeJSON(w, http.StatusOK, r.teamResponse(record))
	default:
		r.methodNotAllowed(w)
	}
}

type mutationFn func(ctx context.Context, actor, id, etag string, body json.RawMessage) (*domain.Team, error)

func (r *Router) handleMutation(w http.ResponseWriter, req *http.Request, actor, id string, mutate mutationFn) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	record, err := mutate(req.Context(), actor, id, ifMatch(req), body)
	if err != nil {
		r.writeTeamError(w, req, actor, id, err)
		return
	}
	setEtag(w, record.Etag)
	writeJSON(w, http.StatusOK, r.teamResponse(record))
}

func (r *Router) handleTeamEvents(w http.ResponseWriter, req *http.Request, actor, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	history, err := r.team.History(req.Context(), actor, id, limit)
	if err != nil {
		r.writeTeamError(w, req, actor, id, err)
		return
	}
	entries := make([]json.RawMessage, 0, len(history))
	for _, ev := range history {
		data, err := events.MarshalEvent(ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entries = append(entries, data)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for events websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	teamID := req.URL.Query().Get("team_id")
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "team_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.feed.Hub().Register(teamID, client)
	go func() {
		defer func() {
			r.feed.Hub().Unregister(teamID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// teamResponse merges the stored payload with the id and self link.
func (r *Router) teamResponse(record *domain.Team) map[string]any {
	payload := make(map[string]any)
	if err := json.Unmarshal(record.Doc, &payload); err != nil {
		r.logger.Error("stored team payload is not an object", "team_id", record.ID, "error", err)
		payload = map[string]any{}
	}
	payload["id"] = record.ID
	payload["self"] = r.team.SelfRef(record.ID)
	return payload
}

// writeTeamError maps a service error to its outcome class. On a
// version conflict the winner's etag is exposed so the loser can
// re-read and resubmit.
func (r *Router) writeTeamError(w http.ResponseWriter, req *http.Request, actor, id string, err error) {
	status := statusForError(err)
	if status == http.StatusPreconditionFailed && id != "" {
		if current, readErr := r.team.Get(req.Context(), actor, id); readErr == nil {
			setEtag(w, current.Etag)
		}
	}
	if status == http.StatusInternalServerError {
		r.logger.Error("team operation failed", "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func routeLabel(path string) string {
	switch {
	case path == "/teams":
		return "teams"
	case strings.HasSuffix(path, "/events") && strings.HasPrefix(path, "/teams/"):
		return "team_events"
	case strings.HasPrefix(path, "/teams/"):
		return "team"
	case path == "/ws/events":
		return "ws_events"
	default:
		return strings.TrimPrefix(path, "/")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
