package requestgate

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/giantswarm/requestgate/security"
	"github.com/giantswarm/requestgate/storage"
)

// Admin API defaults
const (
	DefaultAdminPrefix    = "/admin/security"
	DefaultAdminRate      = 5.0
	DefaultAdminBurst     = 10
	DefaultEventsLimit    = 50
	MaxEventsLimit        = 1000
	DefaultLogLines       = 100
	MaxLogLines           = 5000
	maxAdminRequestBytes  = 4 << 10
	defaultManualReason   = "manual block"
	tokenTypeBearerPrefix = "Bearer "

	// Longer durations overflow time.Duration.
	maxDurationSeconds = math.MaxInt64 / int64(time.Second)
)

// Authorizer decides whether r may use the admin API. Host applications
// plug in their session role check here.
type Authorizer func(r *http.Request) bool

// BearerTokenAuthorizer accepts requests carrying "Authorization: Bearer
// <token>". The comparison is constant time. An empty token rejects
// everything.
func BearerTokenAuthorizer(token string) Authorizer {
	want := []byte(token)
	return func(r *http.Request) bool {
		if len(want) == 0 {
			return false
		}
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, tokenTypeBearerPrefix) {
			return false
		}
		got := []byte(strings.TrimPrefix(h, tokenTypeBearerPrefix))
		return subtle.ConstantTimeCompare(got, want) == 1
	}
}

// AdminOptions configures the admin API.
type AdminOptions struct {
	// Prefix is the mount point. Default: "/admin/security".
	Prefix string

	// Authorizer is required.
	Authorizer Authorizer

	// RequestsPerSecond and Burst throttle admin calls per client IP.
	RequestsPerSecond float64
	Burst             int

	// LogFile is read by GET {prefix}/logs. Default: the gate's security log.
	LogFile string
}

// AdminHandler serves block list management, recent events, security log
// lines and stats as JSON.
type AdminHandler struct {
	gate    *Gate
	auth    Authorizer
	limiter *security.BurstLimiter
	logFile string
	logger  *slog.Logger
	router  chi.Router
}

// NewAdminHandler creates the admin API for g.
func NewAdminHandler(g *Gate, opts AdminOptions) (*AdminHandler, error) {
	if opts.Authorizer == nil {
		return nil, errors.New("admin API requires an authorizer")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultAdminPrefix
	}
	opts.Prefix = "/" + strings.Trim(opts.Prefix, "/")
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultAdminRate
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultAdminBurst
	}
	if opts.LogFile == "" {
		opts.LogFile = g.config.Monitor.LogFile.Path
	}

	h := &AdminHandler{
		gate:    g,
		auth:    opts.Authorizer,
		limiter: security.NewBurstLimiter(opts.RequestsPerSecond, opts.Burst, g.logger),
		logFile: opts.LogFile,
		logger:  g.logger,
	}

	r := chi.NewRouter()
	r.Use(h.guard)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, ErrNotFound("Unknown admin endpoint"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, NewGateError(ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
	})
	r.Route(opts.Prefix, func(r chi.Router) {
		r.Get("/blocked", h.ServeBlocked)
		r.Post("/blocked", h.ServeBlock)
		r.Delete("/blocked/{ip}", h.ServeUnblock)
		r.Get("/events", h.ServeEvents)
		r.Get("/logs", h.ServeLogs)
		r.Get("/stats", h.ServeStats)
	})
	h.router = r

	return h, nil
}

// ServeHTTP implements http.Handler
func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Close stops the admin rate limiter.
func (h *AdminHandler) Close() {
	h.limiter.Stop()
}

// guard throttles before authorizing so a leaked or guessed credential
// cannot be tried at speed.
func (h *AdminHandler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := h.gate.ClientIP(r)
		if !h.limiter.Allow(ip) {
			h.gate.metrics.RecordRateLimitExceeded(r.Context(), "admin")
			WriteError(w, r, ErrRateLimited(time.Second))
			return
		}
		if !h.auth(r) {
			h.logger.Warn("Unauthorized admin API request", "ip", ip, "path", r.URL.Path)
			WriteError(w, r, ErrUnauthorized())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeBlocked handles GET {prefix}/blocked
func (h *AdminHandler) ServeBlocked(w http.ResponseWriter, r *http.Request) {
	entries, err := h.gate.Blocked(r.Context())
	if err != nil {
		h.logger.Error("Failed to list blocked IPs", "error", err)
		WriteError(w, r, ErrServerError("Failed to list blocked IPs"))
		return
	}

	now := h.gate.now()
	views := make([]BlockEntryView, len(entries))
	for i, e := range entries {
		views[i] = NewBlockEntryView(e, now)
	}
	h.writeJSON(w, r, http.StatusOK, BlockListResponse{Entries: views, Count: len(views)})
}

// ServeBlock handles POST {prefix}/blocked
func (h *AdminHandler) ServeBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, r, ErrInvalidRequest("Request body must be a JSON object"))
		return
	}

	ip := strings.TrimSpace(req.IP)
	if ip == "" {
		WriteError(w, r, ErrInvalidRequest("ip is required"))
		return
	}

	duration := h.gate.config.Block.Duration
	if req.DurationSeconds != nil {
		if *req.DurationSeconds < 0 {
			WriteError(w, r, ErrInvalidRequest("duration_seconds must not be negative"))
			return
		}
		if *req.DurationSeconds > maxDurationSeconds {
			WriteError(w, r, ErrInvalidRequest("duration_seconds is too large"))
			return
		}
		duration = time.Duration(*req.DurationSeconds) * time.Second
	}
	reason := req.Reason
	if reason == "" {
		reason = defaultManualReason
	}
	reason = security.SampleValue("reason", reason)

	entry, err := h.gate.Block(r.Context(), ip, reason, duration)
	persisted := err == nil
	if err != nil && !errors.Is(err, storage.ErrPersistFailed) {
		if errors.Is(err, storage.ErrInvalidEntry) {
			WriteError(w, r, ErrInvalidRequest("Invalid block entry"))
			return
		}
		h.logger.Error("Failed to block IP", "ip", ip, "error", err)
		WriteError(w, r, ErrServerError("Failed to block IP"))
		return
	}

	view := NewBlockEntryView(*entry, h.gate.now())
	h.writeJSON(w, r, http.StatusCreated, BlockResponse{Entry: &view, IP: entry.IP, Persisted: persisted})
}

// ServeUnblock handles DELETE {prefix}/blocked/{ip}
func (h *AdminHandler) ServeUnblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if ip == "" {
		WriteError(w, r, ErrInvalidRequest("ip is required"))
		return
	}

	err := h.gate.Unblock(r.Context(), ip)
	persisted := err == nil
	if err != nil && !errors.Is(err, storage.ErrPersistFailed) {
		h.logger.Error("Failed to unblock IP", "ip", ip, "error", err)
		WriteError(w, r, ErrServerError("Failed to unblock IP"))
		return
	}

	h.writeJSON(w, r, http.StatusOK, BlockResponse{IP: storage.NormalizeIP(ip), Persisted: persisted})
}

// ServeEvents handles GET {prefix}/events?limit=N
func (h *AdminHandler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", DefaultEventsLimit, MaxEventsLimit)
	if err != nil {
		WriteError(w, r, ErrInvalidRequest(err.Error()))
		return
	}

	events, err := h.gate.monitor.RecentStored(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to read security events", "error", err)
		WriteError(w, r, ErrServerError("Failed to read events"))
		return
	}
	h.writeJSON(w, r, http.StatusOK, EventsResponse{Events: events, Count: len(events)})
}

// ServeLogs handles GET {prefix}/logs?lines=N
func (h *AdminHandler) ServeLogs(w http.ResponseWriter, r *http.Request) {
	if h.logFile == "" {
		WriteError(w, r, ErrNotFound("Security log file is not configured"))
		return
	}
	n, err := intParam(r, "lines", DefaultLogLines, MaxLogLines)
	if err != nil {
		WriteError(w, r, ErrInvalidRequest(err.Error()))
		return
	}

	lines, err := security.TailLogFile(h.logFile, n)
	if err != nil {
		h.logger.Error("Failed to read security log", "path", h.logFile, "error", err)
		WriteError(w, r, ErrServerError("Failed to read security log"))
		return
	}
	h.writeJSON(w, r, http.StatusOK, LogsResponse{Lines: lines, Count: len(lines)})
}

// ServeStats handles GET {prefix}/stats
func (h *AdminHandler) ServeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.gate.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to collect gate stats", "error", err)
		WriteError(w, r, ErrServerError("Failed to collect stats"))
		return
	}
	h.writeJSON(w, r, http.StatusOK, stats)
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	security.SetSecurityHeaders(w, r.TLS != nil)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode admin response", "error", err)
	}
}

func intParam(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	if n > max {
		n = max
	}
	return n, nil
}
