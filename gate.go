package requestgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/requestgate/instrumentation"
	"github.com/giantswarm/requestgate/internal/helpers"
	"github.com/giantswarm/requestgate/security"
	"github.com/giantswarm/requestgate/storage"
	"github.com/giantswarm/requestgate/storage/memory"
)

// Gate inspects inbound requests before business logic runs. It owns its
// block store, rate limiter, signature matcher and monitor; nothing is
// process-global, so several gates can coexist.
type Gate struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	store     storage.BlockStore
	ownsStore bool
	counter   storage.RequestCounter

	limiter *security.SlidingWindowLimiter

	matcher *security.Matcher
	scanner security.Scanner
	cache   *security.VerdictCache
	watcher *security.RuleWatcher

	honeypot  *security.Honeypot
	monitor   *security.Monitor
	eventSink security.EventSink
	logFile   *security.SecurityLog
	resolver  security.IPResolver
	allowlist []netip.Prefix
	collector collector

	instrumentation *instrumentation.Instrumentation
	metrics         *instrumentation.Metrics
	tracer          trace.Tracer
}

// Option customizes a Gate at construction.
type Option func(*Gate)

// WithStore injects the block store. Default: storage/memory, persisted to
// Config.Block.File when set.
func WithStore(s storage.BlockStore) Option {
	return func(g *Gate) { g.store = s }
}

// WithRequestCounter replaces the local sliding window with a shared counter
// such as storage/valkey, for gates running on several instances.
func WithRequestCounter(c storage.RequestCounter) Option {
	return func(g *Gate) { g.counter = c }
}

// WithMatcher injects a signature matcher, e.g. one shared with a RuleWatcher.
func WithMatcher(m *security.Matcher) Option {
	return func(g *Gate) { g.matcher = m }
}

// WithMonitor injects the security monitor.
func WithMonitor(m *security.Monitor) Option {
	return func(g *Gate) { g.monitor = m }
}

// WithEventSink sets the durable event store used by the default monitor.
func WithEventSink(sink security.EventSink) Option {
	return func(g *Gate) {
		if sink != nil {
			g.eventSink = sink
		}
	}
}

// WithInstrumentation enables metrics and tracing.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(g *Gate) { g.instrumentation = inst }
}

// New builds a gate from cfg. Defaults are applied to a copy of cfg.
func New(cfg Config, opts ...Option) (*Gate, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gate config: %w", err)
	}

	g := &Gate{
		config: cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
		resolver: security.IPResolver{
			TrustProxy:        cfg.Proxy.TrustProxy,
			TrustedHeaders:    cfg.Proxy.TrustedHeaders,
			TrustedProxyCount: cfg.Proxy.TrustedProxyCount,
		},
		collector: newCollector(cfg.Inspection),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.allowlist, _ = helpers.ParsePrefixes(cfg.Allowlist)

	if g.instrumentation != nil {
		g.metrics = g.instrumentation.Metrics()
		g.tracer = g.instrumentation.Tracer("gate")
	} else {
		g.tracer = noop.NewTracerProvider().Tracer("gate")
	}

	if err := g.initMatcher(); err != nil {
		return nil, err
	}

	if !cfg.Honeypot.Disabled {
		g.honeypot = security.NewHoneypot(cfg.Honeypot.Paths)
	}

	if !cfg.RateLimit.Disabled && g.counter == nil {
		g.limiter = security.NewSlidingWindowLimiter(cfg.RateLimit.Policy(), g.logger,
			security.WithClock(security.Clock(g.now)),
			security.WithMaxEntries(cfg.RateLimit.MaxTrackedIPs),
			security.WithCleanupInterval(cfg.RateLimit.CleanupInterval),
		)
	}

	if g.monitor == nil {
		if cfg.Monitor.LogFile.Path != "" {
			g.logFile = security.OpenSecurityLog(cfg.Monitor.LogFile)
		}
		var counter security.EventCounter
		if g.metrics != nil {
			counter = g.metrics
		}
		g.monitor = security.NewMonitor(g.logger, security.MonitorOptions{
			BufferSize: cfg.Monitor.BufferSize,
			Sink:       g.eventSink,
			LogFile:    g.logFile,
			Metrics:    counter,
			Alert:      cfg.Monitor.Alert,
			Now:        security.Clock(g.now),
		})
	}

	if g.store == nil {
		mem := memory.New(
			memory.WithFile(cfg.Block.File),
			memory.WithClock(g.now),
			memory.WithLogger(g.logger),
			memory.WithBlockDuration(cfg.Block.Duration),
		)
		if err := mem.Load(context.Background()); err != nil {
			mem.Stop()
			g.Close()
			return nil, fmt.Errorf("failed to load block list: %w", err)
		}
		mem.SetInstrumentation(g.instrumentation)
		g.store = mem
		g.ownsStore = true
	}

	g.logger.Info("Request gate initialized",
		"fail_policy", cfg.FailPolicy,
		"rate_limit", !cfg.RateLimit.Disabled,
		"distributed_rate_limit", g.counter != nil,
		"max_requests", cfg.RateLimit.MaxRequests,
		"window", cfg.RateLimit.Window,
		"block_duration", cfg.Block.Duration,
		"patterns", g.matcher.PatternCount(),
		"honeypot", g.honeypot != nil,
		"trust_proxy", cfg.Proxy.TrustProxy)

	return g, nil
}

func (g *Gate) initMatcher() error {
	cfg := g.config.Inspection
	base := cfg.Rules
	if cfg.Extended {
		base = security.MergeRules(base, security.ExtendedRules())
	}

	if g.matcher == nil {
		table := base
		if cfg.RulesFile != "" {
			rf, err := security.LoadRules(cfg.RulesFile)
			if err != nil {
				return fmt.Errorf("failed to load rules: %w", err)
			}
			table = rf.Table(base)
		}
		m, err := security.NewMatcher(table)
		if err != nil {
			return fmt.Errorf("failed to compile rules: %w", err)
		}
		g.matcher = m
	}

	if cfg.RulesFile != "" {
		g.watcher = security.NewRuleWatcher(cfg.RulesFile, base, g.matcher, g.logger)
		g.watcher.OnReload(g.onRulesReload)
	}

	g.scanner = g.matcher
	if cfg.VerdictCacheTTL > 0 {
		vc, err := security.NewVerdictCache(context.Background(), g.matcher, cfg.VerdictCacheTTL, cfg.VerdictCacheSizeMB, g.logger)
		if err != nil {
			// Scanning still works without the cache.
			g.logger.Warn("Verdict cache disabled", "error", err)
		} else {
			g.cache = vc
			g.scanner = vc
		}
	}
	return nil
}

func (g *Gate) onRulesReload(gen uint64, err error) {
	ctx := context.Background()
	if err != nil {
		g.metrics.RecordRulesReload(ctx, "error")
		g.monitor.Log(ctx, security.Event{
			Type:    security.EventRulesReloadFailed,
			Details: map[string]any{"file": g.config.Inspection.RulesFile, "error": err.Error()},
		})
		return
	}
	g.metrics.RecordRulesReload(ctx, "success")
	g.monitor.Log(ctx, security.Event{
		Type: security.EventRulesReloaded,
		Details: map[string]any{
			"file":       g.config.Inspection.RulesFile,
			"generation": gen,
			"patterns":   g.matcher.PatternCount(),
		},
	})
}

// WatchRules starts hot reload of Config.Inspection.RulesFile. It is a no-op
// without a rules file. The watcher stops with ctx or Close.
func (g *Gate) WatchRules(ctx context.Context) error {
	if g.watcher == nil {
		return nil
	}
	return g.watcher.Start(ctx)
}

// Close releases resources the gate created. Injected stores and monitors
// are left to their owners.
func (g *Gate) Close() {
	if g.watcher != nil {
		g.watcher.Stop()
	}
	if g.limiter != nil {
		g.limiter.Stop()
	}
	if g.cache != nil {
		_ = g.cache.Close()
	}
	if g.ownsStore {
		if mem, ok := g.store.(*memory.Store); ok {
			mem.Stop()
		}
	}
	if g.logFile != nil {
		_ = g.logFile.Close()
	}
}

// Monitor returns the gate's security monitor.
func (g *Gate) Monitor() *security.Monitor {
	return g.monitor
}

// Matcher returns the signature matcher.
func (g *Gate) Matcher() *security.Matcher {
	return g.matcher
}

// Store returns the block store.
func (g *Gate) Store() storage.BlockStore {
	return g.store
}

// Config returns the effective configuration.
func (g *Gate) Config() Config {
	return g.config
}

// ClientIP resolves the client identity of r the same way Inspect does.
func (g *Gate) ClientIP(r *http.Request) string {
	return g.resolver.Resolve(r)
}

// Middleware runs Inspect before next. Rejections get a fixed JSON body.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return security.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := g.Inspect(r)
		if !v.Allowed() {
			WriteError(w, r, v.Error)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// Inspect runs the detection pipeline and returns the verdict without
// writing a response. Offending clients are blocked as a side effect.
// r.Body is replaced with an equivalent reader.
func (g *Gate) Inspect(r *http.Request) (v Verdict) {
	ctx, span := g.tracer.Start(r.Context(), "gate.inspect")
	defer span.End()

	start := time.Now()
	ip := g.resolver.Resolve(r)

	defer func() {
		if rec := recover(); rec != nil {
			v = g.failure(ctx, ip, fmt.Errorf("panic during inspection: %v", rec))
		}
		v.RequestID = security.GetRequestID(ctx)
		g.finish(ctx, span, r, v, start)
	}()

	if g.allowlisted(ip) {
		return allow(ip, ReasonAllowlisted)
	}

	verdict, err := g.evaluate(ctx, r, ip)
	if err != nil {
		return g.failure(ctx, ip, err)
	}
	return verdict
}

func (g *Gate) evaluate(ctx context.Context, r *http.Request, ip string) (Verdict, error) {
	blocked, err := g.store.IsBlocked(ctx, ip)
	if err != nil {
		return Verdict{}, fmt.Errorf("block lookup: %w", err)
	}
	if blocked {
		g.monitor.Log(ctx, security.Event{
			Type:    security.EventBlockedAccessAttempt,
			IP:      ip,
			Details: map[string]any{"method": r.Method, "path": r.URL.Path},
		})
		return reject(ip, ReasonBlocked, ErrAccessDenied()), nil
	}

	allowed, limiterType, err := g.allowRequest(ctx, ip)
	if err != nil {
		return Verdict{}, fmt.Errorf("rate limit: %w", err)
	}
	if !allowed {
		policy := g.config.RateLimit.Policy()
		g.metrics.RecordRateLimitExceeded(ctx, limiterType)
		g.monitor.Log(ctx, security.Event{
			Type: security.EventRateLimitExceeded,
			IP:   ip,
			Details: map[string]any{
				"limit":        policy.MaxRequests,
				"window":       policy.Window.String(),
				"limiter_type": limiterType,
				"path":         r.URL.Path,
			},
		})
		g.blockDetected(ctx, ip, BlockReasonTooManyRequests, SourceRateLimit)
		return reject(ip, ReasonRateLimited, ErrRateLimited(g.config.Block.Duration)), nil
	}

	fields, err := g.collector.Collect(r)
	if err != nil {
		return Verdict{}, fmt.Errorf("read request: %w", err)
	}

	if cats, hits := g.scan(fields); len(cats) > 0 {
		names := make([]string, len(cats))
		for i, c := range cats {
			names[i] = string(c)
			g.metrics.RecordThreat(ctx, names[i])
			f := hits[c]
			g.monitor.Log(ctx, security.Event{
				Type:  string(c),
				IP:    ip,
				Level: security.LevelHigh,
				Details: map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
					"field":  f.Name,
					"sample": security.SampleValue(f.Name, f.Value),
				},
			})
		}
		g.blockDetected(ctx, ip, blockReasonThreatPrefix+strings.Join(names, ", "), SourceThreat)
		v := reject(ip, ReasonThreat, ErrAccessDenied())
		v.Categories = cats
		return v, nil
	}

	if g.honeypot != nil {
		if decoy, ok := g.honeypot.Lookup(r.URL.Path); ok {
			g.metrics.RecordHoneypotHit(ctx)
			g.monitor.Log(ctx, security.Event{
				Type: security.EventHoneypotTriggered,
				IP:   ip,
				Details: map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
					"decoy":  decoy,
				},
			})
			g.blockDetected(ctx, ip, blockReasonHoneypotPrefix+r.URL.Path, SourceHoneypot)
			v := reject(ip, ReasonHoneypot, ErrAccessDenied())
			v.Decoy = decoy
			return v, nil
		}
	}

	return allow(ip, ReasonNone), nil
}

// scan matches each field and remembers the first field per category.
func (g *Gate) scan(fields []Field) ([]security.Category, map[security.Category]Field) {
	var (
		all  []security.Category
		hits map[security.Category]Field
	)
	one := make([]string, 1)
	for _, f := range fields {
		one[0] = f.Value
		for _, c := range g.scanner.MatchAll(one) {
			if hits == nil {
				hits = make(map[security.Category]Field)
			}
			if _, seen := hits[c]; !seen {
				hits[c] = f
				all = append(all, c)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all, hits
}

func (g *Gate) allowRequest(ctx context.Context, ip string) (bool, string, error) {
	if g.config.RateLimit.Disabled {
		return true, "", nil
	}
	if g.counter != nil {
		p := g.config.RateLimit.Policy()
		ok, err := g.counter.AllowRequest(ctx, ip, p.MaxRequests, p.Window, g.now())
		return ok, "distributed", err
	}
	return g.limiter.Allow(ip), "window", nil
}

// blockDetected records a detector-issued block. Store failures never change
// the verdict: the request is rejected either way.
func (g *Gate) blockDetected(ctx context.Context, ip, reason, source string) {
	entry := storage.NewBlockEntry(ip, reason, g.now(), g.config.Block.Duration)
	g.recordBlock(ctx, entry, source)
}

func (g *Gate) recordBlock(ctx context.Context, entry storage.BlockEntry, source string) error {
	err := g.store.Block(ctx, entry)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrPersistFailed):
		g.monitor.Log(ctx, security.Event{
			Type:    security.EventBlocklistPersistFailed,
			IP:      entry.IP,
			Details: map[string]any{"error": err.Error()},
		})
	default:
		g.logger.Error("Failed to block IP", "ip", entry.IP, "reason", entry.Reason, "error", err)
		g.monitor.Log(ctx, security.Event{
			Type:    security.EventGateError,
			IP:      entry.IP,
			Details: map[string]any{"stage": "block", "error": err.Error()},
		})
		return err
	}

	g.metrics.RecordBlockIssued(ctx, source)
	details := map[string]any{
		"reason":   entry.Reason,
		"source":   source,
		"ip_class": helpers.ClassifyString(entry.IP).String(),
	}
	if entry.Permanent() {
		details["permanent"] = true
	} else {
		details["duration"] = entry.ExpiresAt.Sub(entry.BlockedAt).String()
	}
	g.monitor.Log(ctx, security.Event{Type: security.EventIPBlocked, IP: entry.IP, Details: details})
	return err
}

func (g *Gate) failure(ctx context.Context, ip string, err error) Verdict {
	g.logger.Error("Request gate failure", "ip", ip, "fail_policy", g.config.FailPolicy, "error", err)
	g.monitor.Log(ctx, security.Event{
		Type:    security.EventGateError,
		IP:      ip,
		Details: map[string]any{"error": err.Error(), "fail_policy": string(g.config.FailPolicy)},
	})

	var v Verdict
	if g.config.FailPolicy == FailClosed {
		v = reject(ip, ReasonFailClosed, ErrServiceUnavailable())
	} else {
		v = allow(ip, ReasonFailOpen)
	}
	v.Err = err
	return v
}

func (g *Gate) finish(ctx context.Context, span trace.Span, r *http.Request, v Verdict, start time.Time) {
	outcome := "allowed"
	if !v.Allowed() {
		outcome = "rejected"
		g.metrics.RecordRejection(ctx, string(v.Reason))
	}
	g.metrics.RecordRequest(ctx, outcome)
	g.metrics.RecordInspectionDuration(ctx, float64(time.Since(start).Microseconds())/1000)

	cats := make([]string, len(v.Categories))
	for i, c := range v.Categories {
		cats[i] = string(c)
	}
	instrumentation.AddDecisionAttributes(span, string(v.Decision), string(v.Reason), cats)
	instrumentation.AddHTTPAttributes(span, r.Method, r.URL.Path, v.Status())
	if v.Decoy != "" {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrHoneypotPath, v.Decoy))
	}
	if g.instrumentation != nil && g.instrumentation.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, v.IP)
	}
	if v.Err != nil {
		instrumentation.RecordError(span, v.Err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
}

func (g *Gate) allowlisted(ip string) bool {
	return helpers.PrefixesContain(g.allowlist, ip)
}

// ==================== Admin operations ====================

// Block adds ip to the block list. duration <= 0 blocks permanently. A
// returned error wrapping storage.ErrPersistFailed means the block is live
// but was not written to disk.
func (g *Gate) Block(ctx context.Context, ip, reason string, duration time.Duration) (*storage.BlockEntry, error) {
	ip = storage.NormalizeIP(strings.TrimSpace(ip))
	if ip == "" {
		return nil, fmt.Errorf("%w: empty ip", storage.ErrInvalidEntry)
	}
	if reason == "" {
		reason = "manual block"
	}
	entry := storage.NewBlockEntry(ip, reason, g.now(), duration)

	err := g.store.Block(ctx, entry)
	if err != nil && !errors.Is(err, storage.ErrPersistFailed) {
		return nil, err
	}
	if err != nil {
		g.monitor.Log(ctx, security.Event{
			Type:    security.EventBlocklistPersistFailed,
			IP:      ip,
			Details: map[string]any{"error": err.Error()},
		})
	}

	g.metrics.RecordBlockIssued(ctx, SourceAdmin)
	details := map[string]any{"reason": reason, "source": SourceAdmin, "permanent": entry.Permanent()}
	g.monitor.Log(ctx, security.Event{Type: security.EventIPBlocked, IP: ip, Details: details})
	return &entry, err
}

// Unblock removes ip from the block list. Unknown IPs are a no-op. The
// rate limiter's window for ip is left as is.
func (g *Gate) Unblock(ctx context.Context, ip string) error {
	ip = storage.NormalizeIP(strings.TrimSpace(ip))
	if ip == "" {
		return fmt.Errorf("%w: empty ip", storage.ErrInvalidEntry)
	}

	err := g.store.Unblock(ctx, ip)
	if err != nil && !errors.Is(err, storage.ErrPersistFailed) {
		return err
	}
	if err != nil {
		g.monitor.Log(ctx, security.Event{
			Type:    security.EventBlocklistPersistFailed,
			IP:      ip,
			Details: map[string]any{"error": err.Error()},
		})
	}

	g.monitor.Log(ctx, security.Event{Type: security.EventIPUnblocked, IP: ip, Details: map[string]any{"source": SourceAdmin}})
	return err
}

// Blocked lists active block entries.
func (g *Gate) Blocked(ctx context.Context) ([]storage.BlockEntry, error) {
	return g.store.List(ctx)
}

// IsBlocked reports whether ip is currently blocked.
func (g *Gate) IsBlocked(ctx context.Context, ip string) (bool, error) {
	return g.store.IsBlocked(ctx, ip)
}

// Stats summarizes gate state.
func (g *Gate) Stats(ctx context.Context) (Stats, error) {
	entries, err := g.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Distributed:     g.counter != nil,
		Blocked:         len(entries),
		EventsLogged:    g.monitor.Total(),
		RulesGeneration: g.matcher.Generation(),
		Patterns:        g.matcher.PatternCount(),
	}
	if g.limiter != nil {
		ws := g.limiter.GetStats()
		s.RateLimiter = &ws
	}
	if g.cache != nil {
		cs := g.cache.Stats()
		s.VerdictCache = &CacheStats{Entries: g.cache.Len(), Hits: cs.Hits, Misses: cs.Misses}
	}
	return s, nil
}
