package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/requestgate/instrumentation"
	"github.com/giantswarm/requestgate/storage"
)

const (
	// DefaultCleanupInterval is how often expired entries are swept.
	DefaultCleanupInterval = time.Minute

	// LegacyImportReason is the reason given to entries loaded from the old
	// string-array file format.
	LegacyImportReason = "imported"

	storageType = "memory"
)

// Store is an in-memory BlockStore with optional JSON file persistence.
type Store struct {
	mu      sync.RWMutex
	entries map[string]storage.BlockEntry

	// persistMu serializes file writes so concurrent Block calls never
	// interleave temp files.
	persistMu sync.Mutex
	path      string

	blockDuration time.Duration
	now           func() time.Time
	logger        *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	countAtomic     atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

var (
	_ storage.BlockStore = (*Store)(nil)
	_ storage.Persister  = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithFile enables persistence to path. Every Block and Unblock rewrites it.
func WithFile(path string) Option {
	return func(s *Store) { s.path = path }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBlockDuration sets the lifetime given to legacy entries on Load.
func WithBlockDuration(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.blockDuration = d
		}
	}
}

// WithCleanupInterval sets the sweep period.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// New creates a store and starts its sweep goroutine. Call Stop when done.
func New(opts ...Option) *Store {
	s := &Store{
		entries:         make(map[string]storage.BlockEntry),
		blockDuration:   storage.DefaultBlockDuration,
		now:             time.Now,
		logger:          slog.Default(),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// SetInstrumentation enables tracing, storage metrics and the active block gauge.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.countAtomic.Store(int64(len(s.entries)))
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterBlockListSize(storageType, s.countAtomic.Load); err != nil {
			s.logger.Warn("Failed to register block list size callback", "error", err)
		}
	}
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Path returns the persistence file, empty when persistence is off.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IsBlocked reports whether ip has an active entry.
func (s *Store) IsBlocked(ctx context.Context, ip string) (bool, error) {
	_, err := s.Get(ctx, ip)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Get returns the active entry for ip. An expired entry is removed and
// reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, ip string) (*storage.BlockEntry, error) {
	ip = storage.NormalizeIP(ip)
	now := s.now()

	s.mu.RLock()
	e, ok := s.entries[ip]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	if !e.ActiveAt(now) {
		s.mu.Lock()
		// Re-check: a concurrent Block may have replaced the entry.
		if cur, ok := s.entries[ip]; ok && !cur.ActiveAt(now) {
			delete(s.entries, ip)
			s.countAtomic.Store(int64(len(s.entries)))
		}
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	}
	return &e, nil
}

// Block inserts or replaces the entry for e.IP, then persists.
func (s *Store) Block(ctx context.Context, e storage.BlockEntry) (err error) {
	ctx, span := s.startStorageSpan(ctx, "block")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "block", err, start) }()

	if err = e.Validate(); err != nil {
		return err
	}
	e.IP = storage.NormalizeIP(e.IP)

	s.mu.Lock()
	s.entries[e.IP] = e
	s.countAtomic.Store(int64(len(s.entries)))
	s.mu.Unlock()

	s.logger.Debug("Blocked IP", "ip", e.IP, "reason", e.Reason, "permanent", e.Permanent())

	return s.persistAfterMutation(ctx)
}

// Unblock removes ip. Unknown IPs are a no-op and do not touch the file.
func (s *Store) Unblock(ctx context.Context, ip string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "unblock")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "unblock", err, start) }()

	ip = storage.NormalizeIP(ip)

	s.mu.Lock()
	_, existed := s.entries[ip]
	delete(s.entries, ip)
	s.countAtomic.Store(int64(len(s.entries)))
	s.mu.Unlock()

	if !existed {
		return nil
	}
	s.logger.Debug("Unblocked IP", "ip", ip)

	return s.persistAfterMutation(ctx)
}

// List returns active entries ordered by block time, oldest first.
func (s *Store) List(_ context.Context) ([]storage.BlockEntry, error) {
	return s.activeEntries(s.now()), nil
}

func (s *Store) activeEntries(now time.Time) []storage.BlockEntry {
	s.mu.RLock()
	out := make([]storage.BlockEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.ActiveAt(now) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].BlockedAt.Before(out[j].BlockedAt)
		}
		return out[i].IP < out[j].IP
	})
	return out
}

func (s *Store) persistAfterMutation(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	if err := s.Persist(ctx); err != nil {
		s.logger.Error("Failed to persist block list", "path", s.path, "error", err)
		return err
	}
	return nil
}

// Persist writes every active entry to the configured file. The file is
// replaced atomically via a temp file in the same directory. Errors wrap
// storage.ErrPersistFailed.
func (s *Store) Persist(_ context.Context) error {
	if s.path == "" {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	// Snapshot under persistMu so the last writer always holds the newest state.
	data, err := json.MarshalIndent(s.activeEntries(s.now()), "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", storage.ErrPersistFailed, err)
	}
	data = append(data, '\n')

	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrPersistFailed, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Load replaces in-memory state with the file contents. A missing file
// leaves the store untouched. Expired and invalid entries are skipped.
func (s *Store) Load(ctx context.Context) (err error) {
	ctx, span := s.startStorageSpan(ctx, "load")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "load", err, start) }()

	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("Block list file not found, starting empty", "path", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read block list: %w", err)
	}

	now := s.now()
	entries, skipped, err := DecodeEntries(data, now, s.blockDuration)
	if err != nil {
		return fmt.Errorf("decode block list %s: %w", s.path, err)
	}

	loaded := make(map[string]storage.BlockEntry, len(entries))
	for _, e := range entries {
		if !e.ActiveAt(now) {
			skipped++
			continue
		}
		e.IP = storage.NormalizeIP(e.IP)
		loaded[e.IP] = e
	}

	s.mu.Lock()
	s.entries = loaded
	s.countAtomic.Store(int64(len(loaded)))
	s.mu.Unlock()

	s.logger.Info("Loaded block list", "path", s.path, "entries", len(loaded), "skipped", skipped)
	return nil
}

// DecodeEntries parses a block list file. Elements may be entry objects or
// bare IP strings from the legacy format; strings become entries with reason
// "imported" that expire legacyTTL after now. Invalid elements are counted in
// skipped rather than failing the whole file.
func DecodeEntries(data []byte, now time.Time, legacyTTL time.Duration) (entries []storage.BlockEntry, skipped int, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, 0, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, err
	}

	entries = make([]storage.BlockEntry, 0, len(raw))
	for _, elem := range raw {
		elem = bytes.TrimSpace(elem)
		if len(elem) > 0 && elem[0] == '"' {
			var ip string
			if err := json.Unmarshal(elem, &ip); err != nil || ip == "" {
				skipped++
				continue
			}
			entries = append(entries, storage.NewBlockEntry(ip, LegacyImportReason, now, legacyTTL))
			continue
		}

		var e storage.BlockEntry
		if err := json.Unmarshal(elem, &e); err != nil || e.Validate() != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() int {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for ip, e := range s.entries {
		if !e.ActiveAt(now) {
			delete(s.entries, ip)
			removed++
		}
	}
	s.countAtomic.Store(int64(len(s.entries)))
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("Swept expired block entries", "removed", removed)
	}
	return removed
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, storageType),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String(instrumentation.AttrStorageResult, result))

	s.instrumentation.Metrics().RecordStorageOperation(ctx, storageType, operation, result, durationMs)
}
