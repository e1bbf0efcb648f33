package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/requestgate/storage"
)

// ============================================================
// BlockStore Implementation
// ============================================================

// IsBlocked reports whether ip has an active entry.
func (s *Store) IsBlocked(ctx context.Context, ip string) (bool, error) {
	_, err := s.Get(ctx, ip)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Get returns the active entry for ip or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, ip string) (*storage.BlockEntry, error) {
	ip = storage.NormalizeIP(ip)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.blockKey(ip)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get block entry: %w", err)
	}

	var e storage.BlockEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block entry: %w", err)
	}
	// The key TTL and our clock may disagree by a few milliseconds.
	if !e.ActiveAt(s.now()) {
		return nil, storage.ErrNotFound
	}
	return &e, nil
}

// Block stores the entry with a TTL equal to its remaining duration.
// Permanent entries have no TTL.
func (s *Store) Block(ctx context.Context, e storage.BlockEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e.IP = storage.NormalizeIP(e.IP)

	var ttl time.Duration
	if !e.Permanent() {
		ttl = e.Remaining(s.now())
		if ttl <= 0 {
			// Already expired: storing it would only leave an index member behind.
			return s.Unblock(ctx, e.IP)
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal block entry: %w", err)
	}

	key := s.blockKey(e.IP)
	if ttl > 0 {
		err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Px(ttl).Build()).Error()
	} else {
		err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("failed to save block entry: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.blockIndexKey()).Member(e.IP).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index block entry: %w", err)
	}

	s.logger.Debug("Blocked IP", "ip", e.IP, "reason", e.Reason, "ttl", ttl)
	return nil
}

// Unblock deletes the entry and its index member. Unknown IPs are a no-op.
func (s *Store) Unblock(ctx context.Context, ip string) error {
	ip = storage.NormalizeIP(ip)

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.blockKey(ip)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete block entry: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Srem().Key(s.blockIndexKey()).Member(ip).Build()).Error(); err != nil {
		return fmt.Errorf("failed to remove block index member: %w", err)
	}
	return nil
}

// List returns every active entry, oldest first. Index members whose entry
// has expired are removed on the way.
func (s *Store) List(ctx context.Context) ([]storage.BlockEntry, error) {
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.blockIndexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list block index: %w", err)
	}

	entries := make([]storage.BlockEntry, 0, len(members))
	var stale []string
	for _, ip := range members {
		e, err := s.Get(ctx, ip)
		if errors.Is(err, storage.ErrNotFound) {
			stale = append(stale, ip)
			continue
		}
		if err != nil {
			s.logger.Warn("Failed to read block entry, skipping", "ip", ip, "error", err)
			continue
		}
		entries = append(entries, *e)
	}

	if len(stale) > 0 {
		if err := s.client.Do(ctx, s.client.B().Srem().Key(s.blockIndexKey()).Member(stale...).Build()).Error(); err != nil {
			s.logger.Warn("Failed to prune stale block index members", "count", len(stale), "error", err)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].BlockedAt.Equal(entries[j].BlockedAt) {
			return entries[i].BlockedAt.Before(entries[j].BlockedAt)
		}
		return entries[i].IP < entries[j].IP
	})
	return entries, nil
}

// ============================================================
// RequestCounter Implementation
// ============================================================

// AllowRequest runs the sliding window script for ip. The check and the
// insert happen atomically on the server, so concurrent gates cannot
// overshoot the limit.
func (s *Store) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration, now time.Time) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, fmt.Errorf("invalid sliding window: limit=%d window=%s", limit, window)
	}
	ip = storage.NormalizeIP(ip)

	nowMs := now.UnixMilli()
	allowed, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSlidingWindow).
			Numkeys(1).
			Key(s.windowKey(ip)).
			Arg(
				strconv.FormatInt(nowMs, 10),
				strconv.FormatInt(window.Milliseconds(), 10),
				strconv.Itoa(limit),
				strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
			).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to execute sliding window script: %w", err)
	}
	return allowed == 1, nil
}
