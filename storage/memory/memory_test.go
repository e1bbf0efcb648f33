package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/requestgate/instrumentation"
	"github.com/giantswarm/requestgate/internal/testutil"
	"github.com/giantswarm/requestgate/storage"
)

const testIP = "203.0.113.7"

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) (*Store, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(baseTime)
	s := New(append([]Option{WithClock(clock.Now)}, opts...)...)
	t.Cleanup(s.Stop)
	return s, clock
}

func TestStore_BlockThenIsBlocked(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, storage.NewBlockEntry(testIP, "threat detected: xss", clock.Now(), time.Hour)))

	blocked, err := s.IsBlocked(ctx, testIP)
	require.NoError(t, err)
	assert.True(t, blocked)

	require.NoError(t, s.Unblock(ctx, testIP))

	blocked, err = s.IsBlocked(ctx, testIP)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestStore_UnblockUnknownIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	assert.NoError(t, s.Unblock(context.Background(), "198.51.100.1"))
	assert.Equal(t, 0, s.Len())
}

func TestStore_ReblockReplacesEntry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, storage.NewBlockEntry(testIP, "first", clock.Now(), time.Minute)))
	clock.Advance(10 * time.Second)
	require.NoError(t, s.Block(ctx, storage.NewBlockEntry(testIP, "second", clock.Now(), time.Hour)))

	e, err := s.Get(ctx, testIP)
	require.NoError(t, err)
	assert.Equal(t, "second", e.Reason)
	assert.Equal(t, clock.Now().Add(time.Hour), e.ExpiresAt)
	assert.Equal(t, 1, s.Len())
}

func TestStore_LazyExpiry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, storage.NewBlockEntry(testIP, "r", clock.Now(), time.Minute)))
	clock.Advance(time.Minute)

	_, err := s.Get(ctx, testIP)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, s.Len(), "expired entry should be removed on lookup")
}

func TestStore_PermanentEntryNeverExpires(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, storage.NewBlockEntry(testIP, "admin", clock.Now(), 0)))
	clock.Advance(24 * 365 * time.Hour)

	blocked, err := s.IsBlocked(ctx, testIP)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestStore_NormalizesIPs(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, storage.NewBlockEntry("::ffff:10.0.0.1", "r", clock.Now(), time.Hour)))

	blocked, err := s.IsBlocked(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestStore_BlockRejectsInvalidEntry(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Block(context.Background(), storage.BlockEntry{Reason: "no ip"})
	assert.ErrorIs(t, err, storage.ErrInvalidEntry)
}

func TestStore_ListOrderedAndActiveOnly(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, storage.NewBlockEntry("10.0.0.2", "r", clock.Now(), time.Minute)))
	clock.Advance(time.Second)
	require.NoError(t, s.Block(ctx, storage.NewBlockEntry("10.0.0.1", "r", clock.Now(), time.Hour)))
	clock.Advance(time.Second)
	require.NoError(t, s.Block(ctx, storage.NewBlockEntry("10.0.0.3", "r", clock.Now(), 0)))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.1", "10.0.0.3"}, ips(list))

	clock.Advance(2 * time.Minute)
	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3"}, ips(list))
}

func TestStore_Cleanup(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, storage.NewBlockEntry("10.0.0.1", "r", clock.Now(), time.Minute)))
	require.NoError(t, s.Block(ctx, storage.NewBlockEntry("10.0.0.2", "r", clock.Now(), time.Hour)))
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, s.cleanup())
	assert.Equal(t, 1, s.Len())
}

func TestStore_StopIdempotent(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop()
}

func TestStore_PersistLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.json")
	ctx := context.Background()

	s, clock := newTestStore(t, WithFile(path))
	want := []string{"10.0.0.1", "10.0.0.2", "2001:db8::1"}
	for _, ip := range want {
		require.NoError(t, s.Block(ctx, storage.NewBlockEntry(ip, "threat detected: sql_injection", clock.Now(), time.Hour)))
	}
	require.NoError(t, s.Block(ctx, storage.NewBlockEntry("10.0.0.9", "admin", clock.Now(), 0)))
	require.NoError(t, s.Unblock(ctx, "10.0.0.9"))

	fresh, _ := newTestStore(t, WithFile(path))
	require.NoError(t, fresh.Load(ctx))

	list, err := fresh.List(ctx)
	require.NoError(t, err)
	got := ips(list)
	sort.Strings(got)
	assert.Equal(t, want, got)

	e, err := fresh.Get(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "threat detected: sql_injection", e.Reason)
	assert.True(t, e.ExpiresAt.Equal(baseTime.Add(time.Hour)))
}

func TestStore_PersistWritesObjects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.json")
	s, clock := newTestStore(t, WithFile(path))

	require.NoError(t, s.Block(context.Background(), storage.NewBlockEntry(testIP, "honeypot: /.env", clock.Now(), time.Hour)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, testIP, decoded[0]["ip"])
	assert.Equal(t, "honeypot: /.env", decoded[0]["reason"])
	assert.Contains(t, decoded[0], "blocked_at")
	assert.Contains(t, decoded[0], "expires_at")

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".blocked.json.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files must not be left behind")
}

func TestStore_LoadLegacyStringArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.json")
	require.NoError(t, os.WriteFile(path, []byte(`["10.0.0.1", "10.0.0.2", ""]`), 0o600))

	s, clock := newTestStore(t, WithFile(path), WithBlockDuration(30*time.Minute))
	require.NoError(t, s.Load(context.Background()))

	e, err := s.Get(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, LegacyImportReason, e.Reason)
	assert.False(t, e.Permanent(), "legacy entries must not become permanent")
	assert.Equal(t, clock.Now().Add(30*time.Minute), e.ExpiresAt)
	assert.Equal(t, 2, s.Len())

	clock.Advance(31 * time.Minute)
	blocked, err := s.IsBlocked(context.Background(), "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestStore_LoadMixedAndSkipsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.json")
	content := fmt.Sprintf(`[
		"10.0.0.1",
		{"ip":"10.0.0.2","reason":"r","blocked_at":%q,"expires_at":%q},
		{"ip":"10.0.0.3","reason":"old","blocked_at":%q,"expires_at":%q},
		{"reason":"missing ip"},
		42
	]`,
		baseTime.Format(time.RFC3339), baseTime.Add(time.Hour).Format(time.RFC3339),
		baseTime.Add(-2*time.Hour).Format(time.RFC3339), baseTime.Add(-time.Hour).Format(time.RFC3339),
	)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s, _ := newTestStore(t, WithFile(path))
	require.NoError(t, s.Load(context.Background()))

	list, err := s.List(context.Background())
	require.NoError(t, err)
	got := ips(list)
	sort.Strings(got)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, got)
}

func TestStore_LoadReplacesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.json")
	require.NoError(t, os.WriteFile(path, []byte(`["10.0.0.1"]`), 0o600))

	s, clock := newTestStore(t)
	s.path = ""
	require.NoError(t, s.Block(context.Background(), storage.NewBlockEntry("10.9.9.9", "r", clock.Now(), time.Hour)))
	s.path = path

	require.NoError(t, s.Load(context.Background()))
	blocked, _ := s.IsBlocked(context.Background(), "10.9.9.9")
	assert.False(t, blocked)
	blocked, _ = s.IsBlocked(context.Background(), "10.0.0.1")
	assert.True(t, blocked)
}

func TestStore_LoadMissingFile(t *testing.T) {
	s, _ := newTestStore(t, WithFile(filepath.Join(t.TempDir(), "absent.json")))
	assert.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 0, s.Len())
}

func TestStore_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	s, _ := newTestStore(t, WithFile(path))
	assert.Error(t, s.Load(context.Background()))
}

func TestStore_PersistFailureKeepsMemoryState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-such-dir", "blocked.json")
	s, clock := newTestStore(t, WithFile(path))
	ctx := context.Background()

	err := s.Block(ctx, storage.NewBlockEntry(testIP, "r", clock.Now(), time.Hour))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrPersistFailed))

	blocked, err := s.IsBlocked(ctx, testIP)
	require.NoError(t, err)
	assert.True(t, blocked, "in-memory block must hold when persist fails")
}

func TestStore_ConcurrentBlockPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.json")
	s, clock := newTestStore(t, WithFile(path))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.0.1.%d", i)
			assert.NoError(t, s.Block(ctx, storage.NewBlockEntry(ip, "r", clock.Now(), time.Hour)))
			_, _ = s.IsBlocked(ctx, ip)
		}(i)
	}
	wg.Wait()


	fresh, _ := newTestStore(t, WithFile(path))
	require.NoError(t, fresh.Load(ctx))
	assert.Equal(t, 32, fresh.Len())
}

func TestDecodeEntries_Empty(t *testing.T) {
	entries, skipped, err := DecodeEntries([]byte("  \n"), baseTime, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, skipped)
}

func TestStore_SetInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MetricsExporter: instrumentation.ExporterPrometheus})
	require.NoError(t, err)
	defer func() { _ = inst.Shutdown(context.Background()) }()

	s, clock := newTestStore(t)
	s.SetInstrumentation(inst)

	ctx := context.Background()
	require.NoError(t, s.Block(ctx, storage.NewBlockEntry(testIP, "r", clock.Now(), time.Hour)))
	require.NoError(t, s.Block(ctx, storage.NewBlockEntry("10.0.0.1", "r", clock.Now(), time.Hour)))
	assert.Equal(t, int64(2), s.countAtomic.Load())

	assert.Equal(t, []float64{2}, testutil.GatheredValues(t, inst.Registry(), "requestgate_blocks_active"))
}

func ips(entries []storage.BlockEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.IP
	}
	return out
}
