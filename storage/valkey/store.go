package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/requestgate/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "requestgate:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "requestgate:").
	// Gate instances sharing a block list must use the same prefix.
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now overrides time.Now for expiry calculations.
	Now func() time.Time
}

// Store is a Valkey-backed BlockStore and RequestCounter shared by every
// gate instance pointing at the same server and prefix.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ storage.BlockStore     = (*Store)(nil)
	_ storage.RequestCounter = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

func (s *Store) blockKey(ip string) string {
	return s.prefix + "block:" + ip
}

func (s *Store) blockIndexKey() string {
	return s.prefix + "blocks"
}

func (s *Store) windowKey(ip string) string {
	return s.prefix + "window:" + ip
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaSlidingWindow records one request in a ZSET sliding window unless the
// window is already full. Denied requests are not recorded.
//
// KEYS[1] = window key (e.g., "requestgate:window:203.0.113.7")
// ARGV[1] = now in Unix milliseconds
// ARGV[2] = window length in milliseconds
// ARGV[3] = request limit
// ARGV[4] = unique member for this request
//
// Returns 1 when allowed, 0 when denied.
const luaSlidingWindow = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

if redis.call('ZCARD', KEYS[1]) >= limit then
    return 0
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return 1
`
