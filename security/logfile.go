package security

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/giantswarm/requestgate/internal/util"
)

// LogTimeLayout is the timestamp layout of security log lines.
const LogTimeLayout = "2006-01-02 15:04:05,000"

const logFieldSep = " - "

// ErrMalformedLogLine is returned by ParseLogLine for lines without the
// "timestamp - LEVEL - message" shape.
var ErrMalformedLogLine = errors.New("malformed security log line")

// LogFileConfig configures the rotated security log file.
type LogFileConfig struct {
	Path       string
	MaxSizeMB  int // rotate after this size, default 100
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SecurityLog writes one line per event to a size-rotated file:
//
//	2024-05-01 13:37:00,123 - CRITICAL - sql_injection ip=203.0.113.9 ...
type SecurityLog struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// OpenSecurityLog returns a SecurityLog rotated by lumberjack. The file is
// created on first write.
func OpenSecurityLog(cfg LogFileConfig) *SecurityLog {
	return &SecurityLog{w: &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}}
}

// NewSecurityLog writes to w without rotation.
func NewSecurityLog(w io.WriteCloser) *SecurityLog {
	return &SecurityLog{w: w}
}

// LogLevelName maps a threat level to the level word in the file.
func LogLevelName(l Level) string {
	switch l {
	case LevelHigh:
		return "CRITICAL"
	case LevelMedium:
		return "WARNING"
	default:
		return "INFO"
	}
}

// WriteEvent appends the line for e.
func (l *SecurityLog) WriteEvent(e Event) error {
	return l.WriteLine(e.Timestamp, LogLevelName(e.Level), FormatEvent(e))
}

// WriteLine appends a formatted line. The message is flattened to one line.
func (l *SecurityLog) WriteLine(ts time.Time, level, message string) error {
	line := FormatLogLine(ts, level, message)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.w, line+"\n"); err != nil {
		return fmt.Errorf("write security log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *SecurityLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// FormatLogLine renders a log line without the trailing newline. Timestamps
// are written in UTC.
func FormatLogLine(ts time.Time, level, message string) string {
	return ts.UTC().Format(LogTimeLayout) + logFieldSep + level + logFieldSep + util.SingleLine(message)
}

// LogLine is a parsed security log line.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// ParseLogLine splits on the first two separators only, so a message that
// itself contains " - " survives intact.
func ParseLogLine(line string) (LogLine, error) {
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), logFieldSep, 3)
	if len(parts) != 3 {
		return LogLine{}, ErrMalformedLogLine
	}
	ts, err := time.ParseInLocation(LogTimeLayout, parts[0], time.UTC)
	if err != nil {
		return LogLine{}, fmt.Errorf("%w: %v", ErrMalformedLogLine, err)
	}
	return LogLine{Timestamp: ts, Level: parts[1], Message: parts[2]}, nil
}

// TailLogFile returns the last n parsed lines of path, oldest first.
// Malformed lines are returned with only Message set. A missing file yields
// no lines. n <= 0 returns every line.
func TailLogFile(path string, n int) ([]LogLine, error) {
	f, err := os.Open(path) // #nosec G304 -- operator configured log path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogLine{}, nil
		}
		return nil, fmt.Errorf("open security log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var lines []LogLine
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := sc.Text()
		if raw == "" {
			continue
		}
		ll, err := ParseLogLine(raw)
		if err != nil {
			ll = LogLine{Message: raw}
		}
		lines = append(lines, ll)
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read security log: %w", err)
	}
	if lines == nil {
		lines = []LogLine{}
	}
	return lines, nil
}
