package commands

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/requestgate/internal/config"
	"github.com/giantswarm/requestgate/security"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestScan(t *testing.T) {
	out, err := runCommand(t, "scan", "' OR 1=1 --", "hello world")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "sql_injection")
	assert.Contains(t, lines[1], "clean")
}

func TestScan_Extended(t *testing.T) {
	out, err := runCommand(t, "scan", "; whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "clean")

	out, err = runCommand(t, "scan", "--extended", "; whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "command_injection")
}

func TestScan_RulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("categories:\n  template_injection:\n    - '\\{\\{.*\\}\\}'\n"), 0o600))

	out, err := runCommand(t, "scan", "--rules", path, "{{7*7}}")
	require.NoError(t, err)
	assert.Contains(t, out, "template_injection")
}

func TestScan_RequiresArgs(t *testing.T) {
	_, err := runCommand(t, "scan")
	assert.Error(t, err)
}

func TestBlocklist_Lifecycle(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blocked.json")

	out, err := runCommand(t, "blocklist", "list", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "No active blocks")

	out, err = runCommand(t, "blocklist", "add", "203.0.113.9", "--file", file, "--reason", "scanner")
	require.NoError(t, err)
	assert.Contains(t, out, "Blocked 203.0.113.9 until")

	out, err = runCommand(t, "blocklist", "add", "::ffff:198.51.100.7", "--file", file, "--duration", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Blocked 198.51.100.7 permanently")

	out, err = runCommand(t, "blocklist", "list", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "203.0.113.9")
	assert.Contains(t, out, "scanner")
	assert.Contains(t, out, "from now")
	assert.Contains(t, out, "198.51.100.7")
	assert.Contains(t, out, "never")

	out, err = runCommand(t, "blocklist", "remove", "203.0.113.9", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Unblocked 203.0.113.9")

	out, err = runCommand(t, "blocklist", "rm", "203.0.113.9", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "is not blocked")

	out, err = runCommand(t, "blocklist", "list", "--file", file)
	require.NoError(t, err)
	assert.NotContains(t, out, "203.0.113.9")
	assert.Contains(t, out, "198.51.100.7")
}

func TestBlocklist_Errors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blocked.json")

	tests := []struct {
		name string
		args []string
	}{
		{"invalid ip", []string{"blocklist", "add", "not-an-ip", "--file", file}},
		{"negative duration", []string{"blocklist", "add", "203.0.113.9", "--file", file, "--duration", "-1h"}},
		{"missing ip", []string{"blocklist", "remove", "--file", file}},
		{"no file configured", []string{"blocklist", "list"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCommand(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestBlocklist_CorruptFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blocked.json")
	require.NoError(t, os.WriteFile(file, []byte("{not json"), 0o600))

	_, err := runCommand(t, "blocklist", "list", "--file", file)
	assert.Error(t, err)
}

func TestLogs(t *testing.T) {
	file := filepath.Join(t.TempDir(), "security.log")
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	content := strings.Join([]string{
		security.FormatLogLine(ts, "INFO", "first"),
		security.FormatLogLine(ts.Add(time.Second), "WARNING", "rate_limit_exceeded ip=203.0.113.9"),
		"garbage line",
		security.FormatLogLine(ts.Add(2*time.Second), "CRITICAL", "sql_injection ip=203.0.113.9"),
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	out, err := runCommand(t, "logs", "--file", file, "--lines", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "garbage line", lines[0])
	assert.Equal(t, "2026-03-01 12:00:02,000 - CRITICAL - sql_injection ip=203.0.113.9", lines[1])
}

func TestLogs_NoFile(t *testing.T) {
	_, err := runCommand(t, "logs")
	assert.Error(t, err)
}

func TestBuildHandler(t *testing.T) {
	cfg := config.Default()
	cfg.Admin.Enabled = true
	cfg.Admin.Token = "ops-token"
	cfg.Metrics.Enabled = true

	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	do := func(method, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "demo application")

	rec = do(http.MethodGet, "/wp-admin/", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The honeypot blocked the client; the demo app is now closed to it.
	rec = do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The admin API is outside the gate.
	rec = do(http.MethodGet, "/admin/security/blocked", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(http.MethodGet, "/admin/security/blocked", "ops-token")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "192.0.2.1")

	rec = do(http.MethodDelete, "/admin/security/blocked/192.0.2.1", "ops-token")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "requestgate_requests_total")
}

func TestBuildHandler_AdminDisabled(t *testing.T) {
	a, err := newApp(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	req := httptest.NewRequest(http.MethodGet, "/admin/security/blocked", nil)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	// Without the admin API the path falls through to the gated demo app.
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVersionFlag(t *testing.T) {
	out, err := runCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}
