package security

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleWatcher_Reload(t *testing.T) {
	path := writeRulesFile(t, "categories:\n  custom:\n    - 'forbidden-word'\n")
	m := MustNewMatcher(DefaultRules())
	w := NewRuleWatcher(path, DefaultRules(), m, nil)

	var calls atomic.Int32
	w.OnReload(func(gen uint64, err error) {
		calls.Add(1)
		assert.NoError(t, err)
	})

	require.NoError(t, w.Reload())
	assert.Equal(t, []Category{"custom"}, m.Match("a FORBIDDEN-WORD here"))
	assert.Contains(t, m.Match("<script>"), CategoryXSS)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRuleWatcher_BadFileKeepsRules(t *testing.T) {
	path := writeRulesFile(t, "categories:\n  custom:\n    - '[broken'\n")
	m := MustNewMatcher(DefaultRules())
	gen := m.Generation()
	w := NewRuleWatcher(path, DefaultRules(), m, nil)

	var gotErr error
	w.OnReload(func(_ uint64, err error) { gotErr = err })

	require.Error(t, w.Reload())
	assert.Error(t, gotErr)
	assert.Equal(t, gen, m.Generation())
	assert.Contains(t, m.Match("<script>"), CategoryXSS)
}

func TestRuleWatcher_WatchesFile(t *testing.T) {
	path := writeRulesFile(t, "categories:\n  first:\n    - 'alpha'\n")
	m := MustNewMatcher(RuleTable{})
	w := NewRuleWatcher(path, nil, m, nil)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	assert.Error(t, w.Start(ctx), "second start must fail")

	require.NoError(t, os.WriteFile(path, []byte("categories:\n  second:\n    - 'beta'\n"), 0o600))

	assert.Eventually(t, func() bool {
		return len(m.Match("beta")) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRuleWatcher_IgnoresOtherFiles(t *testing.T) {
	path := writeRulesFile(t, "categories:\n  first:\n    - 'alpha'\n")
	m := MustNewMatcher(RuleTable{})
	gen := m.Generation()
	w := NewRuleWatcher(path, nil, m, nil)
	w.SetDebounce(10 * time.Millisecond)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	other := filepath.Join(filepath.Dir(path), "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o600))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, gen, m.Generation())
}

func TestRuleWatcher_StopIdempotent(t *testing.T) {
	w := NewRuleWatcher(writeRulesFile(t, "categories: {}\n"), nil, MustNewMatcher(RuleTable{}), nil)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
