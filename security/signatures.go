package security

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Category labels a family of attack signatures.
type Category string

// Built-in categories.
const (
	CategorySQLInjection     Category = "sql_injection"
	CategoryXSS              Category = "xss"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryCommandInjection Category = "command_injection"
	CategoryLDAPInjection    Category = "ldap_injection"
	CategoryXMLInjection     Category = "xml_injection"
	CategoryNoSQLInjection   Category = "nosql_injection"
)

var categoryName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// RuleTable maps a category to its regular expressions. Patterns use RE2
// syntax and are always compiled case-insensitive.
type RuleTable map[Category][]string

// DefaultRules returns the base table: SQL injection, XSS and path traversal.
func DefaultRules() RuleTable {
	return RuleTable{
		CategorySQLInjection: {
			`'\s*or\s+'[^']*'\s*=\s*'`,
			`'\s*or\s+\d+\s*=\s*\d+`,
			`\bor\s+1\s*=\s*1\b`,
			`\bunion\s+(all\s+)?select\b`,
			`\bselect\s+[\w\*,\s]+\s+from\s+\w+`,
			`;\s*(drop|delete|insert|update|truncate|alter)\s+`,
			`\bdrop\s+(table|database)\b`,
			`'\s*(--|#)`,
			`\b(sleep|benchmark|pg_sleep)\s*\(`,
			`\bwaitfor\s+delay\b`,
			`\bexec(\s+|\s*\()\s*(xp_|sp_)`,
			`\binformation_schema\b`,
		},
		CategoryXSS: {
			`<\s*script[^>]*>`,
			`javascript\s*:`,
			`vbscript\s*:`,
			`\bon(error|load|click|mouseover|focus|blur|submit|change|keyup|keydown)\s*=`,
			`<\s*(iframe|object|embed|applet)\b`,
			`<\s*svg[^>]*\bon\w+`,
			`document\.(cookie|domain|write)`,
			`\beval\s*\(`,
			`expression\s*\(`,
		},
		CategoryPathTraversal: {
			`\.\./`,
			`\.\.\\`,
			`%2e%2e(%2f|%5c|/|\\)`,
			`\.\.%2f`,
			`\.\.%5c`,
			`/etc/(passwd|shadow|hosts)`,
			`c:\\windows`,
			`%00`,
		},
	}
}

// ExtendedRules returns DefaultRules plus command, LDAP, XML and NoSQL
// injection.
func ExtendedRules() RuleTable {
	rt := DefaultRules()
	rt[CategoryCommandInjection] = []string{
		`[;&|]\s*(cat|ls|id|whoami|uname|wget|curl|nc|netcat|bash|sh|rm|ping|chmod)\b`,
		"`[^`]+`",
		`\$\([^)]+\)`,
		`\b(/bin/(ba)?sh|cmd\.exe|powershell)\b`,
	}
	rt[CategoryLDAPInjection] = []string{
		`\*\)\s*\(`,
		`\(\s*[&|!]\s*\(`,
		`\)\s*\(\s*\w+\s*=\s*\*`,
	}
	rt[CategoryXMLInjection] = []string{
		`<!doctype[^>]*\[`,
		`<!entity`,
		`\bsystem\s+["'](file|http|ftp|php)`,
		`<!\[cdata\[`,
	}
	rt[CategoryNoSQLInjection] = []string{
		`\$(where|ne|gt|gte|lt|lte|regex|nin|exists|expr|or|and)\b`,
		`\bdb\.\w+\.(find|insert|update|remove|drop)\s*\(`,
		`;\s*return\s+true\b`,
	}
	return rt
}

// Clone returns a deep copy.
func (rt RuleTable) Clone() RuleTable {
	out := make(RuleTable, len(rt))
	for c, pats := range rt {
		out[c] = append([]string(nil), pats...)
	}
	return out
}

// MergeRules overlays tables left to right. Patterns of the same category are
// concatenated with duplicates removed.
func MergeRules(tables ...RuleTable) RuleTable {
	out := RuleTable{}
	for _, rt := range tables {
		for c, pats := range rt {
			for _, p := range pats {
				if !contains(out[c], p) {
					out[c] = append(out[c], p)
				}
			}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// RuleFile is the on-disk form of a rule table.
//
//	replace_defaults: false
//	categories:
//	  sql_injection:
//	    - '\bhaving\s+\d+\s*=\s*\d+'
//	  template_injection:
//	    - '\{\{.*\}\}'
type RuleFile struct {
	// ReplaceDefaults discards the base table instead of extending it.
	ReplaceDefaults bool                  `yaml:"replace_defaults"`
	Categories      map[Category][]string `yaml:"categories"`
}

// LoadRules reads and validates a YAML rule file.
func LoadRules(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied rules path
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	for c := range rf.Categories {
		if !categoryName.MatchString(string(c)) {
			return nil, fmt.Errorf("rules file %s: invalid category name %q", path, c)
		}
	}
	return &rf, nil
}

// Table applies the file on top of base.
func (rf *RuleFile) Table(base RuleTable) RuleTable {
	if rf.ReplaceDefaults {
		return MergeRules(RuleTable(rf.Categories))
	}
	return MergeRules(base, RuleTable(rf.Categories))
}

type compiledCategory struct {
	category Category
	patterns []*regexp.Regexp
}

type compiledTable struct {
	generation uint64
	categories []compiledCategory // sorted by category
	patterns   int
}

// Matcher reports which threat categories a string matches. It is safe for
// concurrent use; Replace swaps the table atomically.
//
// Matching is purely syntactic. Legitimate input that happens to look like an
// attack (an apostrophe followed by "or" in free text, a literal "../" in a
// path parameter) is reported; callers accept that false-positive rate in
// exchange for not parsing each target language.
type Matcher struct {
	table atomic.Pointer[compiledTable]
	gen   atomic.Uint64
}

// NewMatcher compiles rt. An invalid pattern is an error naming its category.
func NewMatcher(rt RuleTable) (*Matcher, error) {
	m := &Matcher{}
	if err := m.Replace(rt); err != nil {
		return nil, err
	}
	return m, nil
}

// MustNewMatcher is NewMatcher that panics on error, for built-in tables.
func MustNewMatcher(rt RuleTable) *Matcher {
	m, err := NewMatcher(rt)
	if err != nil {
		panic(err)
	}
	return m
}

func compileTable(rt RuleTable) (*compiledTable, error) {
	ct := &compiledTable{}
	for c, pats := range rt {
		cc := compiledCategory{category: c}
		for _, p := range pats {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("compile %s pattern %q: %w", c, p, err)
			}
			cc.patterns = append(cc.patterns, re)
		}
		if len(cc.patterns) > 0 {
			ct.categories = append(ct.categories, cc)
			ct.patterns += len(cc.patterns)
		}
	}
	sort.Slice(ct.categories, func(i, j int) bool {
		return ct.categories[i].category < ct.categories[j].category
	})
	return ct, nil
}

// Replace compiles rt and swaps it in. On error the current table stays.
func (m *Matcher) Replace(rt RuleTable) error {
	ct, err := compileTable(rt)
	if err != nil {
		return err
	}
	ct.generation = m.gen.Add(1)
	m.table.Store(ct)
	return nil
}

// Generation increments on every successful Replace.
func (m *Matcher) Generation() uint64 {
	return m.table.Load().generation
}

// Categories lists the loaded categories, sorted.
func (m *Matcher) Categories() []Category {
	ct := m.table.Load()
	out := make([]Category, len(ct.categories))
	for i, cc := range ct.categories {
		out[i] = cc.category
	}
	return out
}

// PatternCount is the number of compiled patterns in the live table.
func (m *Matcher) PatternCount() int {
	return m.table.Load().patterns
}

// Match returns the sorted set of categories s matches. Empty input never
// matches.
func (m *Matcher) Match(s string) []Category {
	if s == "" {
		return nil
	}
	return m.table.Load().match(s)
}

// MatchAll returns the sorted union of Match over values.
func (m *Matcher) MatchAll(values []string) []Category {
	ct := m.table.Load()
	var hits []Category
	for _, v := range values {
		if v == "" {
			continue
		}
		hits = unionCategories(hits, ct.match(v))
	}
	return hits
}

func (ct *compiledTable) match(s string) []Category {
	var out []Category
	for _, cc := range ct.categories {
		for _, re := range cc.patterns {
			if re.MatchString(s) {
				out = append(out, cc.category)
				break
			}
		}
	}
	return out
}

// unionCategories merges two sorted category slices.
func unionCategories(a, b []Category) []Category {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := make([]Category, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Scanner is the matching surface the gate depends on. *Matcher and
// *VerdictCache implement it.
type Scanner interface {
	MatchAll(values []string) []Category
}
