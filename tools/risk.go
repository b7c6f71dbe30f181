package tools

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// RiskRules configures the risk assessor.
//
// Keywords are matched case-insensitively against the tool name: as a
// substring, or as a glob when the keyword contains glob syntax.
type RiskRules struct {
	HighRiskKeywords   []string `yaml:"high_risk_keywords"`
	MediumRiskKeywords []string `yaml:"medium_risk_keywords"`
	// ShellArgKeys are argument names that carry a shell command.
	ShellArgKeys []string `yaml:"shell_arg_keys"`
	// DestructiveSQL verbs escalate to high.
	DestructiveSQL []string `yaml:"destructive_sql"`
	// ReadWriteSQL verbs escalate to medium.
	ReadWriteSQL []string `yaml:"read_write_sql"`
}

// DefaultRiskRules returns the built-in rule set.
func DefaultRiskRules() RiskRules {
	return RiskRules{
		HighRiskKeywords: []string{
			"delete", "remove", "drop", "destroy", "truncate",
			"exec", "shell", "kill", "sudo", "format",
		},
		MediumRiskKeywords: []string{
			"write", "update", "create", "modify", "move", "rename",
			"insert", "upload", "send", "commit", "push",
		},
		ShellArgKeys:   []string{"command", "cmd", "shell", "script"},
		DestructiveSQL: []string{"DROP", "DELETE", "TRUNCATE", "ALTER"},
		ReadWriteSQL:   []string{"SELECT", "INSERT", "UPDATE", "CREATE"},
	}
}

// Assessment is the assessor's verdict for one call.
type Assessment struct {
	Level   RiskLevel `json:"level"`
	Reasons []string  `json:"reasons,omitempty"`
}

func (a *Assessment) escalate(level RiskLevel, format string, args ...any) {
	if level.rank() > a.Level.rank() {
		a.Level = level
	}
	a.Reasons = append(a.Reasons, fmt.Sprintf(format, args...))
}

// RiskAssessor scores tool calls. It is stateless after construction and
// safe for concurrent use.
type RiskAssessor struct {
	rules          RiskRules
	shellKeys      map[string]bool
	destructiveSQL map[string]bool
	readWriteSQL   map[string]bool
}

// NewRiskAssessor builds an assessor from rules.
func NewRiskAssessor(rules RiskRules) *RiskAssessor {
	return &RiskAssessor{
		rules:          rules,
		shellKeys:      lowerSet(rules.ShellArgKeys),
		destructiveSQL: upperSet(rules.DestructiveSQL),
		readWriteSQL:   upperSet(rules.ReadWriteSQL),
	}
}

// Assess scores a call. Rules are cumulative and only ever raise the level;
// every matched rule contributes a reason.
func (r *RiskAssessor) Assess(toolName string, input map[string]any) Assessment {
	a := Assessment{Level: RiskLow}
	name := strings.ToLower(toolName)

	for _, kw := range r.rules.HighRiskKeywords {
		if matchKeyword(kw, name) {
			a.escalate(RiskHigh, "tool name matches high-risk keyword %q", kw)
		}
	}

	keys := sortedKeys(input)
	for _, k := range keys {
		if r.shellKeys[strings.ToLower(k)] {
			a.escalate(RiskHigh, "argument %q carries a shell command", k)
		}
	}

	for _, kw := range r.rules.MediumRiskKeywords {
		if matchKeyword(kw, name) {
			a.escalate(RiskMedium, "tool name matches medium-risk keyword %q", kw)
		}
	}

	for _, k := range keys {
		walkStrings(k, input[k], func(path, value string) {
			if looksLikePath(value) {
				a.escalate(RiskMedium, "argument %q looks like a filesystem path", path)
			}
			for _, verb := range sqlVerbs(value) {
				switch {
				case r.destructiveSQL[verb]:
					a.escalate(RiskHigh, "argument %q contains destructive SQL verb %s", path, verb)
				case r.readWriteSQL[verb]:
					a.escalate(RiskMedium, "argument %q contains SQL verb %s", path, verb)
				}
			}
		})
	}

	return a
}

func matchKeyword(keyword, name string) bool {
	kw := strings.ToLower(keyword)
	if kw == "" {
		return false
	}
	if strings.ContainsAny(kw, "*?[{") {
		ok, err := doublestar.Match(kw, name)
		return err == nil && ok
	}
	return strings.Contains(name, kw)
}

// sqlVerbs returns the distinct whitespace-delimited tokens of s, upper-cased
// and stripped of statement punctuation, in first-seen order.
func sqlVerbs(s string) []string {
	var out []string
	for _, tok := range strings.Fields(s) {
		tok = strings.ToUpper(strings.Trim(tok, ";,()"))
		if tok != "" && !slices.Contains(out, tok) {
			out = append(out, tok)
		}
	}
	return out
}

func looksLikePath(s string) bool {
	switch {
	case strings.HasPrefix(s, "/"),
		strings.HasPrefix(s, "~/"),
		strings.HasPrefix(s, "./"),
		strings.HasPrefix(s, "../"):
		return true
	}
	// Windows drive prefix, e.g. C:\ or C:/
	if len(s) >= 3 && s[1] == ':' && (s[2] == '\\' || s[2] == '/') {
		c := s[0] | 0x20
		return c >= 'a' && c <= 'z'
	}
	return false
}

// walkStrings visits every string reachable from v in a deterministic order.
func walkStrings(path string, v any, visit func(path, value string)) {
	switch val := v.(type) {
	case string:
		visit(path, val)
	case map[string]any:
		for _, k := range sortedKeys(val) {
			walkStrings(path+"."+k, val[k], visit)
		}
	case []any:
		for i, item := range val {
			walkStrings(fmt.Sprintf("%s[%d]", path, i), item, visit)
		}
	case []string:
		for i, item := range val {
			visit(fmt.Sprintf("%s[%d]", path, i), item)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func lowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[strings.ToLower(s)] = true
	}
	return set
}

func upperSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[strings.ToUpper(s)] = true
	}
	return set
}
