package detection

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// HTTP attack types, in classification precedence order.
const (
	AttackSQLInjection     = "sql_injection"
	AttackXSS              = "xss"
	AttackPathTraversal    = "path_traversal"
	AttackCommandInjection = "command_injection"
	AttackWebshell         = "webshell_access"
	AttackAdminProbing     = "admin_probing"
	AttackConfigExposure   = "config_exposure"
)

// Target selects which part of the request a rule inspects.
type Target int

const (
	TargetPathQuery Target = iota
	TargetPath
	TargetQuery
)

type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Target   Target
	Severity string
}

type DetectionResult struct {
	IsAttack   bool
	AttackType string
	Severity   string
	Signature  string
}

// SignatureEngine classifies HTTP requests against an ordered rule list.
// The first matching rule wins.
type SignatureEngine struct {
	rules []*Rule
}

func NewSignatureEngine() *SignatureEngine {
	engine := &SignatureEngine{}
	engine.initRules()
	return engine
}

// anyOf builds a case-insensitive literal alternation.
func anyOf(literals ...string) *regexp.Regexp {
	quoted := make([]string, len(literals))
	for i, l := range literals {
		quoted[i] = regexp.QuoteMeta(l)
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)`)
}

func (se *SignatureEngine) initRules() {
	se.rules = []*Rule{
		{
			Name:     AttackSQLInjection,
			Pattern:  anyOf("' or '1'='1", "union select", "select * from", "'; drop table", "or 1=1", "' or 'a'='a'"),
			Target:   TargetPathQuery,
			Severity: "critical",
		},
		{
			Name:     AttackXSS,
			Pattern:  anyOf("<script>", "javascript:", "onerror=", "onload=", "<img src="),
			Target:   TargetPathQuery,
			Severity: "high",
		},
		{
			Name:     AttackPathTraversal,
			Pattern:  anyOf("../", "..%2f"),
			Target:   TargetPath,
			Severity: "critical",
		},
		{
			Name:     AttackCommandInjection,
			Pattern:  anyOf(";", "|", "`", "$(", "${"),
			Target:   TargetQuery,
			Severity: "critical",
		},
		{
			Name:     AttackWebshell,
			Pattern:  anyOf(".php", "shell", "c99", "r57", "webshell"),
			Target:   TargetPath,
			Severity: "high",
		},
		{
			Name:     AttackAdminProbing,
			Pattern:  anyOf("/admin", "/wp-admin", "/phpmyadmin"),
			Target:   TargetPath,
			Severity: "medium",
		},
		{
			Name:     AttackConfigExposure,
			Pattern:  anyOf(".env", "config.", ".git", ".htaccess"),
			Target:   TargetPath,
			Severity: "high",
		},
	}
}

func (se *SignatureEngine) Rules() []*Rule {
	return se.rules
}

// Classify checks the raw (still percent-encoded) path and query and their
// decoded forms. An empty AttackType means a plain request.
func (se *SignatureEngine) Classify(method, rawPath, rawQuery string) DetectionResult {
	result := DetectionResult{
		Signature: GenerateSignature(method, rawPath, rawQuery),
	}

	paths := variants(rawPath, url.PathUnescape)
	queries := variants(rawQuery, url.QueryUnescape)

	for _, rule := range se.rules {
		var candidates []string
		switch rule.Target {
		case TargetPath:
			candidates = paths
		case TargetQuery:
			candidates = queries
		default:
			for _, p := range paths {
				for _, q := range queries {
					candidates = append(candidates, joinPathQuery(p, q))
				}
			}
		}

		for _, c := range candidates {
			if rule.Pattern.MatchString(c) {
				result.IsAttack = true
				result.AttackType = rule.Name
				result.Severity = rule.Severity
				return result
			}
		}
	}
	return result
}

func joinPathQuery(path, query string) string {
	if query == "" {
		return path
	}
	return path + "?" + query
}

// variants returns s and, when different, its decoded form. Undecodable
// input is inspected raw only.
func variants(s string, decode func(string) (string, error)) []string {
	out := []string{s}
	if decoded, err := decode(s); err == nil && decoded != s {
		out = append(out, decoded)
	}
	return out
}

// GenerateSignature creates a unique signature for the request
func GenerateSignature(method, path, query string) string {
	sig := fmt.Sprintf("%s|%s|%s", method, path, query)
	hash := md5.Sum([]byte(sig))
	return hex.EncodeToString(hash[:])
}
