package anonymization

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

// MaskSecret keeps the first three characters of a secret and hides the rest.
func MaskSecret(secret string) string {
	runes := []rune(secret)
	if len(runes) > 3 {
		runes = runes[:3]
	}
	return string(runes) + "***"
}

// AnonymizationEngine scrubs captured attacker data before it leaves the
// honeypot through alert channels or third party lookups.
type AnonymizationEngine struct {
	enabled       bool
	strategy      string
	sensitiveKeys []string
	patterns      map[string]*regexp.Regexp
}

type AnonymizationResult struct {
	Redacted       map[string]interface{}
	RedactedFields map[string]string
	RedactionCount int
}

func NewAnonymizationEngine(enabled bool, strategy string, sensitiveKeys []string) *AnonymizationEngine {
	if len(sensitiveKeys) == 0 {
		sensitiveKeys = []string{"password", "authorization", "cookie", "x-api-key"}
	}
	engine := &AnonymizationEngine{
		enabled:       enabled,
		strategy:      strategy,
		sensitiveKeys: sensitiveKeys,
		patterns:      make(map[string]*regexp.Regexp),
	}

	engine.patterns["jwt_token"] = regexp.MustCompile(`Bearer\s+[A-Za-z0-9_.-]+`)
	engine.patterns["api_key"] = regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret)\s*[:=]\s*[A-Za-z0-9_-]+`)
	engine.patterns["email"] = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

	return engine
}

func (ae *AnonymizationEngine) Enabled() bool {
	return ae != nil && ae.enabled
}

// ShouldRedact returns true if a field name is configured as sensitive
func (ae *AnonymizationEngine) ShouldRedact(fieldName string) bool {
	for _, sensitive := range ae.sensitiveKeys {
		if strings.EqualFold(fieldName, sensitive) {
			return true
		}
	}
	return false
}

// RedactText applies the pattern rules to free text. The "key-only"
// strategy leaves text untouched.
func (ae *AnonymizationEngine) RedactText(text string) (string, int) {
	if !ae.Enabled() || ae.strategy == "key-only" {
		return text, 0
	}

	names := make([]string, 0, len(ae.patterns))
	for name := range ae.patterns {
		names = append(names, name)
	}
	sort.Strings(names)

	count := 0
	for _, name := range names {
		pattern := ae.patterns[name]
		matches := pattern.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		text = pattern.ReplaceAllString(text, "[REDACTED_"+strings.ToUpper(name)+"]")
		count += len(matches)
	}
	return text, count
}

// RedactIndicators walks a pattern's indicator bag. Sensitive keys are
// masked, strings go through RedactText. The input is not modified.
func (ae *AnonymizationEngine) RedactIndicators(indicators map[string]interface{}) *AnonymizationResult {
	result := &AnonymizationResult{
		RedactedFields: make(map[string]string),
	}
	if !ae.Enabled() {
		result.Redacted = indicators
		return result
	}

	result.Redacted = ae.redactMap(indicators, result)
	if result.RedactionCount > 0 {
		logging.Debug("[ANON] Redacted %d indicator fields", result.RedactionCount)
	}
	return result
}

func (ae *AnonymizationEngine) redactMap(in map[string]interface{}, result *AnonymizationResult) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		if s, ok := value.(string); ok && ae.ShouldRedact(key) {
			if strings.HasSuffix(s, "***") {
				out[key] = s
				continue
			}
			out[key] = MaskSecret(s)
			result.RedactedFields[key] = "masked"
			result.RedactionCount++
			continue
		}
		out[key] = ae.redactValue(key, value, result)
	}
	return out
}

func (ae *AnonymizationEngine) redactValue(key string, value interface{}, result *AnonymizationResult) interface{} {
	switch v := value.(type) {
	case string:
		redacted, n := ae.RedactText(v)
		if n > 0 {
			result.RedactedFields[key] = fmt.Sprintf("%d occurrences", n)
			result.RedactionCount += n
		}
		return redacted
	case map[string]interface{}:
		return ae.redactMap(v, result)
	case map[string]string:
		m := make(map[string]interface{}, len(v))
		for k, s := range v {
			m[k] = s
		}
		return ae.redactMap(m, result)
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = ae.redactValue(key, s, result).(string)
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(v))
		for i, m := range v {
			out[i] = ae.redactMap(m, result)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = ae.redactValue(key, item, result)
		}
		return out
	default:
		return value
	}
}

// GetRedactionStatus returns human-readable status
func (ae *AnonymizationEngine) GetRedactionStatus(result *AnonymizationResult) string {
	if result.RedactionCount == 0 {
		return "No sensitive data found"
	}
	return fmt.Sprintf("Redacted %d sensitive fields", result.RedactionCount)
}
