// Package shell holds the canned command tables used by the fake shells.
package shell

import "strings"

// PrefixRule answers any command starting with one of Prefixes.
type PrefixRule struct {
	Prefixes []string
	Response string
}

// Table resolves a command line to a canned response: exact match first,
// then prefix rules in order, then Fallback.
type Table struct {
	Exact    map[string]string
	Prefixes []PrefixRule
	// Fallback builds the reply for unknown commands from the first token.
	Fallback func(first string) string
	// FoldExact lowercases the command before the exact lookup. Prefix rules
	// always see the lowercased command.
	FoldExact bool
}

// Lookup never fails: every input yields some response, possibly empty.
func (t *Table) Lookup(command string) string {
	command = strings.TrimSpace(command)

	key := command
	if t.FoldExact {
		key = strings.ToLower(command)
	}
	if resp, ok := t.Exact[key]; ok {
		return resp
	}

	lower := strings.ToLower(command)
	for _, rule := range t.Prefixes {
		for _, p := range rule.Prefixes {
			if strings.HasPrefix(lower, p) {
				return rule.Response
			}
		}
	}

	if t.Fallback == nil {
		return ""
	}
	return t.Fallback(FirstToken(command))
}

// With returns a copy of t with extra exact entries layered on top.
func (t *Table) With(overrides map[string]string) *Table {
	exact := make(map[string]string, len(t.Exact)+len(overrides))
	for k, v := range t.Exact {
		exact[k] = v
	}
	for k, v := range overrides {
		exact[k] = v
	}
	return &Table{
		Exact:     exact,
		Prefixes:  t.Prefixes,
		Fallback:  t.Fallback,
		FoldExact: t.FoldExact,
	}
}

func FirstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
