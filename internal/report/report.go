// Package report builds periodic summaries of captured activity from the
// database and renders them as JSON, Markdown or HTML.
package report

import (
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/database"
)

type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(s)); p {
	case Daily, Weekly, Monthly:
		return p, nil
	}
	return "", fmt.Errorf("unknown report period %q (want daily, weekly or monthly)", s)
}

// Window is how far back the period reaches.
func (p Period) Window() time.Duration {
	switch p {
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unknown report format %q (want json, markdown or html)", s)
}

func (f Format) Ext() string {
	if f == FormatMarkdown {
		return "md"
	}
	return string(f)
}

// Source is the slice of database.DatabaseProvider a report reads.
type Source interface {
	GetStats() (*database.Stats, error)
	GetTopAttackers(limit int) ([]database.AttackerSummary, error)
	GetTopCredentials(limit int) ([]database.CredentialCount, error)
	GetAttackPatterns(limit int) ([]database.StoredPattern, error)
}

type Metadata struct {
	Period      Period    `json:"period"`
	GeneratedAt time.Time `json:"generated_at"`
	Start       time.Time `json:"start_date"`
	End         time.Time `json:"end_date"`
}

// Summary holds all-time totals; the stats queries are not windowed.
type Summary struct {
	TotalSessions   int64 `json:"total_sessions"`
	UniqueAttackers int64 `json:"unique_attackers"`
	AuthAttempts    int64 `json:"authentication_attempts"`
	Commands        int64 `json:"commands_executed"`
	HTTPRequests    int64 `json:"http_requests"`
	HTTPAttacks     int64 `json:"http_attacks"`
	EnrichedIPs     int64 `json:"enriched_ips"`
	PatternsInRange int   `json:"patterns_in_period"`
}

type Report struct {
	Metadata           Metadata                   `json:"report_metadata"`
	Summary            Summary                    `json:"executive_summary"`
	SessionsByProtocol map[string]int64           `json:"sessions_by_protocol"`
	PatternsBySeverity map[string]int64           `json:"patterns_by_severity"`
	PatternsByType     map[string]int             `json:"patterns_by_type"`
	TopAttackers       []database.AttackerSummary `json:"top_attackers"`
	TopCredentials     []database.CredentialCount `json:"top_credentials"`
	Patterns           []database.StoredPattern   `json:"attack_patterns"`
}

// Build collects a report for the period ending at now. Attackers and
// patterns are limited to the period; credentials and totals are all-time.
func Build(src Source, period Period, now time.Time, limit int) (*Report, error) {
	if limit <= 0 {
		limit = 10
	}
	start := now.Add(-period.Window())

	stats, err := src.GetStats()
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}
	attackers, err := src.GetTopAttackers(limit * 5)
	if err != nil {
		return nil, fmt.Errorf("failed to load attackers: %w", err)
	}
	creds, err := src.GetTopCredentials(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	patterns, err := src.GetAttackPatterns(limit * 10)
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}

	r := &Report{
		Metadata: Metadata{Period: period, GeneratedAt: now, Start: start, End: now},
		Summary: Summary{
			TotalSessions:   stats.TotalSessions,
			UniqueAttackers: stats.UniqueIPs,
			AuthAttempts:    stats.AuthAttempts,
			Commands:        stats.Commands,
			HTTPRequests:    stats.HTTPRequests,
			HTTPAttacks:     stats.HTTPAttacks,
			EnrichedIPs:     stats.ThreatIntelIPs,
		},
		SessionsByProtocol: stats.SessionsByProtocol,
		PatternsBySeverity: stats.PatternsBySeverity,
		PatternsByType:     make(map[string]int),
		TopCredentials:     creds,
	}

	for _, a := range attackers {
		if a.LastSeen.Before(start) {
			continue
		}
		r.TopAttackers = append(r.TopAttackers, a)
		if len(r.TopAttackers) == limit {
			break
		}
	}
	for _, p := range patterns {
		if p.DetectedAt.Before(start) || p.DetectedAt.After(now) {
			continue
		}
		r.PatternsByType[string(p.PatternType)]++
		if len(r.Patterns) < limit {
			r.Patterns = append(r.Patterns, p)
		}
		r.Summary.PatternsInRange++
	}
	return r, nil
}

// Filename names a report file after its period and generation time.
func (r *Report) Filename(f Format) string {
	return fmt.Sprintf("hpti_report_%s_%s.%s", r.Metadata.Period, r.Metadata.GeneratedAt.UTC().Format("20060102_150405"), f.Ext())
}

func (r *Report) Write(w io.Writer, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatMarkdown:
		return markdownTmpl.Execute(w, r)
	case FormatHTML:
		return htmlTmpl.Execute(w, r)
	}
	return fmt.Errorf("unknown report format %q", f)
}

var funcs = map[string]interface{}{
	"title": func(p Period) string {
		s := string(p)
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format("2006-01-02 15:04:05 UTC")
	},
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
	"label": func(s string) string {
		return strings.ReplaceAll(s, "_", " ")
	},
}

var markdownTmpl = template.Must(template.New("markdown").Funcs(funcs).Parse(`# HPTI {{title .Metadata.Period}} Report

**Generated**: {{ts .Metadata.GeneratedAt}}
**Period**: {{ts .Metadata.Start}} to {{ts .Metadata.End}}

---

## Executive Summary

- **Total Sessions**: {{.Summary.TotalSessions}}
- **Unique Attackers**: {{.Summary.UniqueAttackers}}
- **Authentication Attempts**: {{.Summary.AuthAttempts}}
- **Commands Executed**: {{.Summary.Commands}}
- **HTTP Requests**: {{.Summary.HTTPRequests}} ({{.Summary.HTTPAttacks}} attacks)
- **Patterns This Period**: {{.Summary.PatternsInRange}}

## Sessions by Service
{{range $k, $v := .SessionsByProtocol}}
- **{{$k}}**: {{$v}}{{end}}

## Patterns by Type
{{range $k, $v := .PatternsByType}}
- **{{label $k}}**: {{$v}}{{else}}
No patterns detected in this period.{{end}}

## Top Attackers
{{range $i, $a := .TopAttackers}}
{{inc $i}}. **{{$a.SourceIP}}** ({{join $a.Protocols ", "}}) - {{$a.SessionCount}} sessions, {{$a.AuthAttempts}} auth attempts{{end}}

## Top Credentials
{{range .TopCredentials}}
- ` + "`{{.Username}}` / `{{.Password}}`" + `: {{.Count}}{{end}}

## Attack Patterns
{{range .Patterns}}
- [{{.Severity}}] {{label (print .PatternType)}} from {{join .SourceIPs ", "}}: {{.Description}}{{end}}
`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Funcs(funcs).Parse(`<!DOCTYPE html>
<html>
<head>
    <title>HPTI Report</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        h1 { color: #333; }
        table { border-collapse: collapse; width: 100%; margin: 20px 0; }
        th, td { border: 1px solid #ddd; padding: 12px; text-align: left; }
        th { background-color: #4CAF50; color: white; }
        .metric { display: inline-block; margin: 15px; padding: 20px; background: #f0f0f0; border-radius: 5px; }
    </style>
</head>
<body>
    <h1>HPTI {{title .Metadata.Period}} Report</h1>
    <p>Generated: {{ts .Metadata.GeneratedAt}} &middot; Period: {{ts .Metadata.Start}} to {{ts .Metadata.End}}</p>

    <h2>Executive Summary</h2>
    <div class="metric">Total Sessions: {{.Summary.TotalSessions}}</div>
    <div class="metric">Unique Attackers: {{.Summary.UniqueAttackers}}</div>
    <div class="metric">Authentication Attempts: {{.Summary.AuthAttempts}}</div>
    <div class="metric">Patterns This Period: {{.Summary.PatternsInRange}}</div>

    <h2>Sessions by Service</h2>
    <table>
        <tr><th>Service</th><th>Sessions</th></tr>
        {{range $k, $v := .SessionsByProtocol}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>
        {{end}}
    </table>

    <h2>Top Attackers</h2>
    <table>
        <tr><th>Source IP</th><th>Sessions</th><th>Auth Attempts</th><th>Services</th><th>Last Seen</th></tr>
        {{range .TopAttackers}}<tr><td>{{.SourceIP}}</td><td>{{.SessionCount}}</td><td>{{.AuthAttempts}}</td><td>{{join .Protocols ", "}}</td><td>{{ts .LastSeen}}</td></tr>
        {{end}}
    </table>

    <h2>Top Credentials</h2>
    <table>
        <tr><th>Username</th><th>Password</th><th>Count</th></tr>
        {{range .TopCredentials}}<tr><td>{{.Username}}</td><td>{{.Password}}</td><td>{{.Count}}</td></tr>
        {{end}}
    </table>

    <h2>Attack Patterns</h2>
    <table>
        <tr><th>Type</th><th>Severity</th><th>Sources</th><th>Description</th></tr>
        {{range .Patterns}}<tr><td>{{.PatternType}}</td><td>{{.Severity}}</td><td>{{join .SourceIPs ", "}}</td><td>{{.Description}}</td></tr>
        {{end}}
    </table>
</body>
</html>
`))
