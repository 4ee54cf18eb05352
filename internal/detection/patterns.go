package detection

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/anonymization"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

type PatternType string

const (
	PatternBruteForce         PatternType = "brute_force"
	PatternCredentialStuffing PatternType = "credential_stuffing"
	PatternReconnaissance     PatternType = "reconnaissance"
	PatternAutomatedTools     PatternType = "automated_tools"
	PatternDistributedAttack  PatternType = "distributed_attack"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for threshold comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// AttackPattern is an immutable finding. SourceIPs and SessionIDs cite the
// sessions that contributed to it.
type AttackPattern struct {
	PatternType     PatternType            `json:"pattern_type"`
	Severity        Severity               `json:"severity"`
	Description     string                 `json:"description"`
	Indicators      map[string]interface{} `json:"indicators"`
	FirstSeen       time.Time              `json:"first_seen"`
	LastSeen        time.Time              `json:"last_seen"`
	OccurrenceCount int                    `json:"occurrence_count"`
	ConfidenceScore float64                `json:"confidence_score"`
	SourceIPs       []string               `json:"source_ips"`
	SessionIDs      []string               `json:"session_ids"`
}

const DefaultTimeWindow = 600 * time.Second

var reconVocabulary = []string{
	"whoami", "id", "uname", "hostname", "pwd", "ls", "cat /etc/passwd",
	"cat /proc/version", "ifconfig", "ip addr", "netstat", "ps aux",
	"w", "who", "last", "env", "printenv",
}

type toolFamily struct {
	name       string
	signatures []string
}

// Order is the order families are reported in.
var toolFamilies = []toolFamily{
	{"metasploit", []string{"meterpreter", "msf", "payload"}},
	{"nmap", []string{"nmap", "ncat", "nc -"}},
	{"wget_curl", []string{"wget", "curl http"}},
	{"reverse_shell", []string{"bash -i", "/bin/sh", "/bin/bash", "nc -e"}},
	{"privilege_escalation", []string{"sudo -s", "su -", "sudo su"}},
}

// Detector classifies finished sessions and correlates them across a
// sliding time window. The window is the only shared state and is guarded
// by mu; the per-session rules are pure.
type Detector struct {
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	recent []session.Record
}

func NewDetector(window time.Duration) *Detector {
	if window <= 0 {
		window = DefaultTimeWindow
	}
	return &Detector{window: window, now: time.Now}
}

func (d *Detector) Window() time.Duration { return d.window }

// AnalyzeSession runs the per-session rules and remembers the session for
// later cross-session correlation.
func (d *Detector) AnalyzeSession(rec session.Record) []AttackPattern {
	d.remember(rec)

	var patterns []AttackPattern
	if p := detectBruteForce(rec); p != nil {
		patterns = append(patterns, *p)
	}
	if p := detectCredentialStuffing(rec); p != nil {
		patterns = append(patterns, *p)
	}
	if p := detectReconnaissance(rec); p != nil {
		patterns = append(patterns, *p)
	}
	if p := detectAutomatedTools(rec); p != nil {
		patterns = append(patterns, *p)
	}
	return patterns
}

func (d *Detector) remember(rec session.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, rec)
	d.pruneLocked(d.now())
}

func (d *Detector) pruneLocked(now time.Time) {
	cutoff := now.Add(-d.window)
	kept := d.recent[:0]
	for _, r := range d.recent {
		if recordTime(r).After(cutoff) {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(d.recent); i++ {
		d.recent[i] = session.Record{}
	}
	d.recent = kept
}

// WindowSize is the number of sessions currently held for correlation.
func (d *Detector) WindowSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.recent)
}

// CorrelateWindow drops expired sessions and runs distributed attack
// detection over the rest.
func (d *Detector) CorrelateWindow() *AttackPattern {
	d.mu.Lock()
	d.pruneLocked(d.now())
	batch := append([]session.Record(nil), d.recent...)
	d.mu.Unlock()

	return d.DetectDistributedAttack(batch)
}

// BatchResult is the output of AnalyzeBatch.
type BatchResult struct {
	PerSession  map[string][]AttackPattern
	Distributed *AttackPattern
}

// AnalyzeBatch analyzes each record on its own, then the batch as a whole.
// It does not touch the sliding window.
func (d *Detector) AnalyzeBatch(recs []session.Record) BatchResult {
	out := BatchResult{PerSession: make(map[string][]AttackPattern)}
	for _, rec := range recs {
		var patterns []AttackPattern
		for _, fn := range []func(session.Record) *AttackPattern{
			detectBruteForce, detectCredentialStuffing, detectReconnaissance, detectAutomatedTools,
		} {
			if p := fn(rec); p != nil {
				patterns = append(patterns, *p)
			}
		}
		if len(patterns) > 0 {
			out.PerSession[rec.SessionID] = patterns
		}
	}
	out.Distributed = d.DetectDistributedAttack(recs)
	return out
}

type credential struct {
	username string
	password string
}

// DetectDistributedAttack looks for credential pairs used from at least
// three distinct source IPs. It needs at least three sessions.
func (d *Detector) DetectDistributedAttack(recs []session.Record) *AttackPattern {
	if len(recs) < 3 {
		return nil
	}

	credIPs := make(map[credential]map[string]struct{})
	var order []credential
	for _, rec := range recs {
		for _, a := range rec.AuthAttempts {
			if !a.HasCredentialPair() {
				continue
			}
			c := credential{a.Username, *a.Password}
			ips, ok := credIPs[c]
			if !ok {
				ips = make(map[string]struct{})
				credIPs[c] = ips
				order = append(order, c)
			}
			ips[rec.SourceIP] = struct{}{}
		}
	}

	var qualifying []credential
	allIPs := make(map[string]struct{})
	for _, c := range order {
		if len(credIPs[c]) >= 3 {
			qualifying = append(qualifying, c)
			for ip := range credIPs[c] {
				allIPs[ip] = struct{}{}
			}
		}
	}
	if len(qualifying) == 0 {
		return nil
	}

	common := make([]map[string]interface{}, 0, 10)
	for i, c := range qualifying {
		if i == 10 {
			break
		}
		common = append(common, map[string]interface{}{
			"username": c.username,
			"password": anonymization.MaskSecret(c.password),
			"ip_count": len(credIPs[c]),
		})
	}

	ips := sortedKeys(allIPs)
	var sessionIDs []string
	first, last := recs[0].StartTime, recs[0].StartTime
	for _, rec := range recs {
		if rec.StartTime.Before(first) {
			first = rec.StartTime
		}
		if rec.StartTime.After(last) {
			last = rec.StartTime
		}
		if _, ok := allIPs[rec.SourceIP]; ok {
			sessionIDs = append(sessionIDs, rec.SessionID)
		}
	}

	return &AttackPattern{
		PatternType: PatternDistributedAttack,
		Severity:    SeverityCritical,
		Description: fmt.Sprintf("Distributed attack from %d IPs using %d common credentials", len(ips), len(qualifying)),
		Indicators: map[string]interface{}{
			"ip_count":           len(ips),
			"source_ips":         ips,
			"common_credentials": common,
		},
		FirstSeen:       first,
		LastSeen:        last,
		OccurrenceCount: len(qualifying),
		ConfidenceScore: clamp(float64(len(ips)) * 10),
		SourceIPs:       ips,
		SessionIDs:      sessionIDs,
	}
}

func detectBruteForce(rec session.Record) *AttackPattern {
	attempts := rec.AuthAttempts
	n := len(attempts)
	if n <= 5 {
		return nil
	}

	unique := make(map[credential]struct{})
	usernames := make(map[string]struct{})
	for _, a := range attempts {
		if a.Username != "" {
			usernames[a.Username] = struct{}{}
		}
		if a.HasCredentialPair() {
			unique[credential{a.Username, *a.Password}] = struct{}{}
		}
	}

	first, last := attemptSpan(rec)
	duration := last.Sub(first).Seconds()
	rate := float64(n) / math.Max(duration, 1)

	severity := SeverityLow
	switch {
	case n > 50:
		severity = SeverityCritical
	case n > 20:
		severity = SeverityHigh
	case n > 10:
		severity = SeverityMedium
	}

	return &AttackPattern{
		PatternType: PatternBruteForce,
		Severity:    severity,
		Description: fmt.Sprintf("Brute force attack from %s with %d attempts", rec.SourceIP, n),
		Indicators: map[string]interface{}{
			"source_ip":               rec.SourceIP,
			"attempt_count":           n,
			"unique_credentials":      len(unique),
			"attempt_rate_per_second": math.Round(rate*100) / 100,
			"usernames":               sortedKeys(usernames),
		},
		FirstSeen:       first,
		LastSeen:        last,
		OccurrenceCount: n,
		ConfidenceScore: clamp(float64(n) * 2),
		SourceIPs:       []string{rec.SourceIP},
		SessionIDs:      []string{rec.SessionID},
	}
}

func detectCredentialStuffing(rec session.Record) *AttackPattern {
	var pairs []credential
	for _, a := range rec.AuthAttempts {
		if a.HasCredentialPair() {
			pairs = append(pairs, credential{a.Username, *a.Password})
		}
	}
	if len(pairs) < 10 {
		return nil
	}

	counts := make(map[credential]int)
	maxRetries := 0
	for _, c := range pairs {
		counts[c]++
		if counts[c] > maxRetries {
			maxRetries = counts[c]
		}
	}
	if maxRetries > 3 {
		return nil
	}

	uniqueRatio := float64(len(counts)) / float64(len(pairs))
	if uniqueRatio < 0.7 {
		return nil
	}

	sample := make(map[string]struct{})
	for i, a := range rec.AuthAttempts {
		if i == 10 {
			break
		}
		if a.Username != "" {
			sample[a.Username] = struct{}{}
		}
	}

	attempts := rec.AuthAttempts
	return &AttackPattern{
		PatternType: PatternCredentialStuffing,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("Credential stuffing from %s with %d unique credentials", rec.SourceIP, len(counts)),
		Indicators: map[string]interface{}{
			"source_ip":                  rec.SourceIP,
			"total_attempts":             len(pairs),
			"unique_credentials":         len(counts),
			"max_retries_per_credential": maxRetries,
			"sample_usernames":           sortedKeys(sample),
		},
		FirstSeen:       attempts[0].Timestamp,
		LastSeen:        attempts[len(attempts)-1].Timestamp,
		OccurrenceCount: len(pairs),
		ConfidenceScore: clamp(uniqueRatio * 100),
		SourceIPs:       []string{rec.SourceIP},
		SessionIDs:      []string{rec.SessionID},
	}
}

func detectReconnaissance(rec session.Record) *AttackPattern {
	texts := rec.ActivityTexts()
	if len(texts) == 0 {
		return nil
	}

	var matches []string
	for _, text := range texts {
		lower := strings.ToLower(strings.TrimSpace(text))
		for _, recon := range reconVocabulary {
			if strings.Contains(lower, recon) {
				matches = append(matches, text)
				break
			}
		}
	}
	if len(matches) < 3 {
		return nil
	}

	first, last := activitySpan(rec)
	pct := float64(len(matches)) / float64(len(texts)) * 100
	return &AttackPattern{
		PatternType: PatternReconnaissance,
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("Reconnaissance activity from %s", rec.SourceIP),
		Indicators: map[string]interface{}{
			"source_ip":        rec.SourceIP,
			"recon_commands":   matches,
			"total_commands":   len(texts),
			"recon_percentage": math.Round(pct*10) / 10,
		},
		FirstSeen:       first,
		LastSeen:        last,
		OccurrenceCount: len(matches),
		ConfidenceScore: clamp(float64(len(matches)) * 10),
		SourceIPs:       []string{rec.SourceIP},
		SessionIDs:      []string{rec.SessionID},
	}
}

func detectAutomatedTools(rec session.Record) *AttackPattern {
	if len(rec.Commands) == 0 {
		return nil
	}

	var detected []string
	var suspicious []string
	for _, family := range toolFamilies {
		for _, c := range rec.Commands {
			if containsAny(strings.ToLower(c.RawText), family.signatures) {
				detected = append(detected, family.name)
				break
			}
		}
	}
	if len(detected) == 0 {
		return nil
	}

	for _, c := range rec.Commands {
		lower := strings.ToLower(c.RawText)
		for _, family := range toolFamilies {
			if containsAny(lower, family.signatures) {
				suspicious = append(suspicious, c.RawText)
				break
			}
		}
	}

	return &AttackPattern{
		PatternType: PatternAutomatedTools,
		Severity:    SeverityHigh,
		Description: "Automated attack tools detected: " + strings.Join(detected, ", "),
		Indicators: map[string]interface{}{
			"source_ip":           rec.SourceIP,
			"detected_tools":      detected,
			"total_commands":      len(rec.Commands),
			"suspicious_commands": suspicious,
		},
		FirstSeen:       rec.Commands[0].Timestamp,
		LastSeen:        rec.Commands[len(rec.Commands)-1].Timestamp,
		OccurrenceCount: len(detected),
		ConfidenceScore: clamp(float64(len(detected)) * 30),
		SourceIPs:       []string{rec.SourceIP},
		SessionIDs:      []string{rec.SessionID},
	}
}

// attemptSpan returns the earliest and latest auth attempt timestamps,
// ignoring unset ones.
func attemptSpan(rec session.Record) (time.Time, time.Time) {
	var first, last time.Time
	for _, a := range rec.AuthAttempts {
		t := a.Timestamp
		if t.IsZero() {
			continue
		}
		if first.IsZero() || t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	if first.IsZero() {
		first, last = rec.StartTime, rec.StartTime
	}
	return first, last
}

// activitySpan returns the first and last command or request timestamps.
func activitySpan(rec session.Record) (time.Time, time.Time) {
	var first, last time.Time
	note := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if first.IsZero() || t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	for _, c := range rec.Commands {
		note(c.Timestamp)
	}
	for _, r := range rec.Requests {
		note(r.Timestamp)
	}
	if first.IsZero() {
		first, last = rec.StartTime, rec.StartTime
	}
	return first, last
}

func recordTime(r session.Record) time.Time {
	if r.EndTime != nil {
		return *r.EndTime
	}
	return r.StartTime
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func clamp(score float64) float64 {
	return math.Max(0, math.Min(100, score))
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
