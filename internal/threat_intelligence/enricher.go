package threat_intelligence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/database"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

// Store is the persistent side of the cache.
type Store interface {
	StoreThreatIntelligence(ti database.ThreatIntel) error
	GetThreatIntelligence(ip string) (*database.ThreatIntel, error)
}

var ErrSkipped = errors.New("address not eligible for enrichment")

type Enricher struct {
	config *config.ThreatIntelligenceConfig
	store  Store
	cache  *IntelCache
	client *http.Client
}

type EnrichmentResult struct {
	SourceIP      string
	RiskScore     int
	ThreatLevel   string
	AbuseIPDB     *AbuseIPDBData
	IPInfo        *IPInfoData
	HoneypotScore float64
	EnrichedAt    time.Time
}

type AbuseIPDBData struct {
	AbuseConfidenceScore float64
	TotalReports         int
	LastReportedAt       string
	UsageType            string
	ISP                  string
	Domain               string
	CountryCode          string
	IsWhitelisted        bool
}

type IPInfoData struct {
	Country string
	City    string
	Region  string
	Org     string
	Privacy PrivacyData
}

type PrivacyData struct {
	VPN     bool
	Proxy   bool
	Hosting bool
	Tor     bool
	Type    string
}

func NewEnricher(cfg *config.ThreatIntelligenceConfig, store Store) *Enricher {
	ttl := time.Duration(cfg.CacheTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Enricher{
		config: cfg,
		store:  store,
		cache:  NewIntelCache(ttl),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (e *Enricher) ttl() time.Duration { return e.cache.ttl }

// Eligible reports whether ip is worth an upstream lookup.
func (e *Enricher) Eligible(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if !e.config.SkipPrivateIPs {
		return true
	}
	return !(parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() ||
		parsed.IsUnspecified() || parsed.IsMulticast())
}

// Lookup returns a fresh enrichment from memory or the database.
func (e *Enricher) Lookup(ip string) (*database.ThreatIntel, bool) {
	if ti, ok := e.cache.Get(ip); ok {
		return ti, true
	}
	if e.store == nil {
		return nil, false
	}
	ti, err := e.store.GetThreatIntelligence(ip)
	if err != nil {
		logging.Error("[THREAT_INTEL] Cache lookup failed for %s: %v", ip, err)
		return nil, false
	}
	if ti == nil || time.Since(ti.EnrichedAt) >= e.ttl() {
		return nil, false
	}
	e.cache.Set(ip, ti)
	return ti, true
}

// EnrichIP returns the cached enrichment for ip or queries every enabled
// provider in parallel. It fails only when every enabled provider failed.
func (e *Enricher) EnrichIP(ctx context.Context, sourceIP string, honeypotScore float64) (*database.ThreatIntel, error) {
	if !e.Eligible(sourceIP) {
		return nil, ErrSkipped
	}
	if ti, ok := e.Lookup(sourceIP); ok {
		logging.Debug("[THREAT_INTEL] Cache hit for IP: %s", sourceIP)
		return ti, nil
	}

	result := &EnrichmentResult{
		SourceIP:      sourceIP,
		HoneypotScore: honeypotScore,
		EnrichedAt:    time.Now().UTC(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	enabled := 0

	fail := func(provider string, err error) {
		logging.Error("[THREAT_INTEL] %s error for %s: %v", provider, sourceIP, err)
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	if e.config.APIs.AbuseIPDB.Enabled {
		enabled++
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := e.enrichFromAbuseIPDB(ctx, sourceIP)
			if err != nil {
				fail("AbuseIPDB", err)
				return
			}
			result.AbuseIPDB = data
			logging.Info("[THREAT_INTEL] AbuseIPDB enriched %s: score=%.1f", sourceIP, data.AbuseConfidenceScore)
		}()
	}

	if e.config.APIs.IPInfo.Enabled {
		enabled++
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := e.enrichFromIPInfo(ctx, sourceIP)
			if err != nil {
				fail("IPInfo", err)
				return
			}
			result.IPInfo = data
			logging.Info("[THREAT_INTEL] IPInfo enriched %s: country=%s city=%s", sourceIP, data.Country, data.City)
		}()
	}

	wg.Wait()

	if enabled > 0 && len(errs) == enabled {
		return nil, errors.Join(errs...)
	}

	e.calculateRiskScore(result)
	ti := result.toIntel()

	if e.store != nil {
		if err := e.store.StoreThreatIntelligence(*ti); err != nil {
			logging.Error("[THREAT_INTEL] Error storing enrichment for %s: %v", sourceIP, err)
		}
	}
	e.cache.Set(sourceIP, ti)
	logging.Info("[THREAT_INTEL] Enrichment stored for %s: risk_score=%d threat_level=%s", sourceIP, ti.RiskScore, ti.ThreatLevel)
	return ti, nil
}

func apiKeyConfigured(key string) bool {
	return key != "" && !strings.HasPrefix(key, "${")
}

func (e *Enricher) getJSON(ctx context.Context, provider, rawURL string, header http.Header, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s read failed: %w", provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", provider, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", provider, err)
	}
	return nil
}

func (e *Enricher) enrichFromAbuseIPDB(ctx context.Context, sourceIP string) (*AbuseIPDBData, error) {
	api := e.config.APIs.AbuseIPDB
	if !apiKeyConfigured(api.APIKey) {
		return nil, fmt.Errorf("AbuseIPDB API key not configured")
	}

	q := url.Values{"ipAddress": {sourceIP}, "maxAgeInDays": {"90"}}
	endpoint := strings.TrimRight(api.BaseURL, "/") + "/check?" + q.Encode()

	var abuseResp struct {
		Data struct {
			AbuseConfidenceScore float64 `json:"abuseConfidenceScore"`
			CountryCode          string  `json:"countryCode"`
			TotalReports         int     `json:"totalReports"`
			LastReportedAt       string  `json:"lastReportedAt"`
			UsageType            string  `json:"usageType"`
			ISP                  string  `json:"isp"`
			Domain               string  `json:"domain"`
			IsWhitelisted        bool    `json:"isWhitelisted"`
		} `json:"data"`
	}
	header := http.Header{"Key": {api.APIKey}, "Accept": {"application/json"}}
	if err := e.getJSON(ctx, "AbuseIPDB", endpoint, header, &abuseResp); err != nil {
		return nil, err
	}

	d := abuseResp.Data
	return &AbuseIPDBData{
		AbuseConfidenceScore: d.AbuseConfidenceScore,
		TotalReports:         d.TotalReports,
		LastReportedAt:       d.LastReportedAt,
		UsageType:            d.UsageType,
		ISP:                  d.ISP,
		Domain:               d.Domain,
		CountryCode:          d.CountryCode,
		IsWhitelisted:        d.IsWhitelisted,
	}, nil
}

func (e *Enricher) enrichFromIPInfo(ctx context.Context, sourceIP string) (*IPInfoData, error) {
	api := e.config.APIs.IPInfo
	if !apiKeyConfigured(api.APIKey) {
		return nil, fmt.Errorf("IPInfo API key not configured")
	}

	endpoint := fmt.Sprintf("%s/%s?%s", strings.TrimRight(api.BaseURL, "/"), url.PathEscape(sourceIP),
		url.Values{"token": {api.APIKey}}.Encode())

	var ipinfoResp struct {
		Country string `json:"country"`
		City    string `json:"city"`
		Region  string `json:"region"`
		Org     string `json:"org"`
		Privacy struct {
			VPN     bool   `json:"vpn"`
			Proxy   bool   `json:"proxy"`
			Hosting bool   `json:"hosting"`
			Tor     bool   `json:"tor"`
			Service string `json:"service"`
		} `json:"privacy"`
	}
	if err := e.getJSON(ctx, "IPInfo", endpoint, nil, &ipinfoResp); err != nil {
		return nil, err
	}

	p := ipinfoResp.Privacy
	return &IPInfoData{
		Country: ipinfoResp.Country,
		City:    ipinfoResp.City,
		Region:  ipinfoResp.Region,
		Org:     ipinfoResp.Org,
		Privacy: PrivacyData{
			VPN:     p.VPN,
			Proxy:   p.Proxy,
			Hosting: p.Hosting,
			Tor:     p.Tor,
			Type:    privacyType(p.Tor, p.VPN, p.Proxy, p.Hosting, p.Service),
		},
	}, nil
}

func privacyType(tor, vpn, proxy, hosting bool, service string) string {
	switch {
	case tor:
		return "tor"
	case vpn:
		if service != "" {
			return "vpn:" + service
		}
		return "vpn"
	case proxy:
		return "proxy"
	case hosting:
		return "hosting"
	}
	return ""
}

// calculateRiskScore computes the weighted 0-100 score and threat level.
func (e *Enricher) calculateRiskScore(result *EnrichmentResult) {
	w := e.config.RiskScoreWeights
	score := 0.0

	if result.AbuseIPDB != nil {
		contribution := result.AbuseIPDB.AbuseConfidenceScore * w.AbuseIPDBScore
		score += contribution
		logging.Debug("[THREAT_INTEL] AbuseIPDB contribution: %.1f", contribution)
	}

	if result.IPInfo != nil {
		ipinfoScore := 0.0
		switch {
		case result.IPInfo.Privacy.Tor:
			ipinfoScore = 100
		case result.IPInfo.Privacy.VPN || result.IPInfo.Privacy.Proxy:
			ipinfoScore = 60
		case result.IPInfo.Privacy.Hosting:
			ipinfoScore = 40
		}
		contribution := ipinfoScore * w.IPInfoRisk
		score += contribution
		logging.Debug("[THREAT_INTEL] IPInfo contribution: %.1f (privacy=%s)", contribution, result.IPInfo.Privacy.Type)
	}

	score += result.HoneypotScore * w.HoneypotScore
	if score > 100 {
		score = 100
	}
	result.RiskScore = int(score)
	result.ThreatLevel = e.threatLevel(result.RiskScore)
}

func (e *Enricher) threatLevel(score int) string {
	t := e.config.ThreatLevelThresholds
	switch {
	case score >= t.Critical:
		return "CRITICAL"
	case score >= t.High:
		return "HIGH"
	case score >= t.Medium:
		return "MEDIUM"
	}
	return "LOW"
}

func (r *EnrichmentResult) toIntel() *database.ThreatIntel {
	ti := &database.ThreatIntel{
		IPAddress:   r.SourceIP,
		RiskScore:   r.RiskScore,
		ThreatLevel: r.ThreatLevel,
		EnrichedAt:  r.EnrichedAt,
	}
	if r.AbuseIPDB != nil {
		score := r.AbuseIPDB.AbuseConfidenceScore
		reports := r.AbuseIPDB.TotalReports
		ti.AbuseScore = &score
		ti.AbuseReports = &reports
		ti.Country = r.AbuseIPDB.CountryCode
		ti.Org = r.AbuseIPDB.ISP
	}
	if r.IPInfo != nil {
		ti.IsVPN = r.IPInfo.Privacy.VPN
		ti.IsProxy = r.IPInfo.Privacy.Proxy
		ti.IsTor = r.IPInfo.Privacy.Tor
		ti.IsHosting = r.IPInfo.Privacy.Hosting
		ti.PrivacyType = r.IPInfo.Privacy.Type
		ti.City = r.IPInfo.City
		if ti.Country == "" {
			ti.Country = r.IPInfo.Country
		}
		if ti.Org == "" {
			ti.Org = r.IPInfo.Org
		}
	}
	return ti
}

// Close releases the in-memory cache.
func (e *Enricher) Close() { e.cache.Close() }
