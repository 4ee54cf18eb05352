package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "honeypot"

// Prometheus records into its own registry so several instances can coexist
// in one process (tests, multiple managers).
type Prometheus struct {
	registry *prometheus.Registry

	connectionsTotal   *prometheus.CounterVec
	connectionsActive  *prometheus.GaugeVec
	connectionDuration *prometheus.HistogramVec
	authAttempts       *prometheus.CounterVec
	commands           *prometheus.CounterVec
	attacks            *prometheus.CounterVec
	sessionsTotal      *prometheus.CounterVec
	sessionsActive     *prometheus.GaugeVec
	serviceUp          *prometheus.GaugeVec
	serviceErrors      *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpAttackVectors  *prometheus.CounterVec
	ftpOperations      *prometheus.CounterVec
	patterns           *prometheus.CounterVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		registry: reg,
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Total connections accepted or rejected per service.",
		}, []string{"service", "status"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Currently open connections per service.",
		}, []string{"service"}),
		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "connection_duration_seconds",
			Help:    "Connection lifetime in seconds.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"service"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_attempts_total",
			Help: "Authentication attempts per service.",
		}, []string{"service", "success"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total",
			Help: "Commands received per service.",
		}, []string{"service", "command_type"}),
		attacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "attacks_total",
			Help: "Classified attacks per service.",
		}, []string{"service", "attack_type"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total",
			Help: "Sessions started per service.",
		}, []string{"service"}),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Live sessions per service.",
		}, []string{"service"}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "service_up",
			Help: "1 when the service listener is running.",
		}, []string{"service"}),
		serviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "service_errors_total",
			Help: "Service level errors.",
		}, []string{"service", "error_type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP honeypot requests.",
		}, []string{"method", "path", "status_code"}),
		httpAttackVectors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_attack_vectors",
			Help: "HTTP attack vectors observed.",
		}, []string{"vector"}),
		ftpOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ftp_operations_total",
			Help: "FTP verbs received.",
		}, []string{"operation"}),
		patterns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "attack_patterns_total",
			Help: "Attack patterns produced by the correlation engine.",
		}, []string{"pattern_type", "severity"}),
	}

	reg.MustRegister(
		p.connectionsTotal, p.connectionsActive, p.connectionDuration,
		p.authAttempts, p.commands, p.attacks,
		p.sessionsTotal, p.sessionsActive, p.serviceUp, p.serviceErrors,
		p.httpRequests, p.httpAttackVectors, p.ftpOperations, p.patterns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry exposes the underlying registry for tests and custom collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) ConnectionOpened(service string) {
	p.connectionsTotal.WithLabelValues(service, "accepted").Inc()
	p.connectionsActive.WithLabelValues(service).Inc()
}

func (p *Prometheus) ConnectionClosed(service string, d time.Duration) {
	p.connectionsActive.WithLabelValues(service).Dec()
	p.connectionDuration.WithLabelValues(service).Observe(d.Seconds())
}

func (p *Prometheus) ConnectionRejected(service, reason string) {
	p.connectionsTotal.WithLabelValues(service, "rejected_"+reason).Inc()
}

func (p *Prometheus) SessionStarted(service string) {
	p.sessionsTotal.WithLabelValues(service).Inc()
	p.sessionsActive.WithLabelValues(service).Inc()
}

func (p *Prometheus) SessionEnded(service string) {
	p.sessionsActive.WithLabelValues(service).Dec()
}

func (p *Prometheus) AuthAttempt(service string, success bool) {
	p.authAttempts.WithLabelValues(service, strconv.FormatBool(success)).Inc()
}

func (p *Prometheus) Command(service, commandType string) {
	p.commands.WithLabelValues(service, commandType).Inc()
}

func (p *Prometheus) AttackDetected(service, attackType string) {
	p.attacks.WithLabelValues(service, attackType).Inc()
	if service == "http" {
		p.httpAttackVectors.WithLabelValues(attackType).Inc()
	}
}

func (p *Prometheus) HTTPRequest(method, path string, status int) {
	p.httpRequests.WithLabelValues(method, normalizePath(path), strconv.Itoa(status)).Inc()
}

func (p *Prometheus) FTPOperation(operation string) {
	p.ftpOperations.WithLabelValues(operation).Inc()
}

func (p *Prometheus) PatternDetected(patternType, severity string) {
	p.patterns.WithLabelValues(patternType, severity).Inc()
}

func (p *Prometheus) ServiceUp(service string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	p.serviceUp.WithLabelValues(service).Set(v)
}

func (p *Prometheus) ServiceError(service, errorType string) {
	p.serviceErrors.WithLabelValues(service, errorType).Inc()
}

// normalizePath keeps label cardinality bounded: attacker controlled paths
// collapse to their first segment.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexAny(trimmed, "/?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if len(trimmed) > 32 {
		trimmed = trimmed[:32]
	}
	return "/" + trimmed
}
