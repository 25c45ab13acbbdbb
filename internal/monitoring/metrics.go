package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_requests_total",
			Help: "Total number of upstream requests",
		},
		[]string{"credential", "action", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gemini_gateway_requests_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: []float64{1, 10, 30, 60, 120, 240, 600},
		},
		[]string{"credential", "action"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_retries_total",
			Help: "Total number of upstream retries",
		},
		[]string{"reason"},
	)

	CredentialDisabledEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_credential_disabled_events_total",
			Help: "Total number of disable events for credentials",
		},
		[]string{"credential", "error_code"},
	)

	CredentialActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_gateway_credentials_active",
			Help: "Number of credentials currently eligible for selection",
		},
	)

	AdmissionRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_gateway_admission_rejected_total",
			Help: "Total number of requests refused at admission",
		},
		[]string{"reason"},
	)

	KnownIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_gateway_known_ips",
			Help: "Number of IPs with a tracked record",
		},
	)

	BannedIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_gateway_banned_ips",
			Help: "Number of IPs currently banned",
		},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m.enabled
}

func (m *Metrics) RecordRequest(credential, action string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}

	status := strconv.Itoa(statusCode)
	RequestsTotal.WithLabelValues(credential, action, status).Inc()
	RequestDuration.WithLabelValues(credential, action).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(reason string) {
	if !m.isEnabled() {
		return
	}
	RetriesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCredentialDisabled(credential string, errorCode int) {
	if !m.isEnabled() {
		return
	}
	CredentialDisabledEvents.WithLabelValues(credential, strconv.Itoa(errorCode)).Inc()
}

func (m *Metrics) RecordAdmissionRejected(reason string) {
	if !m.isEnabled() {
		return
	}
	AdmissionRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) UpdateActiveCredentials(count int) {
	if !m.isEnabled() {
		return
	}
	CredentialActive.Set(float64(count))
}

func (m *Metrics) UpdateIPCounts(known, banned int) {
	if !m.isEnabled() {
		return
	}
	KnownIPs.Set(float64(known))
	BannedIPs.Set(float64(banned))
}
