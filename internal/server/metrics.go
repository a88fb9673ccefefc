package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service registry. Other components register their own
// collectors through Registerer.
type Metrics struct {
	registry      *prometheus.Registry
	requestsTotal *prometheus.CounterVec
	depositsTotal *prometheus.CounterVec
	releasesTotal *prometheus.CounterVec
	sweptTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "HTTP requests by route pattern and status code",
	}, []string{"route", "code"})

	deposits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_deposits_total",
		Help: "Deposit submissions by outcome",
	}, []string{"status"})

	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_releases_total",
		Help: "Release submissions by outcome",
	}, []string{"result"})

	swept := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_sweeps_total",
		Help: "Owner sweeps by asset",
	}, []string{"asset"})

	r := prometheus.NewRegistry()
	r.MustRegister(requests, deposits, releases, swept, collectors.NewGoCollector())

	return &Metrics{
		registry:      r,
		requestsTotal: requests,
		depositsTotal: deposits,
		releasesTotal: releases,
		sweptTotal:    swept,
	}
}

func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incRequest(route, code string) {
	m.requestsTotal.WithLabelValues(route, code).Inc()
}

func (m *Metrics) incDeposit(status string) {
	m.depositsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) incRelease(result string) {
	m.releasesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incSweep(asset string) {
	m.sweptTotal.WithLabelValues(asset).Inc()
}
