// Package prom exports observability.TunnelObserver to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/deco-cx/warp/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// TunnelObserver exports tunnel metrics to Prometheus.
type TunnelObserver struct {
	connGauge       prometheus.Gauge
	hostGauge       prometheus.Gauge
	attachTotal     *prometheus.CounterVec
	closeTotal      *prometheus.CounterVec
	routeTotal      *prometheus.CounterVec
	responseLatency prometheus.Histogram
}

// NewTunnelObserver registers tunnel metrics on the registry.
func NewTunnelObserver(reg *prometheus.Registry) *TunnelObserver {
	o := &TunnelObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warp_tunnel_connections",
			Help: "Current number of connected clients.",
		}),
		hostGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warp_tunnel_hosts",
			Help: "Current number of claimed hosts.",
		}),
		attachTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warp_tunnel_attach_total",
			Help: "Client register attempts by result and reason.",
		}, []string{"result", "reason"}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warp_tunnel_close_total",
			Help: "Connection close reasons.",
		}, []string{"reason"}),
		routeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warp_tunnel_route_total",
			Help: "Public HTTP request routing outcomes.",
		}, []string{"result"}),
		responseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warp_tunnel_response_latency_seconds",
			Help:    "Latency from request-start to response-end.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		o.connGauge,
		o.hostGauge,
		o.attachTotal,
		o.closeTotal,
		o.routeTotal,
		o.responseLatency,
	)
	return o
}

func (o *TunnelObserver) ConnCount(n int64) { o.connGauge.Set(float64(n)) }
func (o *TunnelObserver) HostCount(n int)   { o.hostGauge.Set(float64(n)) }

func (o *TunnelObserver) Attach(result observability.AttachResult, reason observability.AttachReason) {
	o.attachTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *TunnelObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *TunnelObserver) Route(result observability.RouteResult) {
	o.routeTotal.WithLabelValues(string(result)).Inc()
}

func (o *TunnelObserver) ResponseLatency(d time.Duration) {
	o.responseLatency.Observe(d.Seconds())
}
