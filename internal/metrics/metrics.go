package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "project_builder"

// Collector holds the service's Prometheus metrics on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	Provisions          *prometheus.CounterVec
	ProvisionDuration   prometheus.Histogram
	Uploads             *prometheus.CounterVec
	UploadBytes         prometheus.Histogram
	Generations         *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisions_total",
			Help:      "Container provisioning calls by result",
		}, []string{"result"}),
		ProvisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Duration of container provisioning",
			Buckets:   prometheus.DefBuckets,
		}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_uploads_total",
			Help:      "Project archive uploads by result",
		}, []string{"result"}),
		UploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_upload_bytes",
			Help:      "Size of uploaded project archives",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generation agent dispatches by final status",
		}, []string{"status"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(
		c.Provisions, c.ProvisionDuration,
		c.Uploads, c.UploadBytes,
		c.Generations,
		c.HTTPRequestsTotal, c.HTTPRequestDuration,
	)
	return c
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) ObserveProvision(start time.Time, err error) {
	if c == nil {
		return
	}
	c.Provisions.WithLabelValues(resultLabel(err)).Inc()
	c.ProvisionDuration.Observe(time.Since(start).Seconds())
}

func (c *Collector) ObserveUpload(size int64, err error) {
	if c == nil {
		return
	}
	c.Uploads.WithLabelValues(resultLabel(err)).Inc()
	if err == nil {
		c.UploadBytes.Observe(float64(size))
	}
}

func (c *Collector) ObserveGeneration(status string) {
	if c == nil {
		return
	}
	c.Generations.WithLabelValues(status).Inc()
}

func (c *Collector) ObserveHTTP(route, method string, code int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	c.HTTPRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
