package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.ObserveProvision(time.Now(), nil)
	c.ObserveProvision(time.Now(), errors.New("denied"))
	c.ObserveUpload(2048, nil)
	c.ObserveGeneration("ready")
	c.ObserveHTTP("/health", http.MethodGet, 200, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Provisions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Provisions.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Uploads.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Generations.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequestsTotal.WithLabelValues("/health", "GET", "200")))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveProvision(time.Now(), nil)
		c.ObserveUpload(1, nil)
		c.ObserveGeneration("failed")
		c.ObserveHTTP("/", "GET", 500, 0)
	})
}

func TestHandler(t *testing.T) {
	c := New()
	c.ObserveUpload(10, nil)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "project_builder_archive_uploads_total")
}
