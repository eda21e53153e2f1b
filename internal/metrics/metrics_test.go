package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.(prometheus.Metric).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.(prometheus.Metric).Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getCounterVecValue(cv *prometheus.CounterVec, labels ...string) float64 {
	c, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func TestMetrics_TaskTransitionsTotal(t *testing.T) {
	before := getCounterVecValue(TaskTransitionsTotal, "completed")
	TaskTransitionsTotal.WithLabelValues("completed").Inc()
	after := getCounterVecValue(TaskTransitionsTotal, "completed")

	if after != before+1 {
		t.Errorf("Expected completed counter to increment by 1, got diff %.0f", after-before)
	}
}

func TestMetrics_BytesDownloadedTotal(t *testing.T) {
	before := getCounterValue(BytesDownloadedTotal)
	BytesDownloadedTotal.Add(2048)
	after := getCounterValue(BytesDownloadedTotal)

	if after != before+2048 {
		t.Errorf("Expected bytes counter to increase by 2048, got diff %.0f", after-before)
	}
}

func TestMetrics_ActiveDownloads(t *testing.T) {
	ActiveDownloads.Set(0)
	ActiveDownloads.Inc()
	ActiveDownloads.Inc()
	ActiveDownloads.Dec()

	if got := getGaugeValue(ActiveDownloads); got != 1 {
		t.Errorf("Expected active downloads gauge 1, got %.0f", got)
	}
}

func TestNewHTTPServer_ServesMetrics(t *testing.T) {
	srv := NewHTTPServer("127.0.0.1", 0)
	if srv.Addr != "127.0.0.1:9090" {
		t.Errorf("Expected default port 9090, got %s", srv.Addr)
	}

	EventsDroppedTotal.Inc()

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "autofetch_events_dropped_total") {
		t.Error("Expected /metrics to expose autofetch_events_dropped_total")
	}
}
