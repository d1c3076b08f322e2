package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"bookscope/logger"
)

func TestPrometheusExporterServesEmittedMetrics(t *testing.T) {
	resetMetricHandlers()

	exp := NewPrometheusExporter()
	t.Cleanup(exp.Close)

	EmitMetric(nil, "dispatcher", "feed_messages", int64(42), "counter", logger.Fields{"instrument": "BTC/USD"})
	EmitMetric(nil, "dispatcher", "book_synced", true, "gauge", logger.Fields{"instrument": "BTC/USD"})
	EmitMetric(nil, "dispatcher", "label", "not-a-number", "gauge", nil)

	srv := httptest.NewServer(exp.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	if !strings.Contains(text, `bookscope_feed_messages{component="dispatcher",instrument="BTC/USD"} 42`) {
		t.Fatalf("feed_messages missing from scrape:\n%s", text)
	}
	if !strings.Contains(text, `bookscope_book_synced{component="dispatcher",instrument="BTC/USD"} 1`) {
		t.Fatalf("book_synced missing from scrape:\n%s", text)
	}
	if strings.Contains(text, "bookscope_label") {
		t.Fatalf("non-numeric metric exported")
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Fatalf("runtime collector missing")
	}
}

func TestPrometheusExporterCloseStopsUpdates(t *testing.T) {
	resetMetricHandlers()

	exp := NewPrometheusExporter()
	exp.Close()

	EmitMetric(nil, "dispatcher", "resyncs", 1, "counter", nil)

	exp.mu.Lock()
	defer exp.mu.Unlock()
	if len(exp.gauges) != 0 {
		t.Fatalf("closed exporter still received metrics")
	}
}

func TestSanitizeMetricName(t *testing.T) {
	if got := sanitizeMetricName("a-b.c_d"); got != "a_b_c_d" {
		t.Fatalf("unexpected name %q", got)
	}
}
