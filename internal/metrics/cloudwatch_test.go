package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"bookscope/logger"
)

func capturePublishes(t *testing.T, interval time.Duration, base time.Time) (*[][]cwtypes.MetricDatum, func(time.Time)) {
	t.Helper()

	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = interval
	t.Cleanup(func() { cloudWatchPublishInterval = originalInterval })

	now := base
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = time.Now })

	batches := make([][]cwtypes.MetricDatum, 0)
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		copyData := make([]cwtypes.MetricDatum, len(data))
		copy(copyData, data)
		batches = append(batches, copyData)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	return &batches, func(ts time.Time) { now = ts }
}

func TestPublishMetricDatumThrottlesToInterval(t *testing.T) {
	base := time.Now()
	batches, setNow := capturePublishes(t, 50*time.Millisecond, base)

	metric := Metric{Component: "test", Name: "requests", Timestamp: base, Fields: logger.Fields{"unit": "count"}}
	publishMetricDatum(metric, 1)

	setNow(base.Add(25 * time.Millisecond))
	publishMetricDatum(metric, 2)

	if len(*batches) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(*batches))
	}
	datum := (*batches)[0][0]
	if datum.MetricName == nil || *datum.MetricName != "requests" {
		t.Fatalf("unexpected metric name: %v", datum.MetricName)
	}
	if datum.Value == nil || *datum.Value != 1 {
		t.Fatalf("unexpected metric value: %v", datum.Value)
	}
}

func TestPublishMetricDatumAllowsAfterInterval(t *testing.T) {
	base := time.Now()
	batches, setNow := capturePublishes(t, 50*time.Millisecond, base)

	metric := Metric{Component: "test", Name: "requests", Timestamp: base}
	publishMetricDatum(metric, 1)

	setNow(base.Add(75 * time.Millisecond))
	publishMetricDatum(metric, 2)

	if len(*batches) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(*batches))
	}
	if v := (*batches)[1][0].Value; v == nil || *v != 2 {
		t.Fatalf("unexpected metric value: %v", v)
	}
}

func TestPublishMetricDatumSeparatesSeriesByDimension(t *testing.T) {
	base := time.Now()
	batches, _ := capturePublishes(t, time.Minute, base)

	publishMetricDatum(Metric{Component: "dispatcher", Name: "desyncs", Fields: logger.Fields{"instrument": "BTC/USD"}}, 1)
	publishMetricDatum(Metric{Component: "dispatcher", Name: "desyncs", Fields: logger.Fields{"instrument": "ETH/USD"}}, 1)

	if len(*batches) != 2 {
		t.Fatalf("expected one publish per instrument, got %d", len(*batches))
	}
	dims := (*batches)[0][0].Dimensions
	if len(dims) != 2 || *dims[1].Name != "instrument" {
		t.Fatalf("unexpected dimensions: %+v", dims)
	}
}

func TestPublishMetricDatumWithoutClient(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{})
	t.Cleanup(func() { cwState.Store(prevState) })

	called := false
	publishMetricsFunc = func(context.Context, *cloudWatchState, []cwtypes.MetricDatum) { called = true }
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publishMetricDatum(Metric{Component: "x", Name: "y"}, 1)
	if called {
		t.Fatal("nothing should be published without a client")
	}
}

func TestDashboardBody(t *testing.T) {
	body, err := dashboardBody("Bookscope", "eu-west-1")
	if err != nil {
		t.Fatalf("dashboardBody: %v", err)
	}

	var parsed struct {
		Widgets []dashboardWidget `json:"widgets"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		t.Fatalf("dashboard is not valid JSON: %v", err)
	}
	if len(parsed.Widgets) != len(dashboardMetrics) {
		t.Fatalf("expected %d widgets, got %d", len(dashboardMetrics), len(parsed.Widgets))
	}
	first := parsed.Widgets[0].Properties
	if first.Region != "eu-west-1" || first.Metrics[0][0] != "Bookscope" || first.Metrics[0][1] != dashboardMetrics[0] {
		t.Fatalf("unexpected widget properties: %+v", first)
	}
}

func TestToFloat64(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
		ok   bool
	}{
		{int64(3), 3, true},
		{2.5, 2.5, true},
		{true, 1, true},
		{"x", 0, false},
	}
	for _, c := range cases {
		got, ok := toFloat64(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("toFloat64(%v) = %v, %v", c.in, got, ok)
		}
	}
}
