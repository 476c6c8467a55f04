package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if harvestItemsTotal == nil || harvestAttemptsTotal == nil ||
		sessionRefreshTotal == nil || proxyPoolSize == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	before := testutil.ToFloat64(harvestItemsTotalFor("metrics-test"))
	ObserveItem("metrics-test")
	if got := testutil.ToFloat64(harvestItemsTotalFor("metrics-test")); got != before+1 {
		t.Errorf("expected harvest_items_total to grow by 1, got %f -> %f", before, got)
	}

	SetProxyPoolSize(7)
	if got := testutil.ToFloat64(proxyPoolSize); got != 7 {
		t.Errorf("expected pool size gauge 7, got %f", got)
	}

	ObserveSessionRefresh("success")
	if got := testutil.ToFloat64(sessionRefreshTotal.WithLabelValues("success")); got < 1 {
		t.Errorf("expected refresh counter to be observed, got %f", got)
	}

	ObserveAttempt("fetch", "retryable")
	ObserveStage("fetch", 120*time.Millisecond)
	if val := testutil.CollectAndCount(harvestStageDuration); val <= 0 {
		t.Errorf("expected stage duration to be observed, got %d", val)
	}
}

func harvestItemsTotalFor(status string) prometheus.Counter {
	Init()
	return harvestItemsTotal.WithLabelValues(status)
}
