package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if fetchTotal == nil || observationsWrittenTotal == nil ||
		sessionTransitionsTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveFetch("VISA", "success", 150*time.Millisecond)
	ObserveFetch("VISA", "success", 0)
	if val := testutil.ToFloat64(fetchTotal.WithLabelValues("VISA", "success")); val != 2 {
		t.Errorf("expected 2 successful VISA fetches, got %f", val)
	}

	ObserveObservationsWritten("USD", 3)
	ObserveObservationsWritten("USD", 0)
	if val := testutil.ToFloat64(observationsWrittenTotal.WithLabelValues("USD")); val != 3 {
		t.Errorf("expected 3 observations written, got %f", val)
	}

	SetMissingPoints("MASTERCARD", 7)
	SetMissingPoints("MASTERCARD", 4)
	if val := testutil.ToFloat64(missingPoints.WithLabelValues("MASTERCARD")); val != 4 {
		t.Errorf("expected gauge to hold the last value, got %f", val)
	}

	ObserveSessionTransition("ready", "backoff", "forbidden")
	if val := testutil.ToFloat64(sessionTransitionsTotal.WithLabelValues("ready", "backoff", "forbidden")); val != 1 {
		t.Errorf("expected one transition, got %f", val)
	}

	ObserveBatch("VISA", "ok")
	ObserveRateLimitDelay("VISA", time.Second)
	if val := testutil.CollectAndCount(rateLimitDelaysSeconds); val <= 0 {
		t.Errorf("expected rate limit delay to be observed, got %d", val)
	}
}
