package monitor

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(name string) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthStatusHealthy}
	}
}

func TestCheckHealthAggregatesWorstStatus(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck("bus", healthy("bus"))
	hc.RegisterCheck("redis", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthStatusDegraded, Message: "slow"}
	})

	snapshot := hc.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusDegraded, snapshot.Status)
	assert.Len(t, snapshot.Components, 2)

	hc.RegisterCheck("venue", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "down"}
	})
	hc.mu.Lock()
	hc.lastResults = map[string]ComponentHealth{} // drop the probe cache
	hc.mu.Unlock()

	snapshot = hc.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, snapshot.Status)
}

func TestCheckHealthCachesProbeResults(t *testing.T) {
	hc := NewHealthChecker("test")
	calls := 0
	hc.RegisterCheck("bus", func(ctx context.Context) ComponentHealth {
		calls++
		return ComponentHealth{Status: HealthStatusHealthy}
	})

	hc.CheckHealth(context.Background())
	hc.CheckHealth(context.Background())
	assert.Equal(t, 1, calls, "second run within the cache window must not re-probe")
}

func TestHealthEndpoint(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck("bus", healthy("bus"))
	srv := NewServer("127.0.0.1:0", NewMetrics(), hc)

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, 200, rec.Code)

	var snapshot SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, HealthStatusHealthy, snapshot.Status)
	assert.Equal(t, "test", snapshot.Version)
	assert.WithinDuration(t, time.Now(), snapshot.Timestamp, 5*time.Second)
}

func TestHealthEndpointUnhealthyIs503(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck("venue", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthStatusUnhealthy}
	})
	srv := NewServer("127.0.0.1:0", NewMetrics(), hc)

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 503, rec.Code)
}
