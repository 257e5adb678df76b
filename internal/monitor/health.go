package monitor

import (
	"context"
	"sync"
	"time"
)

// Health states for a component and for the system as a whole.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is one probe result.
type ComponentHealth struct {
	Name        string       `json:"name"`
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
}

// SystemHealth aggregates the component probes. Overall status is the worst
// component status.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Components []ComponentHealth `json:"components"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	Timestamp  time.Time         `json:"timestamp"`
}

// HealthChecker runs registered probes with per-probe caching so frequent
// polling does not hammer the components.
type HealthChecker struct {
	mu          sync.RWMutex
	checks      map[string]HealthCheck
	lastResults map[string]ComponentHealth
	cacheExpiry time.Duration
	startTime   time.Time
	version     string
}

func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:      make(map[string]HealthCheck),
		lastResults: make(map[string]ComponentHealth),
		cacheExpiry: 10 * time.Second,
		startTime:   time.Now(),
		version:     version,
	}
}

// RegisterCheck adds a named probe.
func (hc *HealthChecker) RegisterCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// CheckHealth runs all probes in parallel and aggregates the results.
func (hc *HealthChecker) CheckHealth(ctx context.Context) SystemHealth {
	hc.mu.RLock()
	checks := make(map[string]HealthCheck, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()
			if cached, ok := hc.cachedResult(n); ok {
				results <- cached
				return
			}
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			result := c(checkCtx)
			result.Name = n
			result.LastChecked = time.Now()
			hc.storeResult(n, result)
			results <- result
		}(name, check)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	overall := HealthStatusHealthy
	var components []ComponentHealth
	for result := range results {
		components = append(components, result)
		switch {
		case result.Status == HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case result.Status == HealthStatusDegraded && overall == HealthStatusHealthy:
			overall = HealthStatusDegraded
		}
	}

	return SystemHealth{
		Status:     overall,
		Components: components,
		Version:    hc.version,
		Uptime:     time.Since(hc.startTime).String(),
		Timestamp:  time.Now(),
	}
}

func (hc *HealthChecker) cachedResult(name string) (ComponentHealth, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if result, ok := hc.lastResults[name]; ok {
		if time.Since(result.LastChecked) < hc.cacheExpiry {
			return result, true
		}
	}
	return ComponentHealth{}, false
}

func (hc *HealthChecker) storeResult(name string, result ComponentHealth) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.lastResults[name] = result
}
