// Package health exposes liveness/readiness HTTP endpoints for the engine
// process.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Check reports whether a single component is currently healthy.
type Check func() bool

// Checker aggregates named component checks into /health, /health/live and
// /health/ready handlers.
type Checker struct {
	serviceName    string
	serviceVersion string
	logger         zerolog.Logger
	checks         map[string]Check
}

// Config identifies the process reporting health, mirroring the teacher
// service's health.Config.
type Config struct {
	ServiceName    string
	ServiceVersion string
}

// NewChecker creates a Checker with no registered component checks; call
// AddCheck to register one per dependency (the engine itself, an optional
// eventbridge publisher, and so on).
func NewChecker(cfg Config, logger zerolog.Logger) *Checker {
	return &Checker{
		serviceName:    cfg.ServiceName,
		serviceVersion: cfg.ServiceVersion,
		logger:         logger.With().Str("component", "health-checker").Logger(),
		checks:         make(map[string]Check),
	}
}

// AddCheck registers a named component check. Calling AddCheck twice with
// the same name overwrites the previous check.
func (c *Checker) AddCheck(name string, check Check) {
	c.checks[name] = check
}

// HealthResponse is the body served by HealthHandler.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

func (c *Checker) evaluate() (map[string]string, bool) {
	components := make(map[string]string, len(c.checks))
	healthy := true
	for name, check := range c.checks {
		if check() {
			components[name] = "healthy"
		} else {
			components[name] = "unhealthy"
			healthy = false
		}
	}
	return components, healthy
}

// HealthHandler reports the status of every registered component.
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	components, healthy := c.evaluate()

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(HealthResponse{
		Status:     status,
		Version:    c.serviceVersion,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	}); err != nil {
		c.logger.Error().Err(err).Msg("failed to encode health response")
	}
}

// LivenessHandler returns 200 as long as the process is running; it never
// consults the registered checks, so it does not flap with transient
// dependency outages.
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessHandler returns 200 only if every registered component check
// passes.
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	components, healthy := c.evaluate()

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "not_ready",
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"components": components,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
