package plugin

import (
	"context"
	"time"
)

// HealthStatus is the result of a plugin health probe. The host stores the
// last known value between checks.
type HealthStatus struct {
	Healthy   bool           `json:"healthy"`
	Degraded  bool           `json:"degraded,omitempty"`
	Message   string         `json:"message,omitempty"`
	LastCheck time.Time      `json:"lastCheck"`
	Details   map[string]any `json:"details,omitempty"`
}

// Healthy is a convenience constructor for a passing health probe.
func Healthy() HealthStatus {
	return HealthStatus{Healthy: true, LastCheck: time.Now()}
}

// Unhealthy is a convenience constructor for a failing health probe.
func Unhealthy(message string) HealthStatus {
	return HealthStatus{Healthy: false, Message: message, LastCheck: time.Now()}
}

// Plugin is the contract every plugin satisfies, whether compiled in or
// loaded from a shared library. The interface is closed on purpose: the
// host dispatches through it and never inspects plugin values beyond it.
//
// Describe returns the manifest; the host normalizes and validates it.
// Capabilities returns the live handler bindings; every declared capability
// must come back with a non-nil handler.
// Init runs once per load with the plugin's settings from host config.
// HealthCheck reports current operability and must not panic; the host
// recovers and marks the plugin unhealthy if it does.
// Shutdown releases resources; errors are logged, never fatal.
type Plugin interface {
	Describe() Manifest
	Capabilities() []Capability
	Init(ctx context.Context, settings map[string]any) error
	HealthCheck(ctx context.Context) HealthStatus
	Shutdown(ctx context.Context) error
}
