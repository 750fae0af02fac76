package services

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"licensehub/pkg/contracts"
)

// checkTimeout bounds each dependency probe
const checkTimeout = 2 * time.Second

// Pinger is a dependency that can report its reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService provides health check functionality
type HealthService struct {
	dependencies map[string]dependency
	startTime    time.Time
	logger       *slog.Logger
}

type dependency struct {
	pinger   Pinger
	required bool
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual dependency health
type ServiceHealth struct {
	Status   string `json:"status"`
	Required bool   `json:"required"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
}

// NewHealthService creates a new health service
func NewHealthService(logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		dependencies: make(map[string]dependency),
		startTime:    time.Now(),
		logger:       logger.With(slog.String("component", "health_service")),
	}
}

// Register adds a dependency. A failing required dependency makes the
// service not ready; an optional one only degrades it.
func (hs *HealthService) Register(name string, p Pinger, required bool) {
	hs.dependencies[name] = dependency{pinger: p, required: required}
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   contracts.Version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// ReadinessCheck probes every registered dependency concurrently
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   contracts.Version,
		Services:  make(map[string]ServiceHealth, len(hs.dependencies)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, dep := range hs.dependencies {
		g.Go(func() error {
			health := hs.probe(gctx, dep)
			mu.Lock()
			status.Services[name] = health
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for name, health := range status.Services {
		if health.Status == "ready" {
			continue
		}
		if health.Required {
			status.Status = "not_ready"
		} else if status.Status == "ready" {
			status.Status = "degraded"
		}
		hs.logger.WarnContext(ctx, "dependency unhealthy",
			slog.String("dependency", name),
			slog.Bool("required", health.Required),
			slog.String("error", health.Message))
	}

	return status
}

// Ready reports whether the service can take traffic
func (s HealthStatus) Ready() bool {
	return s.Status != "not_ready"
}

func (hs *HealthService) probe(ctx context.Context, dep dependency) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := dep.pinger.Ping(ctx)
	health := ServiceHealth{
		Status:   "ready",
		Required: dep.required,
		Latency:  time.Since(start).String(),
	}
	if err != nil {
		health.Status = "unavailable"
		health.Message = err.Error()
	}
	return health
}
