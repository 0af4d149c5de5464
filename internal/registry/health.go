package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

// HealthTracker tracks tool-service liveness across process restarts and,
// when multiple orchestrator nodes share the same Redis instance, across
// nodes too — grounded on the teacher's registry/health_tracker.go, trimmed
// to this module's single replicated map (no distributed ticker/pool
// coordination; this module has no horizontally-scaled ping scheduler to
// coordinate, see DESIGN.md).
//
// A toolset is healthy if a pong was recorded within StalenessThreshold.
type HealthTracker struct {
	healthMap          *rmap.Map
	stalenessThreshold time.Duration
}

// ToolsetHealth reports derived service health, mirroring the teacher's
// registry.ToolsetHealth shape.
type ToolsetHealth struct {
	Healthy            bool
	LastPong           time.Time
	Age                time.Duration
	StalenessThreshold time.Duration
}

const healthKeyPrefix = "reachctl:registry:health:"

// NewHealthTracker joins (or creates) a Pulse replicated map named
// "<name>:health" over redisCli, matching the teacher's Config.Name-derived
// resource naming (registry/registry.go: "the pool, health map, and registry
// map names are derived as... Health map: \"<name>:health\"").
func NewHealthTracker(ctx context.Context, redisCli *redis.Client, name string, stalenessThreshold time.Duration) (*HealthTracker, error) {
	if redisCli == nil {
		return nil, fmt.Errorf("registry: redis client is required for health tracking")
	}
	if name == "" {
		name = "registry"
	}
	if stalenessThreshold <= 0 {
		stalenessThreshold = 30 * time.Second
	}
	healthMap, err := rmap.Join(ctx, name+":health", redisCli)
	if err != nil {
		return nil, fmt.Errorf("registry: join health map: %w", err)
	}
	return &HealthTracker{healthMap: healthMap, stalenessThreshold: stalenessThreshold}, nil
}

// RecordPong records a pong response for a service (spec §6's registry
// entries are the unit of health, keyed by service name).
func (h *HealthTracker) RecordPong(ctx context.Context, service string) error {
	_, err := h.healthMap.Set(ctx, healthKeyPrefix+service, strconv.FormatInt(time.Now().UnixNano(), 10))
	if err != nil {
		return fmt.Errorf("registry: record pong for %q: %w", service, err)
	}
	return nil
}

// Health returns the current derived health for a service.
func (h *HealthTracker) Health(service string) (ToolsetHealth, error) {
	val, ok := h.healthMap.Get(healthKeyPrefix + service)
	if !ok {
		return ToolsetHealth{StalenessThreshold: h.stalenessThreshold}, nil
	}
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return ToolsetHealth{}, fmt.Errorf("registry: parse last pong for %q: %w", service, err)
	}
	lastPong := time.Unix(0, ts)
	age := time.Since(lastPong)
	return ToolsetHealth{
		Healthy:            age <= h.stalenessThreshold,
		LastPong:           lastPong,
		Age:                age,
		StalenessThreshold: h.stalenessThreshold,
	}, nil
}

// IsHealthy is a convenience wrapper over Health for call sites that don't
// need the full ToolsetHealth detail.
func (h *HealthTracker) IsHealthy(service string) bool {
	health, err := h.Health(service)
	return err == nil && health.Healthy
}

// Close releases the replicated map's connection.
func (h *HealthTracker) Close() error {
	h.healthMap.Close()
	return nil
}
