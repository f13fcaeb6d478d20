package health

import (
	"context"

	"github.com/saiset-co/sai-offline/types"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheChecker reports the cache backend reachable when Ping succeeds.
func CacheChecker(p Pinger) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		if err := p.Ping(ctx); err != nil {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: err.Error()}
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	}
}

// LifecycleChecker is healthy once a generation is active. Before the first
// install completes it reports unknown; a failed install with nothing
// active is unhealthy.
func LifecycleChecker(state func() string, version func() string) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		current := state()
		details := map[string]interface{}{"state": current, "version": version()}

		switch current {
		case "active", "waiting":
			return types.HealthCheck{Status: types.StatusHealthy, Details: details}
		case "redundant":
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "install failed", Details: details}
		default:
			return types.HealthCheck{Status: types.StatusUnknown, Details: details}
		}
	}
}

// BreakerChecker is unhealthy while the origin circuit is open.
func BreakerChecker(state func() string) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		current := state()
		details := map[string]interface{}{"circuit": current}

		if current == "open" {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "origin circuit open", Details: details}
		}
		return types.HealthCheck{Status: types.StatusHealthy, Details: details}
	}
}
