// ABOUTME: Pure health classification from check results and executor load
// ABOUTME: Fixed thresholds map observations to HEALTHY, DEGRADED or CRITICAL with reasons

package supervisor

import (
	"fmt"
	"slices"

	"github.com/2389/reciprocity-gateway/internal/store"
)

// Thresholds are the fixed limits used by Classify.
type Thresholds struct {
	// QueueCapacity is the task count treated as full saturation.
	QueueCapacity int
	// SaturationLow and SaturationHigh are the DEGRADED and CRITICAL water marks.
	SaturationLow  float64
	SaturationHigh float64
	// FailureRate at or above this degrades health.
	FailureRate float64
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QueueCapacity:  200,
		SaturationLow:  0.7,
		SaturationHigh: 0.95,
		FailureRate:    0.5,
	}
}

// Observation is what one cycle measured.
type Observation struct {
	Checks      map[string]store.CheckState
	Saturation  float64
	FailureRate float64
}

// Classify returns the overall status and the reasons behind it.
//
// CRITICAL: storage check failed, or saturation at or above the high-water mark.
// DEGRADED: any check failed or unknown, saturation at or above the low-water
// mark, or a failure rate at or above the threshold.
func Classify(obs Observation, th Thresholds) (store.HealthStatus, []string) {
	var critical, degraded []string

	names := make([]string, 0, len(obs.Checks))
	for name := range obs.Checks {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		switch obs.Checks[name] {
		case store.CheckFailed:
			if name == CheckStorage {
				critical = append(critical, "storage unreachable")
			} else {
				degraded = append(degraded, name+" check failed")
			}
		case store.CheckUnknown:
			degraded = append(degraded, name+" check timed out")
		}
	}

	switch {
	case th.SaturationHigh > 0 && obs.Saturation >= th.SaturationHigh:
		critical = append(critical, fmt.Sprintf("executor saturation %.2f at or above %.2f", obs.Saturation, th.SaturationHigh))
	case th.SaturationLow > 0 && obs.Saturation >= th.SaturationLow:
		degraded = append(degraded, fmt.Sprintf("executor saturation %.2f at or above %.2f", obs.Saturation, th.SaturationLow))
	}
	if th.FailureRate > 0 && obs.FailureRate >= th.FailureRate {
		degraded = append(degraded, fmt.Sprintf("executor failure rate %.2f", obs.FailureRate))
	}

	switch {
	case len(critical) > 0:
		return store.HealthCritical, append(critical, degraded...)
	case len(degraded) > 0:
		return store.HealthDegraded, degraded
	}
	return store.HealthHealthy, nil
}
