// Package capacity holds the sizing formulas used to provision broker
// partitions and processor replicas from a throughput target. These are
// pure functions so sizing can be re-derived from fresh measurements
// without standing up any infrastructure.
package capacity

import (
	"math"

	perr "cspipe/internal/platform/errors"
)

// Partitions returns the minimum broker partition count for a target
// sustained throughput. The bottleneck side wins: partitions must be
// enough for both the producer and the consumer ceiling, then a growth
// multiplier absorbs bursts without immediate repartitioning.
func Partitions(targetRPS, producerCeiling, consumerCeiling, growth float64) (int, error) {
	if targetRPS <= 0 {
		return 0, perr.InvalidArgf("target throughput must be positive, got %v", targetRPS)
	}
	if producerCeiling <= 0 || consumerCeiling <= 0 {
		return 0, perr.InvalidArgf("throughput ceilings must be positive, got producer=%v consumer=%v",
			producerCeiling, consumerCeiling)
	}
	if growth < 1 {
		return 0, perr.InvalidArgf("growth multiplier must be at least 1, got %v", growth)
	}

	need := math.Max(targetRPS/producerCeiling, targetRPS/consumerCeiling)
	return int(math.Ceil(need * growth)), nil
}

// Workers returns the processor replica count for a target throughput
// given a measured per-worker ceiling and a headroom multiplier.
func Workers(targetRPS, perWorkerRPS, headroom float64) (int, error) {
	if targetRPS <= 0 {
		return 0, perr.InvalidArgf("target throughput must be positive, got %v", targetRPS)
	}
	if perWorkerRPS <= 0 {
		return 0, perr.InvalidArgf("per-worker throughput must be positive, got %v", perWorkerRPS)
	}
	if headroom < 1 {
		return 0, perr.InvalidArgf("headroom multiplier must be at least 1, got %v", headroom)
	}

	return int(math.Ceil(targetRPS / perWorkerRPS * headroom)), nil
}

// Plan bundles both formulas for one target
type Plan struct {
	TargetRPS  float64
	Partitions int
	Workers    int
}

// Size computes a full plan in one call
func Size(targetRPS, producerCeiling, consumerCeiling, growth, perWorkerRPS, headroom float64) (Plan, error) {
	parts, err := Partitions(targetRPS, producerCeiling, consumerCeiling, growth)
	if err != nil {
		return Plan{}, err
	}
	workers, err := Workers(targetRPS, perWorkerRPS, headroom)
	if err != nil {
		return Plan{}, err
	}
	return Plan{TargetRPS: targetRPS, Partitions: parts, Workers: workers}, nil
}
