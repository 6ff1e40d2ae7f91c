package decision

import "math"

// Aggregator fuses a collection of belief confidences into one scalar.
// Implementations must map [0,1] inputs to a [0,1] output and be
// monotonically non-decreasing in each input. Empty input yields 0.
type Aggregator interface {
	Aggregate(confidences []float64) float64
}

// MeanAggregator is the default strategy: the arithmetic mean.
type MeanAggregator struct{}

// Aggregate returns the arithmetic mean of the confidences.
func (MeanAggregator) Aggregate(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range confidences {
		sum += clamp01(c)
	}
	return sum / float64(len(confidences))
}

// GeometricAggregator is a more conservative strategy: the geometric mean,
// softened toward the arithmetic mean as risk tolerance grows. At tolerance
// 0 it is the pure geometric mean (a single low belief drags the whole
// aggregate down); at tolerance 1 it equals the arithmetic mean.
type GeometricAggregator struct {
	RiskTolerance float64
}

// Aggregate blends geometric and arithmetic means by risk tolerance.
func (g GeometricAggregator) Aggregate(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	product := 1.0
	sum := 0.0
	for _, c := range confidences {
		c = clamp01(c)
		product *= c
		sum += c
	}
	geometric := math.Pow(product, 1/float64(len(confidences)))
	arithmetic := sum / float64(len(confidences))

	t := clamp01(g.RiskTolerance)
	return clamp01(geometric*(1-t) + arithmetic*t)
}

// ShouldAct is the confidence gate. The action is permitted when the
// aggregated confidence clears the threshold shifted by how far the task's
// risk weight exceeds the configured tolerance:
//
//	aggregated >= threshold + (riskWeight - riskTolerance) * (1 - threshold)
//
// The effective threshold is bounded to [0,1], so a very tolerant
// configuration can never drive it negative.
func ShouldAct(aggregated, riskWeight, threshold, riskTolerance float64) bool {
	effective := threshold + (riskWeight-riskTolerance)*(1-threshold)
	effective = clamp01(effective)
	return aggregated >= effective
}
