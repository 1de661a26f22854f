package charging

import (
	"math"

	"github.com/theY4Kman/psu-progs/internal/psu"
)

const (
	// Below this current the CV decay turns logarithmic; above it the decay is
	// roughly linear and takes a quarter of the CV phase.
	inflectionCurrent = 0.4
	linearRatio       = 0.25
)

// ChargeLevel estimates charge progress in [0,1] for display. It never
// influences when charging stops.
//
// In CC the level rises linearly with terminal voltage up to the 50% mark.
// In CV the second half is split at the 0.4 A inflection: a linear segment
// worth a quarter, then a log decay of the current towards the cutoff.
func ChargeLevel(mode psu.Mode, meanCurrent, meanVoltage, chargeCurrent, chargeVoltage, cutoffCurrent float64) float64 {
	if mode == psu.ConstantCurrent {
		return clamp01(0.5 * meanVoltage / chargeVoltage)
	}

	var level float64
	if meanCurrent > inflectionCurrent {
		span := chargeCurrent - inflectionCurrent
		if span <= 0 {
			level = 0
		} else {
			level = linearRatio * (chargeCurrent - meanCurrent) / span
		}
	} else {
		n := (meanCurrent - cutoffCurrent) * 1000
		b := (chargeCurrent - cutoffCurrent) * 1000
		// log base b is undefined for b <= 1; treat as fully decayed.
		if n >= 1 && b > 1 {
			level = (1-math.Log(n)/math.Log(b))*(1-linearRatio) + linearRatio
		} else {
			level = 1.0
		}
	}

	return clamp01(0.5 + 0.5*clamp01(level))
}

func (p Parameters) ChargeLevel(mode psu.Mode, meanCurrent, meanVoltage float64) float64 {
	return ChargeLevel(mode, meanCurrent, meanVoltage, p.ChargeCurrentA, p.ChargeVoltageV, p.CutoffCurrentA)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
