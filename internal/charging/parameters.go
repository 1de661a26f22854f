package charging

import (
	"fmt"

	"github.com/theY4Kman/psu-progs/internal/psu"
)

const (
	DefaultChargeVoltage         = 4.2
	DefaultCutoffRatio           = 0.1
	DefaultSampleWindowSize      = 3
	DefaultMaxSuccessiveFailures = 5
)

// Parameters of one charge session. Build with NewParameters so
// CutoffCurrentA is derived and the values are checked.
type Parameters struct {
	BatteryCapacityAh     float64 `json:"battery_capacity_ah"`
	ChargeCurrentA        float64 `json:"charge_current_a"` // 0 means half the capacity
	ChargeVoltageV        float64 `json:"charge_voltage_v"`
	CutoffRatio           float64 `json:"cutoff_ratio"`
	ChannelIndex          int     `json:"channel_index"`
	SampleWindowSize      int     `json:"sample_window_size"`
	MaxSuccessiveFailures int     `json:"max_successive_failures"`

	CutoffCurrentA float64 `json:"cutoff_current_a"`
}

// DefaultParameters returns the stock settings for a cell of the given capacity.
func DefaultParameters(capacityAh float64) Parameters {
	return Parameters{
		BatteryCapacityAh:     capacityAh,
		ChargeVoltageV:        DefaultChargeVoltage,
		CutoffRatio:           DefaultCutoffRatio,
		SampleWindowSize:      DefaultSampleWindowSize,
		MaxSuccessiveFailures: DefaultMaxSuccessiveFailures,
	}
}

func NewParameters(in Parameters) (Parameters, error) {
	p := in

	if p.BatteryCapacityAh <= 0 {
		return Parameters{}, fmt.Errorf("%w: battery capacity must be positive, got %v", ErrInvalidParameters, p.BatteryCapacityAh)
	}
	if p.ChargeCurrentA == 0 {
		p.ChargeCurrentA = p.BatteryCapacityAh / 2
	}

	switch {
	case p.ChargeCurrentA < 0:
		return Parameters{}, fmt.Errorf("%w: charge current must be positive, got %v", ErrInvalidParameters, p.ChargeCurrentA)
	case p.ChargeVoltageV <= 0:
		return Parameters{}, fmt.Errorf("%w: charge voltage must be positive, got %v", ErrInvalidParameters, p.ChargeVoltageV)
	case p.CutoffRatio <= 0 || p.CutoffRatio > 1:
		return Parameters{}, fmt.Errorf("%w: cutoff ratio must be in (0,1], got %v", ErrInvalidParameters, p.CutoffRatio)
	case p.SampleWindowSize < 1:
		return Parameters{}, fmt.Errorf("%w: sample window size must be at least 1, got %d", ErrInvalidParameters, p.SampleWindowSize)
	case p.MaxSuccessiveFailures < 0:
		return Parameters{}, fmt.Errorf("%w: max successive failures must not be negative, got %d", ErrInvalidParameters, p.MaxSuccessiveFailures)
	}
	if err := psu.ValidateChannelIndex(p.ChannelIndex); err != nil {
		return Parameters{}, err
	}

	p.CutoffCurrentA = p.CutoffRatio * p.ChargeCurrentA
	return p, nil
}
