package psu

import (
	"errors"
	"fmt"
)

// ErrInvalidChannel is returned when a channel index outside {0,1} is requested.
var ErrInvalidChannel = errors.New("invalid channel")

// Mode is the regulation mode reported by the supply for one channel
type Mode int

const (
	ConstantCurrent Mode = iota
	ConstantVoltage
)

func (m Mode) String() string {
	switch m {
	case ConstantCurrent:
		return "CC"
	case ConstantVoltage:
		return "CV"
	}
	return "unknown"
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CC":
		*m = ConstantCurrent
	case "CV":
		*m = ConstantVoltage
	default:
		return fmt.Errorf("unknown regulation mode %q", text)
	}
	return nil
}

// Channel is one output of a programmable DC supply.
type Channel interface {
	// SetVoltage programs the voltage set-point (V)
	SetVoltage(volts float64) error

	// SetCurrent programs the current limit (A)
	SetCurrent(amps float64) error

	// EnableOutput and DisableOutput are idempotent
	EnableOutput() error
	DisableOutput() error

	OutputEnabled() (bool, error)

	// OutputCurrent returns ok == false when the supply gave no usable reading
	OutputCurrent() (amps float64, ok bool, err error)

	// OutputVoltage returns ok == false when the supply gave no usable reading
	OutputVoltage() (volts float64, ok bool, err error)

	Mode() (Mode, error)
}

// ValidateChannelIndex rejects indexes the two-channel supplies cannot address.
func ValidateChannelIndex(index int) error {
	if index != 0 && index != 1 {
		return fmt.Errorf("%w: %d (expected 0 or 1)", ErrInvalidChannel, index)
	}
	return nil
}
