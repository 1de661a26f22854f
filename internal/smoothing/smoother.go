// Package smoothing averages instrument telemetry over short rolling windows so
// single-sample blips and the low readings right after the output is switched
// on never reach the charge decision.
package smoothing

import (
	"errors"
	"fmt"
)

var ErrMissingTelemetry = errors.New("missing telemetry")

// Signal names a telemetry channel
type Signal string

const (
	SignalCurrent Signal = "current"
	SignalVoltage Signal = "voltage"
)

// MissingTelemetryError reports which reading was absent on a tick.
type MissingTelemetryError struct {
	Signal Signal
}

func (e *MissingTelemetryError) Error() string {
	return fmt.Sprintf("could not determine output %s", e.Signal)
}

func (e *MissingTelemetryError) Is(target error) bool {
	return target == ErrMissingTelemetry
}

// Sample is one optional reading.
type Sample struct {
	Value   float64
	Present bool
}

func Present(v float64) Sample { return Sample{Value: v, Present: true} }

func Absent() Sample { return Sample{} }

// Smoother keeps one window per signal.
type Smoother struct {
	current *Window[float64]
	voltage *Window[float64]
}

func NewSmoother(windowSize int) *Smoother {
	return &Smoother{
		current: NewWindow[float64](windowSize),
		voltage: NewWindow[float64](windowSize),
	}
}

// Push records whichever samples are present. If either is absent the present
// one is still kept and a *MissingTelemetryError is returned, current first.
func (s *Smoother) Push(current, voltage Sample) error {
	if current.Present {
		s.current.Push(current.Value)
	}
	if voltage.Present {
		s.voltage.Push(voltage.Value)
	}

	if !current.Present {
		return &MissingTelemetryError{Signal: SignalCurrent}
	}
	if !voltage.Present {
		return &MissingTelemetryError{Signal: SignalVoltage}
	}
	return nil
}

// Ready reports whether both windows are full.
func (s *Smoother) Ready() bool {
	return s.current.Full() && s.voltage.Full()
}

func (s *Smoother) MeanCurrent() (float64, bool) {
	if !s.Ready() {
		return 0, false
	}
	return s.current.Mean()
}

func (s *Smoother) MeanVoltage() (float64, bool) {
	if !s.Ready() {
		return 0, false
	}
	return s.voltage.Mean()
}

func (s *Smoother) Reset() {
	s.current.Reset()
	s.voltage.Reset()
}
