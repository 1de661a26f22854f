// Package simulator implements psu.Channel on top of a crude Li-ion cell model
// for dry runs without hardware.
package simulator

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theY4Kman/psu-progs/internal/psu"
)

type Config struct {
	CapacityAh         float64
	InitialCharge      float64 // state of charge, 0..1
	EmptyVoltage       float64 // open-circuit voltage at 0%
	FullVoltage        float64 // open-circuit voltage at 100%
	InternalResistance float64 // ohms
	TimeStep           time.Duration
	DropEvery          int // every Nth current reading is absent; 0 disables
}

func DefaultConfig(capacityAh float64) Config {
	return Config{
		CapacityAh:         capacityAh,
		InitialCharge:      0.2,
		EmptyVoltage:       3.0,
		FullVoltage:        4.2,
		InternalResistance: 0.1,
		TimeStep:           time.Minute,
	}
}

// Supply is a single-channel simulated supply with a cell attached. Each call
// to Mode advances simulated time by one TimeStep.
type Supply struct {
	config Config
	logger *logrus.Logger
	mutex  sync.Mutex

	setVoltage float64
	setCurrent float64
	enabled    bool

	soc     float64
	current float64
	voltage float64
	mode    psu.Mode
	reads   int
	elapsed time.Duration
}

func New(cfg Config, logger *logrus.Logger) *Supply {
	s := &Supply{
		config: cfg,
		logger: logger,
		soc:    cfg.InitialCharge,
	}
	s.settle()
	return s
}

func (s *Supply) SetVoltage(volts float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.setVoltage = volts
	s.settle()
	return nil
}

func (s *Supply) SetCurrent(amps float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.setCurrent = amps
	s.settle()
	return nil
}

func (s *Supply) EnableOutput() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.enabled = true
	s.settle()
	s.logger.Debug("Simulator: output on")
	return nil
}

func (s *Supply) DisableOutput() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.enabled = false
	s.settle()
	s.logger.Debug("Simulator: output off")
	return nil
}

func (s *Supply) OutputEnabled() (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.enabled, nil
}

func (s *Supply) Mode() (psu.Mode, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.advance(s.config.TimeStep)
	return s.mode, nil
}

func (s *Supply) OutputCurrent() (float64, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.reads++
	if s.config.DropEvery > 0 && s.reads%s.config.DropEvery == 0 {
		return 0, false, nil
	}
	return s.current, true, nil
}

func (s *Supply) OutputVoltage() (float64, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.voltage, true, nil
}

// StateOfCharge reports the modelled cell charge, 0..1.
func (s *Supply) StateOfCharge() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.soc
}

func (s *Supply) Elapsed() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.elapsed
}

func (s *Supply) advance(dt time.Duration) {
	s.elapsed += dt
	if s.enabled && s.config.CapacityAh > 0 {
		s.soc += s.current * dt.Hours() / s.config.CapacityAh
		if s.soc > 1 {
			s.soc = 1
		}
	}
	s.settle()
}

// settle recomputes the operating point for the present charge state.
func (s *Supply) settle() {
	ocv := s.config.EmptyVoltage + (s.config.FullVoltage-s.config.EmptyVoltage)*s.soc
	if !s.enabled {
		s.current = 0
		s.voltage = 0
		s.mode = psu.ConstantCurrent
		return
	}

	terminal := ocv + s.setCurrent*s.config.InternalResistance
	if terminal <= s.setVoltage {
		s.mode = psu.ConstantCurrent
		s.current = s.setCurrent
		s.voltage = terminal
		return
	}

	s.mode = psu.ConstantVoltage
	s.voltage = s.setVoltage
	s.current = 0
	if s.config.InternalResistance > 0 && s.setVoltage > ocv {
		s.current = (s.setVoltage - ocv) / s.config.InternalResistance
	}
}
