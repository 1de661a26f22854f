// Package modbus exposes the charger state as a read-only Modbus register
// bank for PLCs and energy meters.
package modbus

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/sirupsen/logrus"
	"github.com/tbrandon/mbserver"

	"github.com/theY4Kman/psu-progs/internal/charging"
	"github.com/theY4Kman/psu-progs/internal/config"
)

const (
	RegisterState = iota
	RegisterMode
	RegisterCurrentMilliamps
	RegisterVoltageMillivolts
	RegisterChargeLevelPermille
	RegisterCutoffMilliamps
	RegisterFailures
	RegisterTicks

	RegisterCount
)

const maxReadCount = 125

type Server struct {
	server *mbserver.Server
	logger *logrus.Logger

	mutex     sync.RWMutex
	registers [RegisterCount]uint16
}

func NewServer(logger *logrus.Logger) *Server {
	s := &Server{
		server: mbserver.NewServer(),
		logger: logger,
	}
	s.registers[RegisterState] = uint16(charging.Initializing)

	s.server.RegisterFunctionHandler(3, s.readRegisters)
	s.server.RegisterFunctionHandler(4, s.readRegisters)
	return s
}

// Listen starts TCP and/or RTU listeners for whatever the config names.
func (s *Server) Listen(cfg config.ModbusConfig) error {
	if cfg.Listen != "" {
		if err := s.server.ListenTCP(cfg.Listen); err != nil {
			return err
		}
		s.logger.Infof("Modbus TCP listening on %s", cfg.Listen)
	}
	if cfg.RTUDevice != "" {
		err := s.server.ListenRTU(&serial.Config{
			Address:  cfg.RTUDevice,
			BaudRate: cfg.RTUBaud,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  10 * time.Second,
		})
		if err != nil {
			return err
		}
		s.logger.Infof("Modbus RTU listening on %s", cfg.RTUDevice)
	}
	return nil
}

func (s *Server) Close() {
	s.server.Close()
}

func (s *Server) ObserveStart(params charging.Parameters) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.registers = [RegisterCount]uint16{}
	s.registers[RegisterState] = uint16(charging.Sampling)
	s.registers[RegisterCutoffMilliamps] = scale(params.CutoffCurrentA, 1000)
}

func (s *Server) ObserveTick(r charging.TickReport) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.registers[RegisterMode] = uint16(r.Mode)
	s.registers[RegisterCurrentMilliamps] = scale(r.MeanCurrent, 1000)
	s.registers[RegisterVoltageMillivolts] = scale(r.MeanVoltage, 1000)
	s.registers[RegisterChargeLevelPermille] = scale(r.ChargeLevel, 1000)
	s.registers[RegisterCutoffMilliamps] = scale(r.CutoffCurrent, 1000)
	s.registers[RegisterFailures] = 0
	s.registers[RegisterTicks] = saturate(r.Tick)
}

func (s *Server) ObserveFailure(failures int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.registers[RegisterFailures] = saturate(failures)
}

func (s *Server) ObserveResult(r charging.Result) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.registers[RegisterState] = uint16(r.Outcome)
	s.registers[RegisterChargeLevelPermille] = scale(r.ChargeLevel, 1000)
	s.registers[RegisterTicks] = saturate(r.Ticks)
}

func (s *Server) Register(address int) uint16 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.registers[address]
}

func (s *Server) readRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	frameData := frame.GetData()
	if len(frameData) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	register := int(binary.BigEndian.Uint16(frameData[0:2]))
	numRegs := int(binary.BigEndian.Uint16(frameData[2:4]))

	if numRegs < 1 || numRegs > maxReadCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if register+numRegs > RegisterCount {
		s.logger.Debugf("Modbus read of %d registers at %d is out of range", numRegs, register)
		return []byte{}, &mbserver.IllegalDataAddress
	}

	dataSize := numRegs * 2
	data := make([]byte, 1+dataSize)
	data[0] = byte(dataSize)

	s.mutex.RLock()
	for i := 0; i < numRegs; i++ {
		binary.BigEndian.PutUint16(data[1+2*i:], s.registers[register+i])
	}
	s.mutex.RUnlock()

	return data, &mbserver.Success
}

func saturate(n int) uint16 {
	switch {
	case n <= 0:
		return 0
	case n >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(n)
}

// scale converts to fixed point, saturating at the register range.
func scale(v, factor float64) uint16 {
	x := math.Round(v * factor)
	switch {
	case math.IsNaN(x) || x <= 0:
		return 0
	case x >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(x)
}
