// Package korad drives Korad KA3005P/KD3005P-family supplies (and their Tenma/Velleman
// rebrands) over their USB serial port.
package korad

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/theY4Kman/psu-progs/internal/psu"
)

const (
	statusOutputBit = 6
	replySize       = 32
)

type Config struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	Settle      time.Duration // pause after each command; the firmware drops bytes without it
}

func DefaultConfig(port string) Config {
	return Config{
		Port:        port,
		Baud:        9600,
		ReadTimeout: 200 * time.Millisecond,
		Settle:      50 * time.Millisecond,
	}
}

// Supply owns the serial connection. Commands are serialised by a mutex so
// command/reply pairs never interleave.
type Supply struct {
	port   io.ReadWriteCloser
	config Config
	logger *logrus.Logger
	mutex  sync.Mutex
	sleep  func(time.Duration)
}

func Open(cfg Config, logger *logrus.Logger) (*Supply, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	logger.Infof("Korad: opened %s at %d baud", cfg.Port, cfg.Baud)
	return New(p, cfg, logger), nil
}

// New wraps an already open port. A read on port must return 0 bytes once the
// reply is exhausted (a read timeout), as tarm/serial does.
func New(port io.ReadWriteCloser, cfg Config, logger *logrus.Logger) *Supply {
	return &Supply{
		port:   port,
		config: cfg,
		logger: logger,
		sleep:  time.Sleep,
	}
}

func (s *Supply) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.logger.Infof("Korad: closing %s", s.config.Port)
	return s.port.Close()
}

// Channel returns the channel at the zero-based index.
func (s *Supply) Channel(index int) (*Channel, error) {
	if err := psu.ValidateChannelIndex(index); err != nil {
		return nil, err
	}
	return &Channel{supply: s, index: index}, nil
}

func (s *Supply) Identify() (string, error) {
	reply, err := s.query("*IDN?", replySize)
	if err != nil {
		return "", err
	}
	return cleanReply(reply), nil
}

// Status reads the raw status byte.
func (s *Supply) Status() (byte, error) {
	reply, err := s.query("STATUS?", 1)
	if err != nil {
		return 0, err
	}
	if len(reply) == 0 {
		return 0, fmt.Errorf("STATUS?: empty reply")
	}
	return reply[0], nil
}

func (s *Supply) OutputEnabled() (bool, error) {
	status, err := s.Status()
	if err != nil {
		return false, err
	}
	return status&(1<<statusOutputBit) != 0, nil
}

func (s *Supply) SetOutput(on bool) error {
	cmd := "OUT0"
	if on {
		cmd = "OUT1"
	}
	return s.send(cmd)
}

func (s *Supply) send(cmd string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.write(cmd)
}

func (s *Supply) query(cmd string, size int) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.write(cmd); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	n := 0
	for n < size {
		m, err := s.port.Read(buf[n:])
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("%s: read: %w", cmd, err)
		}
		if m == 0 {
			break
		}
		n += m
	}
	s.logger.Debugf("Korad: %s -> %q", cmd, buf[:n])
	return buf[:n], nil
}

func (s *Supply) write(cmd string) error {
	s.logger.Debugf("Korad: send %s", cmd)
	if _, err := s.port.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("%s: write: %w", cmd, err)
	}
	if s.config.Settle > 0 {
		s.sleep(s.config.Settle)
	}
	return nil
}

// Channel implements psu.Channel for one output.
type Channel struct {
	supply *Supply
	index  int
}

func (c *Channel) number() int {
	return c.index + 1
}

func (c *Channel) SetVoltage(volts float64) error {
	return c.supply.send(fmt.Sprintf("VSET%d:%05.2f", c.number(), volts))
}

func (c *Channel) SetCurrent(amps float64) error {
	return c.supply.send(fmt.Sprintf("ISET%d:%05.3f", c.number(), amps))
}

// EnableOutput switches the supply's single output relay, which covers every channel.
func (c *Channel) EnableOutput() error {
	return c.supply.SetOutput(true)
}

func (c *Channel) DisableOutput() error {
	return c.supply.SetOutput(false)
}

func (c *Channel) OutputEnabled() (bool, error) {
	return c.supply.OutputEnabled()
}

func (c *Channel) OutputCurrent() (float64, bool, error) {
	return c.readFloat(fmt.Sprintf("IOUT%d?", c.number()))
}

func (c *Channel) OutputVoltage() (float64, bool, error) {
	return c.readFloat(fmt.Sprintf("VOUT%d?", c.number()))
}

// Mode decodes the channel's bit of the status byte: 0 is CC, 1 is CV.
func (c *Channel) Mode() (psu.Mode, error) {
	status, err := c.supply.Status()
	if err != nil {
		return psu.ConstantCurrent, err
	}
	if status&(1<<uint(c.index)) != 0 {
		return psu.ConstantVoltage, nil
	}
	return psu.ConstantCurrent, nil
}

func (c *Channel) readFloat(cmd string) (float64, bool, error) {
	reply, err := c.supply.query(cmd, replySize)
	if err != nil {
		return 0, false, err
	}
	text := cleanReply(reply)
	if text == "" {
		return 0, false, nil
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		c.supply.logger.Debugf("Korad: unparsable reply to %s: %q", cmd, text)
		return 0, false, nil
	}
	return value, true, nil
}

func cleanReply(reply []byte) string {
	return strings.TrimSpace(strings.Trim(string(reply), "\x00"))
}
