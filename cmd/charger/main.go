package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/theY4Kman/psu-progs/internal/charging"
	"github.com/theY4Kman/psu-progs/internal/config"
	"github.com/theY4Kman/psu-progs/internal/kafkaio"
	"github.com/theY4Kman/psu-progs/internal/logging"
	"github.com/theY4Kman/psu-progs/internal/metrics"
	"github.com/theY4Kman/psu-progs/internal/modbus"
	"github.com/theY4Kman/psu-progs/internal/mqtt"
	"github.com/theY4Kman/psu-progs/internal/psu"
	"github.com/theY4Kman/psu-progs/internal/psu/korad"
	"github.com/theY4Kman/psu-progs/internal/psu/simulator"
	"github.com/theY4Kman/psu-progs/internal/status"
)

const (
	exitCompleted = 0
	exitAborted   = 1
	exitUsage     = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return exitCompleted
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}

	logger := logging.New(cfg.Log)

	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		return exitUsage
	}
	params, err := cfg.Parameters()
	if err != nil {
		logger.Errorf("Invalid charge parameters: %v", err)
		return exitUsage
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	channel, closeSupply, err := openChannel(cfg, params, logger)
	if err != nil {
		logger.Errorf("Failed to open power supply: %v", err)
		return exitAborted
	}
	defer closeSupply()

	controller := charging.NewController(params, channel, logger)
	controller.SetInterval(cfg.Charge.Interval)

	svc, err := startSinks(ctx, cfg, logger, cancel)
	if err != nil {
		logger.Errorf("Failed to start services: %v", err)
		return exitAborted
	}
	defer svc.close()
	svc.attach(controller)

	if cfg.Charge.Watchdog > 0 {
		svc.watchdogTimeout = cfg.Charge.Watchdog
		svc.watchdog = time.AfterFunc(cfg.Charge.Watchdog, func() {
			logger.Errorf("Watchdog fired: no telemetry for %s, stopping", cfg.Charge.Watchdog)
			cancel()
		})
		defer svc.watchdog.Stop()
	}

	logger.Info("All services started successfully")

	result, err := controller.Run(ctx)
	if err != nil {
		logger.Errorf("Charge session %s ended %s: %v", result.SessionID, result.Outcome, err)
		return exitAborted
	}

	logger.Infof("Charge session %s completed after %d ticks (%d failed)",
		result.SessionID, result.Ticks, result.FailedTicks)
	return exitCompleted
}

func openChannel(cfg *config.Config, params charging.Parameters, logger *logrus.Logger) (psu.Channel, func(), error) {
	if cfg.Simulate {
		logger.Warn("Simulation mode: no hardware is driven")
		return simulator.New(simulator.DefaultConfig(params.BatteryCapacityAh), logger), func() {}, nil
	}

	kcfg := korad.DefaultConfig(cfg.Serial.Port)
	kcfg.Baud = cfg.Serial.Baud
	kcfg.ReadTimeout = cfg.Serial.ReadTimeout
	kcfg.Settle = cfg.Serial.Settle

	supply, err := korad.Open(kcfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closeSupply := func() {
		if err := supply.Close(); err != nil {
			logger.Errorf("Failed to close serial port: %v", err)
		}
	}

	if id, err := supply.Identify(); err != nil {
		logger.Warnf("Power supply did not identify itself: %v", err)
	} else {
		logger.Infof("Connected to %s on %s", id, cfg.Serial.Port)
	}

	channel, err := supply.Channel(params.ChannelIndex)
	if err != nil {
		closeSupply()
		return nil, nil, err
	}
	return channel, closeSupply, nil
}

type sinks struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
	status  *status.Server
	modbus  *modbus.Server
	mqtt    *mqtt.Client
	kafka   *kafkaio.Publisher
	wg      sync.WaitGroup
	stop    context.CancelFunc

	watchdog        *time.Timer
	watchdogTimeout time.Duration
}

func startSinks(ctx context.Context, cfg *config.Config, logger *logrus.Logger, cancel context.CancelFunc) (*sinks, error) {
	s := &sinks{logger: logger, metrics: metrics.NewMetrics()}
	ctx, s.stop = context.WithCancel(ctx)

	if cfg.Status.Listen != "" {
		s.status = status.NewServer(cfg.Status, s.metrics, logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.status.Start(ctx); err != nil {
				logger.Errorf("Status server error: %v", err)
			}
		}()
	}

	if cfg.Modbus.Listen != "" || cfg.Modbus.RTUDevice != "" {
		s.modbus = modbus.NewServer(logger)
		if err := s.modbus.Listen(cfg.Modbus); err != nil {
			s.close()
			return nil, fmt.Errorf("modbus: %w", err)
		}
	}

	if cfg.MQTT.Broker != "" {
		client, err := mqtt.NewClient(cfg, logger)
		if err != nil {
			s.close()
			return nil, err
		}
		client.SetStopCallback(cancel)
		if err := client.Connect(ctx); err != nil {
			s.close()
			return nil, err
		}
		s.mqtt = client
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := kafkaio.NewPublisher(cfg.Kafka, logger)
		if err != nil {
			s.close()
			return nil, err
		}
		s.kafka = publisher
	}

	return s, nil
}

func (s *sinks) attach(c *charging.Controller) {
	c.SetStartCallback(func(sessionID string, params charging.Parameters) {
		if s.status != nil {
			s.status.ObserveStart(sessionID, params)
		}
		if s.modbus != nil {
			s.modbus.ObserveStart(params)
		}
		if s.mqtt != nil {
			if err := s.mqtt.PublishStart(sessionID); err != nil {
				s.logger.Warnf("MQTT: failed to publish session start: %v", err)
			}
		}
	})

	c.SetTickCallback(func(r charging.TickReport) {
		s.kick()
		s.metrics.ObserveTick(r)
		if s.status != nil {
			s.status.ObserveTick(r)
		}
		if s.modbus != nil {
			s.modbus.ObserveTick(r)
		}
		if s.mqtt != nil {
			if err := s.mqtt.PublishTick(r); err != nil {
				s.logger.Warnf("MQTT: failed to publish telemetry: %v", err)
			}
		}
		if s.kafka != nil {
			if err := s.kafka.PublishTick(context.Background(), r); err != nil {
				s.logger.Warnf("Kafka: %v", err)
			}
		}
	})

	c.SetFailureCallback(func(failures int, err error) {
		s.kick()
		s.metrics.ObserveFailure(failures)
		if s.status != nil {
			s.status.ObserveFailure(failures, err)
		}
		if s.modbus != nil {
			s.modbus.ObserveFailure(failures)
		}
	})

	c.SetFinishCallback(func(r charging.Result) {
		s.metrics.ObserveResult(r)
		if s.status != nil {
			s.status.ObserveResult(r)
		}
		if s.modbus != nil {
			s.modbus.ObserveResult(r)
		}
		if s.mqtt != nil {
			if err := s.mqtt.PublishResult(r); err != nil {
				s.logger.Warnf("MQTT: failed to publish session state: %v", err)
			}
		}
		if s.kafka != nil {
			if err := s.kafka.PublishResult(context.Background(), r); err != nil {
				s.logger.Warnf("Kafka: %v", err)
			}
		}
	})
}

func (s *sinks) kick() {
	if s.watchdog != nil {
		s.watchdog.Reset(s.watchdogTimeout)
	}
}

func (s *sinks) close() {
	s.logger.Info("Shutting down...")
	s.stop()
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Errorf("Kafka: %v", err)
		}
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.modbus != nil {
		s.modbus.Close()
	}
	if s.status != nil {
		s.status.Stop()
	}
	s.wg.Wait()
	s.logger.Info("Shutdown complete")
}
