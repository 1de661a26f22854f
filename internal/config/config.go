package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/theY4Kman/psu-progs/internal/charging"
)

const envPrefix = "CHARGER"

type Config struct {
	Simulate bool         `mapstructure:"simulate"`
	Serial   SerialConfig `mapstructure:"serial"`
	Charge   ChargeConfig `mapstructure:"charge"`
	Log      LogConfig    `mapstructure:"log"`
	MQTT     MQTTConfig   `mapstructure:"mqtt"`
	Status   StatusConfig `mapstructure:"status"`
	Modbus   ModbusConfig `mapstructure:"modbus"`
	Kafka    KafkaConfig  `mapstructure:"kafka"`
}

type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	Baud        int           `mapstructure:"baud"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	Settle      time.Duration `mapstructure:"settle"`
}

type ChargeConfig struct {
	Capacity              float64       `mapstructure:"capacity"`
	Current               float64       `mapstructure:"current"`
	Voltage               float64       `mapstructure:"voltage"`
	CutoffRatio           float64       `mapstructure:"cutoff_ratio"`
	Channel               int           `mapstructure:"channel"`
	NumSamples            int           `mapstructure:"num_samples"`
	MaxSuccessiveFailures int           `mapstructure:"max_successive_failures"`
	Interval              time.Duration `mapstructure:"interval"`
	Watchdog              time.Duration `mapstructure:"watchdog"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	Discovery   bool   `mapstructure:"discovery"`
}

type StatusConfig struct {
	Listen string `mapstructure:"listen"`
}

type ModbusConfig struct {
	Listen    string `mapstructure:"listen"`
	RTUDevice string `mapstructure:"rtu_device"`
	RTUBaud   int    `mapstructure:"rtu_baud"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("simulate", false)

	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud", 9600)
	v.SetDefault("serial.read_timeout", 200*time.Millisecond)
	v.SetDefault("serial.settle", 50*time.Millisecond)

	v.SetDefault("charge.capacity", 0.0)
	v.SetDefault("charge.current", 0.0)
	v.SetDefault("charge.voltage", charging.DefaultChargeVoltage)
	v.SetDefault("charge.cutoff_ratio", charging.DefaultCutoffRatio)
	v.SetDefault("charge.channel", 0)
	v.SetDefault("charge.num_samples", charging.DefaultSampleWindowSize)
	v.SetDefault("charge.max_successive_failures", charging.DefaultMaxSuccessiveFailures)
	v.SetDefault("charge.interval", charging.DefaultInterval)
	v.SetDefault("charge.watchdog", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "psu-charger")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "psu-charger")
	v.SetDefault("mqtt.discovery", true)

	v.SetDefault("status.listen", "")

	v.SetDefault("modbus.listen", "")
	v.SetDefault("modbus.rtu_device", "")
	v.SetDefault("modbus.rtu_baud", 9600)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "psu-charger.events")
}

// NewFlagSet declares the command-line flags. Each one maps onto a config key
// through flagKeys.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.StringP("port", "p", "", "serial device the power supply is attached to, e.g. /dev/ttyACM0")
	fs.Float64P("capacity", "c", 0, "labeled capacity of the battery, in amp hours")
	fs.Float64("charge-current", 0, "current during the constant-current phase, in amps (default: half the capacity)")
	fs.Float64("charge-voltage", charging.DefaultChargeVoltage, "voltage during the constant-voltage phase; keep at or below 4.2 for Li-ion")
	fs.Float64("charge-cutoff-ratio", charging.DefaultCutoffRatio, "fraction of the charge current at which charging stops")
	fs.Int("channel", 0, "output channel of multi-channel supplies (0 or 1)")
	fs.Int("num-samples", charging.DefaultSampleWindowSize, "number of samples averaged before each decision")
	fs.Int("max-successive-failures", charging.DefaultMaxSuccessiveFailures, "stop after this many consecutive failed reads")
	fs.Duration("interval", charging.DefaultInterval, "pause between polls")
	fs.Bool("simulate", false, "charge a simulated cell instead of a real supply")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	fs.String("status-listen", "", "address for the HTTP/WebSocket status server, e.g. :8080")
	fs.String("modbus-listen", "", "address for the Modbus TCP register bank, e.g. :1502")
	return fs
}

var flagKeys = map[string]string{
	"port":                    "serial.port",
	"capacity":                "charge.capacity",
	"charge-current":          "charge.current",
	"charge-voltage":          "charge.voltage",
	"charge-cutoff-ratio":     "charge.cutoff_ratio",
	"channel":                 "charge.channel",
	"num-samples":             "charge.num_samples",
	"max-successive-failures": "charge.max_successive_failures",
	"interval":                "charge.interval",
	"simulate":                "simulate",
	"log-level":               "log.level",
	"mqtt-broker":             "mqtt.broker",
	"status-listen":           "status.listen",
	"modbus-listen":           "modbus.listen",
}

// Load resolves configuration from flags, CHARGER_* environment variables,
// the config file and defaults, in that order of precedence.
func Load(args []string) (*Config, error) {
	fs := NewFlagSet("charger")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return LoadFlags(fs)
}

func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for name, key := range flagKeys {
		if flag := fs.Lookup(name); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, _ := fs.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks what Parameters does not: a port is needed unless simulating.
func (c *Config) Validate() error {
	if !c.Simulate && c.Serial.Port == "" {
		return errors.New("a serial port is required (--port or serial.port)")
	}
	if c.Charge.Interval < 0 {
		return fmt.Errorf("poll interval must not be negative, got %s", c.Charge.Interval)
	}
	if c.Charge.Watchdog > 0 && c.Charge.Watchdog <= c.Charge.Interval {
		return fmt.Errorf("watchdog %s must be longer than the poll interval %s", c.Charge.Watchdog, c.Charge.Interval)
	}
	_, err := c.Parameters()
	return err
}

func (c *Config) Parameters() (charging.Parameters, error) {
	return charging.NewParameters(charging.Parameters{
		BatteryCapacityAh:     c.Charge.Capacity,
		ChargeCurrentA:        c.Charge.Current,
		ChargeVoltageV:        c.Charge.Voltage,
		CutoffRatio:           c.Charge.CutoffRatio,
		ChannelIndex:          c.Charge.Channel,
		SampleWindowSize:      c.Charge.NumSamples,
		MaxSuccessiveFailures: c.Charge.MaxSuccessiveFailures,
	})
}
