package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/theY4Kman/psu-progs/internal/charging"
	"github.com/theY4Kman/psu-progs/internal/config"
	"github.com/theY4Kman/psu-progs/internal/homeassistant"
	"github.com/theY4Kman/psu-progs/internal/psu"
)

const publishTimeout = 2 * time.Second

var ErrNoBroker = errors.New("no MQTT broker configured")

type Client struct {
	client mqtt.Client
	config config.MQTTConfig
	logger *logrus.Logger
	nodeID string

	mutex  sync.Mutex
	onStop func()
}

// TelemetryMessage is published on every ready tick.
type TelemetryMessage struct {
	SessionID   string    `json:"session_id"`
	Mode        psu.Mode  `json:"mode"`
	MeanCurrent float64   `json:"mean_current"`
	MeanVoltage float64   `json:"mean_voltage"`
	Current     float64   `json:"current"`
	Cutoff      float64   `json:"cutoff_current"`
	ChargeLevel float64   `json:"charge_level"`
	Timestamp   time.Time `json:"timestamp"`
}

// StateMessage is the retained session state.
type StateMessage struct {
	SessionID   string    `json:"session_id"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Ticks       int       `json:"ticks"`
	FailedTicks int       `json:"failed_ticks"`
	ChargeLevel float64   `json:"charge_level"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewClient(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	if cfg.MQTT.Broker == "" {
		return nil, ErrNoBroker
	}

	c := &Client{
		config: cfg.MQTT,
		logger: logger,
		nodeID: nodeID(cfg.MQTT.ClientID),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(cfg.MQTT.ClientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWill(c.StateTopic(), `{"state":"offline"}`, 1, true)

	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.client = mqtt.NewClient(opts)

	return c, nil
}

func newClientWith(client mqtt.Client, cfg config.MQTTConfig, logger *logrus.Logger) *Client {
	return &Client{
		client: client,
		config: cfg,
		logger: logger,
		nodeID: nodeID(cfg.ClientID),
	}
}

// Connect waits for the first connection until ctx is done. Connect retries
// in the background until then, so an unreachable broker never completes the
// token on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("Connecting to MQTT broker...")

	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
	case <-ctx.Done():
		c.client.Disconnect(0)
		return fmt.Errorf("gave up connecting to MQTT broker: %w", ctx.Err())
	}

	c.logger.Info("Connected to MQTT broker")
	return nil
}

func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker...")
	c.client.Disconnect(250)
}

// SetStopCallback is invoked when "stop" arrives on the command topic.
func (c *Client) SetStopCallback(callback func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onStop = callback
}

func (c *Client) TelemetryTopic() string { return c.config.TopicPrefix + "/telemetry" }
func (c *Client) StateTopic() string     { return c.config.TopicPrefix + "/state" }
func (c *Client) CommandTopic() string   { return c.config.TopicPrefix + "/command" }

func (c *Client) PublishStart(sessionID string) error {
	return c.publishJSON(c.StateTopic(), true, StateMessage{
		SessionID: sessionID,
		State:     charging.Sampling.String(),
		Timestamp: time.Now(),
	})
}

func (c *Client) PublishTick(r charging.TickReport) error {
	return c.publishJSON(c.TelemetryTopic(), false, NewTelemetryMessage(r))
}

func (c *Client) PublishResult(r charging.Result) error {
	return c.publishJSON(c.StateTopic(), true, NewStateMessage(r))
}

func NewTelemetryMessage(r charging.TickReport) TelemetryMessage {
	return TelemetryMessage{
		SessionID:   r.SessionID,
		Mode:        r.Mode,
		MeanCurrent: r.MeanCurrent,
		MeanVoltage: r.MeanVoltage,
		Current:     r.Current,
		Cutoff:      r.CutoffCurrent,
		ChargeLevel: r.ChargeLevel,
		Timestamp:   r.Time,
	}
}

func NewStateMessage(r charging.Result) StateMessage {
	return StateMessage{
		SessionID:   r.SessionID,
		State:       r.Outcome.String(),
		Reason:      r.ReasonText(),
		Ticks:       r.Ticks,
		FailedTicks: r.FailedTicks,
		ChargeLevel: r.ChargeLevel,
		Timestamp:   r.FinishedAt,
	}
}

func (c *Client) publishJSON(topic string, retained bool, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := c.client.Publish(topic, 0, retained, b)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connected, subscribing to topics...")

	if c.config.Discovery {
		sensors := homeassistant.ChargerSensors(c.nodeID, c.TelemetryTopic(), c.StateTopic(),
			[]string{psu.ConstantCurrent.String(), psu.ConstantVoltage.String()},
			[]string{charging.Sampling.String(), charging.Completed.String(), charging.Aborted.String(), "offline"})
		if err := homeassistant.SendConfigurationToHa(client, sensors, c.nodeID); err != nil {
			c.logger.Errorf("Failed to publish Home Assistant discovery: %v", err)
		} else {
			c.logger.Infof("Published %d Home Assistant sensors for %s", len(sensors), c.nodeID)
		}
	}

	if token := client.Subscribe(c.CommandTopic(), 1, c.handleCommandMessage); token.Wait() && token.Error() != nil {
		c.logger.Errorf("Failed to subscribe to command topic: %v", token.Error())
	} else {
		c.logger.Infof("Subscribed to command topic: %s", c.CommandTopic())
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Errorf("MQTT connection lost: %v", err)
}

func (c *Client) handleCommandMessage(client mqtt.Client, msg mqtt.Message) {
	payload := strings.ToLower(strings.TrimSpace(string(msg.Payload())))
	c.logger.Debugf("Received command message: %s", payload)

	switch payload {
	case "stop":
		c.mutex.Lock()
		onStop := c.onStop
		c.mutex.Unlock()

		c.logger.Warn("Stop requested over MQTT")
		if onStop != nil {
			onStop()
		}
	default:
		c.logger.Warnf("Ignoring unknown command %q", payload)
	}
}

func nodeID(clientID string) string {
	id := strings.ToLower(clientID)
	id = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, id)
	if id == "" {
		return "psu_charger"
	}
	return id
}
