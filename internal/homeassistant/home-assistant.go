// Package homeassistant describes the charger to Home Assistant through MQTT
// discovery.
package homeassistant

import (
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const discoveryPrefix = "homeassistant"

// Key is the object id of an item within its node, e.g. "charge_level".
func Key(item ConfigurationItem) string {
	return strings.ReplaceAll(strings.ToLower(item.Name), " ", "_")
}

func ConfigTopic(nodeID string, item ConfigurationItem) string {
	return discoveryPrefix + "/sensor/" + nodeID + "/" + Key(item) + "/config"
}

// ChargerSensors lists the entities of one charger. Telemetry sensors read
// the per-tick JSON, state-related ones read the retained session result.
func ChargerSensors(nodeID, telemetryTopic, stateTopic string, modes, outcomes []string) []ConfigurationItem {
	device := Device{
		Identifiers:  []string{nodeID},
		Name:         "PSU charger " + nodeID,
		Manufacturer: "Korad",
		Model:        "KA3005P",
	}

	item := func(name string) ConfigurationItem {
		ci := ConfigurationItem{Device: device, Name: name}
		ci.UniqueId = nodeID + "_" + Key(ci)
		return ci
	}

	current := item("Current")
	current.DeviceClass = Current
	current.UnitOfMeasurement = A
	current.StateClass = "measurement"
	current.StateTopic = telemetryTopic
	current.ValueTemplate = "{{ value_json.mean_current }}"

	voltage := item("Voltage")
	voltage.DeviceClass = Voltage
	voltage.UnitOfMeasurement = V
	voltage.StateClass = "measurement"
	voltage.StateTopic = telemetryTopic
	voltage.ValueTemplate = "{{ value_json.mean_voltage }}"

	level := item("Charge level")
	level.DeviceClass = Battery
	level.UnitOfMeasurement = Percent
	level.StateClass = "measurement"
	level.StateTopic = telemetryTopic
	level.ValueTemplate = "{{ (value_json.charge_level * 100) | round(1) }}"

	mode := item("Mode")
	mode.DeviceClass = Enum
	mode.Options = modes
	mode.StateTopic = telemetryTopic
	mode.ValueTemplate = "{{ value_json.mode }}"

	state := item("State")
	state.DeviceClass = Enum
	state.Options = outcomes
	state.StateTopic = stateTopic
	state.ValueTemplate = "{{ value_json.state }}"

	return []ConfigurationItem{current, voltage, level, mode, state}
}

// SendConfigurationToHa publishes every item retained, stopping at the first
// failure.
func SendConfigurationToHa(client mqtt.Client, config []ConfigurationItem, nodeID string) error {
	for _, configItem := range config {
		b, err := json.Marshal(configItem)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", configItem.Name, err)
		}
		token := client.Publish(ConfigTopic(nodeID, configItem), 0, true, b)
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("publish %s config: %w", configItem.Name, token.Error())
		}
	}
	return nil
}
