package homeassistant

import "encoding/json"

type DeviceClass int64

const (
	NoDeviceClass DeviceClass = iota
	Current
	Voltage
	Battery
	Enum
)

func (s DeviceClass) String() string {
	switch s {
	case Current:
		return "current"
	case Voltage:
		return "voltage"
	case Battery:
		return "battery"
	case Enum:
		return "enum"
	}
	return ""
}

func (s DeviceClass) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
