package homeassistant

import "encoding/json"

type Unit int64

const (
	NoUnit Unit = iota
	V
	A
	Percent
)

func (s Unit) String() string {
	switch s {
	case V:
		return "V"
	case A:
		return "A"
	case Percent:
		return "%"
	}
	return ""
}

func (s Unit) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
