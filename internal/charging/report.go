package charging

import (
	"fmt"
	"strconv"
	"time"

	"github.com/theY4Kman/psu-progs/internal/psu"
)

const timestampLayout = "2006-01-02 15:04:05.000000"

// TickReport is emitted for every tick on which the smoother was ready.
type TickReport struct {
	SessionID     string    `json:"session_id"`
	Tick          int       `json:"tick"`
	Time          time.Time `json:"time"`
	Mode          psu.Mode  `json:"mode"`
	MeanCurrent   float64   `json:"mean_current"`
	MeanVoltage   float64   `json:"mean_voltage"`
	Current       float64   `json:"current"`
	Voltage       float64   `json:"voltage"`
	CutoffCurrent float64   `json:"cutoff_current"`
	ChargeLevel   float64   `json:"charge_level"`
}

// Result describes how a session ended.
type Result struct {
	SessionID   string    `json:"session_id"`
	Outcome     State     `json:"outcome"`
	Reason      error     `json:"-"`
	Ticks       int       `json:"ticks"`
	FailedTicks int       `json:"failed_ticks"`
	ChargeLevel float64   `json:"charge_level"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// ReasonText is the abort reason as a string, empty on completion.
func (r Result) ReasonText() string {
	if r.Reason == nil {
		return ""
	}
	return r.Reason.Error()
}

// FormatProgress renders the operator line for one tick.
func FormatProgress(r TickReport) string {
	return fmt.Sprintf("%s Current: %01.3f  (Inst: %01.3f)  Cutoff: %1.3f  Charge level: %.1f%%",
		r.Time.Format(timestampLayout), r.MeanCurrent, r.Current, r.CutoffCurrent, r.ChargeLevel*100)
}

func formatBanner(p Parameters) string {
	return fmt.Sprintf("Charging %s Ah battery until output current reaches %.3f amps",
		strconv.FormatFloat(p.BatteryCapacityAh, 'f', -1, 64), p.CutoffCurrentA)
}
