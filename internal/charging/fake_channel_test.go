package charging

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theY4Kman/psu-progs/internal/psu"
)

// poll is what the fake supply answers for one tick.
type poll struct {
	mode       psu.Mode
	modeErr    error
	current    float64
	noCurrent  bool
	currentErr error
	voltage    float64
	noVoltage  bool
}

func tickOf(mode psu.Mode, current, voltage float64) poll {
	return poll{mode: mode, current: current, voltage: voltage}
}

func missingCurrent() poll {
	return poll{mode: psu.ConstantCurrent, noCurrent: true, voltage: 3.9}
}

// fakeChannel replays polls in order, repeating the last one, and records
// every call made on it.
type fakeChannel struct {
	polls      []poll
	next       int
	cur        poll
	enabled    bool
	calls      []string
	setErr     error
	disableErr error
}

func newFakeChannel(polls ...poll) *fakeChannel {
	return &fakeChannel{polls: polls}
}

func (f *fakeChannel) SetVoltage(volts float64) error {
	f.calls = append(f.calls, fmt.Sprintf("SetVoltage(%.2f)", volts))
	return f.setErr
}

func (f *fakeChannel) SetCurrent(amps float64) error {
	f.calls = append(f.calls, fmt.Sprintf("SetCurrent(%.3f)", amps))
	return nil
}

func (f *fakeChannel) EnableOutput() error {
	f.calls = append(f.calls, "EnableOutput")
	f.enabled = true
	return nil
}

func (f *fakeChannel) DisableOutput() error {
	f.calls = append(f.calls, "DisableOutput")
	if f.disableErr != nil {
		return f.disableErr
	}
	f.enabled = false
	return nil
}

func (f *fakeChannel) OutputEnabled() (bool, error) {
	f.calls = append(f.calls, "OutputEnabled")
	return f.enabled, nil
}

func (f *fakeChannel) Mode() (psu.Mode, error) {
	if f.next < len(f.polls) {
		f.cur = f.polls[f.next]
		f.next++
	}
	return f.cur.mode, f.cur.modeErr
}

func (f *fakeChannel) OutputCurrent() (float64, bool, error) {
	if f.cur.currentErr != nil {
		return 0, false, f.cur.currentErr
	}
	return f.cur.current, !f.cur.noCurrent, nil
}

func (f *fakeChannel) OutputVoltage() (float64, bool, error) {
	return f.cur.voltage, !f.cur.noVoltage, nil
}

func (f *fakeChannel) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// fakeClock counts cadence waits and can cancel the run on a given wait.
type fakeClock struct {
	t        time.Time
	waits    int
	cancelAt int
	cancel   context.CancelFunc
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) wait(ctx context.Context, d time.Duration) error {
	c.waits++
	c.t = c.t.Add(d)
	if c.cancel != nil && c.waits == c.cancelAt {
		c.cancel()
		return ctx.Err()
	}
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func testParameters(window, maxFailures int) Parameters {
	p := DefaultParameters(2.0)
	p.SampleWindowSize = window
	p.MaxSuccessiveFailures = maxFailures
	params, err := NewParameters(p)
	if err != nil {
		panic(err)
	}
	return params
}

func newTestController(params Parameters, ch psu.Channel) (*Controller, *fakeClock) {
	clock := newFakeClock()
	c := NewController(params, ch, testLogger())
	c.SetClock(clock.now, clock.wait)
	return c, clock
}
