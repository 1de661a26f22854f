package charging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/theY4Kman/psu-progs/internal/psu"
	"github.com/theY4Kman/psu-progs/internal/smoothing"
)

const DefaultInterval = 1 * time.Second

type State int

const (
	Initializing State = iota
	Sampling
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Sampling:
		return "sampling"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{Initializing, Sampling, Completed, Aborted} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

type session struct {
	id          string
	smoother    *smoothing.Smoother
	state       State
	failures    int
	ticks       int
	failedTicks int
	chargeLevel float64
	reason      error
	outputOff   bool
	startedAt   time.Time
}

func (s *session) result(now time.Time) Result {
	return Result{
		SessionID:   s.id,
		Outcome:     s.state,
		Reason:      s.reason,
		Ticks:       s.ticks,
		FailedTicks: s.failedTicks,
		ChargeLevel: s.chargeLevel,
		StartedAt:   s.startedAt,
		FinishedAt:  now,
	}
}

// Controller runs charge sessions on one supply channel.
type Controller struct {
	params   Parameters
	channel  psu.Channel
	logger   *logrus.Logger
	interval time.Duration

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error

	onStart   func(sessionID string, params Parameters)
	onTick    func(report TickReport)
	onFailure func(failures int, err error)
	onFinish  func(result Result)
}

func NewController(params Parameters, channel psu.Channel, logger *logrus.Logger) *Controller {
	return &Controller{
		params:   params,
		channel:  channel,
		logger:   logger,
		interval: DefaultInterval,
		now:      time.Now,
		wait:     sleepContext,
	}
}

func (c *Controller) SetInterval(interval time.Duration) {
	c.interval = interval
}

// SetClock replaces the time source and the cadence wait.
func (c *Controller) SetClock(now func() time.Time, wait func(ctx context.Context, d time.Duration) error) {
	c.now = now
	c.wait = wait
}

func (c *Controller) SetStartCallback(callback func(string, Parameters)) {
	c.onStart = callback
}

func (c *Controller) SetTickCallback(callback func(TickReport)) {
	c.onTick = callback
}

func (c *Controller) SetFailureCallback(callback func(int, error)) {
	c.onFailure = callback
}

func (c *Controller) SetFinishCallback(callback func(Result)) {
	c.onFinish = callback
}

// Run charges until the cutoff is reached, failures pile up or ctx is
// cancelled. The output is disabled before Run returns on every path. A
// Completed session returns a nil error.
func (c *Controller) Run(ctx context.Context) (result Result, err error) {
	s := &session{
		id:        uuid.NewString(),
		smoother:  smoothing.NewSmoother(c.params.SampleWindowSize),
		state:     Initializing,
		startedAt: c.now(),
	}

	defer func() {
		if offErr := c.forceOff(s); offErr != nil {
			err = errors.Join(err, offErr)
		}
	}()

	c.logger.Info(formatBanner(c.params))
	if c.onStart != nil {
		c.onStart(s.id, c.params)
	}

	err = c.run(ctx, s)

	result = s.result(c.now())
	if c.onFinish != nil {
		c.onFinish(result)
	}
	return result, err
}

func (c *Controller) run(ctx context.Context, s *session) error {
	if err := c.initialize(s); err != nil {
		c.abort(s, err)
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return c.interrupt(s, err)
		}

		done, wait := c.tick(s)
		if done {
			return s.reason
		}
		if !wait {
			continue
		}
		if err := c.wait(ctx, c.interval); err != nil {
			return c.interrupt(s, err)
		}
	}
}

func (c *Controller) initialize(s *session) error {
	on, err := c.channel.OutputEnabled()
	if err != nil {
		return &ReadFailureError{Op: "output state", Err: err}
	}
	if on {
		c.logger.Warn("Output already enabled, switching it off before programming set-points")
		if err := c.channel.DisableOutput(); err != nil {
			return fmt.Errorf("disable output: %w", err)
		}
	}

	if err := c.channel.SetVoltage(c.params.ChargeVoltageV); err != nil {
		return fmt.Errorf("set voltage %.2fV: %w", c.params.ChargeVoltageV, err)
	}
	if err := c.channel.SetCurrent(c.params.ChargeCurrentA); err != nil {
		return fmt.Errorf("set current %.3fA: %w", c.params.ChargeCurrentA, err)
	}
	if err := c.channel.EnableOutput(); err != nil {
		return fmt.Errorf("enable output: %w", err)
	}

	s.state = Sampling
	c.logger.Debugf("Session %s sampling (%.2fV, %.3fA, window %d)",
		s.id, c.params.ChargeVoltageV, c.params.ChargeCurrentA, c.params.SampleWindowSize)
	return nil
}

// tick polls once. done reports a terminal state; wait reports whether the
// cadence pause applies before the next tick.
func (c *Controller) tick(s *session) (done, wait bool) {
	s.ticks++

	mode, current, voltage, err := c.poll()
	if err == nil {
		err = s.smoother.Push(current, voltage)
	}
	if err != nil {
		return c.fail(s, err), true
	}

	// Fill the windows back to back; the failure counter is left alone.
	if !s.smoother.Ready() {
		return false, false
	}

	s.failures = 0
	meanCurrent, _ := s.smoother.MeanCurrent()
	meanVoltage, _ := s.smoother.MeanVoltage()
	s.chargeLevel = c.params.ChargeLevel(mode, meanCurrent, meanVoltage)

	report := TickReport{
		SessionID:     s.id,
		Tick:          s.ticks,
		Time:          c.now(),
		Mode:          mode,
		MeanCurrent:   meanCurrent,
		MeanVoltage:   meanVoltage,
		Current:       current.Value,
		Voltage:       voltage.Value,
		CutoffCurrent: c.params.CutoffCurrentA,
		ChargeLevel:   s.chargeLevel,
	}
	c.logger.Info(FormatProgress(report))
	if c.onTick != nil {
		c.onTick(report)
	}

	if meanCurrent < c.params.CutoffCurrentA {
		c.logger.Info("Reached cutoff. Ending output")
		c.complete(s)
		return true, false
	}
	return false, true
}

func (c *Controller) poll() (psu.Mode, smoothing.Sample, smoothing.Sample, error) {
	var current, voltage smoothing.Sample

	mode, err := c.channel.Mode()
	if err != nil {
		return mode, current, voltage, &ReadFailureError{Op: "mode", Err: err}
	}

	amps, ok, err := c.channel.OutputCurrent()
	if err != nil {
		return mode, current, voltage, &ReadFailureError{Op: "output current", Err: err}
	}
	if ok {
		current = smoothing.Present(amps)
	}

	volts, ok, err := c.channel.OutputVoltage()
	if err != nil {
		return mode, current, voltage, &ReadFailureError{Op: "output voltage", Err: err}
	}
	if ok {
		voltage = smoothing.Present(volts)
	}

	return mode, current, voltage, nil
}

// fail counts a failed tick and reports whether the session was aborted.
func (c *Controller) fail(s *session, err error) bool {
	s.failures++
	s.failedTicks++
	c.logger.Warnf("Tick %d failed (%d/%d successive): %v",
		s.ticks, s.failures, c.params.MaxSuccessiveFailures, err)
	if c.onFailure != nil {
		c.onFailure(s.failures, err)
	}

	if s.failures >= c.params.MaxSuccessiveFailures {
		c.abort(s, &MaxFailuresError{Max: c.params.MaxSuccessiveFailures, Err: err})
		return true
	}
	return false
}

func (c *Controller) complete(s *session) {
	s.state = Completed
	if err := c.forceOff(s); err != nil {
		c.logger.Errorf("Failed to disable output on completion: %v", err)
	}
}

func (c *Controller) abort(s *session, reason error) {
	s.state = Aborted
	s.reason = reason
	c.logger.Errorf("Charge session %s aborted: %v", s.id, reason)
	if err := c.forceOff(s); err != nil {
		c.logger.Errorf("Failed to disable output on abort: %v", err)
	}
}

func (c *Controller) interrupt(s *session, cause error) error {
	reason := fmt.Errorf("%w: %w", ErrInterrupted, cause)
	c.abort(s, reason)
	return reason
}

// forceOff disables the output unless this session already did.
func (c *Controller) forceOff(s *session) error {
	if s.outputOff {
		return nil
	}
	if err := c.channel.DisableOutput(); err != nil {
		return fmt.Errorf("disable output: %w", err)
	}
	s.outputOff = true
	c.logger.Info("Output disabled")
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
