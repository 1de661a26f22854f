package charging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theY4Kman/psu-progs/internal/psu"
)

func TestController_CompletesBelowCutoff(t *testing.T) {
	ch := newFakeChannel(
		tickOf(psu.ConstantVoltage, 0.05, 4.2),
		tickOf(psu.ConstantVoltage, 0.05, 4.2),
		tickOf(psu.ConstantVoltage, 0.05, 4.2),
	)
	c, clock := newTestController(testParameters(3, 5), ch)

	var reports []TickReport
	c.SetTickCallback(func(r TickReport) { reports = append(reports, r) })

	result, err := c.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Completed, result.Outcome)
	assert.Nil(t, result.Reason)
	assert.Equal(t, 3, result.Ticks)
	assert.False(t, ch.enabled)
	assert.Equal(t, 1, ch.count("DisableOutput"))
	assert.Equal(t, 0, clock.waits, "no cadence wait while filling or after completion")

	require.Len(t, reports, 1)
	assert.InDelta(t, 0.05, reports[0].MeanCurrent, 1e-12)
	assert.Equal(t, psu.ConstantVoltage, reports[0].Mode)
	assert.Equal(t, result.SessionID, reports[0].SessionID)
	assert.NotEmpty(t, result.SessionID)
}

func TestController_StopConditionIsStrict(t *testing.T) {
	ch := newFakeChannel(
		tickOf(psu.ConstantVoltage, 0.1, 4.2), // exactly the cutoff keeps charging
		tickOf(psu.ConstantVoltage, 0.099, 4.2),
	)
	params := testParameters(1, 5)
	require.Equal(t, 0.1, params.CutoffCurrentA)
	c, clock := newTestController(params, ch)

	result, err := c.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Completed, result.Outcome)
	assert.Equal(t, 2, result.Ticks)
	assert.Equal(t, 1, clock.waits)
}

func TestController_StopIgnoresChargeLevel(t *testing.T) {
	// CC mode at low voltage reports a low charge level, but the current is
	// under the cutoff so the session still ends.
	ch := newFakeChannel(tickOf(psu.ConstantCurrent, 0.01, 1.0))
	c, _ := newTestController(testParameters(1, 5), ch)

	var level float64
	c.SetTickCallback(func(r TickReport) { level = r.ChargeLevel })

	result, err := c.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Completed, result.Outcome)
	assert.Less(t, level, 0.5)
}

func TestController_AbortsAfterMaxFailures(t *testing.T) {
	ch := newFakeChannel(missingCurrent(), missingCurrent(), missingCurrent())
	c, clock := newTestController(testParameters(3, 3), ch)

	var failures []int
	c.SetFailureCallback(func(n int, err error) { failures = append(failures, n) })

	result, err := c.Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxFailuresExceeded))
	assert.True(t, errors.Is(err, ErrMissingTelemetry), "the last read error is chained")
	assert.Equal(t, Aborted, result.Outcome)
	assert.Equal(t, err, result.Reason)
	assert.Equal(t, 3, result.FailedTicks)
	assert.Equal(t, []int{1, 2, 3}, failures)
	assert.False(t, ch.enabled)
	assert.Equal(t, 1, ch.count("DisableOutput"))
	assert.Equal(t, 2, clock.waits)

	var maxErr *MaxFailuresError
	require.True(t, errors.As(err, &maxErr))
	assert.Equal(t, 3, maxErr.Max)
}

func TestController_SuccessBetweenFailuresPreventsAbort(t *testing.T) {
	ch := newFakeChannel(
		missingCurrent(),
		missingCurrent(),
		tickOf(psu.ConstantCurrent, 1.0, 3.9),
		missingCurrent(),
		missingCurrent(),
		tickOf(psu.ConstantVoltage, 0.05, 4.2),
	)
	c, _ := newTestController(testParameters(1, 3), ch)

	result, err := c.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Completed, result.Outcome)
	assert.Equal(t, 4, result.FailedTicks)
}

func TestController_FillingWindowDoesNotResetFailures(t *testing.T) {
	ch := newFakeChannel(
		missingCurrent(),
		missingCurrent(),
		tickOf(psu.ConstantCurrent, 1.0, 3.9), // succeeds but window (3) is not full
		missingCurrent(),
	)
	c, clock := newTestController(testParameters(3, 3), ch)

	result, err := c.Run(context.Background())

	assert.True(t, errors.Is(err, ErrMaxFailuresExceeded))
	assert.Equal(t, Aborted, result.Outcome)
	assert.Equal(t, 4, result.Ticks)
	assert.Equal(t, 2, clock.waits, "no wait after the not-ready success nor after the abort")
}

func TestController_ReadyTickResetsFailures(t *testing.T) {
	ch := newFakeChannel(
		tickOf(psu.ConstantCurrent, 1.0, 3.9),
		missingCurrent(),
		missingCurrent(),
		tickOf(psu.ConstantCurrent, 1.0, 3.9), // window of 1 is ready: counter back to 0
		missingCurrent(),
		missingCurrent(),
		tickOf(psu.ConstantVoltage, 0.05, 4.2),
	)
	c, _ := newTestController(testParameters(1, 3), ch)

	result, err := c.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Completed, result.Outcome)
}

func TestController_ReadErrorCountsAsFailure(t *testing.T) {
	boom := errors.New("serial timeout")
	ch := newFakeChannel(poll{modeErr: boom})
	c, _ := newTestController(testParameters(3, 2), ch)

	result, err := c.Run(context.Background())

	assert.Equal(t, Aborted, result.Outcome)
	assert.True(t, errors.Is(err, ErrMaxFailuresExceeded))
	assert.True(t, errors.Is(err, ErrReadFailure))
	assert.True(t, errors.Is(err, boom))

	var readErr *ReadFailureError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, "mode", readErr.Op)
}

func TestController_ZeroMaxFailuresAbortsOnFirstFailure(t *testing.T) {
	ch := newFakeChannel(poll{mode: psu.ConstantCurrent, currentErr: errors.New("garbled")})
	c, clock := newTestController(testParameters(3, 0), ch)

	result, err := c.Run(context.Background())

	assert.True(t, errors.Is(err, ErrMaxFailuresExceeded))
	assert.Equal(t, 1, result.Ticks)
	assert.Equal(t, 0, clock.waits)
}

func TestController_DisablesOutputAlreadyOnBeforeProgramming(t *testing.T) {
	ch := newFakeChannel(tickOf(psu.ConstantVoltage, 0.01, 4.2))
	ch.enabled = true
	c, _ := newTestController(testParameters(1, 5), ch)

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"OutputEnabled",
		"DisableOutput",
		"SetVoltage(4.20)",
		"SetCurrent(1.000)",
		"EnableOutput",
		"DisableOutput",
	}, ch.calls)
}

func TestController_OutputOffStartSkipsDefensiveReset(t *testing.T) {
	ch := newFakeChannel(tickOf(psu.ConstantVoltage, 0.01, 4.2))
	c, _ := newTestController(testParameters(1, 5), ch)

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"OutputEnabled",
		"SetVoltage(4.20)",
		"SetCurrent(1.000)",
		"EnableOutput",
		"DisableOutput",
	}, ch.calls)
}

func TestController_CancellationDisablesOutput(t *testing.T) {
	ch := newFakeChannel(tickOf(psu.ConstantCurrent, 1.0, 3.8))
	c, clock := newTestController(testParameters(1, 5), ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock.cancel = cancel
	clock.cancelAt = 3

	result, err := c.Run(ctx)

	assert.True(t, errors.Is(err, ErrInterrupted))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, Aborted, result.Outcome)
	assert.Equal(t, 3, result.Ticks)
	assert.False(t, ch.enabled)
	assert.Equal(t, 1, ch.count("DisableOutput"))
}

func TestController_CancelledBeforeFirstTick(t *testing.T) {
	ch := newFakeChannel(tickOf(psu.ConstantCurrent, 1.0, 3.8))
	c, _ := newTestController(testParameters(1, 5), ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := c.Run(ctx)

	assert.True(t, errors.Is(err, ErrInterrupted))
	assert.Equal(t, 0, result.Ticks)
	assert.False(t, ch.enabled)
}

func TestController_SetupFailureStillDisablesOutput(t *testing.T) {
	ch := newFakeChannel()
	ch.setErr = errors.New("no reply")
	c, _ := newTestController(testParameters(1, 5), ch)

	result, err := c.Run(context.Background())

	assert.ErrorContains(t, err, "set voltage")
	assert.Equal(t, Aborted, result.Outcome)
	assert.Equal(t, 1, ch.count("DisableOutput"))
	assert.Equal(t, 0, result.Ticks)
}

func TestController_DisableFailureIsReported(t *testing.T) {
	ch := newFakeChannel(tickOf(psu.ConstantVoltage, 0.01, 4.2))
	ch.disableErr = errors.New("port closed")
	c, _ := newTestController(testParameters(1, 5), ch)

	result, err := c.Run(context.Background())

	assert.Equal(t, Completed, result.Outcome)
	require.Error(t, err)
	assert.ErrorContains(t, err, "disable output: port closed")
	// once in the transition, once more on the way out
	assert.Equal(t, 2, ch.count("DisableOutput"))
}

func TestController_CallbacksAndCadence(t *testing.T) {
	ch := newFakeChannel(
		tickOf(psu.ConstantCurrent, 0.98, 3.70),
		tickOf(psu.ConstantCurrent, 1.00, 3.72),
		tickOf(psu.ConstantVoltage, 0.60, 4.20),
		tickOf(psu.ConstantVoltage, 0.30, 4.20),
		tickOf(psu.ConstantVoltage, 0.05, 4.20),
		tickOf(psu.ConstantVoltage, 0.04, 4.20),
	)
	c, clock := newTestController(testParameters(2, 5), ch)
	c.SetInterval(5 * time.Second)

	var started string
	var ticks []TickReport
	var finished Result
	c.SetStartCallback(func(id string, p Parameters) { started = id })
	c.SetTickCallback(func(r TickReport) { ticks = append(ticks, r) })
	c.SetFinishCallback(func(r Result) { finished = r })

	result, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, result.SessionID, started)
	assert.Equal(t, result, finished)
	// ready from the 2nd poll on, stop on the 6th (mean 0.045)
	require.Len(t, ticks, 5)
	assert.Equal(t, 4, clock.waits)
	assert.Equal(t, 20*time.Second, result.FinishedAt.Sub(result.StartedAt))

	for _, r := range ticks {
		assert.GreaterOrEqual(t, r.ChargeLevel, 0.0)
		assert.LessOrEqual(t, r.ChargeLevel, 1.0)
	}
	assert.Less(t, ticks[0].ChargeLevel, ticks[len(ticks)-1].ChargeLevel)
	assert.Equal(t, ticks[len(ticks)-1].ChargeLevel, result.ChargeLevel)
}
