package gpio

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/motorctl/pidmotor/components/board/fake"
	"github.com/motorctl/pidmotor/components/encoder/quadrature"
	"github.com/motorctl/pidmotor/components/motor"
	"github.com/motorctl/pidmotor/control"
	"github.com/motorctl/pidmotor/logging"
)

const tickInterval = 100 * time.Millisecond

type testLoop struct {
	*DriveLoop
	board   *fake.Board
	decoder *quadrature.Decoder
	pid     *control.PID
	clk     *clock.Mock
}

func testConfig() Config {
	return Config{
		ENA:             "24",
		IN1:             "23",
		IN2:             "22",
		PWMFreq:         60,
		MaxSpeedRPM:     350,
		InitialSpeedRPM: 100,
		InitialForward:  true,
	}
}

func newTestLoop(t *testing.T, pidConf control.PIDConfig, resetOnEnable bool) *testLoop {
	t.Helper()
	logger := logging.NewTestLogger(t)
	clk := clock.NewMock()

	b, err := fake.NewBoard(fake.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	bridge, err := NewHBridge(context.Background(), b, testConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	b.ResetJournal()

	dec, err := quadrature.NewDecoder(128, clk, logger)
	test.That(t, err, test.ShouldBeNil)
	pid, err := control.NewPID(pidConf, logger)
	test.That(t, err, test.ShouldBeNil)

	l, err := NewDriveLoop(testConfig(), DriveOptions{
		TickInterval:  tickInterval,
		ResetOnEnable: resetOnEnable,
		Clock:         clk,
	}, dec, pid, bridge, logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { l.Stop() })
	return &testLoop{DriveLoop: l, board: b, decoder: dec, pid: pid, clk: clk}
}

// proportional makes the PID output equal to setpoint minus measurement.
var proportional = control.PIDConfig{Kp: 1, IntegratorMin: -500, IntegratorMax: 500}

func set(pin string, high bool) fake.Write {
	if high {
		return fake.Write{Pin: pin, Op: fake.OpSet, Value: 1}
	}
	return fake.Write{Pin: pin, Op: fake.OpSet, Value: 0}
}

func pwm(duty float64) fake.Write {
	return fake.Write{Pin: "24", Op: fake.OpPWM, Value: duty / motor.MaxDuty}
}

func (tl *testLoop) tick(t *testing.T) error {
	t.Helper()
	tl.clk.Add(tickInterval)
	return tl.Tick(context.Background(), tl.clk.Now())
}

func TestNewDriveLoopValidation(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dec, err := quadrature.NewDecoder(128, clock.NewMock(), logger)
	test.That(t, err, test.ShouldBeNil)
	pid, err := control.NewPID(control.DefaultPIDConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	b, err := fake.NewBoard(fake.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	bridge, err := NewHBridge(context.Background(), b, testConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	conf := testConfig()
	conf.MaxSpeedRPM = 0
	_, err = NewDriveLoop(conf, DriveOptions{TickInterval: tickInterval}, dec, pid, bridge, logger)
	test.That(t, motor.IsConfigurationError(err), test.ShouldBeTrue)

	conf = testConfig()
	conf.InitialSpeedRPM = math.NaN()
	_, err = NewDriveLoop(conf, DriveOptions{TickInterval: tickInterval}, dec, pid, bridge, logger)
	test.That(t, motor.IsConfigurationError(err), test.ShouldBeTrue)

	_, err = NewDriveLoop(testConfig(), DriveOptions{}, dec, pid, bridge, logger)
	test.That(t, motor.IsConfigurationError(err), test.ShouldBeTrue)

	_, err = NewDriveLoop(testConfig(), DriveOptions{TickInterval: tickInterval}, nil, pid, bridge, logger)
	test.That(t, err, test.ShouldNotBeNil)

	// The initial speed is clamped like any other request.
	conf = testConfig()
	conf.InitialSpeedRPM = -1000
	l, err := NewDriveLoop(conf, DriveOptions{TickInterval: tickInterval}, dec, pid, bridge, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, l.State().TargetSpeed, test.ShouldEqual, -350)
}

func TestEnableAndDisable(t *testing.T) {
	tl := newTestLoop(t, control.DefaultPIDConfig(), false)
	ctx := context.Background()
	test.That(t, tl.Enabled(), test.ShouldBeFalse)

	test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
	test.That(t, tl.board.Journal(), test.ShouldResemble, []fake.Write{set("23", true), set("22", false)})
	test.That(t, tl.pid.Setpoint(), test.ShouldEqual, 100)
	test.That(t, tl.Enabled(), test.ShouldBeTrue)

	tl.board.ResetJournal()
	test.That(t, tl.SetEnabled(ctx, false), test.ShouldBeNil)
	test.That(t, tl.board.Journal(), test.ShouldResemble, []fake.Write{pwm(0), set("23", false), set("22", false)})
	test.That(t, tl.pid.Setpoint(), test.ShouldEqual, 0)
	test.That(t, tl.Enabled(), test.ShouldBeFalse)
}

func TestTickWritesDirectionThenDuty(t *testing.T) {
	tl := newTestLoop(t, proportional, false)
	ctx := context.Background()
	test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
	tl.board.ResetJournal()

	// Nothing moves, so the output is the setpoint.
	test.That(t, tl.tick(t), test.ShouldBeNil)
	test.That(t, tl.board.Journal(), test.ShouldResemble, []fake.Write{set("23", true), set("22", false), pwm(100)})
	test.That(t, tl.State().LastCommand, test.ShouldResemble, motor.Command{Forward: true, Duty: 100})

	// A negative output reverses with the magnitude as duty.
	tl.board.ResetJournal()
	test.That(t, tl.SetSpeed(-50), test.ShouldBeNil)
	test.That(t, tl.tick(t), test.ShouldBeNil)
	test.That(t, tl.board.Journal(), test.ShouldResemble, []fake.Write{set("23", false), set("22", true), pwm(50)})
	test.That(t, tl.State().Direction, test.ShouldEqual, motor.Reverse)

	// Outputs beyond the duty range saturate.
	tl.board.ResetJournal()
	test.That(t, tl.SetSpeed(300), test.ShouldBeNil)
	test.That(t, tl.tick(t), test.ShouldBeNil)
	test.That(t, tl.board.Journal(), test.ShouldResemble, []fake.Write{set("23", true), set("22", false), pwm(255)})
	test.That(t, tl.State().Ticks, test.ShouldEqual, 3)
}

func TestTickUsesMeasuredSpeed(t *testing.T) {
	tl := newTestLoop(t, proportional, false)
	test.That(t, tl.SetEnabled(context.Background(), true), test.ShouldBeNil)

	// 32 counts of 128 in 100ms is 150 RPM, above the 100 RPM target.
	for i := 0; i < 32; i++ {
		tl.decoder.IngestEdge(quadrature.ChannelB, true, tl.clk.Now())
		tl.decoder.IngestEdge(quadrature.ChannelA, true, tl.clk.Now())
		tl.decoder.IngestEdge(quadrature.ChannelB, false, tl.clk.Now())
		tl.decoder.IngestEdge(quadrature.ChannelA, false, tl.clk.Now())
	}
	test.That(t, tl.tick(t), test.ShouldBeNil)
	test.That(t, tl.PushLatest(), test.ShouldAlmostEqual, 150.0)
	test.That(t, tl.State().LastCommand, test.ShouldResemble, motor.Command{Forward: false, Duty: 50})
	test.That(t, tl.State().Position, test.ShouldEqual, 32)
}

func TestDisabledTicksDoNotTouchActuator(t *testing.T) {
	tl := newTestLoop(t, control.DefaultPIDConfig(), false)
	ctx := context.Background()
	test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
	test.That(t, tl.tick(t), test.ShouldBeNil)
	test.That(t, tl.SetEnabled(ctx, false), test.ShouldBeNil)
	test.That(t, tl.SetDirection(ctx, false), test.ShouldBeNil)
	tl.board.ResetJournal()

	// Turn backwards one count per tick.
	for i := 0; i < 20; i++ {
		tl.decoder.IngestEdge(quadrature.ChannelA, true, tl.clk.Now())
		tl.decoder.IngestEdge(quadrature.ChannelB, true, tl.clk.Now())
		tl.decoder.IngestEdge(quadrature.ChannelA, false, tl.clk.Now())
		tl.decoder.IngestEdge(quadrature.ChannelB, false, tl.clk.Now())
		test.That(t, tl.tick(t), test.ShouldBeNil)
	}
	test.That(t, tl.board.Journal(), test.ShouldBeEmpty)
	duty, err := tl.board.Pin("24").PWM(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, duty, test.ShouldEqual, 0)
	test.That(t, tl.State().Direction, test.ShouldEqual, motor.Reverse)

	// The speed is still sampled.
	test.That(t, tl.PushLatest(), test.ShouldBeLessThan, 0)
}

func TestTickFailureDisables(t *testing.T) {
	tl := newTestLoop(t, proportional, false)
	ctx := context.Background()
	test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
	tl.board.ResetJournal()

	fault := errors.New("pwm fault")
	tl.board.Pin("24").FailWith(fault)
	err := tl.tick(t)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, motor.IsHardwareIOError(err), test.ShouldBeTrue)
	test.That(t, errors.Is(err, fault), test.ShouldBeTrue)

	var hwErr *motor.HardwareIOError
	test.That(t, errors.As(err, &hwErr), test.ShouldBeTrue)
	test.That(t, hwErr.Op, test.ShouldEqual, "set duty cycle")
	test.That(t, hwErr.State.Enabled, test.ShouldBeFalse)
	test.That(t, hwErr.State.TargetSpeed, test.ShouldEqual, 100)

	// Direction went out, the duty write failed, and the kill still reached the direction pins.
	test.That(t, tl.board.Journal(), test.ShouldResemble, []fake.Write{
		set("23", true), set("22", false), set("23", false), set("22", false),
	})
	test.That(t, tl.Enabled(), test.ShouldBeFalse)
	test.That(t, tl.pid.Setpoint(), test.ShouldEqual, 0)

	// Once the pin recovers, further ticks stay silent until re-enabled.
	tl.board.Pin("24").FailWith(nil)
	tl.board.ResetJournal()
	test.That(t, tl.tick(t), test.ShouldBeNil)
	test.That(t, tl.board.Journal(), test.ShouldBeEmpty)
}

func TestDirectionFailureDisables(t *testing.T) {
	tl := newTestLoop(t, proportional, false)
	ctx := context.Background()
	test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
	tl.board.ResetJournal()

	tl.board.Pin("23").FailWith(errors.New("stuck"))
	err := tl.tick(t)
	test.That(t, motor.IsHardwareIOError(err), test.ShouldBeTrue)
	// No duty cycle was written with a direction that did not land.
	test.That(t, tl.board.Journal(), test.ShouldResemble, []fake.Write{set("22", false), pwm(0), set("22", false)})
	test.That(t, tl.Enabled(), test.ShouldBeFalse)

	// Enabling needs the direction pins too.
	err = tl.SetEnabled(ctx, true)
	test.That(t, motor.IsHardwareIOError(err), test.ShouldBeTrue)
	test.That(t, tl.Enabled(), test.ShouldBeFalse)
}

func TestSetSpeedClampsMagnitude(t *testing.T) {
	tl := newTestLoop(t, control.DefaultPIDConfig(), false)

	//nolint:gosec
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		v := (rng.Float64()*2 - 1) * 2000
		test.That(t, tl.SetSpeed(v), test.ShouldBeNil)
		target := tl.State().TargetSpeed
		test.That(t, math.Abs(target), test.ShouldBeLessThanOrEqualTo, 350)
		test.That(t, math.Signbit(target), test.ShouldEqual, math.Signbit(v))
	}

	test.That(t, tl.SetSpeed(-900), test.ShouldBeNil)
	test.That(t, tl.State().TargetSpeed, test.ShouldEqual, -350)
	test.That(t, tl.SetSpeed(42), test.ShouldBeNil)
	test.That(t, tl.State().TargetSpeed, test.ShouldEqual, 42)

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		test.That(t, motor.IsConfigurationError(tl.SetSpeed(v)), test.ShouldBeTrue)
	}
	test.That(t, tl.State().TargetSpeed, test.ShouldEqual, 42)
}

func TestSetSpeedWhileDisabledUpdatesSetpoint(t *testing.T) {
	ctx := context.Background()
	tl := newTestLoop(t, control.PIDConfig{Kp: 0, Ki: 1, Kd: 0, IntegratorMin: -500, IntegratorMax: 500}, false)
	test.That(t, tl.pid.Setpoint(), test.ShouldEqual, 0)
	test.That(t, tl.SetSpeed(200), test.ShouldBeNil)
	test.That(t, tl.pid.Setpoint(), test.ShouldEqual, 200)

	// Disabled ticks never run the PID, so the new setpoint accumulates nothing.
	test.That(t, tl.tick(t), test.ShouldBeNil)
	test.That(t, tl.pid.Integrator(), test.ShouldEqual, 0)
	test.That(t, tl.board.Journal(), test.ShouldBeEmpty)

	test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
	test.That(t, tl.pid.Setpoint(), test.ShouldEqual, 200)
	test.That(t, tl.SetSpeed(250), test.ShouldBeNil)
	test.That(t, tl.pid.Setpoint(), test.ShouldEqual, 250)

	// Disabling zeroes the setpoint, a later SetSpeed pushes it again.
	test.That(t, tl.SetEnabled(ctx, false), test.ShouldBeNil)
	test.That(t, tl.pid.Setpoint(), test.ShouldEqual, 0)
	test.That(t, tl.SetSpeed(-80), test.ShouldBeNil)
	test.That(t, tl.pid.Setpoint(), test.ShouldEqual, -80)
	test.That(t, tl.Enabled(), test.ShouldBeFalse)
}

func TestSetDirectionIgnoresEnableState(t *testing.T) {
	tl := newTestLoop(t, control.DefaultPIDConfig(), false)
	ctx := context.Background()

	test.That(t, tl.SetDirection(ctx, false), test.ShouldBeNil)
	test.That(t, tl.board.Journal(), test.ShouldResemble, []fake.Write{set("23", false), set("22", true)})
	test.That(t, tl.State().Direction, test.ShouldEqual, motor.Reverse)

	// Resume re-asserts the forced direction.
	tl.board.ResetJournal()
	test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
	test.That(t, tl.board.Journal(), test.ShouldResemble, []fake.Write{set("23", false), set("22", true)})
}

func TestGainsForwarded(t *testing.T) {
	tl := newTestLoop(t, control.DefaultPIDConfig(), false)
	test.That(t, tl.SetKp(2), test.ShouldBeNil)
	test.That(t, tl.SetKi(0.125), test.ShouldBeNil)
	test.That(t, tl.SetKd(0.75), test.ShouldBeNil)
	state := tl.State()
	test.That(t, []float64{state.Kp, state.Ki, state.Kd}, test.ShouldResemble, []float64{2, 0.125, 0.75})

	test.That(t, tl.SetKp(math.NaN()), test.ShouldNotBeNil)
	test.That(t, tl.State().Kp, test.ShouldEqual, 2)
}

func TestPIDStateAcrossDisable(t *testing.T) {
	ctx := context.Background()
	pidConf := control.PIDConfig{Kp: 0, Ki: 1, Kd: 0, IntegratorMin: -500, IntegratorMax: 500}

	t.Run("kept by default", func(t *testing.T) {
		tl := newTestLoop(t, pidConf, false)
		test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
		test.That(t, tl.tick(t), test.ShouldBeNil)
		test.That(t, tl.tick(t), test.ShouldBeNil)
		test.That(t, tl.pid.Integrator(), test.ShouldEqual, 200)

		test.That(t, tl.SetEnabled(ctx, false), test.ShouldBeNil)
		test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
		test.That(t, tl.pid.Integrator(), test.ShouldEqual, 200)
		test.That(t, tl.pid.PreviousError(), test.ShouldEqual, 100)
	})

	t.Run("reset on enable", func(t *testing.T) {
		tl := newTestLoop(t, pidConf, true)
		test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
		test.That(t, tl.tick(t), test.ShouldBeNil)
		test.That(t, tl.pid.Integrator(), test.ShouldEqual, 100)

		test.That(t, tl.SetEnabled(ctx, false), test.ShouldBeNil)
		test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
		test.That(t, tl.pid.Integrator(), test.ShouldEqual, 0)
		test.That(t, tl.pid.PreviousError(), test.ShouldEqual, 0)
	})
}

func TestStateAndSample(t *testing.T) {
	tl := newTestLoop(t, control.PIDConfig{Kp: 1, Ki: 0.25, Kd: 0.5, IntegratorMin: -500, IntegratorMax: 500}, false)
	test.That(t, tl.State().String(), test.ShouldEqual,
		"Set speed = 100 measured speed = 0 direction = forward Kp = 1 Ki = 0.25 Kd = 0.5 enabled = false")

	tl.clk.Add(time.Minute)
	sample := tl.Sample(tl.clk.Now())
	test.That(t, sample.Speed, test.ShouldEqual, 0)
	test.That(t, sample.Time.Equal(tl.clk.Now()), test.ShouldBeTrue)
}

func TestStateCarriesPIDAndDecoderCounters(t *testing.T) {
	ctx := context.Background()
	tl := newTestLoop(t, control.PIDConfig{Kp: 0, Ki: 1, Kd: 0, IntegratorMin: -150, IntegratorMax: 150}, false)
	test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)

	tl.decoder.IngestEdge(quadrature.ChannelB, true, tl.clk.Now())
	tl.decoder.IngestEdge(quadrature.ChannelA, true, tl.clk.Now())
	tl.decoder.IngestEdge(quadrature.ChannelA, false, tl.clk.Now())
	test.That(t, tl.Tick(ctx, tl.clk.Now()), test.ShouldBeNil)

	state := tl.State()
	test.That(t, state.Edges, test.ShouldEqual, 2)
	test.That(t, state.Glitches, test.ShouldEqual, 1)
	test.That(t, state.Setpoint, test.ShouldEqual, 100)
	test.That(t, state.Integrator, test.ShouldEqual, 100)
	test.That(t, []float64{state.IntegratorMin, state.IntegratorMax}, test.ShouldResemble, []float64{-150, 150})
	test.That(t, state.Running, test.ShouldBeFalse)

	test.That(t, tl.Start(ctx), test.ShouldBeNil)
	test.That(t, tl.State().Running, test.ShouldBeTrue)
	tl.Stop()
	test.That(t, tl.State().Running, test.ShouldBeFalse)
}

func TestStartReportsFailures(t *testing.T) {
	tl := newTestLoop(t, proportional, false)
	ctx := context.Background()
	test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)
	test.That(t, tl.Start(ctx), test.ShouldBeNil)

	tl.board.Pin("24").FailWith(errors.New("pwm fault"))
	tl.clk.Add(tickInterval)

	select {
	case err := <-tl.Failures():
		test.That(t, motor.IsHardwareIOError(err), test.ShouldBeTrue)
		// The state is read from inside the running step.
		var hwErr *motor.HardwareIOError
		test.That(t, errors.As(err, &hwErr), test.ShouldBeTrue)
		test.That(t, hwErr.State.Running, test.ShouldBeTrue)
	case <-time.After(5 * time.Second):
		t.Fatal("tick failure was not reported")
	}
	test.That(t, tl.Enabled(), test.ShouldBeFalse)

	tl.board.Pin("24").FailWith(nil)
	tl.board.ResetJournal()
	test.That(t, tl.Close(ctx), test.ShouldBeNil)
	test.That(t, tl.board.Journal(), test.ShouldResemble, []fake.Write{pwm(0), set("23", false), set("22", false)})
}

func TestConcurrentCommands(t *testing.T) {
	tl := newTestLoop(t, control.DefaultPIDConfig(), false)
	ctx := context.Background()
	test.That(t, tl.SetEnabled(ctx, true), test.ShouldBeNil)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = tl.Tick(ctx, tl.clk.Now().Add(time.Duration(i+1)*tickInterval))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = tl.SetSpeed(float64(i))
			_ = tl.SetKp(float64(i) / 100)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = tl.State()
			_ = tl.PushLatest()
		}
	}()
	wg.Wait()
	test.That(t, tl.State().TargetSpeed, test.ShouldEqual, 99)
	test.That(t, tl.State().Kp, test.ShouldEqual, 0.99)
}
