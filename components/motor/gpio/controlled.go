package gpio

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/motorctl/pidmotor/components/encoder/quadrature"
	"github.com/motorctl/pidmotor/components/motor"
	"github.com/motorctl/pidmotor/control"
	"github.com/motorctl/pidmotor/logging"
)

// DriveOptions holds the loop settings that are not part of the motor wiring.
type DriveOptions struct {
	TickInterval time.Duration
	// ResetOnEnable clears the integrator and error history every time the loop is enabled.
	ResetOnEnable bool
	Clock         clock.Clock
}

// DriveLoop closes the speed loop: every tick it samples the decoder, runs the PID and writes the
// resulting direction and duty cycle to the actuator. It starts Disabled.
//
// Lock order is actMu, then mu, then the PID's own lock. actMu is held across every actuator
// write so a tick's two writes never interleave with another writer; mu is only held for copies.
type DriveLoop struct {
	decoder       *quadrature.Decoder
	pid           *control.PID
	act           motor.Actuator
	maxSpeed      float64
	resetOnEnable bool
	clk           clock.Clock
	loop          *control.Loop
	logger        logging.Logger
	ticks         atomic.Uint64

	actMu sync.Mutex

	mu          sync.RWMutex
	enabled     bool
	targetSpeed float64
	forward     bool
	measured    float64
	lastCommand motor.Command
}

// NewDriveLoop wires a decoder, a PID and an actuator together. Nothing is written to the actuator
// until the first command.
func NewDriveLoop(
	conf Config,
	opts DriveOptions,
	decoder *quadrature.Decoder,
	pid *control.PID,
	act motor.Actuator,
	logger logging.Logger,
) (*DriveLoop, error) {
	if err := conf.Validate("motor"); err != nil {
		return nil, err
	}
	if decoder == nil || pid == nil || act == nil {
		return nil, errors.New("drive loop needs a decoder, a pid and an actuator")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	l := &DriveLoop{
		decoder:       decoder,
		pid:           pid,
		act:           act,
		maxSpeed:      conf.MaxSpeedRPM,
		resetOnEnable: opts.ResetOnEnable,
		clk:           opts.Clock,
		logger:        logger,
		forward:       conf.InitialForward,
	}
	l.targetSpeed = l.clampSpeed(conf.InitialSpeedRPM)
	loop, err := control.NewLoop(opts.TickInterval, opts.Clock, l.Tick, logger.Sublogger("loop"))
	if err != nil {
		return nil, err
	}
	l.loop = loop
	return l, nil
}

func (l *DriveLoop) clampSpeed(v float64) float64 {
	return lo.Clamp(v, -l.maxSpeed, l.maxSpeed)
}

// SetEnabled switches between Enabled and Disabled. Enabling re-asserts the stored direction and
// restores the setpoint to the target speed. Disabling zeroes the duty cycle, puts the bridge in
// neutral and zeroes the setpoint; the integrator is kept unless ResetOnEnable is set.
func (l *DriveLoop) SetEnabled(ctx context.Context, enabled bool) error {
	l.actMu.Lock()
	defer l.actMu.Unlock()
	if enabled {
		return l.resume(ctx)
	}
	l.logger.CInfow(ctx, "disabling")
	if err := l.kill(ctx); err != nil {
		return l.hardwareError("kill", err)
	}
	return nil
}

// resume must be called with actMu held.
func (l *DriveLoop) resume(ctx context.Context) error {
	l.mu.RLock()
	forward := l.forward
	l.mu.RUnlock()

	if err := l.act.SetDirection(ctx, forward); err != nil {
		return l.fail(ctx, "set direction", err)
	}
	if l.resetOnEnable {
		l.pid.Reset()
	}

	l.mu.Lock()
	l.enabled = true
	l.pid.SetSetpoint(l.targetSpeed)
	target := l.targetSpeed
	l.mu.Unlock()

	l.logger.CInfow(ctx, "enabled", "target_speed", target, "direction", motor.DirectionFromBool(forward))
	return nil
}

// kill must be called with actMu held. Both outputs are attempted even if the first write fails.
func (l *DriveLoop) kill(ctx context.Context) error {
	err := multierr.Combine(
		l.act.SetDutyCycle(ctx, 0),
		l.act.Neutral(ctx),
	)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
	l.pid.SetSetpoint(0)
	if err == nil {
		l.lastCommand.Duty = 0
	}
	return err
}

// fail handles an actuator write error: the loop is killed and the error is returned with the state
// it left behind. Must be called with actMu held.
func (l *DriveLoop) fail(ctx context.Context, op string, err error) error {
	if killErr := l.kill(ctx); killErr != nil {
		err = multierr.Combine(err, errors.Wrap(killErr, "kill"))
	}
	hwErr := l.hardwareError(op, err)
	l.logger.CErrorw(ctx, "actuator write failed, loop disabled", "op", op, "error", err)
	return hwErr
}

func (l *DriveLoop) hardwareError(op string, err error) error {
	return &motor.HardwareIOError{Op: op, State: l.State(), Err: err}
}

// Tick runs one control period. The speed is sampled on every tick so telemetry stays current, but
// the PID and the actuator are only touched while Enabled.
func (l *DriveLoop) Tick(ctx context.Context, now time.Time) error {
	l.actMu.Lock()
	defer l.actMu.Unlock()

	l.ticks.Inc()
	measured := l.decoder.SampleSpeed(now)

	l.mu.Lock()
	l.measured = measured
	enabled := l.enabled
	l.mu.Unlock()

	if !enabled {
		return nil
	}

	out := l.pid.Update(measured)
	if math.IsNaN(out) {
		out = 0
	}
	forward := out >= 0
	duty := uint8(lo.Clamp(math.Abs(out), 0, motor.MaxDuty))

	if err := l.act.SetDirection(ctx, forward); err != nil {
		return l.fail(ctx, "set direction", err)
	}
	l.mu.Lock()
	l.forward = forward
	l.mu.Unlock()

	if err := l.act.SetDutyCycle(ctx, duty); err != nil {
		return l.fail(ctx, "set duty cycle", err)
	}
	l.mu.Lock()
	l.lastCommand = motor.Command{Forward: forward, Duty: duty}
	l.mu.Unlock()

	l.logger.CDebugw(ctx, "tick", "measured", measured, "output", out, "forward", forward, "duty", duty)
	return nil
}

// SetSpeed sets the target speed in RPM. The magnitude is clamped to the configured maximum and
// the sign is kept. The PID setpoint follows immediately even while Disabled; Tick does not run
// the PID until the loop is enabled again.
func (l *DriveLoop) SetSpeed(v float64) error {
	if err := motor.CheckFinite("speed", v); err != nil {
		return err
	}
	target := l.clampSpeed(v)
	if target != v {
		l.logger.Warnw("requested speed exceeds the maximum, clamping", "requested", v, "max", l.maxSpeed)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.targetSpeed = target
	l.pid.SetSetpoint(target)
	return nil
}

// SetDirection writes the direction pins whatever the enable state. While Enabled the next tick
// overrides it with the sign of the PID output.
func (l *DriveLoop) SetDirection(ctx context.Context, forward bool) error {
	l.actMu.Lock()
	defer l.actMu.Unlock()
	if err := l.act.SetDirection(ctx, forward); err != nil {
		return l.fail(ctx, "set direction", err)
	}
	l.mu.Lock()
	l.forward = forward
	l.mu.Unlock()
	return nil
}

// SetKp sets the proportional gain.
func (l *DriveLoop) SetKp(v float64) error {
	return l.pid.SetKp(v)
}

// SetKi sets the integral gain.
func (l *DriveLoop) SetKi(v float64) error {
	return l.pid.SetKi(v)
}

// SetKd sets the derivative gain.
func (l *DriveLoop) SetKd(v float64) error {
	return l.pid.SetKd(v)
}

// Enabled reports whether the loop is driving the actuator.
func (l *DriveLoop) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled
}

// State returns a snapshot of the loop for telemetry.
func (l *DriveLoop) State() motor.State {
	pid := l.pid.Snapshot()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return motor.State{
		Enabled:       l.enabled,
		TargetSpeed:   l.targetSpeed,
		MeasuredSpeed: l.measured,
		Direction:     motor.DirectionFromBool(l.forward),
		Kp:            pid.Kp,
		Ki:            pid.Ki,
		Kd:            pid.Kd,
		Setpoint:      pid.Setpoint,
		Integrator:    pid.Integrator,
		IntegratorMin: pid.IntegratorMin,
		IntegratorMax: pid.IntegratorMax,
		LastCommand:   l.lastCommand,
		Position:      l.decoder.Position(),
		Edges:         l.decoder.Edges(),
		Glitches:      l.decoder.Glitches(),
		Ticks:         l.ticks.Load(),
		Running:       l.loop.Running(),
	}
}

// PushLatest returns the speed measured by the last tick.
func (l *DriveLoop) PushLatest() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.measured
}

// Sample returns the last measured speed stamped with now.
func (l *DriveLoop) Sample(now time.Time) motor.Sample {
	return motor.Sample{Time: now, Speed: l.PushLatest()}
}

// Start runs Tick every tick interval until Stop or until ctx is done.
func (l *DriveLoop) Start(ctx context.Context) error {
	return l.loop.Start(ctx)
}

// Stop stops ticking and waits for an in-flight tick. The actuator is left as it is.
func (l *DriveLoop) Stop() {
	l.loop.Stop()
}

// Failures delivers the HardwareIOError of every failed tick. By the time an error is received
// the loop is already Disabled.
func (l *DriveLoop) Failures() <-chan error {
	return l.loop.Failures()
}

// Close stops the loop, kills the actuator and detaches the decoder.
func (l *DriveLoop) Close(ctx context.Context) error {
	l.Stop()
	err := l.SetEnabled(ctx, false)
	l.decoder.Teardown()
	return err
}
