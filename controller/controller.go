// Package controller assembles a board, an encoder, a PID regulator and a motor into a running
// speed controller and supervises it.
package controller

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"github.com/motorctl/pidmotor/components/board"
	fakeboard "github.com/motorctl/pidmotor/components/board/fake"
	"github.com/motorctl/pidmotor/components/encoder/quadrature"
	"github.com/motorctl/pidmotor/components/motor"
	fakemotor "github.com/motorctl/pidmotor/components/motor/fake"
	"github.com/motorctl/pidmotor/components/motor/gpio"
	"github.com/motorctl/pidmotor/config"
	"github.com/motorctl/pidmotor/control"
	"github.com/motorctl/pidmotor/logging"
	"github.com/motorctl/pidmotor/telemetry"
)

// Options change how a Controller is built without touching the config file.
type Options struct {
	// Simulate replaces the board and the H-bridge with a simulated motor.
	Simulate bool
	// Enable starts the loop Enabled regardless of loop.start_enabled.
	Enable bool
	Clock  clock.Clock
}

// A Controller owns every part of one motor's speed loop. Inbound commands go through Drive.
type Controller struct {
	cfg      *config.Config
	opts     Options
	logger   logging.Logger
	board    board.Board
	plant    *fakemotor.Motor
	decoder  *quadrature.Decoder
	pid      *control.PID
	drive    *gpio.DriveLoop
	reporter *telemetry.Reporter
	restarts atomic.Int64

	stopReporter sync.Once
	reporterErr  error
}

// New builds a Controller from cfg. Whatever was opened is closed again if a later step fails.
func New(ctx context.Context, cfg *config.Config, opts Options, logger logging.Logger) (_ *Controller, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	c := &Controller{cfg: cfg, opts: opts, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, c.closeParts(ctx))
		}
	}()

	var act motor.Actuator
	if opts.Simulate {
		fb, err := fakeboard.NewBoard(fakeboard.Config{}, logger.Sublogger("board"))
		if err != nil {
			return nil, err
		}
		c.board = fb
		c.plant = fakemotor.NewMotor(fakemotor.Config{
			MaxRPM:     cfg.Motor.MaxSpeedRPM,
			Resolution: cfg.Encoder.Resolution,
		}, fb.Interrupt(cfg.Encoder.A), fb.Interrupt(cfg.Encoder.B), opts.Clock, logger.Sublogger("plant"))
		act = c.plant
	} else {
		b, err := board.Open(ctx, cfg.BoardConfig(), logger)
		if err != nil {
			return nil, err
		}
		c.board = b
		if act, err = gpio.NewHBridge(ctx, c.board, cfg.Motor, logger.Sublogger("hbridge")); err != nil {
			return nil, err
		}
	}

	chanA, err := c.board.DigitalInterruptByName(cfg.Encoder.A)
	if err != nil {
		return nil, errors.Wrap(err, "encoder channel a")
	}
	chanB, err := c.board.DigitalInterruptByName(cfg.Encoder.B)
	if err != nil {
		return nil, errors.Wrap(err, "encoder channel b")
	}
	if c.decoder, err = quadrature.NewDecoder(cfg.Encoder.Resolution, opts.Clock, logger.Sublogger("encoder")); err != nil {
		return nil, err
	}
	if err := c.decoder.Attach(ctx, chanA, chanB); err != nil {
		return nil, err
	}

	if c.pid, err = control.NewPID(cfg.PID.PIDConfig, logger.Sublogger("pid")); err != nil {
		return nil, err
	}
	driveOpts := cfg.DriveOptions()
	driveOpts.Clock = opts.Clock
	if c.drive, err = gpio.NewDriveLoop(cfg.Motor, driveOpts, c.decoder, c.pid, act, logger.Sublogger("drive")); err != nil {
		return nil, err
	}
	if c.reporter, err = telemetry.NewReporter(c.drive, cfg.Telemetry, logger.Sublogger("telemetry")); err != nil {
		return nil, err
	}
	return c, nil
}

// Drive returns the loop that inbound commands are applied to.
func (c *Controller) Drive() *gpio.DriveLoop {
	return c.drive
}

// Reporter returns the telemetry reporter.
func (c *Controller) Reporter() *telemetry.Reporter {
	return c.reporter
}

// Board returns the board the motor and encoder are wired to.
func (c *Controller) Board() board.Board {
	return c.board
}

// Plant returns the simulated motor, or nil when driving real hardware.
func (c *Controller) Plant() *fakemotor.Motor {
	return c.plant
}

// Restarts returns how many times the supervisor has re-enabled the loop.
func (c *Controller) Restarts() int64 {
	return c.restarts.Load()
}

// Run puts the actuator in its starting state, starts ticking and reporting, and supervises the
// loop until ctx is done. It returns an error only when the loop failed more often than
// loop.max_restarts allows.
func (c *Controller) Run(ctx context.Context) error {
	enable := c.opts.Enable || c.cfg.Loop.StartEnabled
	if err := c.drive.SetEnabled(ctx, enable); err != nil {
		return err
	}
	if c.plant != nil {
		c.plant.Start(ctx)
	}
	if err := c.drive.Start(ctx); err != nil {
		return err
	}
	c.reporter.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.supervise(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return c.stopReporting()
	})
	return g.Wait()
}

func (c *Controller) supervise(ctx context.Context) error {
	maxRestarts := int64(c.cfg.Loop.MaxRestarts)
	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case err = <-c.drive.Failures():
		}

		for err != nil {
			c.logFailure(ctx, err)
			if c.restarts.Load() >= maxRestarts {
				return errors.Wrap(err, "control loop failed and no restarts are left")
			}
			attempt := c.restarts.Inc()
			if !goutils.SelectContextOrWait(ctx, c.cfg.Loop.RestartDelay) {
				return nil
			}
			c.logger.CInfow(ctx, "re-enabling control loop", "attempt", attempt, "max_restarts", maxRestarts)
			err = c.drive.SetEnabled(ctx, true)
		}
	}
}

func (c *Controller) logFailure(ctx context.Context, err error) {
	var hwErr *motor.HardwareIOError
	if errors.As(err, &hwErr) {
		c.logger.CErrorw(ctx, "control loop disabled after actuator failure", "op", hwErr.Op, "error", hwErr.Err, "state", hwErr.State.String())
		return
	}
	c.logger.CErrorw(ctx, "control loop failed", "error", err)
}

func (c *Controller) stopReporting() error {
	c.stopReporter.Do(func() {
		if c.reporter != nil {
			c.reporterErr = c.reporter.Stop()
		}
	})
	return c.reporterErr
}

// Close stops everything and leaves the motor killed.
func (c *Controller) Close(ctx context.Context) error {
	return multierr.Combine(c.stopReporting(), c.closeParts(ctx))
}

func (c *Controller) closeParts(ctx context.Context) error {
	var err error
	if c.drive != nil {
		err = multierr.Combine(err, c.drive.Close(ctx))
	} else if c.decoder != nil {
		c.decoder.Teardown()
	}
	if c.plant != nil {
		err = multierr.Combine(err, c.plant.Close(ctx))
	}
	if c.board != nil {
		err = multierr.Combine(err, c.board.Close(ctx))
	}
	return err
}
