package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"github.com/motorctl/pidmotor/components/motor"
	"github.com/motorctl/pidmotor/logging"
)

// failureBuffer is how many step failures are held for the supervisor before new ones are dropped.
const failureBuffer = 8

// StepFunc is called once per loop period with the tick time.
type StepFunc func(ctx context.Context, now time.Time) error

// Loop calls a StepFunc at a fixed period from a single worker, so steps never overlap. A step
// that is still running when the next period elapses delays that tick rather than racing it.
type Loop struct {
	period   time.Duration
	clk      clock.Clock
	step     StepFunc
	logger   logging.Logger
	failures chan error
	ticks    atomic.Uint64
	running  atomic.Bool

	mu                      sync.Mutex
	ticker                  *clock.Ticker
	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// NewLoop construct a new loop that calls step every period.
func NewLoop(period time.Duration, clk clock.Clock, step StepFunc, logger logging.Logger) (*Loop, error) {
	if period <= 0 {
		return nil, motor.NewConfigurationError("loop.tick_interval", fmt.Sprintf("must be positive, got %v", period))
	}
	if step == nil {
		return nil, errors.New("loop needs a step function")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		period:   period,
		clk:      clk,
		step:     step,
		logger:   logger,
		failures: make(chan error, failureBuffer),
	}, nil
}

// Start starts the loop. The worker runs until Stop or until ctx is done.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running.Load() {
		return errors.New("loop is already running")
	}
	l.logger.CInfof(ctx, "running loop every %v", l.period)

	cancelCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.ticker = l.clk.Ticker(l.period)
	ticker := l.ticker
	l.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for {
			if cancelCtx.Err() != nil {
				return
			}
			select {
			case <-cancelCtx.Done():
				return
			case now := <-ticker.C:
				l.ticks.Inc()
				if err := l.step(cancelCtx, now); err != nil {
					l.report(err)
				}
			}
		}
	}, l.activeBackgroundWorkers.Done)
	l.running.Store(true)
	return nil
}

func (l *Loop) report(err error) {
	select {
	case l.failures <- err:
	default:
		l.logger.Warnw("failure channel is full, dropping loop failure", "error", err)
	}
}

// Stop stops the loop and waits for an in-flight step to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running.Load() {
		return
	}
	l.logger.Debug("stopping loop")
	l.cancel()
	l.activeBackgroundWorkers.Wait()
	l.ticker.Stop()
	l.running.Store(false)
}

// Failures returns the channel step errors are delivered on. It is never closed.
func (l *Loop) Failures() <-chan error {
	return l.failures
}

// Running reports whether the worker is started. It does not take mu, so a step may call it.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Ticks returns how many periods the loop has stepped since it was created.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}
