// Package fake implements a simulated DC motor with a quadrature encoder. It accepts the same
// commands as the H-bridge and turns them into encoder edges on two digital interrupts.
package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"github.com/motorctl/pidmotor/components/board"
	"github.com/motorctl/pidmotor/components/motor"
	"github.com/motorctl/pidmotor/logging"
)

const (
	defaultMaxRPM       = 350
	defaultTimeConstant = 200 * time.Millisecond
	defaultResolution   = 128
	defaultStepPeriod   = 10 * time.Millisecond
)

// Config describes the simulated motor.
type Config struct {
	// MaxRPM is the steady state speed at full duty.
	MaxRPM       float64       `json:"max_rpm,omitempty"`
	TimeConstant time.Duration `json:"time_constant,omitempty"`
	// Resolution is how many counts per revolution the simulated encoder produces.
	Resolution int           `json:"resolution,omitempty"`
	StepPeriod time.Duration `json:"step_period,omitempty"`
}

var _ motor.Actuator = &Motor{}

// A Motor is a first order model of a DC motor: its speed approaches duty/255 of MaxRPM with the
// configured time constant. Each count of travel is emitted as a full quadrature cycle, B leading
// A when turning forward.
type Motor struct {
	conf   Config
	a, b   *board.BasicDigitalInterrupt
	clk    clock.Clock
	logger logging.Logger
	edges  atomic.Uint64

	mu       sync.Mutex
	forward  bool
	neutral  bool
	duty     uint8
	speed    float64
	partial  float64
	counts   int64
	lastStep time.Time
	failErr  error

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewMotor returns a stopped motor in neutral that emits edges on a and b.
func NewMotor(conf Config, a, b *board.BasicDigitalInterrupt, clk clock.Clock, logger logging.Logger) *Motor {
	if conf.MaxRPM <= 0 {
		logger.Infof("max rpm not provided to a fake motor, defaulting to %v", defaultMaxRPM)
		conf.MaxRPM = defaultMaxRPM
	}
	if conf.TimeConstant <= 0 {
		conf.TimeConstant = defaultTimeConstant
	}
	if conf.Resolution <= 0 {
		conf.Resolution = defaultResolution
	}
	if conf.StepPeriod <= 0 {
		conf.StepPeriod = defaultStepPeriod
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Motor{
		conf:     conf,
		a:        a,
		b:        b,
		clk:      clk,
		logger:   logger,
		neutral:  true,
		forward:  true,
		lastStep: clk.Now(),
	}
}

// FailWith makes every later command return err. A nil err clears the failure.
func (m *Motor) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// SetDirection selects the rotation and takes the bridge out of neutral.
func (m *Motor) SetDirection(ctx context.Context, forward bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.forward = forward
	m.neutral = false
	return nil
}

// SetDutyCycle sets the drive magnitude.
func (m *Motor) SetDutyCycle(ctx context.Context, duty uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.duty = duty
	return nil
}

// Neutral lets the motor coast.
func (m *Motor) Neutral(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.neutral = true
	return nil
}

// Speed returns the simulated speed in RPM, negative in reverse.
func (m *Motor) Speed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speed
}

// Counts returns the net encoder counts emitted so far.
func (m *Motor) Counts() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts
}

// Edges returns how many interrupt ticks have been emitted.
func (m *Motor) Edges() uint64 {
	return m.edges.Load()
}

// Step advances the model to now and emits the edges for the whole counts travelled. Delivery
// blocks until each interrupt subscriber has taken the edge or ctx is done.
func (m *Motor) Step(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	dt := now.Sub(m.lastStep)
	if dt <= 0 {
		m.mu.Unlock()
		return nil
	}
	m.lastStep = now

	target := 0.0
	if !m.neutral {
		target = float64(m.duty) / motor.MaxDuty * m.conf.MaxRPM
		if !m.forward {
			target = -target
		}
	}
	m.speed += (target - m.speed) * (1 - math.Exp(-dt.Seconds()/m.conf.TimeConstant.Seconds()))
	m.partial += m.speed / 60 * float64(m.conf.Resolution) * dt.Seconds()

	var emit int64
	for m.partial >= 1 {
		m.partial--
		emit++
	}
	for m.partial <= -1 {
		m.partial++
		emit--
	}
	m.counts += emit
	m.mu.Unlock()

	return m.emit(ctx, emit, now)
}

// emit sends |n| full quadrature cycles. Forward is B up, A up, B down, A down.
func (m *Motor) emit(ctx context.Context, n int64, now time.Time) error {
	first, second := m.b, m.a
	if n < 0 {
		first, second = m.a, m.b
		n = -n
	}
	ns := uint64(now.UnixNano())
	for i := int64(0); i < n; i++ {
		for _, e := range []struct {
			di   *board.BasicDigitalInterrupt
			high bool
		}{{first, true}, {second, true}, {first, false}, {second, false}} {
			if err := e.di.Tick(ctx, e.high, ns); err != nil {
				return errors.Wrap(err, "emitting encoder edge")
			}
			m.edges.Inc()
		}
	}
	return nil
}

// Start steps the model every step period on its clock until Close or until ctx is done.
func (m *Motor) Start(ctx context.Context) {
	cancelCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	ticker := m.clk.Ticker(m.conf.StepPeriod)
	m.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for {
			select {
			case <-cancelCtx.Done():
				ticker.Stop()
				return
			case now := <-ticker.C:
				if err := m.Step(cancelCtx, now); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Warnw("simulated motor step failed", "error", err)
				}
			}
		}
	}, m.activeBackgroundWorkers.Done)
}

// Close stops the stepping worker.
func (m *Motor) Close(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.activeBackgroundWorkers.Wait()
	return nil
}
