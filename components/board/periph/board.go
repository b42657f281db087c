// Package periph implements a board on top of periph.io, which covers the sysfs and memory mapped
// GPIO drivers of the common single board computers. Pins are looked up by their periph name, e.g.
// "GPIO20" or "20". PWM is generated in software unless the pin is listed as hardware capable.
package periph

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/motorctl/pidmotor/components/board"
	"github.com/motorctl/pidmotor/logging"
)

// ModelName is the board model this package registers.
const ModelName = "periph"

const (
	defaultPWMFreq     = 800 * physic.Hertz
	defaultEdgeTimeout = 100 * time.Millisecond
)

// A Config describes the configuration of a periph board.
type Config struct {
	DigitalInterrupts []board.DigitalInterruptConfig `json:"digital_interrupts,omitempty"`
	HardwarePWMPins   []string                       `json:"hardware_pwm_pins,omitempty"`
	// EdgeTimeout bounds each wait for an edge so interrupt workers notice shutdown.
	EdgeTimeout time.Duration `json:"edge_timeout,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	for _, di := range conf.DigitalInterrupts {
		if err := di.Validate(path + ".digital_interrupts"); err != nil {
			return err
		}
	}
	if conf.EdgeTimeout < 0 {
		return errors.Errorf("%s.edge_timeout must not be negative", path)
	}
	return nil
}

func init() {
	board.RegisterModel(ModelName, func(ctx context.Context, conf board.Config, logger logging.Logger) (board.Board, error) {
		var native Config
		if err := conf.DecodeAttributes(&native); err != nil {
			return nil, err
		}
		if _, err := host.Init(); err != nil {
			return nil, errors.Wrap(err, "error initializing periph host drivers")
		}
		b, err := NewBoard(ctx, native, gpioreg.ByName, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

type pwmSetting struct {
	dutyCycle gpio.Duty
	frequency physic.Frequency
}

// Board drives periph.io pins.
type Board struct {
	mu     sync.RWMutex
	lookup func(name string) gpio.PinIO
	pwms   map[string]pwmSetting
	hwPWM  map[string]bool
	pins   map[string]*gpioPin

	interrupts  map[string]*board.BasicDigitalInterrupt
	edgeTimeout time.Duration

	logger                  logging.Logger
	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewBoard builds a board resolving pin names through lookup, which is gpioreg.ByName outside of
// tests. Every configured interrupt pin is switched to an input with both edges enabled.
func NewBoard(
	ctx context.Context,
	conf Config,
	lookup func(name string) gpio.PinIO,
	logger logging.Logger,
) (*Board, error) {
	if err := conf.Validate("board.attributes"); err != nil {
		return nil, err
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	b := &Board{
		lookup:      lookup,
		pwms:        map[string]pwmSetting{},
		hwPWM:       lo.SliceToMap(conf.HardwarePWMPins, func(pin string) (string, bool) { return pin, true }),
		pins:        map[string]*gpioPin{},
		interrupts:  map[string]*board.BasicDigitalInterrupt{},
		edgeTimeout: conf.EdgeTimeout,
		logger:      logger,
		cancelCtx:   cancelCtx,
		cancelFunc:  cancelFunc,
	}
	if b.edgeTimeout == 0 {
		b.edgeTimeout = defaultEdgeTimeout
	}

	for _, c := range conf.DigitalInterrupts {
		pin := lookup(c.Pin)
		if pin == nil {
			cancelFunc()
			return nil, errors.Errorf("no global pin found for interrupt %q (%s)", c.Name, c.Pin)
		}
		if err := pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
			cancelFunc()
			return nil, errors.Wrapf(err, "cannot enable edge detection on %s", c.Pin)
		}
		di := board.NewBasicDigitalInterrupt(c)
		b.interrupts[c.Name] = di
		b.startInterruptMonitor(pin, di)
	}
	return b, nil
}

func (b *Board) startInterruptMonitor(pin gpio.PinIO, di *board.BasicDigitalInterrupt) {
	b.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		for {
			select {
			case <-b.cancelCtx.Done():
				return
			default:
			}
			if !pin.WaitForEdge(b.edgeTimeout) {
				continue
			}
			high := pin.Read() == gpio.High
			goutils.UncheckedError(di.Tick(b.cancelCtx, high, uint64(time.Now().UnixNano())))
		}
	}, b.activeBackgroundWorkers.Done)
}

// DigitalInterruptByName returns the interrupt by the given name if it exists.
func (b *Board) DigitalInterruptByName(name string) (board.DigitalInterrupt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	di, ok := b.interrupts[name]
	if !ok {
		return nil, errors.Errorf("can't find DigitalInterrupt (%s)", name)
	}
	return di, nil
}

// GPIOPinByName returns the GPIO pin by the given name if it exists.
func (b *Board) GPIOPinByName(pinName string) (board.GPIOPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gp, ok := b.pins[pinName]; ok {
		return gp, nil
	}
	pin := b.lookup(pinName)
	if pin == nil {
		return nil, errors.Errorf("no global pin found for %q", pinName)
	}
	gp := &gpioPin{b: b, pin: pin, pinName: pinName, hwPWMSupported: b.hwPWM[pinName]}
	b.pins[pinName] = gp
	return gp, nil
}

// Close stops PWM loops and interrupt workers, then drives every output pin low.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	b.cancelFunc()
	b.pwms = map[string]pwmSetting{}
	pins := lo.Values(b.pins)
	b.mu.Unlock()
	b.activeBackgroundWorkers.Wait()

	var errs error
	for _, gp := range pins {
		errs = multierr.Combine(errs, gp.set(false))
	}
	return errs
}

type gpioPin struct {
	b              *Board
	pin            gpio.PinIO
	pinName        string
	hwPWMSupported bool
}

func (gp *gpioPin) Set(ctx context.Context, high bool) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	delete(gp.b.pwms, gp.pinName)

	return gp.set(high)
}

func (gp *gpioPin) set(high bool) error {
	l := gpio.Low
	if high {
		l = gpio.High
	}
	return gp.pin.Out(l)
}

func (gp *gpioPin) Get(ctx context.Context) (bool, error) {
	return gp.pin.Read() == gpio.High, nil
}

func (gp *gpioPin) PWM(ctx context.Context) (float64, error) {
	gp.b.mu.RLock()
	defer gp.b.mu.RUnlock()

	pwm, ok := gp.b.pwms[gp.pinName]
	if !ok {
		return 0, errors.Errorf("missing pin %s", gp.pinName)
	}
	return float64(pwm.dutyCycle) / float64(gpio.DutyMax), nil
}

func (gp *gpioPin) SetPWM(ctx context.Context, dutyCyclePct float64) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	last, alreadySet := gp.b.pwms[gp.pinName]
	last.dutyCycle = gpio.Duty(lo.Clamp(dutyCyclePct, 0, 1) * float64(gpio.DutyMax))
	gp.b.pwms[gp.pinName] = last
	return gp.apply(last, alreadySet)
}

func (gp *gpioPin) PWMFreq(ctx context.Context) (uint, error) {
	gp.b.mu.RLock()
	defer gp.b.mu.RUnlock()

	return uint(gp.b.pwms[gp.pinName].frequency / physic.Hertz), nil
}

func (gp *gpioPin) SetPWMFreq(ctx context.Context, freqHz uint) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	last, alreadySet := gp.b.pwms[gp.pinName]
	last.frequency = physic.Hertz * physic.Frequency(freqHz)
	gp.b.pwms[gp.pinName] = last
	return gp.apply(last, alreadySet)
}

// expects to already have lock acquired.
func (gp *gpioPin) apply(setting pwmSetting, alreadySet bool) error {
	if gp.hwPWMSupported {
		freq := setting.frequency
		if freq == 0 {
			freq = defaultPWMFreq
		}
		return gp.pin.PWM(setting.dutyCycle, freq)
	}
	if !alreadySet {
		gp.b.activeBackgroundWorkers.Add(1)
		goutils.ManagedGo(func() {
			gp.softwarePWMLoop(gp.b.cancelCtx)
		}, gp.b.activeBackgroundWorkers.Done)
	}
	return nil
}

func (gp *gpioPin) softwarePWMLoop(ctx context.Context) {
	for {
		cont := func() bool {
			gp.b.mu.RLock()
			defer gp.b.mu.RUnlock()
			pwmSetting, ok := gp.b.pwms[gp.pinName]
			if !ok {
				gp.b.logger.Debugw("pwm setting deleted; stopping", "pin_name", gp.pinName)
				return false
			}
			freq := pwmSetting.frequency
			if freq == 0 {
				freq = defaultPWMFreq
			}
			period := freq.Period()
			onPeriod := time.Duration(float64(pwmSetting.dutyCycle) / float64(gpio.DutyMax) * float64(period))

			if onPeriod > 0 {
				if err := gp.set(true); err != nil {
					gp.b.logger.Errorw("error setting pin", "pin_name", gp.pinName, "error", err)
					return true
				}
				if !goutils.SelectContextOrWait(ctx, onPeriod) {
					return false
				}
			}
			if onPeriod >= period {
				return true
			}
			if err := gp.set(false); err != nil {
				gp.b.logger.Errorw("error setting pin", "pin_name", gp.pinName, "error", err)
				return true
			}
			return goutils.SelectContextOrWait(ctx, period-onPeriod)
		}()
		if !cont {
			return
		}
	}
}
