//go:build linux

package gpiochip

import (
	"context"
	"sync"
	"time"

	"github.com/mkch/gpio"
	"github.com/samber/lo"
	"go.viam.com/utils"

	"github.com/motorctl/pidmotor/logging"
)

// gpioPin is one output line. The line is opened on first use and kept open so it holds its level.
// A nonzero duty cycle and frequency hand the line to a software PWM worker.
type gpioPin struct {
	devicePath string
	offset     uint32
	ctx        context.Context
	workers    *sync.WaitGroup
	logger     logging.Logger

	mu      sync.Mutex
	line    *gpio.Line
	duty    float64
	freqHz  uint
	pwmOn   bool
	pwmGen  uint64
	lastErr error
}

// outputLine must be called with mu held.
func (pin *gpioPin) outputLine() (*gpio.Line, error) {
	if pin.line != nil {
		return pin.line, nil
	}
	chip, err := gpio.OpenChip(pin.devicePath)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(chip.Close)

	line, err := chip.OpenLine(pin.offset, 0, gpio.Output, "motorctl-gpio")
	if err != nil {
		return nil, err
	}
	pin.line = line
	return line, nil
}

func (pin *gpioPin) write(high bool) error {
	line, err := pin.outputLine()
	if err != nil {
		return err
	}
	return line.SetValue(lo.Ternary[byte](high, 1, 0))
}

func (pin *gpioPin) Set(ctx context.Context, high bool) error {
	pin.mu.Lock()
	defer pin.mu.Unlock()
	pin.pwmOn = false
	pin.duty = 0
	return pin.write(high)
}

func (pin *gpioPin) Get(ctx context.Context) (bool, error) {
	pin.mu.Lock()
	defer pin.mu.Unlock()
	line, err := pin.outputLine()
	if err != nil {
		return false, err
	}
	value, err := line.Value()
	return value != 0, err
}

func (pin *gpioPin) PWM(ctx context.Context) (float64, error) {
	pin.mu.Lock()
	defer pin.mu.Unlock()
	return pin.duty, nil
}

func (pin *gpioPin) SetPWM(ctx context.Context, dutyCyclePct float64) error {
	pin.mu.Lock()
	defer pin.mu.Unlock()
	pin.duty = lo.Clamp(dutyCyclePct, 0, 1)
	return pin.updatePWM()
}

func (pin *gpioPin) PWMFreq(ctx context.Context) (uint, error) {
	pin.mu.Lock()
	defer pin.mu.Unlock()
	return pin.freqHz, nil
}

func (pin *gpioPin) SetPWMFreq(ctx context.Context, freqHz uint) error {
	pin.mu.Lock()
	defer pin.mu.Unlock()
	pin.freqHz = freqHz
	return pin.updatePWM()
}

// updatePWM must be called with mu held. Full off and full on are written directly.
func (pin *gpioPin) updatePWM() error {
	switch {
	case pin.duty == 0 || pin.freqHz == 0:
		pin.pwmOn = false
		return pin.write(false)
	case pin.duty == 1:
		pin.pwmOn = false
		return pin.write(true)
	case pin.pwmOn:
		return nil
	}
	if _, err := pin.outputLine(); err != nil {
		return err
	}
	pin.pwmOn = true
	pin.pwmGen++
	gen := pin.pwmGen
	pin.workers.Add(1)
	utils.ManagedGo(func() { pin.pwmLoop(gen) }, pin.workers.Done)
	return nil
}

// pwmWindow returns how long the line stays high and low this period, or false once the worker
// of generation gen has been superseded or PWM is off.
func (pin *gpioPin) pwmWindow(gen uint64) (time.Duration, time.Duration, bool) {
	pin.mu.Lock()
	defer pin.mu.Unlock()
	if !pin.pwmOn || pin.pwmGen != gen {
		return 0, 0, false
	}
	period := time.Second / time.Duration(pin.freqHz)
	high := time.Duration(pin.duty * float64(period))
	return high, period - high, true
}

func (pin *gpioPin) toggle(gen uint64, high bool) {
	pin.mu.Lock()
	defer pin.mu.Unlock()
	if !pin.pwmOn || pin.pwmGen != gen {
		return
	}
	err := pin.write(high)
	if err != nil && pin.lastErr == nil {
		pin.logger.Warnw("software pwm write failed", "offset", pin.offset, "error", err)
	}
	pin.lastErr = err
}

func (pin *gpioPin) pwmLoop(gen uint64) {
	for {
		high, low, ok := pin.pwmWindow(gen)
		if !ok {
			return
		}
		pin.toggle(gen, true)
		if !utils.SelectContextOrWait(pin.ctx, high) {
			return
		}
		pin.toggle(gen, false)
		if !utils.SelectContextOrWait(pin.ctx, low) {
			return
		}
	}
}

// Close releases the line.
func (pin *gpioPin) Close() error {
	pin.mu.Lock()
	defer pin.mu.Unlock()
	pin.pwmOn = false
	if pin.line == nil {
		return nil
	}
	err := pin.line.Close()
	pin.line = nil
	return err
}
