// Package fake implements an in-memory board. Pin writes are journaled so callers can assert on
// their order, and any pin can be made to fail.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/motorctl/pidmotor/components/board"
	"github.com/motorctl/pidmotor/logging"
)

// ModelName is the board model this package registers.
const ModelName = "fake"

// A Config describes the configuration of a fake board.
type Config struct {
	DigitalInterrupts []board.DigitalInterruptConfig `json:"digital_interrupts,omitempty"`
	FailNew           bool                           `json:"fail_new"`
}

func init() {
	board.RegisterModel(ModelName, func(ctx context.Context, conf board.Config, logger logging.Logger) (board.Board, error) {
		var native Config
		if err := conf.DecodeAttributes(&native); err != nil {
			return nil, err
		}
		b, err := NewBoard(native, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

// Op is the kind of write recorded in the journal.
type Op string

// Journaled operations.
const (
	OpSet     Op = "set"
	OpPWM     Op = "pwm"
	OpPWMFreq Op = "pwm_freq"
)

// Write is one journaled pin write.
type Write struct {
	Pin   string
	Op    Op
	Value float64
}

// A Board keeps pins and interrupts in memory.
type Board struct {
	mu         sync.Mutex
	Digitals   map[string]*board.BasicDigitalInterrupt
	GPIOPins   map[string]*GPIOPin
	journal    []Write
	logger     logging.Logger
	CloseCount int
}

// NewBoard returns a new fake board.
func NewBoard(conf Config, logger logging.Logger) (*Board, error) {
	if conf.FailNew {
		return nil, errors.New("whoops")
	}
	b := &Board{
		Digitals: map[string]*board.BasicDigitalInterrupt{},
		GPIOPins: map[string]*GPIOPin{},
		logger:   logger,
	}
	for idx, c := range conf.DigitalInterrupts {
		if err := c.Validate(fmt.Sprintf("%s.%d", "digital_interrupts", idx)); err != nil {
			return nil, err
		}
		b.Digitals[c.Name] = board.NewBasicDigitalInterrupt(c)
	}
	return b, nil
}

// DigitalInterruptByName returns the interrupt by the given name, creating it on first use.
func (b *Board) DigitalInterruptByName(name string) (board.DigitalInterrupt, error) {
	return b.Interrupt(name), nil
}

// Interrupt is like DigitalInterruptByName but returns the concrete type so tests can Tick it.
func (b *Board) Interrupt(name string) *board.BasicDigitalInterrupt {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.Digitals[name]
	if !ok {
		d = board.NewBasicDigitalInterrupt(board.DigitalInterruptConfig{Name: name, Pin: name})
		b.Digitals[name] = d
	}
	return d
}

// GPIOPinByName returns the GPIO pin by the given name, creating it on first use.
func (b *Board) GPIOPinByName(name string) (board.GPIOPin, error) {
	return b.Pin(name), nil
}

// Pin is like GPIOPinByName but returns the concrete type.
func (b *Board) Pin(name string) *GPIOPin {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.GPIOPins[name]
	if !ok {
		p = &GPIOPin{name: name, b: b}
		b.GPIOPins[name] = p
	}
	return p
}

// Journal returns a copy of every successful pin write in order.
func (b *Board) Journal() []Write {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Write(nil), b.journal...)
}

// ResetJournal forgets all recorded writes.
func (b *Board) ResetJournal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journal = nil
}

func (b *Board) record(w Write) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journal = append(b.journal, w)
}

// Close attempts to cleanly close each part of the board.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCount++
	return nil
}

// A GPIOPin reads back the same set values.
type GPIOPin struct {
	name    string
	b       *Board
	high    bool
	pwm     float64
	pwmFreq uint
	failErr error

	mu sync.Mutex
}

// FailWith makes every later write return err. A nil err clears the failure.
func (gp *GPIOPin) FailWith(err error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	gp.failErr = err
}

// Set sets the pin to either low or high.
func (gp *GPIOPin) Set(ctx context.Context, high bool) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	if gp.failErr != nil {
		return gp.failErr
	}

	gp.high = high
	gp.pwm = 0
	value := 0.0
	if high {
		value = 1
	}
	gp.b.record(Write{Pin: gp.name, Op: OpSet, Value: value})
	return nil
}

// Get gets the high/low state of the pin.
func (gp *GPIOPin) Get(ctx context.Context) (bool, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.high, nil
}

// PWM gets the pin's given duty cycle.
func (gp *GPIOPin) PWM(ctx context.Context) (float64, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.pwm, nil
}

// SetPWM sets the pin to the given duty cycle.
func (gp *GPIOPin) SetPWM(ctx context.Context, dutyCyclePct float64) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	if gp.failErr != nil {
		return gp.failErr
	}

	gp.pwm = dutyCyclePct
	gp.b.record(Write{Pin: gp.name, Op: OpPWM, Value: dutyCyclePct})
	return nil
}

// PWMFreq gets the PWM frequency of the pin.
func (gp *GPIOPin) PWMFreq(ctx context.Context) (uint, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.pwmFreq, nil
}

// SetPWMFreq sets the given pin to the given PWM frequency.
func (gp *GPIOPin) SetPWMFreq(ctx context.Context, freqHz uint) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	if gp.failErr != nil {
		return gp.failErr
	}

	gp.pwmFreq = freqHz
	gp.b.record(Write{Pin: gp.name, Op: OpPWMFreq, Value: float64(freqHz)})
	return nil
}
