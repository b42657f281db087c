//go:build linux

// Package gpiochip implements a Linux board using the GPIO character device, indirectly by way of
// mkch's gpio package. Pins are named by their line offset on the configured chip.
package gpiochip

import (
	"context"
	"strconv"
	"sync"

	"github.com/mkch/gpio"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/motorctl/pidmotor/components/board"
	"github.com/motorctl/pidmotor/logging"
)

// ModelName is the board model this package registers.
const ModelName = "gpiochip"

const defaultChipDev = "/dev/gpiochip0"

// A Config describes the configuration of a gpiochip board.
type Config struct {
	GPIOChipDev       string                         `json:"gpio_chip_dev,omitempty"`
	DigitalInterrupts []board.DigitalInterruptConfig `json:"digital_interrupts,omitempty"`
}

func init() {
	board.RegisterModel(ModelName, func(ctx context.Context, conf board.Config, logger logging.Logger) (board.Board, error) {
		var native Config
		if err := conf.DecodeAttributes(&native); err != nil {
			return nil, err
		}
		b, err := NewBoard(ctx, native, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

// Board owns lines on a single GPIO chip.
type Board struct {
	mu         sync.Mutex
	devicePath string
	pins       map[string]*gpioPin
	interrupts map[string]*digitalInterrupt

	logger                  logging.Logger
	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewBoard opens an event line for every configured interrupt. Output lines are opened lazily.
func NewBoard(ctx context.Context, conf Config, logger logging.Logger) (*Board, error) {
	if conf.GPIOChipDev == "" {
		conf.GPIOChipDev = defaultChipDev
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	b := &Board{
		devicePath: conf.GPIOChipDev,
		pins:       map[string]*gpioPin{},
		interrupts: map[string]*digitalInterrupt{},
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	for _, c := range conf.DigitalInterrupts {
		if err := c.Validate("board.attributes.digital_interrupts"); err != nil {
			return nil, multierr.Combine(err, b.Close(ctx))
		}
		di, err := b.createDigitalInterrupt(c)
		if err != nil {
			return nil, multierr.Combine(err, b.Close(ctx))
		}
		b.interrupts[c.Name] = di
	}
	return b, nil
}

func parseOffset(name string) (uint32, error) {
	offset, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, errors.Errorf("pin %q is not a line offset", name)
	}
	return uint32(offset), nil
}

// GPIOPinByName returns the GPIO pin by the given name if it exists.
func (b *Board) GPIOPinByName(name string) (board.GPIOPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pin, ok := b.pins[name]; ok {
		return pin, nil
	}
	offset, err := parseOffset(name)
	if err != nil {
		return nil, err
	}
	pin := &gpioPin{
		devicePath: b.devicePath,
		offset:     offset,
		ctx:        b.cancelCtx,
		workers:    &b.activeBackgroundWorkers,
		logger:     b.logger,
	}
	b.pins[name] = pin
	return pin, nil
}

// DigitalInterruptByName returns the interrupt by the given name if it exists.
func (b *Board) DigitalInterruptByName(name string) (board.DigitalInterrupt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	di, ok := b.interrupts[name]
	if !ok {
		return nil, errors.Errorf("can't find DigitalInterrupt (%s)", name)
	}
	return di.interrupt, nil
}

// Close stops every worker and releases all lines.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	b.cancelFunc()
	b.mu.Unlock()
	b.activeBackgroundWorkers.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	for _, pin := range b.pins {
		err = multierr.Combine(err, pin.Close())
	}
	for _, di := range b.interrupts {
		err = multierr.Combine(err, di.Close())
	}
	return err
}

type digitalInterrupt struct {
	interrupt *board.BasicDigitalInterrupt
	line      *gpio.LineWithEvent
}

func (b *Board) createDigitalInterrupt(config board.DigitalInterruptConfig) (*digitalInterrupt, error) {
	offset, err := parseOffset(config.Pin)
	if err != nil {
		return nil, err
	}
	chip, err := gpio.OpenChip(b.devicePath)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(chip.Close)

	line, err := chip.OpenLineWithEvents(offset, gpio.Input, gpio.BothEdges, "motorctl-interrupt")
	if err != nil {
		return nil, err
	}

	di := &digitalInterrupt{interrupt: board.NewBasicDigitalInterrupt(config), line: line}
	b.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for {
			select {
			case <-b.cancelCtx.Done():
				return
			case event, ok := <-line.Events():
				if !ok {
					return
				}
				if event == nil {
					continue
				}
				utils.UncheckedError(di.interrupt.Tick(
					b.cancelCtx, event.RisingEdge, uint64(event.Time.UnixNano())))
			}
		}
	}, b.activeBackgroundWorkers.Done)
	return di, nil
}

func (di *digitalInterrupt) Close() error {
	return di.line.Close()
}
