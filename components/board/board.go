// Package board defines the boards a motor controller talks to: named GPIO pins for the H-bridge
// and digital interrupts for the encoder channels.
package board

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/motorctl/pidmotor/logging"
)

// A Board exposes the pins and interrupts the motor controller is wired to.
type Board interface {
	// GPIOPinByName returns a GPIOPin by name.
	GPIOPinByName(name string) (GPIOPin, error)

	// DigitalInterruptByName returns a digital interrupt by name.
	DigitalInterruptByName(name string) (DigitalInterrupt, error)

	// Close stops background workers and releases the pins.
	Close(ctx context.Context) error
}

// A Constructor builds a board model from its configuration.
type Constructor func(ctx context.Context, conf Config, logger logging.Logger) (Board, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// RegisterModel makes a board model available to Open. It panics on a duplicate model name.
func RegisterModel(model string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[model]; ok {
		panic(errors.Errorf("board model %q already registered", model))
	}
	registry[model] = constructor
}

// RegisteredModels returns the sorted names of every registered board model.
func RegisteredModels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	models := make([]string, 0, len(registry))
	for model := range registry {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// Open constructs the board model named by the config.
func Open(ctx context.Context, conf Config, logger logging.Logger) (Board, error) {
	if err := conf.Validate("board"); err != nil {
		return nil, err
	}
	registryMu.RLock()
	constructor, ok := registry[conf.Model]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown board model %q (registered: %v)", conf.Model, RegisteredModels())
	}
	b, err := constructor(ctx, conf, logger.Sublogger("board"))
	if err != nil {
		return nil, err
	}
	return b, nil
}
