// Package gpio drives a DC motor through an L298N style H-bridge on board GPIO pins and closes
// the speed loop around it.
package gpio

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/motorctl/pidmotor/components/board"
	"github.com/motorctl/pidmotor/components/motor"
	"github.com/motorctl/pidmotor/logging"
)

// Config describes how the motor is wired and how fast it may be asked to turn.
type Config struct {
	ENA             string  `json:"ena"`
	IN1             string  `json:"in1"`
	IN2             string  `json:"in2"`
	PWMFreq         uint    `json:"pwm_freq_hz,omitempty"`
	MaxSpeedRPM     float64 `json:"max_speed_rpm"`
	InitialSpeedRPM float64 `json:"initial_speed_rpm"`
	InitialForward  bool    `json:"initial_forward"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	for _, pin := range []struct{ field, name string }{{"ena", conf.ENA}, {"in1", conf.IN1}, {"in2", conf.IN2}} {
		if pin.name == "" {
			return motor.NewConfigurationError(path+"."+pin.field, "pin is required")
		}
	}
	if err := motor.CheckFinite(path+".max_speed_rpm", conf.MaxSpeedRPM); err != nil {
		return err
	}
	if conf.MaxSpeedRPM <= 0 {
		return motor.NewConfigurationError(path+".max_speed_rpm", fmt.Sprintf("must be positive, got %v", conf.MaxSpeedRPM))
	}
	return motor.CheckFinite(path+".initial_speed_rpm", conf.InitialSpeedRPM)
}

// HBridge is an Actuator on three pins: ENA carries the PWM duty cycle, IN1 and IN2 select the
// direction. IN1 high with IN2 low is forward, the reverse pattern is reverse, both low is neutral.
type HBridge struct {
	ena    board.GPIOPin
	in1    board.GPIOPin
	in2    board.GPIOPin
	logger logging.Logger
}

// NewHBridge looks up the configured pins on b and sets the PWM frequency on ENA.
func NewHBridge(ctx context.Context, b board.Board, conf Config, logger logging.Logger) (*HBridge, error) {
	if err := conf.Validate("motor"); err != nil {
		return nil, err
	}
	h := &HBridge{logger: logger}
	var err error
	if h.ena, err = b.GPIOPinByName(conf.ENA); err != nil {
		return nil, errors.Wrap(err, "ena")
	}
	if h.in1, err = b.GPIOPinByName(conf.IN1); err != nil {
		return nil, errors.Wrap(err, "in1")
	}
	if h.in2, err = b.GPIOPinByName(conf.IN2); err != nil {
		return nil, errors.Wrap(err, "in2")
	}
	if err := h.ena.SetPWMFreq(ctx, conf.PWMFreq); err != nil {
		return nil, errors.Wrapf(err, "setting pwm frequency on %s", conf.ENA)
	}
	return h, nil
}

// SetDirection drives IN1/IN2 to (1,0) for forward or (0,1) for reverse.
func (h *HBridge) SetDirection(ctx context.Context, forward bool) error {
	return h.setPins(ctx, forward, !forward)
}

// Neutral drives both direction pins low.
func (h *HBridge) Neutral(ctx context.Context) error {
	return h.setPins(ctx, false, false)
}

func (h *HBridge) setPins(ctx context.Context, in1, in2 bool) error {
	return multierr.Combine(
		h.in1.Set(ctx, in1),
		h.in2.Set(ctx, in2),
	)
}

// SetDutyCycle writes duty/MaxDuty to ENA.
func (h *HBridge) SetDutyCycle(ctx context.Context, duty uint8) error {
	return h.ena.SetPWM(ctx, float64(duty)/motor.MaxDuty)
}
