// Package control contains the discrete PID regulator and the fixed period loop that steps the
// motor controller.
package control

import (
	"fmt"
	"math"
	"sync"

	"github.com/samber/lo"

	"github.com/motorctl/pidmotor/components/motor"
	"github.com/motorctl/pidmotor/logging"
)

// PIDConfig holds the gains and the anti-windup bounds of the integrator.
type PIDConfig struct {
	Kp            float64 `json:"kp"`
	Ki            float64 `json:"ki"`
	Kd            float64 `json:"kd"`
	IntegratorMin float64 `json:"integrator_min"`
	IntegratorMax float64 `json:"integrator_max"`
}

// DefaultPIDConfig returns P=1.0, I=0.5, D=1.0 with the integrator bounded to [-500, 500].
func DefaultPIDConfig() PIDConfig {
	return PIDConfig{Kp: 1.0, Ki: 0.5, Kd: 1.0, IntegratorMin: -500, IntegratorMax: 500}
}

// Validate ensures all parts of the config are valid.
func (cfg PIDConfig) Validate(path string) error {
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"kp", cfg.Kp},
		{"ki", cfg.Ki},
		{"kd", cfg.Kd},
		{"integrator_min", cfg.IntegratorMin},
		{"integrator_max", cfg.IntegratorMax},
	} {
		if err := motor.CheckFinite(path+"."+field.name, field.value); err != nil {
			return err
		}
	}
	if cfg.IntegratorMin > cfg.IntegratorMax {
		return motor.NewConfigurationError(path+".integrator_min",
			fmt.Sprintf("%v is greater than integrator_max %v", cfg.IntegratorMin, cfg.IntegratorMax))
	}
	return nil
}

// PIDState is a copy of everything Update reads and writes.
type PIDState struct {
	Kp            float64 `json:"kp"`
	Ki            float64 `json:"ki"`
	Kd            float64 `json:"kd"`
	Setpoint      float64 `json:"setpoint"`
	Error         float64 `json:"error"`
	Integrator    float64 `json:"integrator"`
	PreviousError float64 `json:"previous_error"`
	IntegratorMin float64 `json:"integrator_min"`
	IntegratorMax float64 `json:"integrator_max"`
}

// PID is a discrete PID regulator with a fixed step: each Update is one integration and one
// derivative step regardless of wall time. The integrator is clamped after every step.
type PID struct {
	mu         sync.Mutex
	kp, ki, kd float64
	imin, imax float64
	setpoint   float64
	err        float64
	integrator float64
	prevError  float64

	logger logging.Logger
}

// NewPID returns a PID with zeroed state.
func NewPID(cfg PIDConfig, logger logging.Logger) (*PID, error) {
	if err := cfg.Validate("pid"); err != nil {
		return nil, err
	}
	return &PID{
		kp:     cfg.Kp,
		ki:     cfg.Ki,
		kd:     cfg.Kd,
		imin:   cfg.IntegratorMin,
		imax:   cfg.IntegratorMax,
		logger: logger,
	}, nil
}

// Update runs one step against measurement and returns P + I + D. A non-finite measurement is
// dropped without touching the state and yields 0.
func (p *PID) Update(measurement float64) float64 {
	if math.IsNaN(measurement) || math.IsInf(measurement, 0) {
		p.logger.Warnw("dropping non-finite measurement", "measurement", measurement)
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.err = p.setpoint - measurement
	pTerm := p.kp * p.err
	dTerm := p.kd * (p.err - p.prevError)
	p.prevError = p.err

	p.integrator = lo.Clamp(p.integrator+p.err, p.imin, p.imax)
	iTerm := p.ki * p.integrator

	return pTerm + iTerm + dTerm
}

// SetSetpoint sets the value Update regulates towards.
func (p *PID) SetSetpoint(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setpoint = v
}

// SetGains replaces all three gains at once.
func (p *PID) SetGains(kp, ki, kd float64) error {
	for name, v := range map[string]float64{"kp": kp, "ki": ki, "kd": kd} {
		if err := motor.CheckFinite("pid."+name, v); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kp, p.ki, p.kd = kp, ki, kd
	p.logger.Debugw("gains updated", "kp", kp, "ki", ki, "kd", kd)
	return nil
}

// SetKp sets the proportional gain.
func (p *PID) SetKp(v float64) error {
	return p.setGain("kp", &p.kp, v)
}

// SetKi sets the integral gain.
func (p *PID) SetKi(v float64) error {
	return p.setGain("ki", &p.ki, v)
}

// SetKd sets the derivative gain.
func (p *PID) SetKd(v float64) error {
	return p.setGain("kd", &p.kd, v)
}

func (p *PID) setGain(name string, gain *float64, v float64) error {
	if err := motor.CheckFinite("pid."+name, v); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	*gain = v
	p.logger.Debugw("gain updated", name, v)
	return nil
}

// SetIntegrator overwrites the accumulator, clamped to the configured bounds.
func (p *PID) SetIntegrator(v float64) error {
	if err := motor.CheckFinite("pid.integrator", v); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.integrator = lo.Clamp(v, p.imin, p.imax)
	return nil
}

// SetDerivator overwrites the previous error used by the derivative term.
func (p *PID) SetDerivator(v float64) error {
	if err := motor.CheckFinite("pid.derivator", v); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prevError = v
	return nil
}

// Reset zeroes the integrator and the error history. Gains and setpoint are kept.
func (p *PID) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = 0
	p.integrator = 0
	p.prevError = 0
}

// Setpoint returns the current setpoint.
func (p *PID) Setpoint() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setpoint
}

// Error returns the error computed by the last Update.
func (p *PID) Error() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Integrator returns the accumulator.
func (p *PID) Integrator() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.integrator
}

// PreviousError returns the error the next derivative term is taken against.
func (p *PID) PreviousError() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prevError
}

// Gains returns Kp, Ki and Kd as one consistent triple.
func (p *PID) Gains() (kp, ki, kd float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kp, p.ki, p.kd
}

// Snapshot returns the whole state under one lock.
func (p *PID) Snapshot() PIDState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PIDState{
		Kp:            p.kp,
		Ki:            p.ki,
		Kd:            p.kd,
		Setpoint:      p.setpoint,
		Error:         p.err,
		Integrator:    p.integrator,
		PreviousError: p.prevError,
		IntegratorMin: p.imin,
		IntegratorMax: p.imax,
	}
}
