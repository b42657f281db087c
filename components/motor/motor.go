// Package motor defines the contract between the speed control loop and the hardware that turns
// the motor: an Actuator that takes a direction and an 8-bit duty cycle, plus the state snapshot
// the loop exposes for telemetry.
package motor

import (
	"context"
	"fmt"
	"time"
)

// MaxDuty is the largest duty cycle an Actuator accepts.
const MaxDuty = 255

// An Actuator drives an H-bridge style motor output. Implementations must apply each call fully or
// return an error; callers write the direction before the duty cycle.
type Actuator interface {
	// SetDirection selects forward or reverse rotation.
	SetDirection(ctx context.Context, forward bool) error

	// SetDutyCycle sets the drive magnitude, 0 (off) to MaxDuty (full).
	SetDutyCycle(ctx context.Context, duty uint8) error

	// Neutral turns both direction outputs off.
	Neutral(ctx context.Context) error
}

// Direction is the rotation the actuator was last told to produce.
type Direction int

// Directions.
const (
	Reverse Direction = iota - 1
	Neutral
	Forward
)

// DirectionFromBool maps the forward flag used on the wire to a Direction.
func DirectionFromBool(forward bool) Direction {
	if forward {
		return Forward
	}
	return Reverse
}

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	case Neutral:
		return "neutral"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Command is one (direction, duty) pair written to the actuator.
type Command struct {
	Forward bool  `json:"forward"`
	Duty    uint8 `json:"duty"`
}

// State is a point-in-time copy of the control loop, safe to hand to telemetry consumers.
type State struct {
	Enabled       bool      `json:"enabled"`
	TargetSpeed   float64   `json:"target_speed"`
	MeasuredSpeed float64   `json:"measured_speed"`
	Direction     Direction `json:"direction"`
	Kp            float64   `json:"kp"`
	Ki            float64   `json:"ki"`
	Kd            float64   `json:"kd"`
	Setpoint      float64   `json:"setpoint"`
	Integrator    float64   `json:"integrator"`
	IntegratorMin float64   `json:"integrator_min"`
	IntegratorMax float64   `json:"integrator_max"`
	LastCommand   Command   `json:"last_command"`
	Position      int64     `json:"position"`
	Edges         uint64    `json:"edges"`
	Glitches      uint64    `json:"glitches"`
	Ticks         uint64    `json:"ticks"`
	Running       bool      `json:"running"`
}

func (s State) String() string {
	return fmt.Sprintf(
		"Set speed = %v measured speed = %v direction = %v Kp = %v Ki = %v Kd = %v enabled = %v",
		s.TargetSpeed, s.MeasuredSpeed, s.Direction, s.Kp, s.Ki, s.Kd, s.Enabled)
}

// Sample is a timestamped speed reading.
type Sample struct {
	Time  time.Time `json:"Time"`
	Speed float64   `json:"Speed"`
}
