// Package config defines the motor controller's configuration file and how it is read.
package config

import (
	"fmt"
	"time"

	"github.com/motorctl/pidmotor/components/board"
	"github.com/motorctl/pidmotor/components/motor"
	"github.com/motorctl/pidmotor/components/motor/gpio"
	"github.com/motorctl/pidmotor/control"
	"github.com/motorctl/pidmotor/logging"
	"github.com/motorctl/pidmotor/telemetry"
)

// Config describes the whole controller: one board, one encoder, one motor.
type Config struct {
	Board     board.Config     `json:"board"`
	Encoder   EncoderConfig    `json:"encoder"`
	Motor     gpio.Config      `json:"motor"`
	PID       PIDConfig        `json:"pid"`
	Loop      LoopConfig       `json:"loop"`
	Telemetry telemetry.Config `json:"telemetry"`
	Log       LogConfig        `json:"log"`

	ConfigFilePath string `json:"-"`
}

// EncoderConfig names the board interrupts wired to the encoder channels.
type EncoderConfig struct {
	A          string `json:"a"`
	B          string `json:"b"`
	Resolution int    `json:"resolution"`
}

// PIDConfig is the regulator's gains and bounds plus how it behaves across enables.
type PIDConfig struct {
	control.PIDConfig `json:",squash"`
	ResetOnEnable     bool `json:"reset_on_enable"`
}

// LoopConfig controls ticking and what the supervisor does when a tick fails.
type LoopConfig struct {
	TickInterval time.Duration `json:"tick_interval"`
	StartEnabled bool          `json:"start_enabled"`
	// MaxRestarts is how many times a failed loop is re-enabled before giving up. 0 never retries.
	MaxRestarts  int           `json:"max_restarts"`
	RestartDelay time.Duration `json:"restart_delay"`
}

// LogConfig sets the level and an optional rotated log file.
type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}

// Default returns the wiring and tuning of the reference build: encoder on 20/21 at 128 counts,
// L298N on 24/23/22 at 60Hz, a 350 RPM ceiling and a 100ms tick.
func Default() *Config {
	return &Config{
		Board: board.Config{Model: "periph"},
		Encoder: EncoderConfig{
			A:          "20",
			B:          "21",
			Resolution: 128,
		},
		Motor: gpio.Config{
			ENA:             "24",
			IN1:             "23",
			IN2:             "22",
			PWMFreq:         60,
			MaxSpeedRPM:     350,
			InitialSpeedRPM: 100,
			InitialForward:  true,
		},
		PID: PIDConfig{
			PIDConfig: control.PIDConfig{
				Kp:            1.0,
				Ki:            0.25,
				Kd:            0.5,
				IntegratorMin: -500,
				IntegratorMax: 500,
			},
		},
		Loop: LoopConfig{
			TickInterval: 100 * time.Millisecond,
			RestartDelay: time.Second,
		},
		Telemetry: telemetry.Config{
			Interval:       10 * time.Second,
			SampleInterval: 100 * time.Millisecond,
			Window:         50,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if err := cfg.Board.Validate("board"); err != nil {
		return err
	}
	if err := cfg.Encoder.Validate("encoder"); err != nil {
		return err
	}
	if err := cfg.Motor.Validate("motor"); err != nil {
		return err
	}
	if err := cfg.PID.Validate("pid"); err != nil {
		return err
	}
	if err := cfg.Loop.Validate("loop"); err != nil {
		return err
	}
	if err := cfg.Telemetry.Validate("telemetry"); err != nil {
		return err
	}
	return cfg.Log.Validate("log")
}

// Validate ensures all parts of the config are valid.
func (conf *EncoderConfig) Validate(path string) error {
	if conf.A == "" {
		return motor.NewConfigurationError(path+".a", "interrupt is required")
	}
	if conf.B == "" {
		return motor.NewConfigurationError(path+".b", "interrupt is required")
	}
	if conf.A == conf.B {
		return motor.NewConfigurationError(path+".b", fmt.Sprintf("must differ from channel a (%q)", conf.A))
	}
	if conf.Resolution <= 0 {
		return motor.NewConfigurationError(path+".resolution", fmt.Sprintf("must be positive, got %d", conf.Resolution))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (conf *LoopConfig) Validate(path string) error {
	if conf.TickInterval <= 0 {
		return motor.NewConfigurationError(path+".tick_interval", fmt.Sprintf("must be positive, got %v", conf.TickInterval))
	}
	if conf.MaxRestarts < 0 {
		return motor.NewConfigurationError(path+".max_restarts", fmt.Sprintf("must not be negative, got %d", conf.MaxRestarts))
	}
	if conf.RestartDelay < 0 {
		return motor.NewConfigurationError(path+".restart_delay", fmt.Sprintf("must not be negative, got %v", conf.RestartDelay))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (conf *LogConfig) Validate(path string) error {
	if _, err := logging.LevelFromString(conf.Level); err != nil {
		return motor.NewConfigurationError(path+".level", err.Error())
	}
	return nil
}

// BoardConfig returns the board section with the encoder channels declared as digital interrupts
// when the attributes do not list any.
func (cfg *Config) BoardConfig() board.Config {
	conf := board.Config{Model: cfg.Board.Model, Attributes: map[string]interface{}{}}
	for k, v := range cfg.Board.Attributes {
		conf.Attributes[k] = v
	}
	if _, ok := conf.Attributes["digital_interrupts"]; !ok {
		conf.Attributes["digital_interrupts"] = []interface{}{
			map[string]interface{}{"name": cfg.Encoder.A, "pin": cfg.Encoder.A},
			map[string]interface{}{"name": cfg.Encoder.B, "pin": cfg.Encoder.B},
		}
	}
	return conf
}

// DriveOptions returns the drive loop settings that live outside the motor section.
func (cfg *Config) DriveOptions() gpio.DriveOptions {
	return gpio.DriveOptions{
		TickInterval:  cfg.Loop.TickInterval,
		ResetOnEnable: cfg.PID.ResetOnEnable,
	}
}
