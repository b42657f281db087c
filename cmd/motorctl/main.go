// Package main runs a closed-loop speed controller for one DC motor.
package main

import (
	"context"
	"encoding/json"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	// registers all boards.
	_ "github.com/motorctl/pidmotor/components/board/register"
	"github.com/motorctl/pidmotor/config"
	"github.com/motorctl/pidmotor/controller"
	"github.com/motorctl/pidmotor/logging"
)

var logger = logging.NewLogger("motorctl")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	return newApp(logger).RunContext(ctx, args)
}

func newApp(logger logging.Logger) *cli.App {
	return &cli.App{
		Name:  "motorctl",
		Usage: "hold a DC motor at a target speed using a quadrature encoder and a PID loop",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"vvv"},
				Usage:   "log everything done on behalf of the controller at debug level, whatever log.level says",
			},
			&cli.BoolFlag{
				Name:  "simulate",
				Usage: "drive a simulated motor instead of the board",
			},
			&cli.BoolFlag{
				Name:  "enable",
				Usage: "start with the loop enabled",
			},
		},
		Action: func(c *cli.Context) error {
			return runController(c, logger)
		},
		Commands: []*cli.Command{
			{
				Name:  "print-config",
				Usage: "print the effective configuration and exit",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c, logger)
					if err != nil {
						return err
					}
					enc := json.NewEncoder(c.App.Writer)
					enc.SetIndent("", "  ")
					return enc.Encode(cfg)
				},
			},
		},
	}
}

func loadConfig(c *cli.Context, logger logging.Logger) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Read(path, logger)
}

// setupLogging applies the configured level and file. The returned func flushes the file.
func setupLogging(cfg *config.Config, logger logging.Logger) (func() error, error) {
	level, err := logging.LevelFromString(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if cfg.Log.File == "" {
		return func() error { return nil }, nil
	}
	appender, closer := logging.NewFileAppender(cfg.Log.File)
	logger.AddAppender(appender)
	return closer.Close, nil
}

func runController(c *cli.Context, logger logging.Logger) (err error) {
	cfg, err := loadConfig(c, logger)
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, closeLog())
	}()

	ctx := c.Context
	if c.Bool("debug") {
		ctx = logging.EnableDebugMode(ctx, "")
	}

	opts := controller.Options{
		Simulate: c.Bool("simulate"),
		Enable:   c.Bool("enable"),
	}
	ctrl, err := controller.New(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		// ctx is already done here; the motor must still be killed.
		err = multierr.Combine(err, ctrl.Close(context.Background()))
	}()

	logger.CInfow(ctx, "motor controller running",
		"board", cfg.Board.Model,
		"simulate", opts.Simulate,
		"enabled", opts.Enable || cfg.Loop.StartEnabled,
		"target_rpm", cfg.Motor.InitialSpeedRPM,
	)
	return ctrl.Run(ctx)
}
