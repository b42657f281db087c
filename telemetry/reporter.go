// Package telemetry reads the drive loop's state on a schedule and logs it with summary statistics
// of the recently measured speed.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/motorctl/pidmotor/components/motor"
	"github.com/motorctl/pidmotor/logging"
)

// Exporter is the read-only view of a control loop. Implementations must not block on a tick
// beyond a short copy.
type Exporter interface {
	State() motor.State
	PushLatest() float64
}

// Config holds the reporting schedule.
type Config struct {
	Interval       time.Duration `json:"interval"`
	SampleInterval time.Duration `json:"sample_interval"`
	Window         int           `json:"window"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.Interval <= 0 {
		return motor.NewConfigurationError(path+".interval", fmt.Sprintf("must be positive, got %v", conf.Interval))
	}
	if conf.SampleInterval <= 0 {
		return motor.NewConfigurationError(path+".sample_interval", fmt.Sprintf("must be positive, got %v", conf.SampleInterval))
	}
	if conf.Window <= 0 {
		return motor.NewConfigurationError(path+".window", fmt.Sprintf("must be positive, got %d", conf.Window))
	}
	return nil
}

// Summary describes the speeds in the window.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Report is what each scheduled run publishes.
type Report struct {
	Count   uint64      `json:"count"`
	State   motor.State `json:"state"`
	Summary Summary     `json:"summary"`
}

// Reporter samples an Exporter into a rolling window and periodically logs a Report.
type Reporter struct {
	exporter  Exporter
	conf      Config
	logger    logging.Logger
	scheduler gocron.Scheduler
	reports   atomic.Uint64

	mu     sync.Mutex
	window []float64
	next   int
	last   Report
}

// NewReporter schedules sampling and reporting. Nothing runs until Start.
func NewReporter(exporter Exporter, conf Config, logger logging.Logger) (*Reporter, error) {
	if err := conf.Validate("telemetry"); err != nil {
		return nil, err
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	r := &Reporter{
		exporter:  exporter,
		conf:      conf,
		logger:    logger,
		scheduler: scheduler,
		window:    make([]float64, 0, conf.Window),
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(conf.SampleInterval),
		gocron.NewTask(func() { r.Observe(exporter.PushLatest()) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, errors.Wrap(err, "scheduling speed sampling")
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(conf.Interval),
		gocron.NewTask(func() { r.Report() }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, errors.Wrap(err, "scheduling report")
	}
	return r, nil
}

// Observe adds a speed to the window, evicting the oldest once it is full.
func (r *Reporter) Observe(speed float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.window) < r.conf.Window {
		r.window = append(r.window, speed)
		return
	}
	r.window[r.next] = speed
	r.next = (r.next + 1) % r.conf.Window
}

// Summary computes statistics over the current window. An empty window gives a zero Summary.
func (r *Reporter) Summary() Summary {
	r.mu.Lock()
	data := stats.Float64Data(append([]float64(nil), r.window...))
	r.mu.Unlock()

	if data.Len() == 0 {
		return Summary{}
	}
	// stats only errors on empty input.
	mean, _ := data.Mean()
	stdDev, _ := data.StandardDeviation()
	lowest, _ := data.Min()
	highest, _ := data.Max()
	return Summary{Count: data.Len(), Mean: mean, StdDev: stdDev, Min: lowest, Max: highest}
}

// Report reads the state once, logs it and returns it.
func (r *Reporter) Report() Report {
	report := Report{
		Count:   r.reports.Inc(),
		State:   r.exporter.State(),
		Summary: r.Summary(),
	}
	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	r.logger.Infow(report.State.String(),
		"count", report.Count,
		"samples", report.Summary.Count,
		"mean", report.Summary.Mean,
		"std_dev", report.Summary.StdDev,
		"min", report.Summary.Min,
		"max", report.Summary.Max,
		"position", report.State.Position,
		"edges", report.State.Edges,
		"glitches", report.State.Glitches,
	)
	return report
}

// Last returns the most recent Report.
func (r *Reporter) Last() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start begins sampling and reporting.
func (r *Reporter) Start() {
	r.logger.Debugw("starting reporter", "interval", r.conf.Interval, "sample_interval", r.conf.SampleInterval)
	r.scheduler.Start()
}

// Stop shuts the scheduler down and waits for running jobs.
func (r *Reporter) Stop() error {
	return r.scheduler.Shutdown()
}
