// Package quadrature decodes a two channel rotary encoder into a position counter, a direction
// and an interval speed estimate in revolutions per minute.
package quadrature

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"github.com/motorctl/pidmotor/components/board"
	"github.com/motorctl/pidmotor/components/motor"
	"github.com/motorctl/pidmotor/logging"
)

// Channel identifies one of the two encoder outputs.
type Channel int

// Encoder channels. noChannel is the debounce source before any edge has been seen.
const (
	noChannel Channel = iota - 1
	ChannelA
	ChannelB
)

func (c Channel) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelB:
		return "B"
	case noChannel:
		return "none"
	}
	return fmt.Sprintf("Channel(%d)", int(c))
}

// Decoder keeps track of a motor position using a rotary quadrature encoder.
//
//	    +---------+         +---------+      0
//	    |         |         |         |
//	A   |         |         |         |
//	    |         |         |         |
//	+---+         +---------+         +----- 1
//
//	        +---------+         +---------+  0
//	        |         |         |         |
//	B       |         |         |         |
//	        |         |         |         |
//	--------+         +---------+         +- 1
//
// A rising edge on A while B is high counts +1, a rising edge on B while A is high counts -1.
// An edge from the same channel as the last accepted one is a bounce and is dropped.
type Decoder struct {
	resolution float64
	clk        clock.Clock
	logger     logging.Logger

	// mu guards every field below up to glitches. Edges hold it for one update only.
	mu           sync.Mutex
	levelA       bool
	levelB       bool
	lastSource   Channel
	position     int64
	prevPosition int64
	direction    int
	lastSample   time.Time

	glitches atomic.Uint64
	edges    atomic.Uint64

	attachMu                sync.Mutex
	subs                    []board.Subscription
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewDecoder returns a decoder for an encoder with the given pulses per revolution. The speed
// baseline starts at clk's current time.
func NewDecoder(resolution int, clk clock.Clock, logger logging.Logger) (*Decoder, error) {
	if resolution <= 0 {
		return nil, motor.NewConfigurationError("encoder.resolution", fmt.Sprintf("must be positive, got %d", resolution))
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Decoder{
		resolution: float64(resolution),
		clk:        clk,
		logger:     logger,
		lastSource: noChannel,
		direction:  1,
		lastSample: clk.Now(),
	}, nil
}

// IngestEdge applies one edge. The channel's level is always recorded, even for a bounce, so that
// the next edge on the other channel decodes against what the wire actually shows.
func (d *Decoder) IngestEdge(channel Channel, high bool, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if channel == ChannelA {
		d.levelA = high
	} else {
		d.levelB = high
	}

	if channel == d.lastSource {
		return
	}
	d.lastSource = channel
	d.edges.Inc()

	var way int
	switch {
	case channel == ChannelA && high && d.levelB:
		way = 1
	case channel == ChannelB && high && d.levelA:
		way = -1
	default:
		return
	}

	d.position += int64(way)
	// A reversal passes through zero speed, so the sampling interval restarts here.
	if way != d.direction {
		d.lastSample = ts
		d.direction = way
	}
}

// SampleSpeed returns the signed speed in RPM since the previous sample and starts a new
// interval at now. A non-positive interval is counted as a glitch and reads as 0.
func (d *Decoder) SampleSpeed(now time.Time) float64 {
	d.mu.Lock()
	elapsed := now.Sub(d.lastSample)
	distance := d.position - d.prevPosition
	d.lastSample = now
	d.prevPosition = d.position
	d.mu.Unlock()

	if elapsed <= 0 {
		d.glitches.Inc()
		d.logger.Debugw("speed sample with no elapsed time", "elapsed", elapsed, "distance", distance)
		return 0
	}
	return (float64(distance) / d.resolution) / elapsed.Minutes()
}

// Position returns the current position counter.
func (d *Decoder) Position() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

// Direction returns +1 or -1 for the last decoded direction.
func (d *Decoder) Direction() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.direction
}

// Glitches returns how many speed samples had no elapsed time.
func (d *Decoder) Glitches() uint64 {
	return d.glitches.Load()
}

// Edges returns how many edges passed the debounce check.
func (d *Decoder) Edges() uint64 {
	return d.edges.Load()
}

// ResetPosition makes the current position zero. The next speed sample still reports the travel
// since the previous one.
func (d *Decoder) ResetPosition() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prevPosition -= d.position
	d.position = 0
}

// Attach subscribes to the two interrupts and feeds their ticks into IngestEdge from a background
// worker until Teardown. Edges are stamped with the decoder's clock on arrival.
func (d *Decoder) Attach(ctx context.Context, a, b board.DigitalInterrupt) error {
	d.attachMu.Lock()
	defer d.attachMu.Unlock()
	if d.cancelFunc != nil {
		return errors.New("decoder is already attached")
	}

	chanA := make(chan board.Tick)
	chanB := make(chan board.Tick)
	d.subs = []board.Subscription{a.Subscribe(chanA), b.Subscribe(chanB)}

	cancelCtx, cancelFunc := context.WithCancel(ctx)
	d.cancelFunc = cancelFunc
	d.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for {
			select {
			case <-cancelCtx.Done():
				return
			default:
			}

			select {
			case <-cancelCtx.Done():
				return
			case tick := <-chanA:
				d.IngestEdge(ChannelA, tick.High, d.clk.Now())
			case tick := <-chanB:
				d.IngestEdge(ChannelB, tick.High, d.clk.Now())
			}
		}
	}, d.activeBackgroundWorkers.Done)
	return nil
}

// Teardown cancels the edge subscriptions and waits for the worker to exit. It is safe to call
// more than once and on a decoder that was never attached.
func (d *Decoder) Teardown() {
	d.attachMu.Lock()
	defer d.attachMu.Unlock()
	for _, sub := range d.subs {
		sub.Cancel()
	}
	d.subs = nil
	if d.cancelFunc != nil {
		d.cancelFunc()
		d.activeBackgroundWorkers.Wait()
	}
}
