// SPDX-License-Identifier: MIT

// Package pump provides the AudioPump, the single timing authority of the
// Tower pipeline. Every 24 ms it calls the frame source exactly once; it
// never generates audio and never selects sources.
package pump

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slbailey/tower/internal/audio"
	"github.com/slbailey/tower/internal/util"
)

// FrameSource is driven once per tick. The Tower EncoderManager implements it.
type FrameSource interface {
	NextFrame() []byte
}

// Pump fires one tick every FrameInterval against wall-clock deadlines.
//
// Tick k targets t0 + k*24ms. A tick that is late by more than one interval
// skips the missed deadlines rather than bursting catch-up calls, so the
// pump never drifts cumulatively and never double-ticks.
type Pump struct {
	source   FrameSource
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	started bool

	stop chan struct{}
	done chan struct{}

	ticks   uint64
	skipped uint64
}

// New creates a pump driving source at the canonical frame cadence.
func New(source FrameSource, logger *slog.Logger) *Pump {
	return &Pump{
		source:   source,
		interval: audio.FrameInterval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start spawns the tick task. Returns an error if already started.
func (p *Pump) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("pump: already started")
	}
	p.started = true

	go p.run()
	return nil
}

// Stop signals shutdown and joins the tick task with a bounded timeout.
func (p *Pump) Stop(timeout time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-time.After(timeout):
		if p.logger != nil {
			p.logger.Warn("pump tick task did not exit within timeout, abandoning")
		}
	}
}

// Ticks returns the number of ticks fired so far.
func (p *Pump) Ticks() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

// Skipped returns the number of deadlines skipped due to lateness.
func (p *Pump) Skipped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skipped
}

func (p *Pump) run() {
	defer close(p.done)

	start := time.Now()
	next := start

	for {
		next = next.Add(p.interval)

		// Late by more than one interval: advance the schedule to the
		// first future deadline instead of bursting missed ticks.
		if behind := time.Since(next); behind > p.interval {
			missed := uint64(behind/p.interval) + 1
			next = next.Add(time.Duration(missed) * p.interval)

			p.mu.Lock()
			p.skipped += missed
			p.mu.Unlock()
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-p.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		p.tick()

		p.mu.Lock()
		p.ticks++
		p.mu.Unlock()
	}
}

// tick drives the source once. A panicking tick is logged and must not
// stall subsequent ticks.
func (p *Pump) tick() {
	err := util.RecoverToError(func() error {
		p.source.NextFrame()
		return nil
	})
	if err != nil && p.logger != nil {
		p.logger.Error("tick failed", "err", err)
	}
}
