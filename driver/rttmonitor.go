// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// RTTMonitor represents a monitor that tracks the round trip times of
// requests to a server.
type RTTMonitor interface {
	// Min returns the minimum observed round trip time over the windowed
	// samples, or 0 if none have been observed.
	Min() time.Duration

	// P90 returns the 90th percentile of observed round trip times over the
	// windowed samples, or 0 if none have been observed.
	P90() time.Duration

	// Stats returns stringified stats of the current state of the monitor.
	Stats() string
}

var _ RTTMonitor = &RTTSampler{}

// RTTSampler collects round trip time samples in a fixed-size window and
// computes summary statistics over them. It is safe for concurrent use.
type RTTSampler struct {
	mu      sync.RWMutex
	samples []float64
	pos     int
	full    bool
}

// NewRTTSampler returns an RTTSampler that keeps the most recent size
// samples.
func NewRTTSampler(size int) *RTTSampler {
	if size <= 0 {
		size = 10
	}
	return &RTTSampler{samples: make([]float64, size)}
}

// AddSample records one observed round trip time, evicting the oldest sample
// once the window is full.
func (r *RTTSampler) AddSample(rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.pos] = float64(rtt)
	r.pos++
	if r.pos == len(r.samples) {
		r.pos = 0
		r.full = true
	}
}

// window returns the populated portion of the sample buffer. The lock must be
// held.
func (r *RTTSampler) window() []float64 {
	if r.full {
		return r.samples
	}
	return r.samples[:r.pos]
}

// Min implements the RTTMonitor interface.
func (r *RTTSampler) Min() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w := r.window()
	if len(w) == 0 {
		return 0
	}
	min, err := stats.Min(w)
	if err != nil {
		return 0
	}
	return time.Duration(min)
}

// P90 implements the RTTMonitor interface.
func (r *RTTSampler) P90() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w := r.window()
	if len(w) == 0 {
		return 0
	}
	p, err := stats.Percentile(w, 90)
	if err != nil {
		return 0
	}
	return time.Duration(p)
}

// Stats implements the RTTMonitor interface.
func (r *RTTSampler) Stats() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w := r.window()
	if len(w) == 0 {
		return "no round trip times recorded"
	}

	min, _ := stats.Min(w)
	avg, _ := stats.Mean(w)
	p90, _ := stats.Percentile(w, 90)
	return fmt.Sprintf(
		"network round-trip time stats: min: %v, avg: %v, 90th pct: %v, samples: %d",
		time.Duration(min), time.Duration(avg), time.Duration(p90), len(w))
}
