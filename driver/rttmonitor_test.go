// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRTTSampler(t *testing.T) {
	t.Run("empty sampler reports zero", func(t *testing.T) {
		s := NewRTTSampler(10)
		assert.Equal(t, time.Duration(0), s.Min())
		assert.Equal(t, time.Duration(0), s.P90())
	})
	t.Run("min and p90 over the window", func(t *testing.T) {
		s := NewRTTSampler(10)
		s.AddSample(10 * time.Millisecond)
		s.AddSample(20 * time.Millisecond)
		s.AddSample(30 * time.Millisecond)

		assert.Equal(t, 10*time.Millisecond, s.Min())
		// stats.Percentile interpolates between the two highest samples.
		assert.Equal(t, 25*time.Millisecond, s.P90())
	})
	t.Run("old samples are evicted", func(t *testing.T) {
		s := NewRTTSampler(3)
		s.AddSample(1 * time.Millisecond) // evicted by the fourth sample
		s.AddSample(20 * time.Millisecond)
		s.AddSample(30 * time.Millisecond)
		s.AddSample(40 * time.Millisecond)

		assert.Equal(t, 20*time.Millisecond, s.Min())
	})
	t.Run("stats names the observed values", func(t *testing.T) {
		s := NewRTTSampler(3)
		assert.Contains(t, s.Stats(), "no round trip times")
		s.AddSample(10 * time.Millisecond)
		assert.Contains(t, s.Stats(), "min")
	})
}
