// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"testing"
)

func TestRetryMode(t *testing.T) {
	testCases := []struct {
		mode    RetryMode
		enabled bool
	}{
		{RetryNone, false},
		{RetryOnce, true},
		{RetryContext, true},
	}
	for _, tc := range testCases {
		if got := tc.mode.Enabled(); got != tc.enabled {
			t.Errorf("Enabled mismatch for mode %d. got %v; want %v", tc.mode, got, tc.enabled)
		}
	}
}

func TestRetryState(t *testing.T) {
	t.Run("nil mode permits exactly one attempt", func(t *testing.T) {
		rs := NewRetryState(nil)
		if !rs.ShouldAttempt() {
			t.Fatalf("the first attempt must be permitted")
		}
		rs.Attempt()
		if rs.ShouldAttempt() {
			t.Errorf("a second attempt must not be permitted")
		}
	})
	t.Run("RetryOnce permits two attempts", func(t *testing.T) {
		mode := RetryOnce
		rs := NewRetryState(&mode)
		rs.Attempt()
		if !rs.ShouldAttempt() {
			t.Fatalf("the retry attempt must be permitted")
		}
		rs.Attempt()
		if rs.ShouldAttempt() {
			t.Errorf("a third attempt must not be permitted")
		}
		if rs.AttemptCount() != 2 {
			t.Errorf("attempt count mismatch. got %d; want 2", rs.AttemptCount())
		}
	})
	t.Run("RetryContext has no attempt ceiling", func(t *testing.T) {
		mode := RetryContext
		rs := NewRetryState(&mode)
		for i := 0; i < 100; i++ {
			if !rs.ShouldAttempt() {
				t.Fatalf("attempt %d must be permitted", i+1)
			}
			rs.Attempt()
		}
	})
	t.Run("marking the last attempt suppresses further attempts", func(t *testing.T) {
		mode := RetryContext
		rs := NewRetryState(&mode)
		rs.Attempt()
		rs.MarkLastAttempt()
		if !rs.IsLastAttempt() {
			t.Errorf("expected the attempt to be marked final")
		}
		if rs.ShouldAttempt() {
			t.Errorf("no attempt may start after the last attempt was marked")
		}
	})
	t.Run("marking before the first attempt does not block it", func(t *testing.T) {
		mode := RetryOnce
		rs := NewRetryState(&mode)
		rs.MarkLastAttempt()
		if !rs.ShouldAttempt() {
			t.Errorf("the attempt in progress must still be permitted")
		}
	})
	t.Run("recorded failures are returned by LastError", func(t *testing.T) {
		mode := RetryOnce
		rs := NewRetryState(&mode)
		rs.Attempt()
		want := errors.New("attempt one failed")
		rs.RecordFailure(want)
		if got := rs.LastError(); !errors.Is(got, want) {
			t.Errorf("LastError mismatch. got %v; want %v", got, want)
		}
	})
}
