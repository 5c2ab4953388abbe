// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

// RetryMode specifies the way that retries are handled for retryable
// operations.
type RetryMode uint

// These are the modes available for retrying.
const (
	// RetryNone disables retrying.
	RetryNone RetryMode = iota
	// RetryOnce will enable retrying the entire operation once immediately
	// after the first failure.
	RetryOnce
	// RetryContext will enable retrying until the context.Context's deadline
	// is exceeded or it is cancelled.
	RetryContext
)

// Enabled returns if this RetryMode enables retrying.
func (rm RetryMode) Enabled() bool {
	return rm == RetryOnce || rm == RetryContext
}

// RetryState tracks the attempts of a single operation invocation. One
// RetryState is created per Execute call and threaded through every attempt,
// so the engine can tell a first attempt from a resumed one, enforce the
// attempt ceiling, and surface the failure that triggered the retry when the
// retry itself cannot proceed.
type RetryState struct {
	attempts    int
	maxAttempts int // negative means no ceiling
	lastAttempt bool
	err         error
}

// NewRetryState returns a RetryState sized for the given mode. A nil mode or
// RetryNone permits exactly one attempt.
func NewRetryState(mode *RetryMode) *RetryState {
	rs := &RetryState{maxAttempts: 1}
	if mode == nil {
		return rs
	}
	switch *mode {
	case RetryOnce:
		rs.maxAttempts = 2
	case RetryContext:
		rs.maxAttempts = -1
	}
	return rs
}

// ShouldAttempt reports whether another attempt may begin. It returns false
// once the attempt ceiling is reached or a prior attempt was marked as the
// last one.
func (rs *RetryState) ShouldAttempt() bool {
	if rs.lastAttempt && rs.attempts > 0 {
		return false
	}
	if rs.maxAttempts >= 0 && rs.attempts >= rs.maxAttempts {
		return false
	}
	return true
}

// Attempt records the start of an attempt.
func (rs *RetryState) Attempt() {
	rs.attempts++
}

// AttemptCount returns the number of attempts started so far.
func (rs *RetryState) AttemptCount() int {
	return rs.attempts
}

// MarkLastAttempt flags the attempt in progress as the final one. It is
// called before sending when the chosen protocol form cannot be retried, so
// a subsequent failure is surfaced instead of retried.
func (rs *RetryState) MarkLastAttempt() {
	rs.lastAttempt = true
}

// IsLastAttempt reports whether the attempt in progress was marked final.
func (rs *RetryState) IsLastAttempt() bool {
	return rs.lastAttempt
}

// RecordFailure stores the failure of the attempt in progress. The stored
// error is what LastError returns if a later attempt cannot proceed.
func (rs *RetryState) RecordFailure(err error) {
	rs.err = err
}

// LastError returns the most recently recorded failure.
func (rs *RetryState) LastError() error {
	return rs.err
}
