// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"sync"
)

// SingleResultCallback consumes the terminal outcome of an operation that was
// started without blocking the caller. It is invoked exactly once per
// started operation.
type SingleResultCallback func(err error)

// ExecuteAsync runs the operation on its own goroutine and delivers the
// outcome to cb. The blocking and non-blocking forms share the same engine;
// this form only changes how the outcome reaches the caller.
func (op Operation) ExecuteAsync(ctx context.Context, cb SingleResultCallback) {
	go func() {
		cb(op.Execute(ctx))
	}()
}

// callbackQueue serializes callbacks submitted from multiple goroutines.
// A submitted callback either runs inline, or, when another callback is
// already running, is queued and later run by the goroutine that is
// currently draining the queue. Queued callbacks run in submission order.
type callbackQueue struct {
	mu      sync.Mutex
	running bool
	pending []func()
}

// Run executes fn or queues it behind the callback currently running.
func (q *callbackQueue) Run(fn func()) {
	q.mu.Lock()
	if q.running {
		q.pending = append(q.pending, fn)
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	for {
		fn()

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn = q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
	}
}
