// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver contains the operation-execution core: the generic engine
// that turns a command into a wire message, sends it to a selected server,
// retries transient failures, and exposes paginated results as batch cursors.
//
// Connection pooling, server monitoring, and authentication are external;
// they are consumed through the Deployment, Server, and Connection
// interfaces defined here.
package driver

import (
	"context"
	"sync/atomic"

	"github.com/ikmak/mongocore/address"
	"github.com/ikmak/mongocore/description"
)

// Deployment is implemented by types that can select a server from a
// deployment.
type Deployment interface {
	SelectServer(context.Context, description.ServerSelector) (Server, error)
	Kind() description.TopologyKind
}

// Server represents a server. Implementations should pool connections and
// handle the retrieving and returning of connections.
type Server interface {
	Connection(context.Context) (Connection, error)
}

// Connection represents a connection to a server.
type Connection interface {
	WriteWireMessage(context.Context, []byte) error
	ReadWireMessage(ctx context.Context, dst []byte) ([]byte, error)
	Description() description.Server
	Close() error
	ID() string
	Address() address.Address
}

// ErrorProcessor implementations can handle processing errors, which may
// modify their internal state. If this type is implemented by a Server, then
// Operation.Execute will call its ProcessError method after it decodes a wire
// message.
type ErrorProcessor interface {
	ProcessError(error)
}

// RTTMonitored is implemented by Servers that track the round trip times of
// their heartbeats. When available, the engine uses the monitor to avoid
// sending a request whose round trip cannot complete before the context
// deadline.
type RTTMonitored interface {
	RTTMonitor() RTTMonitor
}

// CompressedConnection is implemented by Connections that negotiated wire
// message compression during their handshake.
type CompressedConnection interface {
	Connection
	CompressionOpts() CompressionOpts
}

// RetryablePoolError is a connection pool error that can be retried while
// executing an operation.
type RetryablePoolError interface {
	Retryable() bool
}

// SingleServerDeployment is an implementation of Deployment that always
// returns a single server.
type SingleServerDeployment struct{ S Server }

// SelectServer implements the Deployment interface. This method does not use
// the description.ServerSelector provided and instead returns the embedded
// Server.
func (ssd SingleServerDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return ssd.S, nil
}

// Kind implements the Deployment interface. It always returns
// description.Single.
func (SingleServerDeployment) Kind() description.TopologyKind { return description.Single }

// SingleConnectionDeployment is an implementation of Deployment that always
// returns the same Connection. The connection is not closed when an attempt
// finishes; its lifetime belongs to the caller.
type SingleConnectionDeployment struct{ C Connection }

// SelectServer implements the Deployment interface.
func (scd SingleConnectionDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return scd, nil
}

// Kind implements the Deployment interface. It always returns
// description.Single.
func (SingleConnectionDeployment) Kind() description.TopologyKind { return description.Single }

// Connection implements the Server interface. It always returns the embedded
// connection.
func (scd SingleConnectionDeployment) Connection(context.Context) (Connection, error) {
	return nopCloserConnection{scd.C}, nil
}

// nopCloserConnection ensures the engine's per-attempt close does not close a
// caller-owned connection.
type nopCloserConnection struct{ Connection }

func (nopCloserConnection) Close() error { return nil }

// ConnectionSource is a refcounted binding of an operation to one selected
// server. It is created with a reference count of one; every Retain must be
// matched by exactly one Release. Releasing past zero and checking out a
// connection after the final release are defects and are reported as
// ErrConnectionSourceReleased.
type ConnectionSource struct {
	server Server
	refs   int64
}

func newConnectionSource(server Server) *ConnectionSource {
	return &ConnectionSource{server: server, refs: 1}
}

// Retain increments the source's reference count and returns the source so
// ownership transfers can be written as a single expression.
func (cs *ConnectionSource) Retain() *ConnectionSource {
	atomic.AddInt64(&cs.refs, 1)
	return cs
}

// Release decrements the source's reference count.
func (cs *ConnectionSource) Release() error {
	if atomic.AddInt64(&cs.refs, -1) < 0 {
		return ErrConnectionSourceReleased
	}
	return nil
}

// Server returns the server this source is bound to.
func (cs *ConnectionSource) Server() Server { return cs.server }

// Connection checks a connection out of the bound server's pool.
func (cs *ConnectionSource) Connection(ctx context.Context) (Connection, error) {
	if atomic.LoadInt64(&cs.refs) <= 0 {
		return nil, ErrConnectionSourceReleased
	}
	return cs.server.Connection(ctx)
}
