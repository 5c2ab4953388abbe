// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package drivertest provides scripted implementations of the driver's
// Deployment, Server, and Connection interfaces for testing the engine
// without a real server.
package drivertest

import (
	"context"
	"strconv"
	"sync"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ikmak/mongocore/address"
	"github.com/ikmak/mongocore/description"
	"github.com/ikmak/mongocore/driver"
)

// MockConnection is a scripted driver.Connection. Responses are returned in
// order, one per read; writes are captured for inspection.
type MockConnection struct {
	Desc description.Server

	// Responses are dequeued by ReadWireMessage. When the queue is empty,
	// ReadErr is returned.
	Responses [][]byte

	WriteErr error
	ReadErr  error

	mu         sync.Mutex
	Written    [][]byte
	CloseCount int
}

var _ driver.Connection = (*MockConnection)(nil)

// WriteWireMessage implements the driver.Connection interface.
func (mc *MockConnection) WriteWireMessage(_ context.Context, wm []byte) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.WriteErr != nil {
		return mc.WriteErr
	}
	cp := make([]byte, len(wm))
	copy(cp, wm)
	mc.Written = append(mc.Written, cp)
	return nil
}

// ReadWireMessage implements the driver.Connection interface.
func (mc *MockConnection) ReadWireMessage(_ context.Context, _ []byte) ([]byte, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if len(mc.Responses) == 0 {
		if mc.ReadErr != nil {
			return nil, mc.ReadErr
		}
		return nil, errNoScriptedResponse
	}
	res := mc.Responses[0]
	mc.Responses = mc.Responses[1:]
	return res, nil
}

// Description implements the driver.Connection interface.
func (mc *MockConnection) Description() description.Server { return mc.Desc }

// Close implements the driver.Connection interface.
func (mc *MockConnection) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.CloseCount++
	return nil
}

// ID implements the driver.Connection interface.
func (mc *MockConnection) ID() string { return "<mock_connection>" }

// Address implements the driver.Connection interface.
func (mc *MockConnection) Address() address.Address { return mc.Desc.Addr }

// MockServer is a scripted driver.Server that hands out connections in
// order. When the script runs out, the last connection is handed out again.
type MockServer struct {
	Conns   []*MockConnection
	ConnErr error

	mu            sync.Mutex
	CheckoutCount int
}

var _ driver.Server = (*MockServer)(nil)

// Connection implements the driver.Server interface.
func (ms *MockServer) Connection(context.Context) (driver.Connection, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.ConnErr != nil {
		return nil, ms.ConnErr
	}
	if len(ms.Conns) == 0 {
		return nil, errNoScriptedConnection
	}
	idx := ms.CheckoutCount
	if idx >= len(ms.Conns) {
		idx = len(ms.Conns) - 1
	}
	ms.CheckoutCount++
	return ms.Conns[idx], nil
}

// MockDeployment is a scripted driver.Deployment backed by a single
// MockServer.
type MockDeployment struct {
	Server    *MockServer
	SelectErr error
	TopoKind  description.TopologyKind

	mu          sync.Mutex
	SelectCount int
}

var _ driver.Deployment = (*MockDeployment)(nil)

// SelectServer implements the driver.Deployment interface.
func (md *MockDeployment) SelectServer(context.Context, description.ServerSelector) (driver.Server, error) {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.SelectCount++
	if md.SelectErr != nil {
		return nil, md.SelectErr
	}
	return md.Server, nil
}

// Kind implements the driver.Deployment interface.
func (md *MockDeployment) Kind() description.TopologyKind {
	if md.TopoKind == 0 {
		return description.Single
	}
	return md.TopoKind
}

// CursorDoc builds the cursor sub-document of a command response:
// {id: <id>, ns: <ns>, <batchKey>: [docs...]}.
func CursorDoc(id int64, ns, batchKey string, docs ...bsoncore.Document) bsoncore.Document {
	idx, batch := bsoncore.AppendArrayStart(nil)
	for i, doc := range docs {
		batch = bsoncore.AppendDocumentElement(batch, strconv.Itoa(i), doc)
	}
	batch, _ = bsoncore.AppendArrayEnd(batch, idx)

	return bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendInt64Element(nil, "id", id),
		bsoncore.AppendStringElement(nil, "ns", ns),
		bsoncore.AppendArrayElement(nil, batchKey, batch),
	)
}

// CursorResponseDoc wraps a cursor sub-document into a full success
// response: {cursor: <cursorDoc>, ok: 1}.
func CursorResponseDoc(cursorDoc bsoncore.Document) bsoncore.Document {
	return bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendDocumentElement(nil, "cursor", cursorDoc),
		bsoncore.AppendDoubleElement(nil, "ok", 1),
	)
}

// CommandErrorDoc builds a command failure response document.
func CommandErrorDoc(code int32, codeName, errmsg string) bsoncore.Document {
	return bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendDoubleElement(nil, "ok", 0),
		bsoncore.AppendStringElement(nil, "errmsg", errmsg),
		bsoncore.AppendInt32Element(nil, "code", code),
		bsoncore.AppendStringElement(nil, "codeName", codeName),
	)
}
