// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ikmak/mongocore/address"
	"github.com/ikmak/mongocore/description"
	"github.com/ikmak/mongocore/wiremessage"
)

// getMoreCommandMinWireVersion is the first wire version whose servers
// support the getMore and killCursors commands. Cursors on older servers are
// continued and closed with the dedicated legacy opcodes.
const getMoreCommandMinWireVersion = 4

// CursorOptions are extra options that are passed when constructing a
// BatchCursor.
type CursorOptions struct {
	BatchSize int32
	MaxTimeMS int64
	Logger    logrus.FieldLogger
}

// CursorResponse represents a response from an operation that creates a
// cursor: the first batch, the cursor's identity, and the binding to the
// server the cursor lives on.
type CursorResponse struct {
	Server     Server
	Desc       description.Server
	FirstBatch bsoncore.Document // BSON array of the initial documents
	Database   string
	Collection string
	ID         int64

	source *ConnectionSource
}

// ExtractCursorDocument retrieves cursor document from a database response. If the
// provided response does not contain a cursor, it returns ErrNoCursor.
func ExtractCursorDocument(response bsoncore.Document) (bsoncore.Document, error) {
	cur, err := response.LookupErr("cursor")
	if err != nil {
		return nil, ErrNoCursor
	}
	curDoc, ok := cur.DocumentOK()
	if !ok {
		return nil, fmt.Errorf("cursor should be an embedded document but is BSON type %s", cur.Type)
	}
	return curDoc, nil
}

// NewCursorResponse constructs a cursor response from the given cursor
// document. The document should look like one of the following:
//
//	{id: int64, ns: string, firstBatch: [...]}
//	{id: int64, ns: string, nextBatch: [...]}
//
// On success the response retains the attempt's server binding, transferring
// it to the cursor that is eventually built from the response.
func NewCursorResponse(cursorDoc bsoncore.Document, info ResponseInfo) (CursorResponse, error) {
	elems, err := cursorDoc.Elements()
	if err != nil {
		return CursorResponse{}, err
	}

	curresp := CursorResponse{Server: info.Server, Desc: info.ConnectionDescription}
	for _, elem := range elems {
		switch elem.Key() {
		case "firstBatch", "nextBatch":
			arr, ok := elem.Value().ArrayOK()
			if !ok {
				return CursorResponse{}, fmt.Errorf("%s should be an array but is a BSON %s", elem.Key(), elem.Value().Type)
			}
			curresp.FirstBatch = bsoncore.Document(arr)
		case "ns":
			ns, ok := elem.Value().StringValueOK()
			if !ok {
				return CursorResponse{}, fmt.Errorf("ns should be a string but is a BSON %s", elem.Value().Type)
			}
			parsed := ParseNamespace(ns)
			curresp.Database = parsed.DB
			curresp.Collection = parsed.Collection
		case "id":
			id, ok := elem.Value().Int64OK()
			if !ok {
				return CursorResponse{}, fmt.Errorf("id should be an int64 but is a BSON %s", elem.Value().Type)
			}
			curresp.ID = id
		}
	}

	if info.Source != nil {
		curresp.source = info.Source.Retain()
	}
	return curresp, nil
}

// NewEmptyCursorResponse returns a response describing an already exhausted
// cursor bound to the given server address. It stands in for a real response
// when the queried namespace does not exist.
func NewEmptyCursorResponse(ns Namespace, addr address.Address) CursorResponse {
	return CursorResponse{
		Desc:       description.Server{Addr: addr},
		Database:   ns.DB,
		Collection: ns.Collection,
	}
}

// BatchCursor is a batch implementation of a cursor. It returns documents in
// entire batches instead of one at a time. An individual document cursor can
// be built on top of this batch cursor.
type BatchCursor struct {
	mu    sync.Mutex
	async callbackQueue

	ns           Namespace
	id           int64
	server       Server
	source       *ConnectionSource
	desc         description.Server
	batchSize    int32
	maxTimeMS    int64
	currentBatch *bsoncore.DocumentSequence
	firstSeen    bool
	closed       bool
	err          error
	logger       logrus.FieldLogger
}

// NewBatchCursor creates a new BatchCursor from the provided parameters.
func NewBatchCursor(cr CursorResponse, opts CursorOptions) (*BatchCursor, error) {
	ns := Namespace{DB: cr.Database, Collection: cr.Collection}
	if err := ns.Validate(); err != nil {
		return nil, err
	}

	return &BatchCursor{
		ns:        ns,
		id:        cr.ID,
		server:    cr.Server,
		source:    cr.source,
		desc:      cr.Desc,
		batchSize: opts.BatchSize,
		maxTimeMS: opts.MaxTimeMS,
		logger:    opts.Logger,
		currentBatch: &bsoncore.DocumentSequence{
			Style: bsoncore.ArrayStyle,
			Data:  cr.FirstBatch,
		},
	}, nil
}

// NewEmptyBatchCursor returns a batch cursor that is already exhausted.
func NewEmptyBatchCursor() *BatchCursor {
	return &BatchCursor{currentBatch: &bsoncore.DocumentSequence{Style: bsoncore.ArrayStyle}}
}

// ID returns the cursor ID for this batch cursor. An ID of zero means the
// server holds no resources for this cursor.
func (bc *BatchCursor) ID() int64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.id
}

// Next indicates if there is another batch available. Returning false does
// not necessarily indicate that the cursor is closed; the first batch and the
// error status should be checked.
//
// If Next returns true, there is a valid batch of documents available. If
// Next returns false, there is not a valid batch of documents available.
func (bc *BatchCursor) Next(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if !bc.firstSeen {
		bc.firstSeen = true
		if bc.currentBatch.DocumentCount() > 0 {
			return true
		}
	}

	// A fetch happens if and only if the buffered batch is consumed and the
	// server-side cursor is still open. A live cursor may legitimately return
	// empty batches, so fetching repeats until documents arrive or the cursor
	// dies.
	for bc.err == nil && bc.id != 0 && !bc.closed {
		bc.fetchBatch(ctx)
		if bc.currentBatch.DocumentCount() > 0 {
			return true
		}
	}
	return false
}

// Batch will return a DocumentSequence for the current batch of documents.
// The returned DocumentSequence is only valid until the next call to Next or
// Close.
func (bc *BatchCursor) Batch() *bsoncore.DocumentSequence {
	return bc.currentBatch
}

// Err returns the latest error encountered while fetching batches.
func (bc *BatchCursor) Err() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.err
}

// Close closes this batch cursor. Closing is idempotent: the first call
// best-effort kills any live server-side cursor and releases the server
// binding; subsequent calls do nothing.
func (bc *BatchCursor) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.closed {
		return nil
	}
	bc.closed = true

	if err := bc.killCursor(ctx); err != nil && bc.logger != nil {
		bc.logger.WithFields(logrus.Fields{
			"cursorID":  bc.id,
			"namespace": bc.ns.FullName(),
			"error":     err,
		}).Warn("failed to kill server-side cursor")
	}
	bc.id = 0
	bc.clearBatch()

	if bc.source != nil {
		return bc.source.Release()
	}
	return nil
}

// Server returns the server this cursor is bound to, or nil for an exhausted
// cursor that was never bound.
func (bc *BatchCursor) Server() Server {
	return bc.server
}

// Address returns the address of the server this cursor's documents came
// from. It is populated even for cursors that were never bound to a server.
func (bc *BatchCursor) Address() address.Address {
	return bc.desc.Addr
}

// SetBatchSize sets the batchSize for future getMore requests.
func (bc *BatchCursor) SetBatchSize(size int32) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.batchSize = size
}

// SetMaxTime sets the time limit for future getMore requests.
func (bc *BatchCursor) SetMaxTime(dur time.Duration) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.maxTimeMS = int64(dur / time.Millisecond)
}

// NextAsync delivers the result of Next to cb without blocking the caller.
// Callbacks from concurrent NextAsync and CloseAsync calls on the same cursor
// run one at a time, in submission order.
func (bc *BatchCursor) NextAsync(ctx context.Context, cb func(next bool)) {
	go bc.async.Run(func() { cb(bc.Next(ctx)) })
}

// CloseAsync closes the cursor without blocking the caller, delivering the
// outcome to cb if cb is not nil.
func (bc *BatchCursor) CloseAsync(ctx context.Context, cb SingleResultCallback) {
	go bc.async.Run(func() {
		err := bc.Close(ctx)
		if cb != nil {
			cb(err)
		}
	})
}

func (bc *BatchCursor) clearBatch() {
	bc.currentBatch.Style = bsoncore.ArrayStyle
	bc.currentBatch.Data = bc.currentBatch.Data[:0]
	bc.currentBatch.ResetIterator()
}

// fetchBatch issues one request for the next batch. It runs with bc.mu held.
func (bc *BatchCursor) fetchBatch(ctx context.Context) {
	if bc.legacy() {
		bc.legacyGetMore(ctx)
		return
	}

	id := bc.id
	bc.clearBatch()
	if bc.source == nil {
		bc.err = errors.New("no server binding available to get next batch")
		return
	}

	// The fetch runs as a nested operation against the cursor's own server.
	// No RetryMode is set: a resumed getMore could skip or repeat documents.
	err := Operation{
		CommandFn: func(dst []byte, desc description.SelectedServer) ([]byte, error) {
			dst = bsoncore.AppendInt64Element(dst, "getMore", id)
			dst = bsoncore.AppendStringElement(dst, "collection", bc.ns.Collection)
			if bc.batchSize > 0 {
				dst = bsoncore.AppendInt32Element(dst, "batchSize", bc.batchSize)
			}
			if bc.maxTimeMS > 0 {
				dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", bc.maxTimeMS)
			}
			return dst, nil
		},
		Database:   bc.ns.DB,
		Deployment: SingleServerDeployment{S: bc.source},
		ProcessResponseFn: func(_ context.Context, response bsoncore.Document, _ ResponseInfo) error {
			id, ok := response.Lookup("cursor", "id").Int64OK()
			if !ok {
				return fmt.Errorf("cursor.id should be an int64 but is a BSON %s",
					response.Lookup("cursor", "id").Type)
			}
			bc.id = id

			batch, ok := response.Lookup("cursor", "nextBatch").ArrayOK()
			if !ok {
				return fmt.Errorf("cursor.nextBatch should be an array but is a BSON %s",
					response.Lookup("cursor", "nextBatch").Type)
			}
			bc.currentBatch.Style = bsoncore.ArrayStyle
			bc.currentBatch.Data = batch
			bc.currentBatch.ResetIterator()
			return nil
		},
		Name:   "getMore",
		Logger: bc.logger,
	}.Execute(ctx)
	if err != nil {
		bc.err = errors.Wrapf(err, "error getting next batch of documents for cursor %d on %s", id, bc.ns.FullName())
	}
}

// killCursor tells the server to free the resources held for this cursor. It
// runs with bc.mu held.
func (bc *BatchCursor) killCursor(ctx context.Context) error {
	if bc.id == 0 || bc.source == nil {
		return nil
	}
	if bc.legacy() {
		return bc.legacyKillCursor(ctx)
	}

	return Operation{
		CommandFn: func(dst []byte, desc description.SelectedServer) ([]byte, error) {
			dst = bsoncore.AppendStringElement(dst, "killCursors", bc.ns.Collection)
			aidx, dst := bsoncore.AppendArrayElementStart(dst, "cursors")
			dst = bsoncore.AppendInt64Element(dst, "0", bc.id)
			dst, _ = bsoncore.AppendArrayEnd(dst, aidx)
			return dst, nil
		},
		Database:   bc.ns.DB,
		Deployment: SingleServerDeployment{S: bc.source},
		Name:       "killCursors",
		Logger:     bc.logger,
	}.Execute(ctx)
}

// legacy returns true if the cursor lives on a server that predates the
// getMore and killCursors commands.
func (bc *BatchCursor) legacy() bool {
	return bc.desc.WireVersion == nil || bc.desc.WireVersion.Max < getMoreCommandMinWireVersion
}

// legacyGetMore continues the cursor with an OP_GET_MORE frame. It runs with
// bc.mu held.
func (bc *BatchCursor) legacyGetMore(ctx context.Context) {
	id := bc.id
	bc.clearBatch()
	if id == 0 {
		return
	}
	if bc.source == nil {
		bc.err = errors.New("no server binding available to get next batch")
		return
	}

	conn, err := bc.source.Connection(ctx)
	if err != nil {
		bc.err = errors.Wrapf(err, "error checking out connection for cursor %d", id)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	var wmindex int32
	wmindex, wm := wiremessage.AppendHeaderStart(nil, wiremessage.NextRequestID(), 0, wiremessage.OpGetMore)
	wm = wiremessage.AppendGetMoreZero(wm)
	wm = wiremessage.AppendGetMoreFullCollectionName(wm, bc.ns.FullName())
	wm = wiremessage.AppendGetMoreNumberToReturn(wm, bc.batchSize)
	wm = wiremessage.AppendGetMoreCursorID(wm, id)
	wm = bsoncore.UpdateLength(wm, wmindex, int32(len(wm[wmindex:])))

	reply, err := roundTripReply(ctx, conn, wm)
	if err != nil {
		if errors.Is(err, ErrCursorNotFound) {
			bc.id = 0
		}
		bc.err = errors.Wrapf(err, "error getting next batch of documents for cursor %d on %s", id, bc.ns.FullName())
		return
	}

	bc.id = reply.cursorID
	bc.currentBatch.Style = bsoncore.SequenceStyle
	for _, doc := range reply.documents {
		bc.currentBatch.Data = append(bc.currentBatch.Data, doc...)
	}
	bc.currentBatch.ResetIterator()
}

// legacyKillCursor closes the server-side cursor with an OP_KILL_CURSORS
// frame. The server sends no reply. It runs with bc.mu held.
func (bc *BatchCursor) legacyKillCursor(ctx context.Context) error {
	conn, err := bc.source.Connection(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	var wmindex int32
	wmindex, wm := wiremessage.AppendHeaderStart(nil, wiremessage.NextRequestID(), 0, wiremessage.OpKillCursors)
	wm = wiremessage.AppendKillCursorsZero(wm)
	wm = wiremessage.AppendKillCursorsNumberIDs(wm, 1)
	wm = wiremessage.AppendKillCursorsCursorIDs(wm, []int64{bc.id})
	wm = bsoncore.UpdateLength(wm, wmindex, int32(len(wm[wmindex:])))

	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		return networkError(err)
	}
	return nil
}
