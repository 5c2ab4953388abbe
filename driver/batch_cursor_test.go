// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ikmak/mongocore/description"
	"github.com/ikmak/mongocore/wiremessage"
)

func makeArray(docs ...bsoncore.Document) bsoncore.Document {
	idx, arr := bsoncore.AppendArrayStart(nil)
	for i, doc := range docs {
		arr = bsoncore.AppendDocumentElement(arr, strconv.Itoa(i), doc)
	}
	arr, _ = bsoncore.AppendArrayEnd(arr, idx)
	return arr
}

func indexDoc(name string) bsoncore.Document {
	return bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendStringElement(nil, "name", name),
	)
}

func getMoreResponseDoc(id int64, ns string, docs ...bsoncore.Document) bsoncore.Document {
	cursorDoc := bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendInt64Element(nil, "id", id),
		bsoncore.AppendStringElement(nil, "ns", ns),
		bsoncore.AppendArrayElement(nil, "nextBatch", makeArray(docs...)),
	)
	return bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendDocumentElement(nil, "cursor", cursorDoc),
		bsoncore.AppendDoubleElement(nil, "ok", 1),
	)
}

func newTestCursor(t *testing.T, id int64, srvr Server, firstBatch bsoncore.Document) *BatchCursor {
	t.Helper()
	source := newConnectionSource(srvr)
	bc, err := NewBatchCursor(CursorResponse{
		Server:     srvr,
		Desc:       modernDesc("localhost:27017"),
		FirstBatch: firstBatch,
		Database:   "foo",
		Collection: "bar",
		ID:         id,
		source:     source,
	}, CursorOptions{})
	noerr(t, err)
	return bc
}

func TestNewCursorResponse(t *testing.T) {
	t.Run("parses the cursor document and retains the source", func(t *testing.T) {
		srvr := &mockServer{conns: []Connection{&mockConnection{}}}
		source := newConnectionSource(srvr)
		cursorDoc := bsoncore.BuildDocumentFromElements(nil,
			bsoncore.AppendInt64Element(nil, "id", 55),
			bsoncore.AppendStringElement(nil, "ns", "foo.bar"),
			bsoncore.AppendArrayElement(nil, "firstBatch", makeArray(indexDoc("a_1"), indexDoc("b_1"))),
		)

		curresp, err := NewCursorResponse(cursorDoc, ResponseInfo{
			Server:                srvr,
			ConnectionDescription: modernDesc("localhost:27017"),
			Source:                source,
		})
		noerr(t, err)

		if curresp.ID != 55 {
			t.Errorf("cursor ID mismatch. got %d; want 55", curresp.ID)
		}
		if curresp.Database != "foo" || curresp.Collection != "bar" {
			t.Errorf("namespace mismatch. got %q/%q; want %q/%q",
				curresp.Database, curresp.Collection, "foo", "bar")
		}
		seq := &bsoncore.DocumentSequence{Style: bsoncore.ArrayStyle, Data: curresp.FirstBatch}
		if count := seq.DocumentCount(); count != 2 {
			t.Errorf("first batch document count mismatch. got %d; want 2", count)
		}

		// The response holds its own reference, so the engine releasing its
		// reference does not unbind the cursor-to-be.
		noerr(t, source.Release())
		if _, err := curresp.source.Connection(context.Background()); err != nil {
			t.Errorf("the retained source must still hand out connections, got %v", err)
		}
	})
	t.Run("parsed batches iterate end to end", func(t *testing.T) {
		first := make([]bsoncore.Document, 10)
		for i := range first {
			first[i] = indexDoc("idx_" + strconv.Itoa(i))
		}
		getMoreConn := &mockConnection{
			desc: modernDesc("localhost:27017"),
			responses: [][]byte{makeMsgResponse(getMoreResponseDoc(0, "foo.bar",
				indexDoc("idx_10"), indexDoc("idx_11"), indexDoc("idx_12")))},
		}
		srvr := &mockServer{conns: []Connection{getMoreConn}}
		source := newConnectionSource(srvr)

		cursorDoc := bsoncore.BuildDocumentFromElements(nil,
			bsoncore.AppendInt64Element(nil, "id", 55),
			bsoncore.AppendStringElement(nil, "ns", "foo.bar"),
			bsoncore.AppendArrayElement(nil, "firstBatch", makeArray(first...)),
		)
		curresp, err := NewCursorResponse(cursorDoc, ResponseInfo{
			Server:                srvr,
			ConnectionDescription: modernDesc("localhost:27017"),
			Source:                source,
		})
		noerr(t, err)
		noerr(t, source.Release())

		bc, err := NewBatchCursor(curresp, CursorOptions{})
		noerr(t, err)

		var total int
		for bc.Next(context.Background()) {
			total += bc.Batch().DocumentCount()
		}
		noerr(t, bc.Err())
		if total != 13 {
			t.Errorf("document count mismatch. got %d; want 13", total)
		}
		if srvr.checkouts != 1 {
			t.Errorf("expected exactly one fetch, got %d checkouts", srvr.checkouts)
		}
		if bc.ID() != 0 {
			t.Errorf("cursor should be exhausted. got ID %d", bc.ID())
		}
		noerr(t, bc.Close(context.Background()))
	})
}

func TestBatchCursor(t *testing.T) {
	t.Run("returns the initial batch then fetches", func(t *testing.T) {
		getMoreConn := &mockConnection{
			desc:      modernDesc("localhost:27017"),
			responses: [][]byte{makeMsgResponse(getMoreResponseDoc(0, "foo.bar", indexDoc("c_1")))},
		}
		srvr := &mockServer{conns: []Connection{getMoreConn}}
		bc := newTestCursor(t, 25, srvr, makeArray(indexDoc("a_1"), indexDoc("b_1")))

		if !bc.Next(context.Background()) {
			t.Fatalf("expected the initial batch, got none: %v", bc.Err())
		}
		if count := bc.Batch().DocumentCount(); count != 2 {
			t.Errorf("initial batch document count mismatch. got %d; want 2", count)
		}
		if srvr.checkouts != 0 {
			t.Errorf("the initial batch must not trigger a fetch, got %d checkouts", srvr.checkouts)
		}

		if !bc.Next(context.Background()) {
			t.Fatalf("expected a fetched batch, got none: %v", bc.Err())
		}
		if count := bc.Batch().DocumentCount(); count != 1 {
			t.Errorf("fetched batch document count mismatch. got %d; want 1", count)
		}

		// Inspect the getMore command that was sent.
		_, _, _, opcode, rem, ok := wiremessage.ReadHeader(getMoreConn.written[0])
		if !ok || opcode != wiremessage.OpMsg {
			t.Fatalf("expected an OP_MSG getMore, got %v", opcode)
		}
		_, rem, _ = wiremessage.ReadMsgFlags(rem)
		_, rem, _ = wiremessage.ReadMsgSectionType(rem)
		cmd, _, _ := wiremessage.ReadMsgSectionSingleDocument(rem)
		if id := cmd.Lookup("getMore").Int64(); id != 25 {
			t.Errorf("getMore cursor ID mismatch. got %d; want 25", id)
		}
		if coll := cmd.Lookup("collection").StringValue(); coll != "bar" {
			t.Errorf("getMore collection mismatch. got %q; want %q", coll, "bar")
		}

		if bc.Next(context.Background()) {
			t.Errorf("expected the cursor to be exhausted")
		}
		if bc.ID() != 0 {
			t.Errorf("cursor ID should be zero after exhaustion. got %d", bc.ID())
		}
		noerr(t, bc.Err())
		if srvr.checkouts != 1 {
			t.Errorf("an exhausted cursor must not fetch again, got %d checkouts", srvr.checkouts)
		}
	})
	t.Run("never fetches when the cursor ID is zero", func(t *testing.T) {
		srvr := &mockServer{conns: []Connection{&mockConnection{}}}
		bc := newTestCursor(t, 0, srvr, makeArray(indexDoc("a_1")))

		if !bc.Next(context.Background()) {
			t.Fatalf("expected the initial batch")
		}
		if bc.Next(context.Background()) {
			t.Errorf("expected exhaustion after the initial batch")
		}
		if srvr.checkouts != 0 {
			t.Errorf("no fetch should happen for cursor ID zero, got %d checkouts", srvr.checkouts)
		}
	})
	t.Run("fetch errors stop iteration and are reported by Err", func(t *testing.T) {
		conn := &mockConnection{desc: modernDesc("localhost:27017"), readErr: errors.New("socket closed")}
		srvr := &mockServer{conns: []Connection{conn}}
		bc := newTestCursor(t, 11, srvr, makeArray())

		if bc.Next(context.Background()) {
			t.Errorf("expected Next to fail")
		}
		if bc.Err() == nil {
			t.Errorf("expected an error from Err after a failed fetch")
		}
		if bc.Next(context.Background()) {
			t.Errorf("a failed cursor must not resume iteration")
		}
		if srvr.checkouts != 1 {
			t.Errorf("a failed cursor must not fetch again, got %d checkouts", srvr.checkouts)
		}
	})
	t.Run("close kills a live cursor exactly once", func(t *testing.T) {
		conn := &mockConnection{
			desc:      modernDesc("localhost:27017"),
			responses: [][]byte{makeMsgResponse(okResponseDoc())},
		}
		srvr := &mockServer{conns: []Connection{conn}}
		bc := newTestCursor(t, 42, srvr, makeArray())

		noerr(t, bc.Close(context.Background()))
		noerr(t, bc.Close(context.Background()))

		if len(conn.written) != 1 {
			t.Fatalf("killCursors should be sent exactly once, got %d messages", len(conn.written))
		}
		_, _, _, _, rem, _ := wiremessage.ReadHeader(conn.written[0])
		_, rem, _ = wiremessage.ReadMsgFlags(rem)
		_, rem, _ = wiremessage.ReadMsgSectionType(rem)
		cmd, _, _ := wiremessage.ReadMsgSectionSingleDocument(rem)
		if coll := cmd.Lookup("killCursors").StringValue(); coll != "bar" {
			t.Errorf("killCursors collection mismatch. got %q; want %q", coll, "bar")
		}
		if id := cmd.Lookup("cursors", "0").Int64(); id != 42 {
			t.Errorf("killCursors cursor ID mismatch. got %d; want 42", id)
		}

		// The server binding is gone once the cursor is closed.
		if _, err := bc.source.Connection(context.Background()); !errors.Is(err, ErrConnectionSourceReleased) {
			t.Errorf("expected ErrConnectionSourceReleased, got %v", err)
		}
	})
	t.Run("close of an exhausted cursor sends nothing", func(t *testing.T) {
		conn := &mockConnection{}
		srvr := &mockServer{conns: []Connection{conn}}
		bc := newTestCursor(t, 0, srvr, makeArray())

		noerr(t, bc.Close(context.Background()))
		if len(conn.written) != 0 {
			t.Errorf("no message should be sent for an exhausted cursor, got %d", len(conn.written))
		}
	})
	t.Run("empty cursor responses build valid exhausted cursors", func(t *testing.T) {
		cr := NewEmptyCursorResponse(Namespace{DB: "foo", Collection: "bar"}, "localhost:27018")
		bc, err := NewBatchCursor(cr, CursorOptions{})
		noerr(t, err)

		if bc.ID() != 0 {
			t.Errorf("expected cursor ID 0, got %d", bc.ID())
		}
		if bc.Address() != "localhost:27018" {
			t.Errorf("address mismatch. got %v; want %v", bc.Address(), "localhost:27018")
		}
		if bc.Next(context.Background()) {
			t.Errorf("an empty cursor should have no batches")
		}
		noerr(t, bc.Err())
		noerr(t, bc.Close(context.Background()))
	})
}

func TestBatchCursorLegacy(t *testing.T) {
	newLegacyCursor := func(t *testing.T, id int64, srvr Server) *BatchCursor {
		t.Helper()
		wv := description.NewVersionRange(0, 2)
		source := newConnectionSource(srvr)
		bc, err := NewBatchCursor(CursorResponse{
			Server:     srvr,
			Desc:       description.Server{Addr: "localhost:27017", WireVersion: &wv},
			Database:   "foo",
			Collection: "system.indexes",
			ID:         id,
			source:     source,
		}, CursorOptions{BatchSize: 3})
		noerr(t, err)
		return bc
	}

	t.Run("continues with OP_GET_MORE", func(t *testing.T) {
		conn := &mockConnection{
			responses: [][]byte{makeLegacyGetMoreReply(0, indexDoc("a_1"), indexDoc("b_1"))},
		}
		srvr := &mockServer{conns: []Connection{conn}}
		bc := newLegacyCursor(t, 17, srvr)

		if !bc.Next(context.Background()) {
			t.Fatalf("expected a fetched batch, got none: %v", bc.Err())
		}
		if count := bc.Batch().DocumentCount(); count != 2 {
			t.Errorf("batch document count mismatch. got %d; want 2", count)
		}

		_, _, _, opcode, rem, ok := wiremessage.ReadHeader(conn.written[0])
		if !ok || opcode != wiremessage.OpGetMore {
			t.Fatalf("expected OP_GET_MORE, got %v", opcode)
		}
		// zero field
		rem = rem[4:]
		ns, rem, _ := wiremessage.ReadQueryFullCollectionName(rem)
		if ns != "foo.system.indexes" {
			t.Errorf("namespace mismatch. got %q; want %q", ns, "foo.system.indexes")
		}
		numToReturn, rem, _ := wiremessage.ReadQueryNumberToReturn(rem)
		if numToReturn != 3 {
			t.Errorf("numberToReturn mismatch. got %d; want 3", numToReturn)
		}
		cursorID, _, _ := wiremessage.ReadReplyCursorID(rem)
		if cursorID != 17 {
			t.Errorf("cursor ID mismatch. got %d; want 17", cursorID)
		}

		if bc.Next(context.Background()) {
			t.Errorf("expected exhaustion")
		}
		noerr(t, bc.Err())
	})
	t.Run("closes with OP_KILL_CURSORS", func(t *testing.T) {
		conn := &mockConnection{}
		srvr := &mockServer{conns: []Connection{conn}}
		bc := newLegacyCursor(t, 9, srvr)

		noerr(t, bc.Close(context.Background()))
		if len(conn.written) != 1 {
			t.Fatalf("expected exactly one kill message, got %d", len(conn.written))
		}
		_, _, _, opcode, _, ok := wiremessage.ReadHeader(conn.written[0])
		if !ok || opcode != wiremessage.OpKillCursors {
			t.Errorf("expected OP_KILL_CURSORS, got %v", opcode)
		}
	})
}

func makeLegacyGetMoreReply(cursorID int64, docs ...bsoncore.Document) []byte {
	idx, wm := wiremessage.AppendHeaderStart(nil, 0, 0, wiremessage.OpReply)
	wm = wiremessage.AppendReplyFlags(wm, 0)
	wm = wiremessage.AppendReplyCursorID(wm, cursorID)
	wm = wiremessage.AppendReplyStartingFrom(wm, 0)
	wm = wiremessage.AppendReplyNumberReturned(wm, int32(len(docs)))
	for _, doc := range docs {
		wm = append(wm, doc...)
	}
	return bsoncore.UpdateLength(wm, idx, int32(len(wm[idx:])))
}
