// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ikmak/mongocore/description"
	"github.com/ikmak/mongocore/readpref"
	"github.com/ikmak/mongocore/wiremessage"
)

// listIndexesMinWireVersion is the first wire version whose servers support
// the listIndexes command. Older servers expose index metadata only through
// queries on the system.indexes collection.
const listIndexesMinWireVersion = 3

// legacyRequired returns true if the selected server is too old for the
// command form of this operation.
func (op Operation) legacyRequired(desc description.Server) bool {
	if op.Legacy == LegacyNone {
		return false
	}
	return desc.WireVersion == nil || desc.WireVersion.Max < listIndexesMinWireVersion
}

// executeLegacy runs the query form of the operation. The response is
// re-shaped into the command form's cursor document so a single response
// handler serves both forms.
func (op Operation) executeLegacy(ctx context.Context, conn Connection, desc description.SelectedServer) (bsoncore.Document, error) {
	switch op.Legacy {
	case LegacyListIndexes:
		return op.legacyListIndexes(ctx, conn, desc)
	}
	return nil, fmt.Errorf("no legacy form defined for operation %q", op.Name)
}

// legacyListIndexes queries the system.indexes collection for the indexes of
// the collection the command form names. The command document built by
// CommandFn is the source of truth for the collection name, batch size, and
// time limit, so the two forms cannot drift apart.
func (op Operation) legacyListIndexes(ctx context.Context, conn Connection, desc description.SelectedServer) (bsoncore.Document, error) {
	cmdElems, err := op.CommandFn(nil, desc)
	if err != nil {
		return nil, err
	}
	cmdDoc := bsoncore.Document(bsoncore.BuildDocument(nil, cmdElems))

	collVal, err := cmdDoc.LookupErr("listIndexes")
	if err != nil {
		return nil, errors.New("legacy listIndexes requires a listIndexes element in the command")
	}
	coll, ok := collVal.StringValueOK()
	if !ok {
		return nil, errors.New("legacy listIndexes requires a string collection name")
	}

	var batchSize int32
	if val, lerr := cmdDoc.LookupErr("cursor", "batchSize"); lerr == nil {
		batchSize, _ = val.Int32OK()
	}
	var maxTimeMS int64
	if val, lerr := cmdDoc.LookupErr("maxTimeMS"); lerr == nil {
		maxTimeMS, _ = val.AsInt64OK()
	}

	queried := Namespace{DB: op.Database, Collection: "system.indexes"}
	target := Namespace{DB: op.Database, Collection: coll}

	filter := bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendStringElement(nil, "ns", target.FullName()))
	qelems := bsoncore.AppendDocumentElement(nil, "$query", filter)
	if maxTimeMS > 0 {
		qelems = bsoncore.AppendInt64Element(qelems, "$maxTimeMS", maxTimeMS)
	}
	if rp := op.ReadPreference; rp != nil && rp.Mode() != readpref.PrimaryMode && desc.Server.Kind == description.Mongos {
		qelems = bsoncore.AppendDocumentElement(qelems, "$readPreference", rp.ToDocument())
	}
	query := bsoncore.BuildDocument(nil, qelems)

	var wmindex int32
	wmindex, wm := wiremessage.AppendHeaderStart(nil, wiremessage.NextRequestID(), 0, wiremessage.OpQuery)
	wm = wiremessage.AppendQueryFlags(wm, op.secondaryOK(desc))
	wm = wiremessage.AppendQueryFullCollectionName(wm, queried.FullName())
	wm = wiremessage.AppendQueryNumberToSkip(wm, 0)
	wm = wiremessage.AppendQueryNumberToReturn(wm, batchSize)
	wm = append(wm, query...)
	wm = bsoncore.UpdateLength(wm, wmindex, int32(len(wm[wmindex:])))

	reply, err := roundTripReply(ctx, conn, wm)
	if err != nil {
		return nil, err
	}
	return buildCursorDocument(queried, reply), nil
}

// roundTripReply writes a legacy wire message and decodes the OP_REPLY it
// produces, converting reply flags into errors.
func roundTripReply(ctx context.Context, conn Connection, wm []byte) (opReply, error) {
	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		return opReply{}, networkError(err)
	}
	wm, err := conn.ReadWireMessage(ctx, wm[:0])
	if err != nil {
		return opReply{}, networkError(err)
	}

	length, _, _, opcode, rem, ok := wiremessage.ReadHeader(wm)
	if !ok || len(wm) < int(length) {
		return opReply{}, errors.New("malformed wire message: insufficient bytes")
	}
	if opcode != wiremessage.OpReply {
		return opReply{}, fmt.Errorf("did not receive OP_REPLY response, got %s", opcode)
	}

	reply := decodeOpReply(rem)
	if reply.err != nil {
		return opReply{}, reply.err
	}
	if reply.flags&wiremessage.QueryFailure == wiremessage.QueryFailure {
		var doc bsoncore.Document
		if len(reply.documents) > 0 {
			doc = reply.documents[0]
		}
		return opReply{}, QueryFailureError{Message: "query failure", Response: doc}
	}
	if reply.flags&wiremessage.CursorNotFound == wiremessage.CursorNotFound {
		return opReply{}, ErrCursorNotFound
	}
	return reply, nil
}

// buildCursorDocument re-shapes an OP_REPLY into the cursor document the
// command form returns: {cursor: {id, ns, firstBatch}, ok: 1}.
func buildCursorDocument(ns Namespace, reply opReply) bsoncore.Document {
	cidx, cursorDoc := bsoncore.AppendDocumentStart(nil)
	cursorDoc = bsoncore.AppendInt64Element(cursorDoc, "id", reply.cursorID)
	cursorDoc = bsoncore.AppendStringElement(cursorDoc, "ns", ns.FullName())
	aidx, cursorDoc := bsoncore.AppendArrayElementStart(cursorDoc, "firstBatch")
	for i, doc := range reply.documents {
		cursorDoc = bsoncore.AppendDocumentElement(cursorDoc, strconv.Itoa(i), doc)
	}
	cursorDoc, _ = bsoncore.AppendArrayEnd(cursorDoc, aidx)
	cursorDoc, _ = bsoncore.AppendDocumentEnd(cursorDoc, cidx)

	return bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendDocumentElement(nil, "cursor", cursorDoc),
		bsoncore.AppendDoubleElement(nil, "ok", 1),
	)
}

// opReply stores the flags, documents, and metadata of an OP_REPLY wire
// message.
type opReply struct {
	flags        wiremessage.ReplyFlag
	cursorID     int64
	startingFrom int32
	numReturned  int32
	documents    []bsoncore.Document
	err          error
}

func decodeOpReply(wm []byte) opReply {
	var reply opReply
	var ok bool

	reply.flags, wm, ok = wiremessage.ReadReplyFlags(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing flags")
		return reply
	}
	reply.cursorID, wm, ok = wiremessage.ReadReplyCursorID(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing cursorID")
		return reply
	}
	reply.startingFrom, wm, ok = wiremessage.ReadReplyStartingFrom(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing startingFrom")
		return reply
	}
	reply.numReturned, wm, ok = wiremessage.ReadReplyNumberReturned(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing numberReturned")
		return reply
	}
	reply.documents, _, ok = wiremessage.ReadReplyDocuments(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: could not read documents")
		return reply
	}
	if int(reply.numReturned) != len(reply.documents) {
		reply.err = ErrReplyDocumentMismatch
	}
	return reply
}
