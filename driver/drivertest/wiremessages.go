// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package drivertest

import (
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ikmak/mongocore/wiremessage"
)

var (
	errNoScriptedResponse   = errors.New("drivertest: no scripted response available")
	errNoScriptedConnection = errors.New("drivertest: no scripted connection available")
)

// MakeMsgResponse frames a document as an OP_MSG server response.
func MakeMsgResponse(doc bsoncore.Document) []byte {
	idx, wm := wiremessage.AppendHeaderStart(nil, wiremessage.NextRequestID(), 0, wiremessage.OpMsg)
	wm = wiremessage.AppendMsgFlags(wm, 0)
	wm = wiremessage.AppendMsgSectionType(wm, wiremessage.SingleDocument)
	wm = append(wm, doc...)
	return bsoncore.UpdateLength(wm, idx, int32(len(wm[idx:])))
}

// MakeReplyResponse frames documents as an OP_REPLY server response.
func MakeReplyResponse(flags wiremessage.ReplyFlag, cursorID int64, docs ...bsoncore.Document) []byte {
	idx, wm := wiremessage.AppendHeaderStart(nil, wiremessage.NextRequestID(), 0, wiremessage.OpReply)
	wm = wiremessage.AppendReplyFlags(wm, flags)
	wm = wiremessage.AppendReplyCursorID(wm, cursorID)
	wm = wiremessage.AppendReplyStartingFrom(wm, 0)
	wm = wiremessage.AppendReplyNumberReturned(wm, int32(len(docs)))
	for _, doc := range docs {
		wm = append(wm, doc...)
	}
	return bsoncore.UpdateLength(wm, idx, int32(len(wm[idx:])))
}

// MakeCommandReply frames a single command response document as an OP_REPLY,
// the form servers use to answer commands sent via OP_QUERY.
func MakeCommandReply(doc bsoncore.Document) []byte {
	return MakeReplyResponse(0, 0, doc)
}
