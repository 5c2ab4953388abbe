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
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ikmak/mongocore/description"
	"github.com/ikmak/mongocore/readpref"
	"github.com/ikmak/mongocore/wiremessage"
)

// retryableReadMinWireVersion is the minimum wire version a server must
// advertise before a read against it is considered retryable.
const retryableReadMinWireVersion = 6

var errDatabaseNameEmpty = errors.New("database name cannot be empty")

// InvalidOperationError is returned from Validate and indicates that a
// required field is missing from an instance of Operation.
type InvalidOperationError struct{ MissingField string }

// Error implements the error interface.
func (err InvalidOperationError) Error() string {
	return "the " + err.MissingField + " field must be set on Operation"
}

// Type specifies whether an operation is a read or a write. Only reads
// participate in retryability decisions.
type Type int

// These are the availables types of Type.
const (
	_ Type = iota
	Write
	Read
)

// LegacyOperationKind indicates if an operation is a legacy find, getMore, or
// killCursors. These operations are in the process of being removed from the
// driver but require special handling until they are gone.
type LegacyOperationKind uint

// These constants represent the three types of legacy operations.
const (
	LegacyNone LegacyOperationKind = iota
	LegacyListIndexes
)

// ResponseInfo contains the context required to parse a server response.
type ResponseInfo struct {
	Server                Server
	Connection            Connection
	ConnectionDescription description.Server

	// Source is the refcounted server binding of the attempt. It is only set
	// on success so response handlers can Retain it to transfer ownership
	// into a cursor.
	Source *ConnectionSource

	// Error is the terminal failure of the attempt, set when the handler is
	// invoked on the error path.
	Error error
}

// Operation is used to execute an operation. It contains all of the common
// code required to select a server, transform an operation into a command,
// write the command to a connection from the selected server, read a
// response from that connection, and process the response.
type Operation struct {
	// CommandFn is the command to be run. The memory for the resulting BSON
	// elements should be appended to dst. The elements must not contain the
	// closing document byte nor the document length; the engine frames the
	// document itself. This function must not be nil.
	CommandFn func(dst []byte, desc description.SelectedServer) ([]byte, error)

	// Database is the database against which the command is run. This must
	// not be empty.
	Database string

	// Deployment is the MongoDB deployment to use. While most of the time
	// this will be multiple servers, commands that need to run against a
	// single, preselected server can use the SingleServerDeployment type.
	// This must not be nil.
	Deployment Deployment

	// ProcessResponseFn is called after a response to the command is
	// returned. On the success path the raw response document is passed; on
	// the error path the ResponseInfo's Error field carries the failure and
	// the document may be nil. This function must not error on the error
	// path.
	ProcessResponseFn func(ctx context.Context, response bsoncore.Document, info ResponseInfo) error

	// Selector is the server selector used during server selection. It is
	// passed through to the Deployment untouched; a nil Selector defers the
	// choice entirely to the Deployment.
	Selector description.ServerSelector

	// ReadPreference is the read preference that will be attached to the
	// command, either as $readPreference or, for OP_QUERY against a routing
	// server, as part of the $query wrapper.
	ReadPreference *readpref.ReadPref

	// Type specifies the kind of the operation. Only Read operations are
	// ever retried.
	Type Type

	// RetryMode specifies how to retry. A nil RetryMode or RetryNone
	// disables retrying.
	RetryMode *RetryMode

	// Legacy sets the legacy type for this operation. When a server too old
	// for the command form is selected, the engine falls back to the query
	// form this kind names.
	Legacy LegacyOperationKind

	// Name is the name of the operation. This is used for logging.
	Name string

	// Logger, when set, receives debug-level records for retries and other
	// engine decisions. A nil Logger disables engine logging.
	Logger logrus.FieldLogger
}

// Validate validates this operation, ensuring the fields are set properly.
func (op Operation) Validate() error {
	if op.CommandFn == nil {
		return InvalidOperationError{MissingField: "CommandFn"}
	}
	if op.Deployment == nil {
		return InvalidOperationError{MissingField: "Deployment"}
	}
	if op.Database == "" {
		return errDatabaseNameEmpty
	}
	return nil
}

// selectServer handles performing server selection for an operation.
func (op Operation) selectServer(ctx context.Context) (Server, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op.Deployment.SelectServer(ctx, op.Selector)
}

// getServerAndConnection selects a server, binds a ConnectionSource to it,
// and checks out a connection. On failure the source has already been
// released.
func (op Operation) getServerAndConnection(ctx context.Context) (*ConnectionSource, Connection, error) {
	server, err := op.selectServer(ctx)
	if err != nil {
		return nil, nil, err
	}

	source := newConnectionSource(server)
	conn, err := source.Connection(ctx)
	if err != nil {
		_ = source.Release()
		return nil, nil, err
	}
	return source, conn, nil
}

// Execute runs this operation. One RetryState spans all attempts of a single
// Execute call: each attempt acquires its own server binding and connection,
// and the connection is closed and the binding released exactly once before
// the attempt's outcome is surfaced or the next attempt starts.
func (op Operation) Execute(ctx context.Context) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	retryEnabled := op.Type == Read && op.RetryMode != nil && op.RetryMode.Enabled()
	var rs *RetryState
	if retryEnabled {
		rs = NewRetryState(op.RetryMode)
	} else {
		rs = NewRetryState(nil)
	}

	var prevErr error
	for {
		// A context error from a previous attempt is terminal even when the
		// retry budget has room left.
		if prevErr != nil && (errors.Is(prevErr, context.Canceled) || errors.Is(prevErr, context.DeadlineExceeded)) {
			return prevErr
		}

		source, conn, err := op.getServerAndConnection(ctx)
		if err != nil {
			// Retrying a failed checkout consumes an attempt, so the budget
			// cannot be spent spinning on a dead pool.
			if rerr, ok := err.(RetryablePoolError); ok && rerr.Retryable() && retryEnabled && rs.ShouldAttempt() {
				rs.Attempt()
				rs.RecordFailure(err)
				prevErr = err
				continue
			}
			if prevErr != nil {
				return prevErr
			}
			return err
		}

		desc := description.SelectedServer{Server: conn.Description(), Kind: op.Deployment.Kind()}

		// Eligibility is judged against the server actually bound to this
		// attempt. A retry that lands on an ineligible server cannot be sent;
		// the failure that triggered the retry is surfaced instead.
		eligible := op.retryable(desc.Server)
		if retryEnabled && !eligible && rs.AttemptCount() > 0 {
			_ = conn.Close()
			_ = source.Release()
			return rs.LastError()
		}

		rs.Attempt()

		var res bsoncore.Document
		err = op.checkDeadline(ctx, source.server)
		if err == nil {
			if op.legacyRequired(desc.Server) {
				// The query form has no retry equivalent, so the attempt in
				// flight is the final one regardless of how it ends.
				rs.MarkLastAttempt()
				res, err = op.executeLegacy(ctx, conn, desc)
			} else {
				res, err = op.executeCommand(ctx, conn, desc)
			}
		}

		if err != nil {
			if ep, ok := source.server.(ErrorProcessor); ok {
				ep.ProcessError(err)
			}
		}

		switch tt := err.(type) {
		case Error:
			if retryEnabled && eligible && tt.RetryableRead() && rs.ShouldAttempt() {
				rs.RecordFailure(tt)
				prevErr = tt
				op.logRetry(conn, tt, rs.AttemptCount())
				_ = conn.Close()
				_ = source.Release()
				continue
			}
			if op.ProcessResponseFn != nil {
				info := ResponseInfo{
					Server:                source.server,
					Connection:            conn,
					ConnectionDescription: desc.Server,
					Error:                 tt,
				}
				_ = op.ProcessResponseFn(ctx, res, info)
			}
			_ = conn.Close()
			_ = source.Release()
			return tt
		case nil:
			var perr error
			if op.ProcessResponseFn != nil {
				info := ResponseInfo{
					Server:                source.server,
					Connection:            conn,
					ConnectionDescription: desc.Server,
					Source:                source,
				}
				perr = op.ProcessResponseFn(ctx, res, info)
			}
			_ = conn.Close()
			_ = source.Release()
			return perr
		default:
			_ = conn.Close()
			_ = source.Release()
			return err
		}
	}
}

// executeCommand builds the command form of the operation, compresses it when
// the connection negotiated a compressor, and performs the round trip.
func (op Operation) executeCommand(ctx context.Context, conn Connection, desc description.SelectedServer) (bsoncore.Document, error) {
	wm, cmdName, err := op.createWireMessage(nil, desc)
	if err != nil {
		return nil, err
	}

	if cc, ok := conn.(CompressedConnection); ok && canCompress(cmdName) {
		compressed, err := op.compressWireMessage(wm, cc.CompressionOpts())
		if err != nil {
			return nil, err
		}
		wm = compressed
	}

	return op.roundTrip(ctx, conn, wm)
}

// checkDeadline refuses to start a round trip whose minimum observed duration
// would overrun the context deadline.
func (op Operation) checkDeadline(ctx context.Context, srvr Server) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	mon, ok := srvr.(RTTMonitored)
	if !ok {
		return nil
	}
	rtt := mon.RTTMonitor()
	if min := rtt.Min(); min > 0 && time.Now().Add(min).After(deadline) {
		return fmt.Errorf("%w: %v", ErrDeadlineWouldBeExceeded, rtt.Stats())
	}
	return nil
}

// retryable returns true if the operation is retryable against the given
// server.
func (op Operation) retryable(desc description.Server) bool {
	if op.Type != Read {
		return false
	}
	if op.RetryMode == nil || !op.RetryMode.Enabled() {
		return false
	}
	return desc.WireVersion != nil && desc.WireVersion.Max >= retryableReadMinWireVersion
}

// roundTrip writes a wiremessage to the connection and then reads a response.
func (op Operation) roundTrip(ctx context.Context, conn Connection, wm []byte) (bsoncore.Document, error) {
	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		return nil, networkError(err)
	}
	return op.readWireMessage(ctx, conn, wm)
}

func (op Operation) readWireMessage(ctx context.Context, conn Connection, wm []byte) (bsoncore.Document, error) {
	wm, err := conn.ReadWireMessage(ctx, wm[:0])
	if err != nil {
		return nil, networkError(err)
	}

	length, _, _, opcode, rem, ok := wiremessage.ReadHeader(wm)
	if !ok || len(wm) < int(length) {
		return nil, errors.New("malformed wire message: insufficient bytes")
	}
	if opcode == wiremessage.OpCompressed {
		rawsize := length - 16 // length of the header
		opcode, rem, err = op.decompressWireMessage(rem[:rawsize])
		if err != nil {
			return nil, err
		}
	}

	res, err := op.decodeResult(opcode, rem)
	if err != nil {
		return res, err
	}
	return res, ExtractErrorFromServerResponse(res)
}

// networkError wraps a socket failure with the NetworkError label so the
// retry classifier can recognize it.
func networkError(err error) error {
	if err == nil {
		return nil
	}
	return Error{Message: err.Error(), Labels: []string{NetworkError}, Wrapped: err}
}

// decompressWireMessage handles decompressing the payload of an
// OP_COMPRESSED frame. The header has already been consumed from rem.
func (op Operation) decompressWireMessage(rem []byte) (wiremessage.OpCode, []byte, error) {
	opcode, rem, ok := wiremessage.ReadCompressedOriginalOpCode(rem)
	if !ok {
		return 0, nil, errors.New("malformed OP_COMPRESSED: missing original opcode")
	}
	uncompressedSize, rem, ok := wiremessage.ReadCompressedUncompressedSize(rem)
	if !ok {
		return 0, nil, errors.New("malformed OP_COMPRESSED: missing uncompressed size")
	}
	compressorID, rem, ok := wiremessage.ReadCompressedCompressorID(rem)
	if !ok {
		return 0, nil, errors.New("malformed OP_COMPRESSED: missing compressor ID")
	}

	opts := CompressionOpts{
		Compressor:       compressorID,
		UncompressedSize: uncompressedSize,
	}
	uncompressed, err := DecompressPayload(rem, opts)
	if err != nil {
		return 0, nil, err
	}
	return opcode, uncompressed, nil
}

func (op Operation) createWireMessage(dst []byte, desc description.SelectedServer) ([]byte, string, error) {
	if desc.WireVersion == nil || desc.WireVersion.Max < wiremessage.OpmsgWireVersion {
		return op.createQueryWireMessage(dst, desc)
	}
	return op.createMsgWireMessage(dst, desc)
}

func (op Operation) createQueryWireMessage(dst []byte, desc description.SelectedServer) ([]byte, string, error) {
	flags := op.secondaryOK(desc)
	var wmindex int32
	wmindex, dst = wiremessage.AppendHeaderStart(dst, wiremessage.NextRequestID(), 0, wiremessage.OpQuery)
	dst = wiremessage.AppendQueryFlags(dst, flags)
	dst = wiremessage.AppendQueryFullCollectionName(dst, op.Database+".$cmd")
	dst = wiremessage.AppendQueryNumberToSkip(dst, 0)
	dst = wiremessage.AppendQueryNumberToReturn(dst, -1)

	rp := op.createReadPref(desc, true)
	// A read preference other than primary against a routing server requires
	// the $query wrapper so both the command and the preference reach it.
	var wrapper int32 = -1
	if len(rp) > 0 {
		wrapper, dst = bsoncore.AppendDocumentStart(dst)
		dst = bsoncore.AppendHeader(dst, bsontype.EmbeddedDocument, "$query")
	}
	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst, err := op.CommandFn(dst, desc)
	if err != nil {
		return dst, "", err
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	cmdDoc := bsoncore.Document(dst[idx:])

	if len(rp) > 0 {
		dst = bsoncore.AppendDocumentElement(dst, "$readPreference", rp)
		dst, _ = bsoncore.AppendDocumentEnd(dst, wrapper)
	}
	dst = bsoncore.UpdateLength(dst, wmindex, int32(len(dst[wmindex:])))
	return dst, commandName(cmdDoc), nil
}

func (op Operation) createMsgWireMessage(dst []byte, desc description.SelectedServer) ([]byte, string, error) {
	var flags wiremessage.MsgFlag
	var wmindex int32
	wmindex, dst = wiremessage.AppendHeaderStart(dst, wiremessage.NextRequestID(), 0, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, flags)
	dst = wiremessage.AppendMsgSectionType(dst, wiremessage.SingleDocument)

	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst, err := op.CommandFn(dst, desc)
	if err != nil {
		return dst, "", err
	}
	dst = bsoncore.AppendStringElement(dst, "$db", op.Database)
	if rp := op.createReadPref(desc, false); len(rp) > 0 {
		dst = bsoncore.AppendDocumentElement(dst, "$readPreference", rp)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	cmdDoc := bsoncore.Document(dst[idx:])

	dst = bsoncore.UpdateLength(dst, wmindex, int32(len(dst[wmindex:])))
	return dst, commandName(cmdDoc), nil
}

// createReadPref returns the document to attach under $readPreference, or
// nil when the server's default behavior already matches the preference.
func (op Operation) createReadPref(desc description.SelectedServer, isOpQuery bool) bsoncore.Document {
	// Direct connections to non-routing servers are read as primaryPreferred
	// so a secondary will still serve the request.
	if desc.Kind == description.Single && desc.Server.Kind != description.Mongos {
		return bsoncore.BuildDocumentFromElements(nil,
			bsoncore.AppendStringElement(nil, "mode", "primaryPreferred"))
	}

	rp := op.ReadPreference
	if rp == nil {
		return nil
	}
	switch rp.Mode() {
	case readpref.PrimaryMode:
		return nil
	case readpref.SecondaryPreferredMode:
		// For OP_QUERY, the secondaryOK flag already conveys this to a
		// routing server.
		if isOpQuery && desc.Server.Kind == description.Mongos {
			return nil
		}
	}
	return rp.ToDocument()
}

func (op Operation) secondaryOK(desc description.SelectedServer) wiremessage.QueryFlag {
	if desc.Kind == description.Single && desc.Server.Kind != description.Mongos {
		return wiremessage.SecondaryOK
	}
	if rp := op.ReadPreference; rp != nil && rp.Mode() != readpref.PrimaryMode {
		return wiremessage.SecondaryOK
	}
	return 0
}

// canCompress returns true if the command can be compressed.
func canCompress(cmd string) bool {
	switch cmd {
	case "isMaster", "hello", "saslStart", "saslContinue", "getnonce", "authenticate",
		"createUser", "updateUser", "copydbSaslStart", "copydbgetnonce", "copydb":
		return false
	}
	return true
}

// compressWireMessage takes a wire message and returns the corresponding
// OP_COMPRESSED frame.
func (op Operation) compressWireMessage(src []byte, opts CompressionOpts) ([]byte, error) {
	_, reqid, respto, origcode, rem, ok := wiremessage.ReadHeader(src)
	if !ok {
		return nil, errors.New("wiremessage is too short to compress, less than 16 bytes")
	}
	idx, dst := wiremessage.AppendHeaderStart(nil, reqid, respto, wiremessage.OpCompressed)
	dst = wiremessage.AppendCompressedOriginalOpCode(dst, origcode)
	dst = wiremessage.AppendCompressedUncompressedSize(dst, int32(len(rem)))
	dst = wiremessage.AppendCompressedCompressorID(dst, opts.Compressor)
	opts.UncompressedSize = int32(len(rem))
	compressed, err := CompressPayload(rem, opts)
	if err != nil {
		return nil, err
	}
	dst = wiremessage.AppendCompressedCompressedMessage(dst, compressed)
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:]))), nil
}

// decodeResult decodes a single command response document from the body of a
// wire message.
func (op Operation) decodeResult(opcode wiremessage.OpCode, wm []byte) (bsoncore.Document, error) {
	switch opcode {
	case wiremessage.OpReply:
		reply := decodeOpReply(wm)
		if reply.err != nil {
			return nil, reply.err
		}
		if reply.flags&wiremessage.QueryFailure == wiremessage.QueryFailure {
			var doc bsoncore.Document
			if len(reply.documents) > 0 {
				doc = reply.documents[0]
			}
			return doc, QueryFailureError{Message: "command failure", Response: doc}
		}
		if reply.numReturned == 0 {
			return nil, ErrNoDocCommandResponse
		}
		if reply.numReturned > 1 {
			return nil, ErrMultiDocCommandResponse
		}
		if len(reply.documents) != 1 {
			return nil, ErrReplyDocumentMismatch
		}
		rdr := reply.documents[0]
		if err := rdr.Validate(); err != nil {
			return nil, fmt.Errorf("malformed OP_REPLY: %w", err)
		}
		return rdr, nil
	case wiremessage.OpMsg:
		_, wm, ok := wiremessage.ReadMsgFlags(wm)
		if !ok {
			return nil, errors.New("malformed wire message: missing OP_MSG flags")
		}

		var res bsoncore.Document
		for len(wm) > 0 {
			var stype wiremessage.SectionType
			stype, wm, ok = wiremessage.ReadMsgSectionType(wm)
			if !ok {
				return nil, errors.New("malformed wire message: insufficient bytes to read section type")
			}

			switch stype {
			case wiremessage.SingleDocument:
				res, wm, ok = wiremessage.ReadMsgSectionSingleDocument(wm)
				if !ok {
					return nil, errors.New("malformed wire message: insufficient bytes to read single document")
				}
			case wiremessage.DocumentSequence:
				_, _, wm, ok = wiremessage.ReadMsgSectionDocumentSequence(wm)
				if !ok {
					return nil, errors.New("malformed wire message: insufficient bytes to read document sequence")
				}
			default:
				return nil, fmt.Errorf("malformed wire message: unknown section type %v", stype)
			}
		}

		if err := res.Validate(); err != nil {
			return nil, fmt.Errorf("malformed response document: %w", err)
		}
		return res, nil
	default:
		return nil, fmt.Errorf("cannot decode result from %s", opcode)
	}
}

func (op Operation) logRetry(conn Connection, err error, attempt int) {
	if op.Logger == nil {
		return
	}
	op.Logger.WithFields(logrus.Fields{
		"command":      op.Name,
		"connectionID": conn.ID(),
		"attempt":      attempt,
		"error":        err,
	}).Debug("retrying operation after retryable error")
}

func commandName(doc bsoncore.Document) string {
	elems, err := doc.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}
