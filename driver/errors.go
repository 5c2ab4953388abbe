// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

var (
	retryableCodes = []int32{11600, 11602, 10107, 13435, 13436, 189, 91, 7, 6, 89, 9001, 262}

	// nsNotFoundCode is the server error code raised when a command targets a
	// collection that does not exist.
	nsNotFoundCode = int32(26)
)

// NetworkError is the error label applied to errors produced by a failed or
// interrupted socket read or write.
const NetworkError = "NetworkError"

var (
	// ErrConnectionSourceReleased is returned when a connection is requested
	// from a ConnectionSource whose final reference was already released.
	ErrConnectionSourceReleased = errors.New("connection source already released")

	// ErrDeadlineWouldBeExceeded is returned when an operation is not sent
	// because the operation's deadline would be exceeded by the server's
	// minimum observed round trip time.
	ErrDeadlineWouldBeExceeded = errors.New(
		"operation not sent to server, as the operation's deadline would be exceeded")

	// ErrNoCursor is returned by NewCursorResponse when the response does not
	// contain a cursor document.
	ErrNoCursor = errors.New("server response did not contain a cursor")

	// ErrNoDocCommandResponse occurs when the server indicated a response
	// existed, but none was found.
	ErrNoDocCommandResponse = errors.New("command returned no documents")

	// ErrMultiDocCommandResponse occurs when the server sent multiple
	// documents in response to a command.
	ErrMultiDocCommandResponse = errors.New("command returned multiple documents")

	// ErrReplyDocumentMismatch occurs when the number of documents returned
	// in an OP_REPLY does not match the numberReturned field.
	ErrReplyDocumentMismatch = errors.New("number of documents returned does not match numberReturned field")

	// ErrCursorNotFound is returned when the server reports that the cursor
	// being iterated no longer exists.
	ErrCursorNotFound = errors.New("cursor not found on the server")
)

// Error is a command execution error from the database.
type Error struct {
	Code    int32
	Message string
	Labels  []string
	Name    string
	Wrapped error
	Raw     bsoncore.Document
}

// Error implements the error interface.
func (e Error) Error() string {
	var msg string
	if e.Name != "" {
		msg = fmt.Sprintf("(%v) %v", e.Name, e.Message)
	} else {
		msg = e.Message
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Wrapped
}

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NetworkError returns true if the error is a network error.
func (e Error) NetworkError() bool {
	return e.HasErrorLabel(NetworkError)
}

// NamespaceNotFound returns true if the error is a namespace-not-found
// error. Older servers report this condition by message rather than code.
func (e Error) NamespaceNotFound() bool {
	return e.Code == nsNotFoundCode || strings.Contains(e.Message, "ns does not exist")
}

// RetryableRead returns true if the error is retryable for a read operation.
func (e Error) RetryableRead() bool {
	for _, label := range e.Labels {
		if label == NetworkError {
			return true
		}
	}
	for _, code := range retryableCodes {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Is checks if err is equal to the current Error. Two Errors are equal when
// their codes match, or, when neither carries a code, their messages match.
func (e Error) Is(err error) bool {
	var de Error
	if errors.As(err, &de) {
		if e.Code != 0 || de.Code != 0 {
			return e.Code == de.Code
		}
		return e.Message == de.Message
	}
	return false
}

// QueryFailureError is an error representing a command failure reported as a
// QueryFailure flag in an OP_REPLY.
type QueryFailureError struct {
	Message  string
	Response bsoncore.Document
	Wrapped  error
}

// Error implements the error interface.
func (e QueryFailureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, bson.Raw(e.Response))
}

// Unwrap returns the underlying error.
func (e QueryFailureError) Unwrap() error {
	return e.Wrapped
}

// IsNamespaceError returns true if the error indicates the operation targeted
// a namespace that does not exist on the server.
func IsNamespaceError(err error) bool {
	var de Error
	if errors.As(err, &de) {
		return de.NamespaceNotFound()
	}
	return false
}

// ExtractErrorFromServerResponse extracts an error from a server response
// document. A nil return means the response indicates success.
func ExtractErrorFromServerResponse(doc bsoncore.Document) error {
	var errmsg, codeName string
	var code int32
	var labels []string
	var ok bool

	elems, err := doc.Elements()
	if err != nil {
		return err
	}

	for _, elem := range elems {
		switch elem.Key() {
		case "ok":
			switch elem.Value().Type {
			case bson.TypeInt32:
				if elem.Value().Int32() == 1 {
					ok = true
				}
			case bson.TypeInt64:
				if elem.Value().Int64() == 1 {
					ok = true
				}
			case bson.TypeDouble:
				if elem.Value().Double() == 1 {
					ok = true
				}
			case bson.TypeBoolean:
				if elem.Value().Boolean() {
					ok = true
				}
			}
		case "errmsg":
			if str, okay := elem.Value().StringValueOK(); okay {
				errmsg = str
			}
		case "codeName":
			if str, okay := elem.Value().StringValueOK(); okay {
				codeName = str
			}
		case "code":
			if c, okay := elem.Value().Int32OK(); okay {
				code = c
			}
		case "errorLabels":
			if arr, okay := elem.Value().ArrayOK(); okay {
				vals, err := arr.Values()
				if err != nil {
					continue
				}
				for _, val := range vals {
					if str, okay := val.StringValueOK(); okay {
						labels = append(labels, str)
					}
				}
			}
		}
	}

	if ok {
		return nil
	}

	if errmsg == "" {
		errmsg = "command failed"
	}
	return Error{
		Code:    code,
		Message: errmsg,
		Name:    codeName,
		Labels:  labels,
		Raw:     doc,
	}
}
