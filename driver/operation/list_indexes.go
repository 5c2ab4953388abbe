// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation contains the concrete operations built on the driver
// engine.
package operation

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ikmak/mongocore/description"
	"github.com/ikmak/mongocore/driver"
	"github.com/ikmak/mongocore/readpref"
)

// ListIndexes performs a listIndexes operation.
type ListIndexes struct {
	batchSize  *int32
	maxTime    *time.Duration
	collection string
	database   string
	deployment driver.Deployment
	selector   description.ServerSelector
	readPref   *readpref.ReadPref
	retry      *driver.RetryMode
	logger     logrus.FieldLogger

	result driver.CursorResponse
}

// NewListIndexes constructs and returns a new ListIndexes.
func NewListIndexes() *ListIndexes {
	return &ListIndexes{}
}

// Result returns the result of executing this operation.
func (li *ListIndexes) Result(opts driver.CursorOptions) (*driver.BatchCursor, error) {
	opts.Logger = li.logger
	return driver.NewBatchCursor(li.result, opts)
}

func (li *ListIndexes) processResponse(_ context.Context, response bsoncore.Document, info driver.ResponseInfo) error {
	if info.Error != nil {
		// A missing namespace means there are no indexes to list. The
		// substituted result is an exhausted cursor that still reports the
		// address of the server that was asked.
		if driver.IsNamespaceError(info.Error) {
			li.result = driver.NewEmptyCursorResponse(
				driver.NewNamespace(li.database, li.collection),
				info.ConnectionDescription.Addr,
			)
		}
		return nil
	}

	curDoc, err := driver.ExtractCursorDocument(response)
	if err != nil {
		return err
	}
	li.result, err = driver.NewCursorResponse(curDoc, info)
	return err
}

// Execute runs this operations and returns an error if the operation did not
// execute successfully.
func (li *ListIndexes) Execute(ctx context.Context) error {
	if li.deployment == nil {
		return errors.New("the ListIndexes operation must have a Deployment set before Execute can be called")
	}

	err := driver.Operation{
		CommandFn:         li.command,
		ProcessResponseFn: li.processResponse,
		Database:          li.database,
		Deployment:        li.deployment,
		Selector:          li.selector,
		ReadPreference:    li.readPref,
		Type:              driver.Read,
		RetryMode:         li.retry,
		Legacy:            driver.LegacyListIndexes,
		Name:              "listIndexes",
		Logger:            li.logger,
	}.Execute(ctx)
	if err != nil && !driver.IsNamespaceError(err) {
		return err
	}
	return nil
}

// ExecuteAsync runs this operation without blocking the caller and delivers
// the outcome to cb exactly once. The result is only valid inside cb when the
// delivered error is nil.
func (li *ListIndexes) ExecuteAsync(ctx context.Context, cb driver.SingleResultCallback) {
	go func() {
		cb(li.Execute(ctx))
	}()
}

func (li *ListIndexes) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "listIndexes", li.collection)

	cursorIdx, cursorDoc := bsoncore.AppendDocumentStart(nil)
	if li.batchSize != nil {
		cursorDoc = bsoncore.AppendInt32Element(cursorDoc, "batchSize", *li.batchSize)
	}
	cursorDoc, _ = bsoncore.AppendDocumentEnd(cursorDoc, cursorIdx)
	dst = bsoncore.AppendDocumentElement(dst, "cursor", cursorDoc)

	if li.maxTime != nil && *li.maxTime > 0 {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", int64(*li.maxTime/time.Millisecond))
	}
	return dst, nil
}

// BatchSize specifies the number of documents to return in every batch.
func (li *ListIndexes) BatchSize(batchSize int32) *ListIndexes {
	if li == nil {
		li = new(ListIndexes)
	}
	li.batchSize = &batchSize
	return li
}

// MaxTime specifies the maximum amount of time to allow the query to run on
// the server.
func (li *ListIndexes) MaxTime(maxTime time.Duration) *ListIndexes {
	if li == nil {
		li = new(ListIndexes)
	}
	li.maxTime = &maxTime
	return li
}

// Collection sets the collection that this command will run against.
func (li *ListIndexes) Collection(collection string) *ListIndexes {
	if li == nil {
		li = new(ListIndexes)
	}
	li.collection = collection
	return li
}

// Database sets the database to run this operation against.
func (li *ListIndexes) Database(database string) *ListIndexes {
	if li == nil {
		li = new(ListIndexes)
	}
	li.database = database
	return li
}

// Deployment sets the deployment to run this operation against.
func (li *ListIndexes) Deployment(deployment driver.Deployment) *ListIndexes {
	if li == nil {
		li = new(ListIndexes)
	}
	li.deployment = deployment
	return li
}

// ServerSelector sets the selector used to retrieve a server.
func (li *ListIndexes) ServerSelector(selector description.ServerSelector) *ListIndexes {
	if li == nil {
		li = new(ListIndexes)
	}
	li.selector = selector
	return li
}

// ReadPreference set the read preference used with this operation.
func (li *ListIndexes) ReadPreference(readPref *readpref.ReadPref) *ListIndexes {
	if li == nil {
		li = new(ListIndexes)
	}
	li.readPref = readPref
	return li
}

// Retry enables retryable mode for this operation. Retries are handled
// automatically in driver.Operation.Execute based on how the operation is
// set.
func (li *ListIndexes) Retry(retry driver.RetryMode) *ListIndexes {
	if li == nil {
		li = new(ListIndexes)
	}
	li.retry = &retry
	return li
}

// Logger sets the logger that receives engine debug records for this
// operation.
func (li *ListIndexes) Logger(logger logrus.FieldLogger) *ListIndexes {
	if li == nil {
		li = new(ListIndexes)
	}
	li.logger = logger
	return li
}
