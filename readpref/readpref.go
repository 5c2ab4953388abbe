// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref defines read preferences for server selection and for the
// wire forms that carry a preference to a routing server.
package readpref

import (
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ReadPref determines which servers are considered suitable for read operations.
type ReadPref struct {
	mode Mode
}

// Primary constructs a read preference with a PrimaryMode.
func Primary() *ReadPref {
	return &ReadPref{mode: PrimaryMode}
}

// PrimaryPreferred constructs a read preference with a PrimaryPreferredMode.
func PrimaryPreferred() *ReadPref {
	return &ReadPref{mode: PrimaryPreferredMode}
}

// Secondary constructs a read preference with a SecondaryMode.
func Secondary() *ReadPref {
	return &ReadPref{mode: SecondaryMode}
}

// SecondaryPreferred constructs a read preference with a SecondaryPreferredMode.
func SecondaryPreferred() *ReadPref {
	return &ReadPref{mode: SecondaryPreferredMode}
}

// Nearest constructs a read preference with a NearestMode.
func Nearest() *ReadPref {
	return &ReadPref{mode: NearestMode}
}

// Mode indicates the mode of the read preference.
func (r *ReadPref) Mode() Mode {
	return r.mode
}

// ToDocument returns the BSON document form of the read preference, as
// attached to wire requests under $readPreference.
func (r *ReadPref) ToDocument() bsoncore.Document {
	return bsoncore.BuildDocumentFromElements(nil,
		bsoncore.AppendStringElement(nil, "mode", r.mode.String()),
	)
}
