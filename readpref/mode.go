// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

// Mode indicates the user's preference on reads.
type Mode uint8

// Mode constants.
const (
	_ Mode = iota
	// PrimaryMode indicates that only a primary is considered for reading.
	PrimaryMode
	// PrimaryPreferredMode indicates that if a primary is available, use it;
	// otherwise, eligible secondaries will be considered.
	PrimaryPreferredMode
	// SecondaryMode indicates that only secondaries should be considered.
	SecondaryMode
	// SecondaryPreferredMode indicates that only secondaries should be
	// considered when one is available. If none are available, then a primary
	// will be considered.
	SecondaryPreferredMode
	// NearestMode indicates that all primaries and secondaries will be considered.
	NearestMode
)

// String implements the fmt.Stringer interface.
func (mode Mode) String() string {
	switch mode {
	case PrimaryMode:
		return "primary"
	case PrimaryPreferredMode:
		return "primaryPreferred"
	case SecondaryMode:
		return "secondary"
	case SecondaryPreferredMode:
		return "secondaryPreferred"
	case NearestMode:
		return "nearest"
	default:
		return "unknown"
	}
}
