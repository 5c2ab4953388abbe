// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description contains the types for the descriptions of servers and
// topologies that the driver core uses to negotiate wire-protocol forms and
// judge retry eligibility. Descriptions are produced by the external
// monitoring layer; this package only defines their shape.
package description

import (
	"fmt"

	"github.com/ikmak/mongocore/address"
)

// ServerKind represents the type of a single server in a topology.
type ServerKind uint32

// These constants are the possible types of servers.
const (
	Standalone  ServerKind = 1
	RSMember    ServerKind = 2
	RSPrimary   ServerKind = 4 + RSMember
	RSSecondary ServerKind = 8 + RSMember
	RSArbiter   ServerKind = 16 + RSMember
	RSGhost     ServerKind = 32 + RSMember
	Mongos      ServerKind = 256
)

// String implements the fmt.Stringer interface.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case RSMember:
		return "RSOther"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSGhost:
		return "RSGhost"
	case Mongos:
		return "Mongos"
	}

	return "Unknown"
}

// TopologyKind represents a specific topology configuration.
type TopologyKind uint32

// These constants are the possible types of topologies.
const (
	Single                TopologyKind = 1
	ReplicaSet            TopologyKind = 2
	ReplicaSetNoPrimary   TopologyKind = 4 + ReplicaSet
	ReplicaSetWithPrimary TopologyKind = 8 + ReplicaSet
	Sharded               TopologyKind = 256
)

// String implements the fmt.Stringer interface.
func (kind TopologyKind) String() string {
	switch kind {
	case Single:
		return "Single"
	case ReplicaSet:
		return "ReplicaSet"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	}

	return "Unknown"
}

// VersionRange represents a range of wire protocol versions.
type VersionRange struct {
	Min int32
	Max int32
}

// NewVersionRange creates a new VersionRange given a min and a max.
func NewVersionRange(min, max int32) VersionRange {
	return VersionRange{Min: min, Max: max}
}

// Includes returns a bool indicating whether the supplied integer is included
// in the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// String implements the fmt.Stringer interface.
func (vr VersionRange) String() string {
	return fmt.Sprintf("[%d, %d]", vr.Min, vr.Max)
}

// Server represents a description of a server, created from the handshake
// performed by the external connection layer.
type Server struct {
	Addr address.Address

	Kind        ServerKind
	WireVersion *VersionRange

	MaxBatchCount   uint32
	MaxDocumentSize uint32
	MaxMessageSize  uint32
}

// SelectedServer represents a selected server that is a member of a topology.
type SelectedServer struct {
	Server
	Kind TopologyKind
}

// Topology represents a description of a topology.
type Topology struct {
	Servers []Server
	Kind    TopologyKind
}

// ServerSelector is an interface implemented by types that can select a server
// given a topology description. Server selection itself is owned by the
// external deployment layer; the core only threads selectors through to it.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}
