// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package address

import "testing"

func TestAddress(t *testing.T) {
	t.Run("network", func(t *testing.T) {
		testCases := []struct {
			addr    Address
			network string
		}{
			{"localhost:27017", "tcp"},
			{"/tmp/mongodb-27017.sock", "unix"},
		}
		for _, tc := range testCases {
			if got := tc.addr.Network(); got != tc.network {
				t.Errorf("network mismatch for %q. got %q; want %q", tc.addr, got, tc.network)
			}
		}
	})
	t.Run("string", func(t *testing.T) {
		testCases := []struct {
			addr Address
			str  string
		}{
			{"localhost:27017", "localhost:27017"},
			{"localhost", "localhost:27017"},
			{"LOCALHOST:27018", "localhost:27018"},
			{"/tmp/mongodb-27017.sock", "/tmp/mongodb-27017.sock"},
		}
		for _, tc := range testCases {
			if got := tc.addr.String(); got != tc.str {
				t.Errorf("string mismatch for %q. got %q; want %q", tc.addr, got, tc.str)
			}
		}
	})
	t.Run("canonicalize is idempotent", func(t *testing.T) {
		addr := Address("LOCALHOST").Canonicalize()
		if addr.Canonicalize() != addr {
			t.Errorf("canonicalize not idempotent for %q", addr)
		}
	})
}
