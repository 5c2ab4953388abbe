// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import "testing"

func TestNamespace(t *testing.T) {
	t.Run("parse", func(t *testing.T) {
		testCases := []struct {
			name string
			full string
			db   string
			coll string
		}{
			{"simple", "foo.bar", "foo", "bar"},
			{"collection with dots", "foo.system.indexes", "foo", "system.indexes"},
			{"no separator", "foo", "", "foo"},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				ns := ParseNamespace(tc.full)
				if ns.DB != tc.db || ns.Collection != tc.coll {
					t.Errorf("parse mismatch. got %q/%q; want %q/%q", ns.DB, ns.Collection, tc.db, tc.coll)
				}
			})
		}
	})
	t.Run("validate", func(t *testing.T) {
		testCases := []struct {
			name    string
			ns      Namespace
			wantErr bool
		}{
			{"valid", Namespace{DB: "foo", Collection: "bar"}, false},
			{"empty db", Namespace{Collection: "bar"}, true},
			{"db with space", Namespace{DB: "f oo", Collection: "bar"}, true},
			{"db with dot", Namespace{DB: "f.oo", Collection: "bar"}, true},
			{"empty collection", Namespace{DB: "foo"}, true},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				err := tc.ns.Validate()
				if (err != nil) != tc.wantErr {
					t.Errorf("validate mismatch. got %v; wantErr %v", err, tc.wantErr)
				}
			})
		}
	})
	t.Run("full name round trips", func(t *testing.T) {
		ns := NewNamespace("foo", "bar")
		if got := ParseNamespace(ns.FullName()); got != ns {
			t.Errorf("round trip mismatch. got %v; want %v", got, ns)
		}
	})
}
