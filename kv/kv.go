// Package kv is the backend storage contract (spec C7): a KV service
// providing atomic get/set/compare-and-set and atomic execution of small
// multi-step scripts, as required by the indexed log's mark/reclaim and by
// the state bag's getOrSet. Any backend satisfying Store is acceptable; this
// package ships a single tidwall/buntdb-backed implementation, matching the
// "embedded KV" option named in spec.md §4.7.
package kv

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

// ErrNotFound is returned by Get-style helpers when a key is absent.
var ErrNotFound = buntdb.ErrNotFound

// Store is the atomic-transaction contract every higher-level component
// (qlog, state, lease) is built on. An implementation must guarantee that
// Update closures run with the same atomicity semantics as buntdb.DB.Update:
// either every read/write inside the closure commits, or none does, and
// concurrent Updates on the same Store serialize.
type Store interface {
	Update(fn func(tx *buntdb.Tx) error) error
	View(fn func(tx *buntdb.Tx) error) error
	Close() error
}

// DB is the buntdb-backed Store implementation.
type DB struct {
	bdb *buntdb.DB
}

var _ Store = (*DB)(nil)

// Open opens (creating if needed) a buntdb file at path. Pass ":memory:" for
// an ephemeral in-process store, suitable for tests and single-node demos.
func Open(path string) (*DB, error) {
	bdb, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "kv: open %q", path)
	}
	return &DB{bdb: bdb}, nil
}

func (d *DB) Update(fn func(tx *buntdb.Tx) error) error {
	if err := d.bdb.Update(fn); err != nil {
		return errors.Wrap(err, "kv: update")
	}
	return nil
}

func (d *DB) View(fn func(tx *buntdb.Tx) error) error {
	if err := d.bdb.View(fn); err != nil {
		return errors.Wrap(err, "kv: view")
	}
	return nil
}

func (d *DB) Close() error { return d.bdb.Close() }

// Key joins parts with ':', matching the namespaced key layout in spec.md §6
// (e.g. "{stream}:{queue}", "{stream}:{stage}:lock"). Stream is always the
// leading component so finalize's "{stream}:*" sweep (spec.md §4.4) reaches
// every key belonging to a stream.
func Key(parts ...string) string { return strings.Join(parts, ":") }

// TTLOpts is a convenience constructor for buntdb.SetOptions with an
// expiration, used by lease and the finalization tombstone.
func TTLOpts(ttl time.Duration) *buntdb.SetOptions {
	return &buntdb.SetOptions{Expires: true, TTL: ttl}
}

// IsNotFound reports whether err is (or wraps) buntdb.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Cause(err) == buntdb.ErrNotFound
}
