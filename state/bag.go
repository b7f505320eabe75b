// Package state implements the two State Store flavors from spec.md §4.2:
// Bag (namespaced KV with atomic get-or-set) and Snapshot (load-once,
// explicit-save blob). Both are grounded on original_source's
// utils/redis_utils.py PersistentObject and the ad-hoc bag-like flag reads
// scattered through categorizers.py/tasks.py (init_started, init_finished).
package state

import (
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/MPBAUnofficial/snowcat/kv"
)

// Bag is a namespaced field->value hash with an atomic compare-and-set
// primitive, used for cross-stage coordination flags (spec.md §4.2).
type Bag struct {
	store     kv.Store
	namespace string
}

func NewBag(store kv.Store, namespace string) *Bag {
	return &Bag{store: store, namespace: namespace}
}

func (b *Bag) fieldKey(field string) string { return kv.Key(b.namespace, field) }

// Get returns the field's value, or def if the field is absent.
func (b *Bag) Get(field, def string) (string, error) {
	var out = def
	err := b.store.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(b.fieldKey(field))
		if err != nil {
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Set unconditionally writes field's value.
func (b *Bag) Set(field, value string) error {
	return b.store.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(b.fieldKey(field), value, nil)
		return err
	})
}

// GetOrSet atomically returns the field's previous value (or def if absent)
// and, iff it was absent, installs newValue. This is the compare-and-set
// primitive the initialization handshake (spec.md §4.4 step 2) is built on.
func (b *Bag) GetOrSet(field, newValue, def string) (previous string, err error) {
	err = b.store.Update(func(tx *buntdb.Tx) error {
		v, getErr := tx.Get(b.fieldKey(field))
		if getErr != nil {
			if getErr != buntdb.ErrNotFound {
				return getErr
			}
			previous = def
			_, _, err := tx.Set(b.fieldKey(field), newValue, nil)
			return err
		}
		previous = v
		return nil
	})
	return previous, err
}

// Exists reports whether field has been set.
func (b *Bag) Exists(field string) (bool, error) {
	exists := false
	err := b.store.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(b.fieldKey(field))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// Delete removes field.
func (b *Bag) Delete(field string) error {
	return b.store.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(b.fieldKey(field))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

// SetTTL writes field's value with an expiration, used for the finalization
// tombstone ({stream}:finished) described in spec.md §4.4.
func (b *Bag) SetTTL(field, value string, ttlOpts *buntdb.SetOptions) error {
	return b.store.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(b.fieldKey(field), value, ttlOpts)
		return err
	})
}

// ErrWrongType names a bag field that does not hold the expected shape. No
// Bag method returns it: every field is read and written as a plain string.
var ErrWrongType = errors.New("state: field holds unexpected type")
