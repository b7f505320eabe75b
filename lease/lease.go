// Package lease implements the Lease Manager (spec.md component C3): a named
// mutual-exclusion lease with TTL, non-blocking acquire, idempotent release.
//
// Grounded on original_source/snowcat/decorators.py's singleton_task, which
// wraps a categorizer's run() in a redis lock acquired with
// blocking=False/timeout=LOCK_EXPIRE and released in a finally block. Here
// the lock value doubles as a per-acquire token (a shortid, mirroring the
// teacher's genBEID-style local UUID generation in xact/xs/tcb.go's
// tcoFactory.Start) so a release can never clobber a lease re-acquired by a
// different owner after TTL expiry.
package lease

import (
	"time"

	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
	"github.com/tidwall/buntdb"

	"github.com/MPBAUnofficial/snowcat/kv"
)

// ErrNotHeld names the state where a handle's token no longer matches the
// stored lease (already released, or expired and re-acquired by someone
// else). Release does not return it: it treats that state as a successful
// no-op, since Release is idempotent.
var ErrNotHeld = errors.New("lease: not held")

// Manager grants and revokes leases backed by a kv.Store.
type Manager struct {
	store kv.Store
}

func NewManager(store kv.Store) *Manager {
	return &Manager{store: store}
}

// Handle identifies one successful acquisition; it is the only thing capable
// of releasing the lease it names.
type Handle struct {
	Key   string
	Token string
}

// TryAcquire never blocks: it returns (nil, nil) if key is already held by a
// live lease, or a Handle once this caller becomes the holder.
func (m *Manager) TryAcquire(key string, ttl time.Duration) (*Handle, error) {
	token, err := shortid.Generate()
	if err != nil {
		return nil, errors.Wrap(err, "lease: generate token")
	}
	var acquired bool
	err = m.store.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Get(key)
		if err == nil {
			return nil // live lease already present
		}
		if err != buntdb.ErrNotFound {
			return err
		}
		if _, _, err := tx.Set(key, token, kv.TTLOpts(ttl)); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "lease: try-acquire")
	}
	if !acquired {
		return nil, nil
	}
	return &Handle{Key: key, Token: token}, nil
}

// Release is idempotent: releasing an already-released or TTL-expired handle
// is a no-op. It only deletes the stored lease when the live value still
// matches this handle's token, so it can never release a lease some other
// owner has since acquired.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	return m.store.Update(func(tx *buntdb.Tx) error {
		v, err := tx.Get(h.Key)
		if err != nil {
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		}
		if v != h.Token {
			return nil // re-acquired by someone else since TTL expiry
		}
		_, err = tx.Delete(h.Key)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

// IsHeld is advisory: used by RunIfNotRunning to avoid scheduling duplicate
// activations (spec.md §4.3).
func (m *Manager) IsHeld(key string) (bool, error) {
	held := false
	err := m.store.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		held = true
		return nil
	})
	return held, err
}

// Key builds the "{stream}:{stage}:lock" key named in spec.md §6 (stream
// first, so finalize's "{stream}:*" sweep finds it and the ":lock" suffix
// check preserves it per spec.md §9 S6).
func Key(stage, stream string) string { return kv.Key(stream, stage, "lock") }
