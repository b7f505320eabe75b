package state

import (
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
	"github.com/tinylib/msgp/msgp"

	"github.com/MPBAUnofficial/snowcat/kv"
)

// Cursor is the per-(Stage,Stream) persistent record named in spec.md §3:
// idx is monotonically non-decreasing across checkpoints of the same
// (Stage,Stream); the buffer fields cache the stage runner's chunked log
// window so it survives a restart without a cold refill.
type Cursor struct {
	Idx                uint64
	LastSaveTS         float64
	LoopFlag           bool
	BufferChunk        uint32
	HasBufferWindow    bool
	BufferWindowOffset uint64
	BufferContents     [][]byte
	// Extra carries Stage.DefaultCursorState's user-declared fields as
	// opaque, self-describing blobs the core never interprets.
	Extra map[string][]byte
}

func (c *Cursor) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendUint64(b, c.Idx)
	b = msgp.AppendFloat64(b, c.LastSaveTS)
	b = msgp.AppendBool(b, c.LoopFlag)
	b = msgp.AppendUint32(b, c.BufferChunk)
	b = msgp.AppendBool(b, c.HasBufferWindow)
	b = msgp.AppendUint64(b, c.BufferWindowOffset)
	b = msgp.AppendArrayHeader(b, uint32(len(c.BufferContents)))
	for _, v := range c.BufferContents {
		b = msgp.AppendBytes(b, v)
	}
	names := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		names = append(names, k)
	}
	b = msgp.AppendMapHeader(b, uint32(len(names)))
	for _, k := range names {
		b = msgp.AppendString(b, k)
		b = msgp.AppendBytes(b, c.Extra[k])
	}
	return b, nil
}

func (c *Cursor) UnmarshalMsg(b []byte) ([]byte, error) {
	var err error
	if c.Idx, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if c.LastSaveTS, b, err = msgp.ReadFloat64Bytes(b); err != nil {
		return b, err
	}
	if c.LoopFlag, b, err = msgp.ReadBoolBytes(b); err != nil {
		return b, err
	}
	if c.BufferChunk, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return b, err
	}
	if c.HasBufferWindow, b, err = msgp.ReadBoolBytes(b); err != nil {
		return b, err
	}
	if c.BufferWindowOffset, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	var arrSz uint32
	if arrSz, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return b, err
	}
	c.BufferContents = make([][]byte, arrSz)
	for i := range c.BufferContents {
		if c.BufferContents[i], b, err = msgp.ReadBytesBytes(b, nil); err != nil {
			return b, err
		}
	}
	var mapSz uint32
	if mapSz, b, err = msgp.ReadMapHeaderBytes(b); err != nil {
		return b, err
	}
	c.Extra = make(map[string][]byte, mapSz)
	for i := uint32(0); i < mapSz; i++ {
		var k string
		if k, b, err = msgp.ReadStringBytes(b); err != nil {
			return b, err
		}
		var v []byte
		if v, b, err = msgp.ReadBytesBytes(b, nil); err != nil {
			return b, err
		}
		c.Extra[k] = v
	}
	return b, nil
}

// Snapshot loads a Cursor blob once on construction and only persists it back
// to the store when Save is explicitly called (spec.md §4.2): field writes
// are local until then, matching the checkpoint semantics the stage runner
// relies on.
type Snapshot struct {
	store kv.Store
	key   string
	Cur   Cursor
}

// DefaultCursor returns the documented zero-value cursor (spec.md §4.5 step 4),
// merged with a stage's declared default extra fields.
func DefaultCursor(bufferChunk uint32, extraDefaults map[string][]byte) Cursor {
	extra := make(map[string][]byte, len(extraDefaults))
	for k, v := range extraDefaults {
		extra[k] = v
	}
	return Cursor{
		Idx:         0,
		LastSaveTS:  0,
		LoopFlag:    true,
		BufferChunk: bufferChunk,
		Extra:       extra,
	}
}

// LoadSnapshot loads the cursor at key (e.g. "{stream}:{stage}") falling back
// to def when no blob has been saved yet.
func LoadSnapshot(store kv.Store, key string, def Cursor) (*Snapshot, error) {
	s := &Snapshot{store: store, key: kv.Key(key, "PersistentObject"), Cur: def}
	err := store.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(s.key)
		if err != nil {
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		}
		var c Cursor
		if _, err := c.UnmarshalMsg([]byte(raw)); err != nil {
			return errors.Wrap(err, "state: decode cursor snapshot")
		}
		s.Cur = c
		return nil
	})
	return s, err
}

// Save persists the current in-memory cursor state as one blob.
func (s *Snapshot) Save() error {
	b, err := s.Cur.MarshalMsg(nil)
	if err != nil {
		return err
	}
	return s.store.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(s.key, string(b), nil)
		return err
	})
}

// Delete removes the persisted blob (used by stream finalization).
func (s *Snapshot) Delete() error {
	return s.store.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(s.key)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}
