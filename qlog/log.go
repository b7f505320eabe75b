// Package qlog implements the Indexed Log (spec.md component C1): a
// per-(stream,queue) append-only, index-addressable queue with stable
// absolute indices, per-consumer low-water marks, and safe prefix
// reclamation.
//
// It is the direct Go translation of original_source/snowcat/utils/redis_utils.py's
// RedisList, whose Lua scripts (rpush/lindex/lrange/remfirstn/lpop) gave this
// package its operation set; here each "script" is one buntdb Update closure.
package qlog

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/MPBAUnofficial/snowcat/kv"
)

// ErrNotFound is returned by Get for an index outside [baseOffset, length).
var ErrNotFound = errors.New("qlog: index not found")

// Options configure optional behavior of a Log.
type Options struct {
	// CompressionMinSize, when > 0, LZ4-compresses payloads at least this
	// large before storing them (mirrors xact/xs/tcb.go's config.TCB.Compression
	// knob on the teacher's data mover). 0 disables compression.
	CompressionMinSize int
}

// Log is the Indexed Log over a kv.Store. A single Log instance serves every
// (stream,queue) pair; callers address a specific queue via QueueID.
type Log struct {
	store kv.Store
	opts  Options
}

// QueueID identifies one append-only queue: a named sequence scoped to a
// single stream (spec.md §3 Queue: (StreamId, QueueName)).
type QueueID struct {
	Stream string
	Queue  string
}

func New(store kv.Store, opts Options) *Log {
	return &Log{store: store, opts: opts}
}

func (q QueueID) headerKey() string { return kv.Key(q.Stream, q.Queue) }
func (q QueueID) marksKey() string  { return kv.Key(q.Stream, q.Queue, "marks") }
func (q QueueID) entryKey(idx uint64) string {
	return kv.Key(q.Stream, q.Queue, "e", strconv.FormatUint(idx, 10))
}

func readHeader(tx *buntdb.Tx, q QueueID) (QueueHeader, error) {
	var h QueueHeader
	raw, err := tx.Get(q.headerKey())
	if err != nil {
		if err == buntdb.ErrNotFound {
			return h, nil
		}
		return h, err
	}
	if _, err := h.UnmarshalMsg([]byte(raw)); err != nil {
		return h, err
	}
	return h, nil
}

func writeHeader(tx *buntdb.Tx, q QueueID, h QueueHeader) error {
	b, err := h.MarshalMsg(nil)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(q.headerKey(), string(b), nil)
	return err
}

func readMarks(tx *buntdb.Tx, q QueueID) (marks, error) {
	raw, err := tx.Get(q.marksKey())
	if err != nil {
		if err == buntdb.ErrNotFound {
			return marks{}, nil
		}
		return nil, err
	}
	var m marks
	if _, err := m.UnmarshalMsg([]byte(raw)); err != nil {
		return nil, err
	}
	return m, nil
}

func writeMarks(tx *buntdb.Tx, q QueueID, m marks) error {
	b, err := m.MarshalMsg(nil)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(q.marksKey(), string(b), nil)
	return err
}

// Append adds values to the tail of the queue atomically: length advances by
// len(values) and value i lands at absolute index length_old+i (spec.md §4.1).
func (l *Log) Append(q QueueID, values [][]byte) (newLength uint64, err error) {
	err = l.store.Update(func(tx *buntdb.Tx) error {
		h, err := readHeader(tx, q)
		if err != nil {
			return err
		}
		base := h.Length
		for i, v := range values {
			enc, err := l.encode(v)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(q.entryKey(base+uint64(i)), enc, nil); err != nil {
				return err
			}
		}
		h.Length = base + uint64(len(values))
		newLength = h.Length
		return writeHeader(tx, q, h)
	})
	return newLength, err
}

// Len returns the absolute length of the queue, including any reclaimed prefix.
func (l *Log) Len(q QueueID) (uint64, error) {
	var h QueueHeader
	err := l.store.View(func(tx *buntdb.Tx) error {
		var err error
		h, err = readHeader(tx, q)
		return err
	})
	return h.Length, err
}

// Get returns the entry at absolute index i, or ErrNotFound if i is outside
// [baseOffset, length).
func (l *Log) Get(q QueueID, i uint64) ([]byte, error) {
	var out []byte
	err := l.store.View(func(tx *buntdb.Tx) error {
		h, err := readHeader(tx, q)
		if err != nil {
			return err
		}
		if i < h.BaseOffset || i >= h.Length {
			return ErrNotFound
		}
		raw, err := tx.Get(q.entryKey(i))
		if err != nil {
			if err == buntdb.ErrNotFound {
				return ErrNotFound
			}
			return err
		}
		out, err = l.decode(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRange returns entries in the inclusive [start,stop] window, clipped to
// the live [baseOffset,length) range. Negative indices count from the tail
// relative to the current length. An inverted or fully-outside window
// returns an empty (non-nil) slice (spec.md §4.1).
func (l *Log) GetRange(q QueueID, start, stop int64) ([][]byte, error) {
	var out [][]byte
	err := l.store.View(func(tx *buntdb.Tx) error {
		h, err := readHeader(tx, q)
		if err != nil {
			return err
		}
		length := int64(h.Length)
		s, e := start, stop
		if s < 0 {
			s += length
		}
		if e < 0 {
			e += length
		}
		if e > length-1 {
			e = length - 1
		}
		if s < int64(h.BaseOffset) {
			s = int64(h.BaseOffset)
		}
		if s > e {
			out = [][]byte{}
			return nil
		}
		out = make([][]byte, 0, e-s+1)
		for i := s; i <= e; i++ {
			raw, err := tx.Get(q.entryKey(uint64(i)))
			if err != nil {
				if err == buntdb.ErrNotFound {
					continue
				}
				return err
			}
			v, err := l.decode(raw)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if out == nil && err == nil {
		out = [][]byte{}
	}
	return out, err
}

// Mark sets marks[consumerName] (clipped to [0,length]) and, if the new
// minimum mark advances past minReclaimed, physically deletes entries
// [minReclaimed, newMin) and advances minReclaimed. If idx is nil, the mark
// is created at 0 only if it did not already exist (idempotent registration,
// the mark-before-append precondition used by the ingress dispatcher).
// Returns the resulting minimum mark across all consumers.
func (l *Log) Mark(q QueueID, consumerName string, idx *uint64) (minMark uint64, err error) {
	err = l.store.Update(func(tx *buntdb.Tx) error {
		h, err := readHeader(tx, q)
		if err != nil {
			return err
		}
		m, err := readMarks(tx, q)
		if err != nil {
			return err
		}
		if idx == nil {
			if _, exists := m[consumerName]; !exists {
				m[consumerName] = 0
			}
		} else {
			v := *idx
			if v > h.Length {
				v = h.Length
			}
			m[consumerName] = v
		}
		if err := writeMarks(tx, q, m); err != nil {
			return err
		}
		newMin, any := m.min()
		if !any {
			minMark = h.BaseOffset
			return nil
		}
		minMark = newMin
		if newMin > h.MinReclaimed {
			for i := h.MinReclaimed; i < newMin; i++ {
				tx.Delete(q.entryKey(i))
			}
			h.MinReclaimed = newMin
			h.BaseOffset = newMin
			if err := writeHeader(tx, q, h); err != nil {
				return err
			}
		}
		return nil
	})
	return minMark, err
}

// Unmark removes consumerName's mark; it does not trigger reclamation.
func (l *Log) Unmark(q QueueID, consumerName string) error {
	return l.store.Update(func(tx *buntdb.Tx) error {
		m, err := readMarks(tx, q)
		if err != nil {
			return err
		}
		delete(m, consumerName)
		return writeMarks(tx, q, m)
	})
}

// PopFront returns and deletes the entry at the current front, advancing
// baseOffset; it preserves absolute indices of remaining entries. Returns
// (nil, nil) when the queue is empty.
func (l *Log) PopFront(q QueueID) ([]byte, error) {
	var out []byte
	err := l.store.Update(func(tx *buntdb.Tx) error {
		h, err := readHeader(tx, q)
		if err != nil {
			return err
		}
		if h.BaseOffset >= h.Length {
			return nil
		}
		front := h.BaseOffset
		raw, err := tx.Get(q.entryKey(front))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if err == nil {
			out, err = l.decode(raw)
			if err != nil {
				return err
			}
			tx.Delete(q.entryKey(front))
		}
		h.BaseOffset = front + 1
		if h.BaseOffset > h.MinReclaimed {
			h.MinReclaimed = h.BaseOffset
		}
		return writeHeader(tx, q, h)
	})
	return out, err
}

// Reclaim deletes every key belonging to q (header, marks, all remaining
// entries). Used by topology finalization (spec.md §4.4).
func (l *Log) Reclaim(q QueueID) error {
	return l.store.Update(func(tx *buntdb.Tx) error {
		h, err := readHeader(tx, q)
		if err != nil {
			return err
		}
		for i := h.BaseOffset; i < h.Length; i++ {
			tx.Delete(q.entryKey(i))
		}
		tx.Delete(q.headerKey())
		tx.Delete(q.marksKey())
		return nil
	})
}
