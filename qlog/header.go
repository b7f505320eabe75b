package qlog

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// QueueHeader is the persistent scalar state of one (stream,queue) log,
// per spec.md §3: length = entries ever appended, baseOffset = entries
// physically reclaimed, minReclaimed = the index below which Mark has
// physically deleted entries (one past the highest deleted index).
//
// Encoding is hand-written msgp (tinylib/msgp's runtime append/read helpers,
// no generated code) rather than JSON: these records sit on the hottest path
// in the whole system (every append/mark touches one), and msgp's compact
// positional array encoding avoids both string-key overhead and escaping.
type QueueHeader struct {
	Length       uint64
	BaseOffset   uint64
	MinReclaimed uint64
}

func (h *QueueHeader) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendUint64(b, h.Length)
	b = msgp.AppendUint64(b, h.BaseOffset)
	b = msgp.AppendUint64(b, h.MinReclaimed)
	return b, nil
}

func (h *QueueHeader) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, errors.Wrap(err, "qlog: header array")
	}
	if sz != 3 {
		return b, errors.Errorf("qlog: header array size %d", sz)
	}
	if h.Length, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if h.BaseOffset, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if h.MinReclaimed, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	return b, nil
}

// marks is the consumerName -> next-needed-absoluteIndex mapping for one
// queue (spec.md §3 QueueHeader.marks).
type marks map[string]uint64

func (m marks) MarshalMsg(b []byte) ([]byte, error) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic encoding, easier to diff/test
	b = msgp.AppendMapHeader(b, uint32(len(names)))
	for _, name := range names {
		b = msgp.AppendString(b, name)
		b = msgp.AppendUint64(b, m[name])
	}
	return b, nil
}

func (m *marks) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, errors.Wrap(err, "qlog: marks map")
	}
	out := make(marks, sz)
	for i := uint32(0); i < sz; i++ {
		var name string
		var idx uint64
		if name, b, err = msgp.ReadStringBytes(b); err != nil {
			return b, err
		}
		if idx, b, err = msgp.ReadUint64Bytes(b); err != nil {
			return b, err
		}
		out[name] = idx
	}
	*m = out
	return b, nil
}

// min returns the minimum mark value, and whether any mark exists.
func (m marks) min() (uint64, bool) {
	if len(m) == 0 {
		return 0, false
	}
	first := true
	var v uint64
	for _, idx := range m {
		if first || idx < v {
			v = idx
			first = false
		}
	}
	return v, true
}
