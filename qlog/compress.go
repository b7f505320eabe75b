package qlog

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"
)

// Entries are stored with a one-byte tag so compression can be toggled
// per-Log without breaking reads of previously written, untagged-by-choice
// entries. Mirrors the spirit of xact/xs/tcb.go's per-bundle Compression
// knob, applied per-entry instead of per-stream since payloads are opaque
// and vary wildly in size within the same queue.
const (
	tagRaw byte = 0
	tagLZ4 byte = 1
)

// encode returns the on-disk string for a payload, compressing it with LZ4
// when CompressionMinSize is set and the payload meets the threshold.
func (l *Log) encode(v []byte) (string, error) {
	if l.opts.CompressionMinSize <= 0 || len(v) < l.opts.CompressionMinSize {
		return string(append([]byte{tagRaw}, v...)), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(tagLZ4)
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(v); err != nil {
		return "", errors.Wrap(err, "qlog: lz4 compress")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "qlog: lz4 compress")
	}
	return buf.String(), nil
}

func (l *Log) decode(raw string) ([]byte, error) {
	if len(raw) == 0 {
		return []byte{}, nil
	}
	tag, body := raw[0], raw[1:]
	switch tag {
	case tagRaw:
		return []byte(body), nil
	case tagLZ4:
		r := lz4.NewReader(bytes.NewReader([]byte(body)))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "qlog: lz4 decompress")
		}
		return out, nil
	default:
		return nil, errors.Errorf("qlog: unknown entry tag %d", tag)
	}
}
