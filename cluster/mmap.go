package cluster

import (
	"encoding/binary"
	"math"

	"github.com/rotisserie/eris"
)

// errShortSnapshot is returned when a snapshot ends before its declared size.
var errShortSnapshot = eris.New("cluster: snapshot truncated")

// snapshotWriter appends little-endian values to a growing buffer.
type snapshotWriter struct {
	data []byte
}

func (w *snapshotWriter) WriteUint8(v uint8) {
	w.data = append(w.data, v)
}

func (w *snapshotWriter) WriteUint32(v uint32) {
	w.data = binary.LittleEndian.AppendUint32(w.data, v)
}

func (w *snapshotWriter) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *snapshotWriter) WriteInt64(v int64) {
	w.data = binary.LittleEndian.AppendUint64(w.data, uint64(v))
}

func (w *snapshotWriter) WriteFloat64(v float64) {
	w.data = binary.LittleEndian.AppendUint64(w.data, math.Float64bits(v))
}

func (w *snapshotWriter) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.data = append(w.data, s...)
}

// snapshotReader reads values back from a decompressed snapshot, which may be
// backed by a memory-mapped file. The first out-of-range read sets err and
// every later read returns zero.
type snapshotReader struct {
	data   []byte
	offset int
	err    error
}

func (r *snapshotReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.offset+n > len(r.data) {
		r.err = errShortSnapshot
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *snapshotReader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *snapshotReader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *snapshotReader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

func (r *snapshotReader) ReadInt64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (r *snapshotReader) ReadFloat64() float64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (r *snapshotReader) ReadString() string {
	n := r.ReadUint32()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}
