package protocol

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/storeerr"
)

func timeFromUnixNano(v uint64) time.Time { return time.Unix(0, int64(v)) }

// All scalar fields use little-endian encoding; variable-length byte
// strings are a uint32 length prefix followed by the raw bytes.

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendFloat32(buf []byte, v float32) []byte {
	return appendU32(buf, math.Float32bits(v))
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendU32(buf, uint32(len(v)))
	return append(buf, v...)
}

func appendString(buf []byte, v string) []byte {
	return appendBytes(buf, []byte(v))
}

func appendVector(buf []byte, v []float32) []byte {
	buf = appendU32(buf, uint32(len(v)))
	for _, f := range v {
		buf = appendFloat32(buf, f)
	}
	return buf
}

func appendMetadata(buf []byte, m readview.ConceptMetadata) []byte {
	buf = appendString(buf, m.ConceptType)
	buf = appendString(buf, m.OrganizationID)
	buf = appendU32(buf, uint32(len(m.Tags)))
	for _, tag := range m.Tags {
		buf = appendString(buf, tag)
	}
	buf = appendU32(buf, uint32(len(m.Attributes)))
	for k, v := range m.Attributes {
		buf = appendString(buf, k)
		buf = appendString(buf, v)
	}
	buf = appendU64(buf, uint64(m.CreatedAt.UnixNano()))
	buf = appendU64(buf, uint64(m.LastAccessed.UnixNano()))
	return buf
}

// reader walks a decoded frame payload field by field, latching the
// first error so callers can check it once at the end instead of after
// every read.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = storeerr.New(storeerr.ProtocolError, "protocol: truncated payload")
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil || r.pos+n > len(r.data) {
		r.fail()
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) float32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *reader) bytes() []byte {
	n := r.u32()
	b := r.take(int(n))
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) string() string {
	return string(r.bytes())
}

func (r *reader) vector() []float32 {
	n := r.u32()
	out := make([]float32, n)
	for i := range out {
		out[i] = r.float32()
	}
	return out
}

func (r *reader) metadata() readview.ConceptMetadata {
	m := readview.ConceptMetadata{ConceptType: r.string(), OrganizationID: r.string()}
	tagCount := r.u32()
	m.Tags = make([]string, tagCount)
	for i := range m.Tags {
		m.Tags[i] = r.string()
	}
	attrCount := r.u32()
	m.Attributes = make(map[string]string, attrCount)
	for i := uint32(0); i < attrCount; i++ {
		k := r.string()
		v := r.string()
		m.Attributes[k] = v
	}
	createdAt := r.u64()
	lastAccessed := r.u64()
	m.CreatedAt = timeFromUnixNano(createdAt)
	m.LastAccessed = timeFromUnixNano(lastAccessed)
	return m
}
