// Package snapshot persists and restores the durable form of a shard's
// published ReadView: a fixed binary layout ("storage.dat") swapped in
// atomically via write-temp + fsync + rename + directory fsync, and read
// back at startup via a read-only mmap.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/storeerr"
)

const (
	magic = "SMEM"

	fileHeaderSize    = 64
	conceptHeaderSize = 64
	edgeRecordSize    = 64

	// initialSparseSize is the sparse pre-allocation size for a fresh
	// storage.dat; it doubles whenever the actual content would overflow it.
	initialSparseSize = 512 * 1024 * 1024
)

// fileHeader mirrors the on-disk layout exactly; field order and widths
// must not change without bumping Version.
type fileHeader struct {
	Version        uint32
	D              uint32
	Generation     uint64
	ConceptCount   uint64
	EdgeCount      uint64
	ConceptsOffset uint64
	EdgesOffset    uint64
}

// Write builds a complete snapshot of concepts and associations and
// atomically replaces the file at path with it.
func Write(path string, generation uint64, d int, concepts []*readview.Concept, assocs []readview.Association) error {
	var buf bytes.Buffer
	buf.Grow(fileHeaderSize + len(concepts)*(conceptHeaderSize+d*4+64) + len(assocs)*edgeRecordSize)

	conceptsOffset := uint64(fileHeaderSize)
	buf.Write(make([]byte, fileHeaderSize)) // placeholder, patched below

	for _, c := range concepts {
		if err := writeConcept(&buf, c, d); err != nil {
			return storeerr.Wrap(storeerr.Internal, "snapshot encode concept", err)
		}
	}
	edgesOffset := uint64(buf.Len())

	for _, a := range assocs {
		writeEdge(&buf, a)
	}

	header := fileHeader{
		Version:        0,
		D:              uint32(d),
		Generation:     generation,
		ConceptCount:   uint64(len(concepts)),
		EdgeCount:      uint64(len(assocs)),
		ConceptsOffset: conceptsOffset,
		EdgesOffset:    edgesOffset,
	}
	content := buf.Bytes()
	encodeFileHeader(content[:fileHeaderSize], header)

	checksum := crc32.ChecksumIEEE(content)
	trailer := make([]byte, 4)
	binary.BigEndian.PutUint32(trailer, checksum)
	content = append(content, trailer...)

	return writeAtomic(path, content)
}

func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return storeerr.Wrap(storeerr.DiskFull, "snapshot open temp", err)
	}

	sparseSize := int64(initialSparseSize)
	for sparseSize < int64(len(content)) {
		sparseSize *= 2
	}
	if err := f.Truncate(sparseSize); err != nil {
		f.Close()
		return storeerr.Wrap(storeerr.DiskFull, "snapshot preallocate", err)
	}
	if _, err := f.WriteAt(content, 0); err != nil {
		f.Close()
		return storeerr.Wrap(storeerr.DiskFull, "snapshot write", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return storeerr.Wrap(storeerr.DiskFull, "snapshot fsync", err)
	}
	if err := f.Close(); err != nil {
		return storeerr.Wrap(storeerr.DiskFull, "snapshot close", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return storeerr.Wrap(storeerr.DiskFull, "snapshot rename", err)
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return storeerr.Wrap(storeerr.DiskFull, "snapshot open dir", err)
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return storeerr.Wrap(storeerr.DiskFull, "snapshot fsync dir", err)
	}
	return nil
}

// Load mmaps path read-only, validates its trailing checksum, and copies
// every concept and association out of the mapped bytes into freshly
// owned structures. The mapping is released before Load returns; nothing
// it constructs references mapped memory afterward.
func Load(path string) (generation uint64, d int, concepts []*readview.Concept, assocs []readview.Association, err error) {
	fd, err := syscall.Open(path, syscall.O_RDONLY, 0)
	if err != nil {
		return 0, 0, nil, nil, storeerr.Wrap(storeerr.Internal, "snapshot open", err)
	}
	defer syscall.Close(fd)

	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		return 0, 0, nil, nil, storeerr.Wrap(storeerr.Internal, "snapshot stat", err)
	}
	if stat.Size < fileHeaderSize {
		return 0, 0, nil, nil, storeerr.New(storeerr.Corruption, "snapshot: file smaller than header")
	}

	data, err := syscall.Mmap(fd, 0, int(stat.Size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return 0, 0, nil, nil, storeerr.Wrap(storeerr.Internal, "snapshot mmap", err)
	}
	defer syscall.Munmap(data)

	header := decodeFileHeader(data[:fileHeaderSize])
	if header.Version != 0 {
		return 0, 0, nil, nil, storeerr.New(storeerr.Corruption, fmt.Sprintf("snapshot: unsupported version %d", header.Version))
	}

	trailerOffset := header.EdgesOffset + header.EdgeCount*edgeRecordSize
	if trailerOffset+4 > uint64(len(data)) {
		return 0, 0, nil, nil, storeerr.New(storeerr.Corruption, "snapshot: truncated file")
	}
	wantCRC := binary.BigEndian.Uint32(data[trailerOffset : trailerOffset+4])
	gotCRC := crc32.ChecksumIEEE(data[:trailerOffset])
	if wantCRC != gotCRC {
		return 0, 0, nil, nil, storeerr.New(storeerr.Corruption, "snapshot: checksum mismatch")
	}

	d = int(header.D)
	concepts = make([]*readview.Concept, 0, header.ConceptCount)
	offset := header.ConceptsOffset
	for i := uint64(0); i < header.ConceptCount; i++ {
		c, next, err := readConcept(data, offset, d)
		if err != nil {
			return 0, 0, nil, nil, storeerr.Wrap(storeerr.Corruption, "snapshot decode concept", err)
		}
		concepts = append(concepts, c)
		offset = next
	}

	assocs = make([]readview.Association, 0, header.EdgeCount)
	offset = header.EdgesOffset
	for i := uint64(0); i < header.EdgeCount; i++ {
		assocs = append(assocs, readEdge(data, offset))
		offset += edgeRecordSize
	}

	return header.Generation, d, concepts, assocs, nil
}

func encodeFileHeader(dst []byte, h fileHeader) {
	copy(dst[0:4], magic)
	binary.BigEndian.PutUint32(dst[4:8], h.Version)
	binary.BigEndian.PutUint32(dst[8:12], h.D)
	binary.BigEndian.PutUint64(dst[12:20], h.Generation)
	binary.BigEndian.PutUint64(dst[20:28], h.ConceptCount)
	binary.BigEndian.PutUint64(dst[28:36], h.EdgeCount)
	binary.BigEndian.PutUint64(dst[36:44], h.ConceptsOffset)
	binary.BigEndian.PutUint64(dst[44:52], h.EdgesOffset)
}

func decodeFileHeader(src []byte) fileHeader {
	return fileHeader{
		Version:        binary.BigEndian.Uint32(src[4:8]),
		D:              binary.BigEndian.Uint32(src[8:12]),
		Generation:     binary.BigEndian.Uint64(src[12:20]),
		ConceptCount:   binary.BigEndian.Uint64(src[20:28]),
		EdgeCount:      binary.BigEndian.Uint64(src[28:36]),
		ConceptsOffset: binary.BigEndian.Uint64(src[36:44]),
		EdgesOffset:    binary.BigEndian.Uint64(src[44:52]),
	}
}

// writeConcept appends one 64-byte-aligned concept record: a fixed
// 64-byte sub-header (keeping the embedding that follows it 32-byte
// aligned for SIMD), the embedding, then variable trailing fields,
// padded out to the next 64-byte boundary.
func writeConcept(buf *bytes.Buffer, c *readview.Concept, d int) error {
	start := buf.Len()
	var id [16]byte
	copy(id[:], c.ID)

	header := make([]byte, conceptHeaderSize)
	copy(header[0:16], id[:])
	binary.BigEndian.PutUint32(header[16:20], uint32(len(c.Content)))
	binary.BigEndian.PutUint32(header[20:24], uint32(len(c.Embedding)))
	binary.BigEndian.PutUint32(header[24:28], uint32frombits(c.Strength))
	binary.BigEndian.PutUint32(header[28:32], uint32frombits(c.Confidence))
	binary.BigEndian.PutUint16(header[32:34], uint16(len(c.Metadata.ConceptType)))
	binary.BigEndian.PutUint16(header[34:36], uint16(len(c.Metadata.OrganizationID)))
	binary.BigEndian.PutUint16(header[36:38], uint16(len(c.Metadata.Tags)))
	binary.BigEndian.PutUint16(header[38:40], uint16(len(c.Metadata.Attributes)))
	binary.BigEndian.PutUint64(header[40:48], uint64(c.Metadata.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint64(header[48:56], uint64(c.Metadata.LastAccessed.UnixNano()))
	buf.Write(header)

	for _, f := range c.Embedding {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return err
		}
	}
	buf.WriteString(c.Content)
	buf.WriteString(c.Metadata.ConceptType)
	buf.WriteString(c.Metadata.OrganizationID)
	for _, tag := range c.Metadata.Tags {
		writeLenPrefixed(buf, tag)
	}
	for k, v := range c.Metadata.Attributes {
		writeLenPrefixed(buf, k)
		writeLenPrefixed(buf, v)
	}

	padTo64(buf, start)
	return nil
}

func readConcept(data []byte, offset uint64, d int) (*readview.Concept, uint64, error) {
	if offset+conceptHeaderSize > uint64(len(data)) {
		return nil, 0, fmt.Errorf("snapshot: concept header out of range at %d", offset)
	}
	header := data[offset : offset+conceptHeaderSize]
	contentLen := binary.BigEndian.Uint32(header[16:20])
	embeddingLen := binary.BigEndian.Uint32(header[20:24])
	strength := float32frombits(binary.BigEndian.Uint32(header[24:28]))
	confidence := float32frombits(binary.BigEndian.Uint32(header[28:32]))
	typeLen := binary.BigEndian.Uint16(header[32:34])
	orgLen := binary.BigEndian.Uint16(header[34:36])
	tagCount := binary.BigEndian.Uint16(header[36:38])
	attrCount := binary.BigEndian.Uint16(header[38:40])
	createdAt := int64(binary.BigEndian.Uint64(header[40:48]))
	lastAccessed := int64(binary.BigEndian.Uint64(header[48:56]))

	id := string(bytes.TrimRight(header[0:16], "\x00"))

	cursor := offset + conceptHeaderSize
	embedding := make([]float32, embeddingLen)
	for i := range embedding {
		bits := binary.BigEndian.Uint32(data[cursor : cursor+4])
		embedding[i] = float32frombits(bits)
		cursor += 4
	}

	content := string(data[cursor : cursor+uint64(contentLen)])
	cursor += uint64(contentLen)
	conceptType := string(data[cursor : cursor+uint64(typeLen)])
	cursor += uint64(typeLen)
	orgID := string(data[cursor : cursor+uint64(orgLen)])
	cursor += uint64(orgLen)

	tags := make([]string, tagCount)
	for i := range tags {
		var s string
		s, cursor = readLenPrefixed(data, cursor)
		tags[i] = s
	}

	attrs := make(map[string]string, attrCount)
	for i := uint16(0); i < attrCount; i++ {
		var k, v string
		k, cursor = readLenPrefixed(data, cursor)
		v, cursor = readLenPrefixed(data, cursor)
		attrs[k] = v
	}

	next := alignUp64(cursor - offset) + offset

	return &readview.Concept{
		ID:         id,
		Content:    content,
		Embedding:  embedding,
		Strength:   strength,
		Confidence: confidence,
		Metadata: readview.ConceptMetadata{
			ConceptType:    conceptType,
			OrganizationID: orgID,
			Tags:           tags,
			Attributes:     attrs,
			CreatedAt:      time.Unix(0, createdAt),
			LastAccessed:   time.Unix(0, lastAccessed),
		},
	}, next, nil
}

func writeEdge(buf *bytes.Buffer, a readview.Association) {
	rec := make([]byte, edgeRecordSize)
	var src, dst [16]byte
	copy(src[:], a.SourceID)
	copy(dst[:], a.TargetID)
	copy(rec[0:16], src[:])
	copy(rec[16:32], dst[:])
	binary.BigEndian.PutUint32(rec[32:36], a.AssocType)
	binary.BigEndian.PutUint32(rec[36:40], uint32frombits(a.Confidence))
	buf.Write(rec)
}

func readEdge(data []byte, offset uint64) readview.Association {
	rec := data[offset : offset+edgeRecordSize]
	return readview.Association{
		SourceID:   string(bytes.TrimRight(rec[0:16], "\x00")),
		TargetID:   string(bytes.TrimRight(rec[16:32], "\x00")),
		AssocType:  binary.BigEndian.Uint32(rec[32:36]),
		Confidence: float32frombits(binary.BigEndian.Uint32(rec[36:40])),
	}
}

func writeLenPrefixed(buf *bytes.Buffer, s string) {
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(s)))
	buf.Write(lenBytes[:])
	buf.WriteString(s)
}

func readLenPrefixed(data []byte, offset uint64) (string, uint64) {
	n := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	s := string(data[offset : offset+uint64(n)])
	return s, offset + uint64(n)
}

func padTo64(buf *bytes.Buffer, recordStart int) {
	written := buf.Len() - recordStart
	padding := int(alignUp64(uint64(written))) - written
	if padding > 0 {
		buf.Write(make([]byte, padding))
	}
}

func alignUp64(n uint64) uint64 {
	const align = 64
	return (n + align - 1) / align * align
}
