package memory

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/storeerr"
)

// Record payloads are field-ordered: big-endian scalars, a 16-byte
// zero-padded id, and length-prefixed strings, the same conventions the
// snapshot package uses for its concept records. The two layouts are not
// byte-identical; each package decodes only its own format.

func encodeLearnConcept(c *readview.Concept) []byte {
	var buf bytes.Buffer
	var id [16]byte
	copy(id[:], c.ID)
	buf.Write(id[:])
	writeU32(&buf, uint32(len(c.Content)))
	buf.WriteString(c.Content)
	writeU32(&buf, uint32(len(c.Embedding)))
	for _, f := range c.Embedding {
		binary.Write(&buf, binary.BigEndian, f)
	}
	binary.Write(&buf, binary.BigEndian, c.Strength)
	binary.Write(&buf, binary.BigEndian, c.Confidence)
	writeLenPrefixed(&buf, c.Metadata.ConceptType)
	writeLenPrefixed(&buf, c.Metadata.OrganizationID)
	writeU16(&buf, uint16(len(c.Metadata.Tags)))
	for _, tag := range c.Metadata.Tags {
		writeLenPrefixed(&buf, tag)
	}
	writeU16(&buf, uint16(len(c.Metadata.Attributes)))
	for k, v := range c.Metadata.Attributes {
		writeLenPrefixed(&buf, k)
		writeLenPrefixed(&buf, v)
	}
	binary.Write(&buf, binary.BigEndian, c.Metadata.CreatedAt.UnixNano())
	binary.Write(&buf, binary.BigEndian, c.Metadata.LastAccessed.UnixNano())
	return buf.Bytes()
}

func decodeLearnConcept(payload []byte) (*readview.Concept, error) {
	r := bytes.NewReader(payload)
	id := make([]byte, 16)
	if _, err := io.ReadFull(r, id); err != nil {
		return nil, err
	}
	contentLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	content := make([]byte, contentLen)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, err
	}
	embLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	embedding := make([]float32, embLen)
	for i := range embedding {
		if err := binary.Read(r, binary.BigEndian, &embedding[i]); err != nil {
			return nil, err
		}
	}
	var strength, confidence float32
	if err := binary.Read(r, binary.BigEndian, &strength); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &confidence); err != nil {
		return nil, err
	}
	conceptType, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	orgID, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	tagCount, err := readU16(r)
	if err != nil {
		return nil, err
	}
	tags := make([]string, tagCount)
	for i := range tags {
		tags[i], err = readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
	}
	attrCount, err := readU16(r)
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]string, attrCount)
	for i := uint16(0); i < attrCount; i++ {
		k, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		v, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		attrs[k] = v
	}
	var createdAt, lastAccessed int64
	if err := binary.Read(r, binary.BigEndian, &createdAt); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &lastAccessed); err != nil {
		return nil, err
	}

	return &readview.Concept{
		ID:         string(bytes.TrimRight(id, "\x00")),
		Content:    string(content),
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
	}, nil
}

func encodeLearnAssoc(a readview.Association) []byte {
	var buf bytes.Buffer
	var src, tgt [16]byte
	copy(src[:], a.SourceID)
	copy(tgt[:], a.TargetID)
	buf.Write(src[:])
	buf.Write(tgt[:])
	writeU32(&buf, a.AssocType)
	binary.Write(&buf, binary.BigEndian, a.Confidence)
	return buf.Bytes()
}

func decodeLearnAssoc(payload []byte) (readview.Association, error) {
	if len(payload) < 40 {
		return readview.Association{}, storeerr.New(storeerr.Corruption, "memory: short association payload")
	}
	return readview.Association{
		SourceID:   string(bytes.TrimRight(payload[0:16], "\x00")),
		TargetID:   string(bytes.TrimRight(payload[16:32], "\x00")),
		AssocType:  binary.BigEndian.Uint32(payload[32:36]),
		Confidence: float32FromBits(binary.BigEndian.Uint32(payload[36:40])),
	}, nil
}

func encodeDelete(conceptID string) []byte {
	var id [16]byte
	copy(id[:], conceptID)
	return id[:]
}

func decodeDelete(payload []byte) string {
	return string(bytes.TrimRight(payload, "\x00"))
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeLenPrefixed(buf *bytes.Buffer, s string) {
	writeU16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func readLenPrefixed(r *bytes.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}
