// Package wal implements the engine's write-ahead log: an append-only,
// crash-safe record of every accepted mutation. Every record is framed
// with a CRC so a torn write at the tail is detected and discarded on
// replay rather than corrupting the log.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/pkg/metrics"
)

// Kind identifies the shape of a WAL record's payload.
type Kind uint32

const (
	LearnConcept Kind = iota + 1
	LearnAssoc
	Delete
	Checkpoint
	Prepared
	Commit
	Abort
)

const (
	crcSize    = 4
	kindSize   = 4
	lenSize    = 4
	lsnSize    = 8
	headerSize = crcSize + kindSize + lenSize + lsnSize
)

// Record is one entry in the log.
type Record struct {
	LSN     uint64
	Kind    Kind
	Payload []byte
}

// SyncMode controls how aggressively Append flushes to stable storage.
type SyncMode int

const (
	// SyncImmediate fsyncs after every Append (spec default: blocks for durability).
	SyncImmediate SyncMode = iota
	// SyncBatch coalesces fsyncs within BatchWindow.
	SyncBatch
)

// Config configures a Log.
type Config struct {
	Path        string
	SyncMode    SyncMode
	BatchWindow time.Duration // used only when SyncMode == SyncBatch, capped at 2ms per spec
}

// Log is the append-only, CRC-framed write-ahead log.
//
// Layout of each frame, big-endian: CRC32(4) | Kind(4) | PayloadLen(4) | LSN(8) | Payload(N).
// The CRC covers everything after itself.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	nextLSN  uint64
	cfg      Config
	pending  int
	lastSync time.Time
}

// New opens or creates the log at cfg.Path and recovers it, truncating
// any torn tail record.
func New(cfg Config) (*Log, error) {
	if cfg.SyncMode == SyncBatch && (cfg.BatchWindow <= 0 || cfg.BatchWindow > 2*time.Millisecond) {
		cfg.BatchWindow = 2 * time.Millisecond
	}
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.DiskFull, "open wal", err)
	}
	l := &Log{file: f, cfg: cfg}
	if err := l.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Append writes a record, assigning it the next LSN, and returns once it
// is durable per the configured SyncMode.
func (l *Log) Append(kind Kind, payload []byte) (uint64, error) {
	timer := metrics.NewTimer()
	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.nextLSN
	frame := encodeFrame(kind, lsn, payload)

	if _, err := l.file.Write(frame); err != nil {
		if os.IsNotExist(err) || isDiskFull(err) {
			return 0, storeerr.Wrap(storeerr.DiskFull, "wal append", err)
		}
		return 0, storeerr.Wrap(storeerr.Internal, "wal append", err)
	}

	l.pending++
	switch l.cfg.SyncMode {
	case SyncImmediate:
		if err := l.file.Sync(); err != nil {
			return 0, storeerr.Wrap(storeerr.DiskFull, "wal fsync", err)
		}
		l.pending = 0
	case SyncBatch:
		if time.Since(l.lastSync) >= l.cfg.BatchWindow || l.pending >= 256 {
			if err := l.file.Sync(); err != nil {
				return 0, storeerr.Wrap(storeerr.DiskFull, "wal fsync", err)
			}
			l.pending = 0
			l.lastSync = time.Now()
		}
	}

	l.nextLSN++
	metrics.WALRecordsTotal.WithLabelValues(kindLabel(kind)).Inc()
	metrics.WALBytesTotal.Add(float64(len(frame)))
	timer.ObserveDuration(metrics.WALAppendDuration)
	return lsn, nil
}

// Flush forces any pending batched writes to stable storage.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == 0 {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return storeerr.Wrap(storeerr.DiskFull, "wal flush", err)
	}
	l.pending = 0
	l.lastSync = time.Now()
	return nil
}

// DecodeCheckpointPayload extracts the watermark LSN and ReadView
// generation recorded by a Checkpoint record, for a caller replaying the
// log to determine which records a persisted snapshot already covers.
func DecodeCheckpointPayload(payload []byte) (watermarkLSN, generation uint64) {
	if len(payload) < checkpointPayloadSize {
		return 0, 0
	}
	return binary.BigEndian.Uint64(payload[0:8]), binary.BigEndian.Uint64(payload[8:16])
}

const checkpointPayloadSize = 16

// Checkpoint records that every mutation up to and including watermarkLSN
// is captured by the caller's just-persisted snapshot, then reclaims log
// space by dropping records at or before it. Records appended after the
// watermark — concurrently with the snapshot being built, or simply not
// yet reconciled — have no other durable copy yet and are carried
// forward rather than discarded, so a crash right after Checkpoint can
// never lose a mutation whose Append already returned success.
func (l *Log) Checkpoint(watermarkLSN, generation uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stat, err := l.file.Stat()
	if err != nil {
		return storeerr.Wrap(storeerr.Internal, "wal checkpoint stat", err)
	}
	size := stat.Size()

	var survivors []Record
	var pos int64
	for {
		rec, next, ok, err := readRecord(l.file, pos, size)
		if err != nil {
			return storeerr.Wrap(storeerr.Corruption, "wal checkpoint scan", err)
		}
		if !ok {
			break
		}
		if rec.LSN > watermarkLSN {
			survivors = append(survivors, rec)
		}
		pos = next
	}

	payload := make([]byte, checkpointPayloadSize)
	binary.BigEndian.PutUint64(payload[0:8], watermarkLSN)
	binary.BigEndian.PutUint64(payload[8:16], generation)
	ckptLSN := l.nextLSN
	l.nextLSN++

	buf := encodeFrame(Checkpoint, ckptLSN, payload)
	for _, rec := range survivors {
		buf = append(buf, encodeFrame(rec.Kind, rec.LSN, rec.Payload)...)
	}

	if err := l.file.Truncate(0); err != nil {
		return storeerr.Wrap(storeerr.DiskFull, "wal checkpoint truncate", err)
	}
	if _, err := l.file.WriteAt(buf, 0); err != nil {
		return storeerr.Wrap(storeerr.DiskFull, "wal checkpoint rewrite", err)
	}
	if err := l.file.Sync(); err != nil {
		return storeerr.Wrap(storeerr.DiskFull, "wal checkpoint fsync", err)
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return storeerr.Wrap(storeerr.Internal, "wal seek", err)
	}
	l.pending = 0
	l.lastSync = time.Now()
	metrics.WALRecordsTotal.WithLabelValues(kindLabel(Checkpoint)).Inc()
	metrics.WALBytesTotal.Add(float64(len(buf)))
	return nil
}

// Replay returns every record in file order from the start of the file
// (i.e. from the last Checkpoint forward, since Checkpoint truncates).
// Data records come back in ascending LSN order; the Checkpoint record
// comes first even though its LSN is higher than those of the records it
// carried forward.
func (l *Log) Replay() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stat, err := l.file.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	var records []Record
	var pos int64
	for {
		rec, next, ok, err := readRecord(l.file, pos, size)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.Corruption, "wal replay", err)
		}
		if !ok {
			break
		}
		records = append(records, rec)
		pos = next
	}
	return records, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// recover scans the log, discarding any partial or corrupted tail record,
// then positions the next LSN and the file offset for further appends.
func (l *Log) recover() error {
	stat, err := l.file.Stat()
	if err != nil {
		return err
	}
	size := stat.Size()
	var pos int64
	var lastLSN uint64
	var sawAny bool
	for {
		rec, next, ok, err := readRecord(l.file, pos, size)
		if err != nil {
			// Corrupt record at pos: stop here, truncate the tail.
			break
		}
		if !ok {
			break
		}
		lastLSN = rec.LSN
		sawAny = true
		pos = next
	}
	if pos < size {
		if err := l.file.Truncate(pos); err != nil {
			return storeerr.Wrap(storeerr.DiskFull, "wal truncate torn tail", err)
		}
	}
	if sawAny {
		l.nextLSN = lastLSN + 1
	}
	_, err = l.file.Seek(0, io.SeekEnd)
	return err
}

func readRecord(f *os.File, pos, size int64) (Record, int64, bool, error) {
	if pos+headerSize > size {
		return Record{}, pos, false, nil
	}
	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, pos); err != nil {
		if err == io.EOF {
			return Record{}, pos, false, nil
		}
		return Record{}, pos, false, err
	}
	expected := binary.BigEndian.Uint32(header[0:4])
	kind := Kind(binary.BigEndian.Uint32(header[4:8]))
	payloadLen := binary.BigEndian.Uint32(header[8:12])
	lsn := binary.BigEndian.Uint64(header[12:20])

	if pos+headerSize+int64(payloadLen) > size {
		return Record{}, pos, false, nil
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := f.ReadAt(payload, pos+headerSize); err != nil {
			return Record{}, pos, false, err
		}
	}
	hasher := crc32.NewIEEE()
	hasher.Write(header[4:])
	hasher.Write(payload)
	if hasher.Sum32() != expected {
		return Record{}, pos, false, fmt.Errorf("wal: checksum mismatch at offset %d", pos)
	}
	return Record{LSN: lsn, Kind: kind, Payload: payload}, pos + headerSize + int64(payloadLen), true, nil
}

func kindLabel(k Kind) string {
	switch k {
	case LearnConcept:
		return "learn_concept"
	case LearnAssoc:
		return "learn_assoc"
	case Delete:
		return "delete"
	case Checkpoint:
		return "checkpoint"
	case Prepared:
		return "prepared"
	case Commit:
		return "commit"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

func isDiskFull(err error) bool {
	return err == io.ErrShortWrite
}

// encodeFrame builds one CRC-framed record: CRC32(4) | Kind(4) | PayloadLen(4) | LSN(8) | Payload(N).
func encodeFrame(kind Kind, lsn uint64, payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[4:8], uint32(kind))
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint64(frame[12:20], lsn)
	copy(frame[headerSize:], payload)
	binary.BigEndian.PutUint32(frame[0:4], crc32.ChecksumIEEE(frame[4:]))
	return frame
}
