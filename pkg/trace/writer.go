package trace

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends workload records to a trace file. Writes are buffered;
// call Sync to push them to disk, or Close to flush and finish the file.
// Writer satisfies the cache manager's Recorder interface.
type Writer struct {
	mu           sync.Mutex
	path         string
	file         *os.File
	writer       *bufio.Writer
	nextSequence uint64
	bytesWritten int64
	closed       bool

	metrics TraceMetrics
}

// NewWriter creates a trace file in dir and returns a writer for it. The
// file name embeds the creation time so files sort in creation order.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}

	filename := fmt.Sprintf("%020d.trace", time.Now().UnixNano())
	path := filepath.Join(dir, filename)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}

	return &Writer{
		path:         path,
		file:         file,
		writer:       bufio.NewWriterSize(file, 64*1024), // 64KB buffer
		nextSequence: 1,
		metrics:      NewNoopTraceMetrics(),
	}, nil
}

// SetMetrics attaches telemetry to the writer. Attach before the writer is
// shared between goroutines; nil restores no-op metrics.
func (w *Writer) SetMetrics(m TraceMetrics) {
	if m == nil {
		m = NewNoopTraceMetrics()
	}
	w.metrics = m
}

// Path returns the trace file path.
func (w *Writer) Path() string {
	return w.path
}

// RecordSequenceCreate appends a sequence creation record.
func (w *Writer) RecordSequenceCreate(id string) error {
	return w.append(RecordSequenceCreate, id, 0)
}

// RecordAppend appends a token append record carrying the token count.
func (w *Writer) RecordAppend(id string, count int) error {
	if count <= 0 {
		return fmt.Errorf("append count must be positive, got %d", count)
	}
	return w.append(RecordAppend, id, count)
}

// RecordSequenceRelease appends a sequence release record.
func (w *Writer) RecordSequenceRelease(id string) error {
	return w.append(RecordSequenceRelease, id, 0)
}

// append encodes and buffers one record.
func (w *Writer) append(recordType uint8, id string, count int) error {
	if id == "" || len(id) > MaxSequenceIDLen {
		return fmt.Errorf("%w: %q", ErrInvalidSequenceID, id)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrTraceClosed
	}

	seqNum := w.nextSequence
	w.nextSequence++

	// Payload: seq(8) + idlen(2) + id, plus count(4) for appends.
	payloadSize := 8 + 2 + len(id)
	if recordType == RecordAppend {
		payloadSize += 4
	}

	payload := make([]byte, payloadSize)
	offset := 0

	binary.LittleEndian.PutUint64(payload[offset:offset+8], seqNum)
	offset += 8

	binary.LittleEndian.PutUint16(payload[offset:offset+2], uint16(len(id)))
	offset += 2

	copy(payload[offset:], id)
	offset += len(id)

	if recordType == RecordAppend {
		binary.LittleEndian.PutUint32(payload[offset:offset+4], uint32(count))
	}

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint16(header[4:6], uint16(payloadSize))
	header[6] = recordType

	start := time.Now()
	if _, err := w.writer.Write(header); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return fmt.Errorf("failed to write record payload: %w", err)
	}

	w.bytesWritten += int64(HeaderSize + payloadSize)
	w.metrics.RecordWrite(context.Background(), recordType, HeaderSize+payloadSize, time.Since(start))

	return nil
}

// Sync flushes buffered records and syncs the file to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if w.closed {
		return ErrTraceClosed
	}

	start := time.Now()
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace buffer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}

	w.metrics.RecordSync(context.Background(), time.Since(start))
	return nil
}

// BytesWritten returns the number of record bytes buffered or written so far.
func (w *Writer) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

// Close flushes outstanding records and closes the trace file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	syncErr := w.syncLocked()
	w.closed = true

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return syncErr
}
