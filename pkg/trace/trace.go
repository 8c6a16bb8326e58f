// Package trace captures cache workloads as an append-only record log and
// replays them against any cache implementation. Each record is framed as
// CRC (4 bytes), payload length (2 bytes), and record type (1 byte),
// followed by the payload; the checksum covers the payload, so a reader
// can detect torn or corrupted records without trusting the file.
package trace

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
)

const (
	// Record types
	RecordSequenceCreate  = 1
	RecordAppend          = 2
	RecordSequenceRelease = 3

	// Header layout
	// - CRC (4 bytes)
	// - Length (2 bytes)
	// - Type (1 byte)
	HeaderSize = 7

	// Maximum size of a record payload. Records carry a sequence id and a
	// token count, so anything larger signals corruption.
	MaxRecordSize = 4 * 1024

	// Maximum length of a sequence id in a record.
	MaxSequenceIDLen = 1024
)

var (
	ErrCorruptRecord     = errors.New("corrupt trace record")
	ErrInvalidRecordType = errors.New("invalid trace record type")
	ErrInvalidSequenceID = errors.New("invalid sequence id")
	ErrTraceClosed       = errors.New("trace writer is closed")
)

// Record is one logical entry in a trace file.
type Record struct {
	// SequenceNumber orders records within one trace file, starting at 1.
	SequenceNumber uint64

	// Type is one of the Record* constants.
	Type uint8

	// SequenceID names the cache sequence the operation applies to.
	SequenceID string

	// Count is the number of tokens appended. Only RecordAppend carries it.
	Count int
}

// validRecordType reports whether t names a known record type.
func validRecordType(t uint8) bool {
	return t >= RecordSequenceCreate && t <= RecordSequenceRelease
}

// FindTraceFiles returns the trace files in dir sorted by name. File names
// embed a creation timestamp, so the sort order is the creation order.
func FindTraceFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.trace"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob trace files: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}
