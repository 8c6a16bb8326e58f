package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Reader reads records from a trace file in order.
type Reader struct {
	file   *os.File
	reader *bufio.Reader
}

// OpenReader opens a trace file for reading.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &Reader{
		file:   file,
		reader: bufio.NewReaderSize(file, 64*1024), // 64KB buffer
	}, nil
}

// ReadRecord reads the next record. It returns io.EOF at a clean end of
// file and wraps ErrCorruptRecord when the checksum, framing, or payload
// cannot be trusted. After a checksum failure the reader is still aligned
// on the next record; after a framing failure it may not be.
func (r *Reader) ReadRecord() (*Record, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r.reader, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated header", ErrCorruptRecord)
	}

	crc := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint16(header[4:6])
	recordType := header[6]

	if !validRecordType(recordType) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRecordType, recordType)
	}
	if int(length) > MaxRecordSize {
		return nil, fmt.Errorf("%w: record length %d exceeds maximum", ErrCorruptRecord, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload", ErrCorruptRecord)
	}

	if computed := crc32.ChecksumIEEE(payload); computed != crc {
		return nil, fmt.Errorf("%w: expected CRC %d, got %d", ErrCorruptRecord, crc, computed)
	}

	return parseRecord(recordType, payload)
}

// parseRecord decodes a checksummed payload into a Record.
func parseRecord(recordType uint8, payload []byte) (*Record, error) {
	if len(payload) < 10 { // seq(8) + idlen(2)
		return nil, fmt.Errorf("%w: record too small, %d bytes", ErrCorruptRecord, len(payload))
	}

	offset := 0
	seqNum := binary.LittleEndian.Uint64(payload[offset : offset+8])
	offset += 8

	idLen := int(binary.LittleEndian.Uint16(payload[offset : offset+2]))
	offset += 2

	if idLen == 0 || idLen > MaxSequenceIDLen || offset+idLen > len(payload) {
		return nil, fmt.Errorf("%w: invalid sequence id length %d", ErrCorruptRecord, idLen)
	}

	id := string(payload[offset : offset+idLen])
	offset += idLen

	rec := &Record{
		SequenceNumber: seqNum,
		Type:           recordType,
		SequenceID:     id,
	}

	if recordType == RecordAppend {
		if offset+4 > len(payload) {
			return nil, fmt.Errorf("%w: missing append count", ErrCorruptRecord)
		}
		rec.Count = int(binary.LittleEndian.Uint32(payload[offset : offset+4]))
	}

	return rec, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Applier receives replayed trace operations. The cache manager satisfies
// it, but anything that can create, grow, and release sequences will do.
type Applier interface {
	CreateSequence(id string) error
	AppendTokens(id string, n int) (int, error)
	ReleaseSequence(id string) error
}

// ReplayStats reports what a replay run did.
type ReplayStats struct {
	RecordsApplied uint64
	RecordsSkipped uint64
}

// maxConsecutiveCorrupt bounds how many corrupt records in a row Replay
// tolerates before concluding the reader has lost framing.
const maxConsecutiveCorrupt = 3

// Replay reads the trace file at path and drives the applier with every
// record. Isolated corrupt records are skipped and counted; a run of them
// means the file is unreadable past that point, and the replay stops with
// an error. Applier errors stop the replay immediately.
func Replay(path string, applier Applier) (*ReplayStats, error) {
	reader, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	stats := &ReplayStats{}
	consecutiveCorrupt := 0

	for {
		rec, err := reader.ReadRecord()
		if err != nil {
			if err == io.EOF {
				return stats, nil
			}
			if errors.Is(err, ErrCorruptRecord) || errors.Is(err, ErrInvalidRecordType) {
				stats.RecordsSkipped++
				consecutiveCorrupt++
				if consecutiveCorrupt > maxConsecutiveCorrupt {
					return stats, fmt.Errorf("trace file %s unreadable after %d corrupt records: %w",
						path, consecutiveCorrupt, err)
				}
				continue
			}
			return stats, fmt.Errorf("error reading record from %s: %w", path, err)
		}
		consecutiveCorrupt = 0

		if err := applyRecord(applier, rec); err != nil {
			return stats, fmt.Errorf("error applying record %d: %w", rec.SequenceNumber, err)
		}
		stats.RecordsApplied++
	}
}

// applyRecord dispatches one record to the applier.
func applyRecord(applier Applier, rec *Record) error {
	switch rec.Type {
	case RecordSequenceCreate:
		return applier.CreateSequence(rec.SequenceID)
	case RecordAppend:
		_, err := applier.AppendTokens(rec.SequenceID, rec.Count)
		return err
	case RecordSequenceRelease:
		return applier.ReleaseSequence(rec.SequenceID)
	default:
		return fmt.Errorf("%w: %d", ErrInvalidRecordType, rec.Type)
	}
}
