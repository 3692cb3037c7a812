// Package protocol implements the wire formats used by tssync: the JSON
// message schemas exchanged over the peer link, the binary and text
// timestamp file formats, and the framed bulk-file transfer codec.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/nishisan-dev/tssync/internal/model"
)

// Binary timestamp file layout (spec.md §6, form (b), chosen per SPEC_FULL.md
// §5): little-endian throughout.
//
//	[Count uint64 8B]
//	[Count records], each:
//	  [Timestamp uint64 8B] [ChannelID int32 4B]

// WriteBinaryFile writes records to w in the chosen binary layout.
func WriteBinaryFile(w io.Writer, records []model.Timestamp) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(records))); err != nil {
		return fmt.Errorf("writing binary file count: %w", err)
	}
	for i, rec := range records {
		if err := binary.Write(w, binary.LittleEndian, rec.Value); err != nil {
			return fmt.Errorf("writing binary record %d value: %w", i, err)
		}
		if err := binary.Write(w, binary.LittleEndian, int32(rec.Channel)); err != nil {
			return fmt.Errorf("writing binary record %d channel: %w", i, err)
		}
	}
	return nil
}

// ReadBinaryFile reads the entire binary timestamp file from r.
func ReadBinaryFile(r io.Reader) ([]model.Timestamp, error) {
	return readBinaryRecords(r, -1)
}

// ReadBinaryPrefix reads the leading fraction (0,1] of a binary timestamp
// file's records, per spec.md §6/§8: exactly max(1, ceil(N*fraction))
// records are returned when N>0; an empty file yields an empty slice.
func ReadBinaryPrefix(r io.Reader, fraction float64) ([]model.Timestamp, error) {
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("reading binary file count: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	want := int(math.Ceil(float64(count) * fraction))
	if want < 1 {
		want = 1
	}
	if want > int(count) {
		want = int(count)
	}
	return readRecords(r, want)
}

func readBinaryRecords(r io.Reader, limit int) ([]model.Timestamp, error) {
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("reading binary file count: %w", err)
	}
	n := int(count)
	if limit >= 0 && limit < n {
		n = limit
	}
	return readRecords(r, n)
}

// PartialRecordCount returns how many leading records constitute the
// "partial data" transfer of an n-record merged output: the first 10%,
// or at least 10 records when n is under 100 (spec.md §4.6.1 step 7 /
// GLOSSARY "Partial data").
func PartialRecordCount(n int) int {
	if n == 0 {
		return 0
	}
	want := int(math.Ceil(float64(n) * 0.1))
	if n < 100 && want < 10 {
		want = 10
	}
	if want > n {
		want = n
	}
	return want
}

func readRecords(r io.Reader, n int) ([]model.Timestamp, error) {
	if n == 0 {
		return nil, nil
	}
	records := make([]model.Timestamp, n)
	for i := 0; i < n; i++ {
		var value uint64
		if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
			return nil, fmt.Errorf("reading binary record %d value: %w", i, err)
		}
		var channel int32
		if err := binary.Read(r, binary.LittleEndian, &channel); err != nil {
			return nil, fmt.Errorf("reading binary record %d channel: %w", i, err)
		}
		records[i] = model.Timestamp{Channel: model.ChannelID(channel), Value: value}
	}
	return records, nil
}
