package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/tssync/internal/model"
)

// Merged text file layout (spec.md §6, chosen per SPEC_FULL.md §5):
// optional '#'-prefixed header lines, then one data line per record:
//
//	<channel>;<timestamp>\n
//
// Blank lines and '#' lines are ignored by readers.

// TextHeader carries the optional descriptive header lines written atop a
// merged text file.
type TextHeader struct {
	GeneratedAt time.Time
	Channels    []model.ChannelID
	TotalCount  int
}

// WriteTextFile writes records (assumed already in their final merge order)
// as `channel;timestamp` lines, preceded by a header comment block.
func WriteTextFile(w io.Writer, records []model.Timestamp, header TextHeader) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# generated %s\n", header.GeneratedAt.UTC().Format(time.RFC3339Nano))
	channels := make([]string, len(header.Channels))
	for i, c := range header.Channels {
		channels[i] = strconv.Itoa(int(c))
	}
	fmt.Fprintf(bw, "# channels %s\n", strings.Join(channels, ","))
	fmt.Fprintf(bw, "# count %d\n", header.TotalCount)
	fmt.Fprintf(bw, "# columns channel;timestamp\n")

	for _, rec := range records {
		if _, err := fmt.Fprintf(bw, "%d;%d\n", rec.Channel, rec.Value); err != nil {
			return fmt.Errorf("writing text record: %w", err)
		}
	}

	return bw.Flush()
}

// ReadTextFile parses a merged text file, skipping blank and '#' lines.
func ReadTextFile(r io.Reader) ([]model.Timestamp, error) {
	var records []model.Timestamp
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ";", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("text file line %d: malformed record %q", lineNo, line)
		}
		channel, err := strconv.ParseInt(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("text file line %d: channel: %w", lineNo, err)
		}
		value, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("text file line %d: timestamp: %w", lineNo, err)
		}
		records = append(records, model.Timestamp{Channel: model.ChannelID(channel), Value: value})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning text file: %w", err)
	}
	return records, nil
}

// BinaryToText converts a binary timestamp file to the merged text format.
func BinaryToText(r io.Reader, w io.Writer, header TextHeader) error {
	records, err := ReadBinaryFile(r)
	if err != nil {
		return fmt.Errorf("converting binary to text: %w", err)
	}
	header.TotalCount = len(records)
	return WriteTextFile(w, records, header)
}

// TextToBinary converts a merged text file back to the binary layout. This,
// together with BinaryToText, satisfies the round-trip law of spec.md §8:
// text -> binary -> text is identity on (channel, timestamp) pairs, in
// order.
func TextToBinary(r io.Reader, w io.Writer) error {
	records, err := ReadTextFile(r)
	if err != nil {
		return fmt.Errorf("converting text to binary: %w", err)
	}
	return WriteBinaryFile(w, records)
}
