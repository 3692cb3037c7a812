package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/nishisan-dev/tssync/internal/model"
)

func TestTextFile_RoundTrip(t *testing.T) {
	records := []model.Timestamp{
		{Channel: 1, Value: 5},
		{Channel: 2, Value: 14},
		{Channel: 1, Value: 23},
	}
	header := TextHeader{GeneratedAt: time.Now(), Channels: []model.ChannelID{1, 2}, TotalCount: len(records)}

	var buf bytes.Buffer
	if err := WriteTextFile(&buf, records, header); err != nil {
		t.Fatalf("WriteTextFile: %v", err)
	}

	got, err := ReadTextFile(&buf)
	if err != nil {
		t.Fatalf("ReadTextFile: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	for i := range records {
		if got[i] != records[i] {
			t.Errorf("record %d: expected %+v, got %+v", i, records[i], got[i])
		}
	}
}

func TestReadTextFile_IgnoresHeaderAndBlankLines(t *testing.T) {
	input := "# generated 2026-01-01T00:00:00Z\n\n# channels 1,2\n1;10\n\n2;11\n"
	got, err := ReadTextFile(bytes.NewBufferString(input))
	if err != nil {
		t.Fatalf("ReadTextFile: %v", err)
	}
	want := []model.Timestamp{{Channel: 1, Value: 10}, {Channel: 2, Value: 11}}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestReadTextFile_MalformedLine(t *testing.T) {
	_, err := ReadTextFile(bytes.NewBufferString("not-a-record\n"))
	if err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestTextBinaryRoundTrip(t *testing.T) {
	records := []model.Timestamp{
		{Channel: 1, Value: 5},
		{Channel: 2, Value: 14},
		{Channel: 1, Value: 23},
	}

	var bin bytes.Buffer
	if err := WriteBinaryFile(&bin, records); err != nil {
		t.Fatalf("WriteBinaryFile: %v", err)
	}

	var text bytes.Buffer
	if err := BinaryToText(&bin, &text, TextHeader{GeneratedAt: time.Now(), Channels: []model.ChannelID{1, 2}}); err != nil {
		t.Fatalf("BinaryToText: %v", err)
	}

	var bin2 bytes.Buffer
	if err := TextToBinary(&text, &bin2); err != nil {
		t.Fatalf("TextToBinary: %v", err)
	}

	got, err := ReadBinaryFile(&bin2)
	if err != nil {
		t.Fatalf("ReadBinaryFile: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	for i := range records {
		if got[i] != records[i] {
			t.Errorf("record %d: expected %+v, got %+v", i, records[i], got[i])
		}
	}
}

func TestBinaryFile_N0Readable(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBinaryFile(&buf, nil); err != nil {
		t.Fatalf("WriteBinaryFile: %v", err)
	}
	records, err := ReadBinaryFile(&buf)
	if err != nil {
		t.Fatalf("ReadBinaryFile on N=0 file: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty vector, got %d records", len(records))
	}
}
