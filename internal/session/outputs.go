package session

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nishisan-dev/tssync/internal/model"
	"github.com/nishisan-dev/tssync/internal/protocol"
)

// Outputs names the files one node's pipeline run produced.
type Outputs struct {
	BinaryPath string
	TextPath   string // empty if text output wasn't requested
}

// writeOutputs persists records as the node's merged binary file, and
// optionally a parallel merged text file, under outputDir/<nodeName>_merged.*
// (spec.md §6).
func writeOutputs(outputDir, nodeName string, records []model.Timestamp, textOutput bool) (Outputs, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return Outputs{}, fmt.Errorf("session: creating output directory %s: %w", outputDir, err)
	}

	var out Outputs
	out.BinaryPath = filepath.Join(outputDir, nodeName+"_merged.bin")
	if err := writeBinaryTo(out.BinaryPath, records); err != nil {
		return Outputs{}, err
	}

	if textOutput {
		out.TextPath = filepath.Join(outputDir, nodeName+"_merged.txt")
		header := protocol.TextHeader{GeneratedAt: time.Now(), Channels: distinctChannels(records), TotalCount: len(records)}
		if err := writeTextTo(out.TextPath, records, header); err != nil {
			return Outputs{}, err
		}
	}

	return out, nil
}

func writeBinaryTo(path string, records []model.Timestamp) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("session: creating %s: %w", path, err)
	}
	defer f.Close()
	if err := protocol.WriteBinaryFile(f, records); err != nil {
		return fmt.Errorf("session: writing %s: %w", path, err)
	}
	return nil
}

func writeTextTo(path string, records []model.Timestamp, header protocol.TextHeader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("session: creating %s: %w", path, err)
	}
	defer f.Close()
	if err := protocol.WriteTextFile(f, records, header); err != nil {
		return fmt.Errorf("session: writing %s: %w", path, err)
	}
	return nil
}

func distinctChannels(records []model.Timestamp) []model.ChannelID {
	seen := make(map[model.ChannelID]bool)
	var channels []model.ChannelID
	for _, r := range records {
		if !seen[r.Channel] {
			seen[r.Channel] = true
			channels = append(channels, r.Channel)
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

// encodeBinary renders records as an in-memory binary payload, used when
// pushing partial/full data frames over the F channel.
func encodeBinary(records []model.Timestamp) ([]byte, error) {
	var buf bytes.Buffer
	if err := protocol.WriteBinaryFile(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeText renders records as an in-memory merged text payload.
func encodeText(records []model.Timestamp) ([]byte, error) {
	var buf bytes.Buffer
	header := protocol.TextHeader{GeneratedAt: time.Now(), Channels: distinctChannels(records), TotalCount: len(records)}
	if err := protocol.WriteTextFile(&buf, records, header); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
