package session

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/tssync/internal/model"
)

// runFallback implements spec.md §4.6.4: when DLT is unreachable, skip
// stream clients and the merger entirely and poll the Time Controller
// directly for each channel's already-recorded data. This path never
// applies the sub-acquisition offset or interleaves channels; spec.md
// calls it "functionally degraded" and reserves it for preserving data
// when DLT is down.
func runFallback(cfg PipelineConfig, logger *slog.Logger) ([]model.Timestamp, error) {
	logger = logger.With("component", "fallback")

	if err := cfg.TC.Play(); err != nil {
		return nil, fmt.Errorf("session: fallback: starting playback: %w", err)
	}
	time.Sleep(time.Duration(cfg.DurationSec * float64(time.Second)))
	if err := cfg.TC.Stop(); err != nil {
		logger.Warn("fallback: stopping recording failed", "error", err)
	}

	var records []model.Timestamp
	for _, ch := range cfg.Channels {
		countReply, err := cfg.TC.DataCount(int(ch))
		if err != nil {
			logger.Warn("fallback: reading data count failed, skipping channel", "channel", ch, "error", err)
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(countReply))
		if err != nil || count <= 0 {
			continue
		}

		valuesReply, err := cfg.TC.DataValues(int(ch))
		if err != nil {
			logger.Warn("fallback: reading data values failed, skipping channel", "channel", ch, "error", err)
			continue
		}

		values, err := parseDecimalList(valuesReply)
		if err != nil {
			return nil, fmt.Errorf("session: fallback: parsing channel %d values: %w", ch, err)
		}
		for _, v := range values {
			records = append(records, model.Timestamp{Channel: ch, Value: v})
		}
	}

	return records, nil
}

// parseDecimalList parses RAW<k>:DATA:VALue?'s comma-separated decimal
// timestamp list.
func parseDecimalList(s string) ([]uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	values := make([]uint64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", p, err)
		}
		values = append(values, v)
	}
	return values, nil
}
