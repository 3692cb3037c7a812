package session

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/tssync/internal/dltadapter"
	"github.com/nishisan-dev/tssync/internal/merge"
	"github.com/nishisan-dev/tssync/internal/model"
	"github.com/nishisan-dev/tssync/internal/stream"
	"github.com/nishisan-dev/tssync/internal/tcadapter"
)

// PicosecondsPerSecond converts a wall-clock duration to the TC's
// picosecond unit.
const PicosecondsPerSecond = 1e12

// PipelineConfig parameterises one node's local acquisition pipeline
// (spec.md §4.6.2).
type PipelineConfig struct {
	TC          *tcadapter.Adapter
	DLT         *dltadapter.Adapter // nil selects the fallback path, §4.6.4
	TCAddress   string              // address DLT should pull raw bytes from
	StreamHost  string              // host the stream clients bind on, e.g. "0.0.0.0"
	Channels    []model.ChannelID
	DurationSec float64
	Infinite    bool // true: REC:NUM INF (master); false: REC:NUM 1 (slave), per SPEC_FULL.md §5
	SubCount    int64
	Logger      *slog.Logger
}

// AcquisitionResult is the outcome of running one node's local pipeline.
type AcquisitionResult struct {
	Records  []model.Timestamp
	Fallback bool
	PWIDPs   uint64
	PPERPs   uint64
}

// RunAcquisition executes spec.md §4.6.2 end to end: configure references,
// arm and size the recording, start per-channel stream clients and the
// merger (or fall back to direct TC polling if DLT is unreachable), play
// for DurationSec, stop, drain, and return the merged records.
func RunAcquisition(cfg PipelineConfig) (AcquisitionResult, error) {
	logger := cfg.Logger.With("component", "pipeline")

	pwid := uint64(cfg.DurationSec * PicosecondsPerSecond)
	pper := pwid + model.MinDeadTimePs
	params := model.SubAcquisitionParams{PulseWidthPs: pwid, PeriodPs: pper, Count: cfg.SubCount}
	if !cfg.Infinite && cfg.SubCount <= 0 {
		params.Count = 1
	}
	if err := params.Validate(); err != nil {
		return AcquisitionResult{}, fmt.Errorf("session: %w", err)
	}

	for _, ch := range cfg.Channels {
		if err := cfg.TC.LinkNone(int(ch)); err != nil {
			return AcquisitionResult{}, fmt.Errorf("session: configuring references for channel %d: %w", ch, err)
		}
	}
	if err := cfg.TC.ArmManual(); err != nil {
		return AcquisitionResult{}, fmt.Errorf("session: arming manual trigger: %w", err)
	}
	if err := cfg.TC.EnableRecording(); err != nil {
		return AcquisitionResult{}, fmt.Errorf("session: enabling recording: %w", err)
	}
	if err := cfg.TC.SetSubAcquisition(pwid, pper, cfg.Infinite, params.Count); err != nil {
		return AcquisitionResult{}, fmt.Errorf("session: setting sub-acquisition params: %w", err)
	}

	if cfg.DLT == nil {
		records, err := runFallback(cfg, logger)
		if err != nil {
			return AcquisitionResult{}, err
		}
		return AcquisitionResult{Records: records, Fallback: true, PWIDPs: pwid, PPERPs: pper}, nil
	}

	records, err := runStreamed(cfg, pper, logger)
	if err != nil {
		return AcquisitionResult{}, err
	}
	return AcquisitionResult{Records: records, PWIDPs: pwid, PPERPs: pper}, nil
}

// runStreamed is the DLT-backed path: one stream.Client per channel, a
// merge.Merger consuming all of them concurrently, bracketed by PLAY/STOP
// and the drain algorithm (spec.md §4.6.2 steps 4-6, §4.6.3).
func runStreamed(cfg PipelineConfig, pper uint64, logger *slog.Logger) ([]model.Timestamp, error) {
	clients := make([]*stream.Client, 0, len(cfg.Channels))
	dltIDs := make(map[model.ChannelID]string, len(cfg.Channels))
	sources := make([]merge.Source, 0, len(cfg.Channels))

	defer func() {
		for _, c := range clients {
			c.Disconnect()
		}
	}()

	for _, ch := range cfg.Channels {
		if err := cfg.TC.ClearErrors(int(ch)); err != nil {
			return nil, fmt.Errorf("session: clearing errors on channel %d: %w", ch, err)
		}

		addr := net.JoinHostPort(cfg.StreamHost, strconv.Itoa(streamPort(ch)))
		client, err := stream.NewClient(int(ch), addr, logger)
		if err != nil {
			return nil, fmt.Errorf("session: starting stream client for channel %d: %w", ch, err)
		}
		clients = append(clients, client)
		sources = append(sources, merge.Source{Channel: ch, Queue: client.Queue()})
		go client.Run()

		id, err := cfg.DLT.StartStream(cfg.TCAddress, int(ch), streamPort(ch))
		if err != nil {
			return nil, fmt.Errorf("session: asking DLT to start channel %d stream: %w", ch, err)
		}
		dltIDs[ch] = id

		if err := cfg.TC.SetSend(int(ch), true); err != nil {
			return nil, fmt.Errorf("session: enabling send on channel %d: %w", ch, err)
		}
	}

	merger := merge.New(sources, pper, logger)

	var recording atomic.Bool
	recording.Store(true)
	expectMore := recording.Load

	type mergeResult struct {
		records []model.Timestamp
		err     error
	}
	mergeDone := make(chan mergeResult, 1)
	go func() {
		records, err := merger.Run(expectMore, nil)
		mergeDone <- mergeResult{records, err}
	}()

	if err := cfg.TC.Play(); err != nil {
		recording.Store(false)
		<-mergeDone
		return nil, fmt.Errorf("session: starting playback: %w", err)
	}

	time.Sleep(time.Duration(cfg.DurationSec * float64(time.Second)))

	if err := cfg.TC.Stop(); err != nil {
		logger.Warn("stopping recording failed", "error", err)
	}

	drainChannels(cfg.TC, cfg.DLT, dltIDs, cfg.Infinite, logger)
	recording.Store(false)

	result := <-mergeDone
	if result.err != nil {
		return nil, fmt.Errorf("session: merging channels: %w", result.err)
	}
	return result.records, nil
}

// streamPort returns the per-channel stream client port (spec.md §6:
// "stream base 4241 + channel").
func streamPort(channel model.ChannelID) int {
	return 4241 + int(channel)
}
