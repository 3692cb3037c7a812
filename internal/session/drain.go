package session

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/tssync/internal/dltadapter"
	"github.com/nishisan-dev/tssync/internal/model"
	"github.com/nishisan-dev/tssync/internal/tcadapter"
)

// Drain timing constants, spec.md §4.6.3 and §5.
const (
	DrainSleep              = time.Second
	NaturalInactivity       = time.Second
	HardTimeout             = 30 * time.Second
	channelInactivityBudget = HardTimeout // spec.md leaves the per-channel figure unnamed; pinned equal to HardTimeout
)

var maxDrainIters = int(HardTimeout/DrainSleep) + 10

// drainChannels runs spec.md §4.6.3 to completion: it blocks until every
// channel is marked done or maxDrainIters is exceeded, in which case it
// force-completes and logs a warning rather than failing the session.
func drainChannels(tc *tcadapter.Adapter, dlt *dltadapter.Adapter, dltIDs map[model.ChannelID]string, infinite bool, logger *slog.Logger) {
	logger = logger.With("component", "drain")
	done := make(map[model.ChannelID]bool, len(dltIDs))
	var maxAcqCount int64

	channels := make([]model.ChannelID, 0, len(dltIDs))
	for ch := range dltIDs {
		channels = append(channels, ch)
	}

	for iter := 0; iter < maxDrainIters; iter++ {
		stage, err := tc.Stage()
		playing := err == nil && strings.Contains(strings.ToUpper(stage), "PLAY")

		allDone := true
		for _, ch := range channels {
			if done[ch] {
				continue
			}
			allDone = false

			st, err := dlt.Status(dltIDs[ch])
			if err != nil {
				logger.Warn("status query failed during drain", "channel", ch, "error", err)
				continue
			}
			if st.Error != "" {
				logger.Warn("channel reported an error during drain", "channel", ch, "error", st.Error)
				done[ch] = true
				continue
			}
			if st.AcquisitionsCount > maxAcqCount {
				maxAcqCount = st.AcquisitionsCount
			}

			if !playing {
				if infinite {
					if maxAcqCount > 0 && st.AcquisitionsCount == maxAcqCount && st.InactivitySeconds > NaturalInactivity.Seconds() {
						done[ch] = true
					}
				} else if recorded, err := recordedCount(tc); err == nil && st.AcquisitionsCount >= recorded {
					done[ch] = true
				}
			}

			if st.InactivitySeconds > channelInactivityBudget.Seconds() {
				logger.Warn("transfer timeout, marking channel done", "channel", ch)
				done[ch] = true
			}
		}

		if allDone {
			return
		}
		time.Sleep(DrainSleep)
	}

	logger.Warn("drain exceeded MAX_ITERS, forcing completion", "iters", maxDrainIters)
}

func recordedCount(tc *tcadapter.Adapter) (int64, error) {
	reply, err := tc.RecordedCount()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(reply), 10, 64)
}
