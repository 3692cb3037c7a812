// Package offsetsync implements the post-acquisition synchronisation
// algorithm (spec.md §4.7): deriving the inter-node clock offset from
// overlapping prefix samples, and applying that offset to produce a
// corrected master file.
package offsetsync

import (
	"fmt"
	"io"
	"math"

	"github.com/nishisan-dev/tssync/internal/model"
	"github.com/nishisan-dev/tssync/internal/protocol"
)

// ratioLowerBound and ratioUpperBound bound the accepted consecutive-
// difference ratio band (spec.md §4.7 step 3).
const (
	ratioLowerBound = 0.9
	ratioUpperBound = 1.1
)

// Compute derives the inter-node offset from the master and slave prefix
// vectors (both already the "first 10%" read per §4.6.1 step 7). Values
// are raw picosecond timestamps. If no sample survives the ratio filter,
// the returned report has Computable=false and all other fields zero.
func Compute(master, slave []uint64) (model.OffsetReport, error) {
	n := len(master)
	if len(slave) < n {
		n = len(slave)
	}
	if n < 2 {
		return model.OffsetReport{}, nil
	}

	dM := consecutiveDiffs(master[:n])
	dS := consecutiveDiffs(slave[:n])

	m := len(dM)
	if len(dS) < m {
		m = len(dS)
	}

	var offsets []float64
	for i := 0; i < m; i++ {
		if dM[i] == 0 {
			continue
		}
		ratio := dS[i] / dM[i]
		if ratio > ratioLowerBound && ratio < ratioUpperBound {
			offsets = append(offsets, float64(slave[i])-float64(master[i]))
		}
	}

	if len(offsets) == 0 {
		return model.OffsetReport{Computable: false}, nil
	}

	mean, min, max, stddev := stats(offsets)

	return model.OffsetReport{
		MeanNanos:   mean,
		MinNanos:    min,
		MaxNanos:    max,
		StddevNanos: stddev,
		SampleCount: len(offsets),
		Quality:     qualityTier(stddev),
		Computable:  true,
	}, nil
}

// ComputeFromTimestamps is Compute over the channel-tagged prefix vectors
// produced by protocol.ReadBinaryPrefix.
func ComputeFromTimestamps(master, slave []model.Timestamp) (model.OffsetReport, error) {
	return Compute(values(master), values(slave))
}

func values(ts []model.Timestamp) []uint64 {
	v := make([]uint64, len(ts))
	for i, t := range ts {
		v[i] = t.Value
	}
	return v
}

func consecutiveDiffs(v []uint64) []float64 {
	if len(v) < 2 {
		return nil
	}
	d := make([]float64, len(v)-1)
	for i := 0; i < len(v)-1; i++ {
		d[i] = float64(v[i+1]) - float64(v[i])
	}
	return d
}

func stats(xs []float64) (mean, min, max, stddev float64) {
	min, max = xs[0], xs[0]
	sum := 0.0
	for _, x := range xs {
		sum += x
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	mean = sum / float64(len(xs))

	var sqDiffSum float64
	for _, x := range xs {
		d := x - mean
		sqDiffSum += d * d
	}
	stddev = math.Sqrt(sqDiffSum / float64(len(xs)))
	return mean, min, max, stddev
}

func qualityTier(stddevNs float64) model.QualityTier {
	switch {
	case stddevNs < 100:
		return model.QualityExcellent
	case stddevNs < 500:
		return model.QualityGood
	case stddevNs < 1000:
		return model.QualityAcceptable
	default:
		return model.QualityPoor
	}
}

// ApplyCorrection shifts every master timestamp by meanOffset, clamped at
// 0, preserving channel tags and record count (spec.md §4.7 step 6).
func ApplyCorrection(master []model.Timestamp, meanOffset float64) []model.Timestamp {
	corrected := make([]model.Timestamp, len(master))
	for i, rec := range master {
		shifted := float64(rec.Value) + meanOffset
		if shifted < 0 {
			shifted = 0
		}
		corrected[i] = model.Timestamp{Channel: rec.Channel, Value: uint64(shifted)}
	}
	return corrected
}

// ErrNotComputable is returned by WriteReport when asked to render a
// report that failed to compute (Computable=false); callers should skip
// writing the report and the corrected file entirely in that case, per
// spec.md §7's "offset report is written if and only if valid samples
// were computable".
var ErrNotComputable = fmt.Errorf("offsetsync: no valid offset samples, cannot calculate sync")

// WriteCorrectedFile applies the mean offset to the full master record set
// and writes it in the standard binary layout (spec.md §4.7 steps 6-7).
// Callers are responsible for naming the destination with the
// "corrected_" prefix and for not calling this when report.Computable is
// false.
func WriteCorrectedFile(w io.Writer, master []model.Timestamp, report model.OffsetReport) error {
	if !report.Computable {
		return ErrNotComputable
	}
	corrected := ApplyCorrection(master, report.MeanNanos)
	return protocol.WriteBinaryFile(w, corrected)
}

// WriteReport renders the fixed text header block described in spec.md
// §6 ("Offset report file"): node addresses, the trigger-timestamp
// offset, the data-timestamp statistics, and a one-line quality verdict.
// If report.Computable is false it writes the "cannot calculate sync"
// verdict instead and returns ErrNotComputable so callers know to skip
// emitting a corrected file.
func WriteReport(w io.Writer, masterAddr, slaveAddr string, triggerOffsetNs float64, report model.OffsetReport) error {
	if _, err := fmt.Fprintf(w, "# master: %s\n# slave: %s\n# trigger_offset_ns: %.3f\n", masterAddr, slaveAddr, triggerOffsetNs); err != nil {
		return err
	}
	if !report.Computable {
		if _, err := fmt.Fprintln(w, "cannot calculate sync"); err != nil {
			return err
		}
		return ErrNotComputable
	}
	if _, err := fmt.Fprintf(w, "samples: %d\nmean_ns: %.3f\nmin_ns: %.3f\nmax_ns: %.3f\nstddev_ns: %.3f\nrange_ns: %.3f\n",
		report.SampleCount, report.MeanNanos, report.MinNanos, report.MaxNanos, report.StddevNanos, report.MaxNanos-report.MinNanos); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "quality: %s\n", report.Quality)
	return err
}
