// Package pairing decides which images in an unordered batch belong
// together as stereo pairs.
//
// Pairs are expected to be adjacent in capture order (two shutter
// presses in quick succession), so matching walks the folder in
// filename order and only ever compares neighbours. This keeps the
// algorithm O(n) and matches the physical capture protocol.
package pairing

import (
	"log/slog"
	"time"

	"github.com/tiMaxal/pair3d/fingerprint"
)

// ImageRecord is one candidate source image. Records are immutable
// once fingerprinted.
type ImageRecord struct {
	Path string
	// Taken is the capture time: EXIF DateTimeOriginal when the source
	// carries one, the file modification time otherwise.
	Taken time.Time
	Hash  fingerprint.Fingerprint
}

// StereoPair is a resolved, ordered pair. Left is always the
// earlier-indexed file in folder order: "first image in the folder is
// the left view" is a policy of the capture protocol, documented here
// rather than inferred from image content. A folder shot in the
// opposite order will come out mirrored.
type StereoPair struct {
	Left  ImageRecord
	Right ImageRecord
}

// Candidate is the transient comparison of two records considered for
// pairing. It exists only during matching and in log events.
type Candidate struct {
	TimeDelta    time.Duration
	HashDistance int
}

// Thresholds bound how far apart two adjacent images may be and still
// count as the two views of one stereo capture. Both comparisons are
// inclusive.
type Thresholds struct {
	// TimeDiff is the maximum capture-time delta.
	TimeDiff time.Duration
	// HashDiff is the maximum fingerprint Hamming distance.
	HashDiff int
}

// DefaultThresholds returns the stock thresholds: 2 seconds and 10 bits.
func DefaultThresholds() Thresholds {
	return Thresholds{TimeDiff: 2 * time.Second, HashDiff: 10}
}

// Match partitions records (already sorted by filename) into stereo
// pairs and leftover singles.
//
// Matching is a two-slot state machine: a single pending slot holds
// the last unmatched record, and each new record either pairs with it
// or replaces it, spilling the previous occupant to the singles list.
// There is no global re-optimization and singles are terminal.
func Match(records []ImageRecord, th Thresholds, logger *slog.Logger) ([]StereoPair, []ImageRecord) {
	if logger == nil {
		logger = slog.Default()
	}

	var pairs []StereoPair
	var singles []ImageRecord
	var pending *ImageRecord

	for i := range records {
		rec := records[i]
		if pending == nil {
			pending = &records[i]
			continue
		}

		c := Candidate{
			TimeDelta:    absDuration(rec.Taken.Sub(pending.Taken)),
			HashDistance: pending.Hash.Distance(rec.Hash),
		}
		if c.TimeDelta <= th.TimeDiff && c.HashDistance <= th.HashDiff {
			pairs = append(pairs, StereoPair{Left: *pending, Right: rec})
			logger.Info("pair matched",
				slog.String("left", pending.Path),
				slog.String("right", rec.Path),
				slog.Duration("time_delta", c.TimeDelta),
				slog.Int("hash_distance", c.HashDistance))
			pending = nil
			continue
		}

		logger.Debug("pair rejected",
			slog.String("pending", pending.Path),
			slog.String("next", rec.Path),
			slog.Duration("time_delta", c.TimeDelta),
			slog.Int("hash_distance", c.HashDistance))
		singles = append(singles, *pending)
		pending = &records[i]
	}

	if pending != nil {
		singles = append(singles, *pending)
	}
	for _, s := range singles {
		logger.Info("unmatched single", slog.String("path", s.Path))
	}
	return pairs, singles
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
