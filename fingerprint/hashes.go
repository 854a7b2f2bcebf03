package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"

	"speech-dedup/models"
)

// hashHexLen is how many hex characters of the SHA-1 digest are kept
// (80 bits), matching the width of the hash column in the index.
const hashHexLen = 20

// candidate is an anchor/target pair before hashing: anchor peak
// (f1, t1), target bin f2, and the bucketed frame gap dt.
type candidate struct {
	t1 int
	f1 int
	f2 int
	dt int
}

// GenerateHashes turns a peak constellation into the canonical
// fingerprint: fanout-limited landmark pairs, globally ordered, rate
// limited to an origin-invariant density cap, then hashed.
//
// The output is sorted by (t1, hash) with duplicates removed preserving
// first occurrence; identical PCM input always yields a byte-identical
// result.
func GenerateHashes(peaks []Peak, cfg Config) []models.Occurrence {
	if len(peaks) == 0 {
		return []models.Occurrence{}
	}

	// canonicalize peak order: time, then frequency
	sorted := make([]Peak, len(peaks))
	copy(sorted, peaks)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].T != sorted[j].T {
			return sorted[i].T < sorted[j].T
		}
		return sorted[i].F < sorted[j].F
	})

	candidates := rateLimit(sortCanonical(pairPeaks(sorted, cfg)), cfg)

	// hashing is deferred until after limiting to avoid hashing pairs
	// that get dropped anyway
	hashes := make([]models.Occurrence, len(candidates))
	for i, c := range candidates {
		hashes[i] = models.Occurrence{Hash: hashPair(c), TRef: uint32(c.t1)}
	}

	sort.Slice(hashes, func(i, j int) bool {
		if hashes[i].TRef != hashes[j].TRef {
			return hashes[i].TRef < hashes[j].TRef
		}
		return hashes[i].Hash < hashes[j].Hash
	})

	return dedupe(hashes)
}

// pairPeaks emits up to FanValue (anchor, target) pairs per anchor,
// scanning forward in time order. Gaps are bucketed to DTBucketFrames;
// a pair whose bucketed gap collapses to zero is discarded without
// consuming fanout.
func pairPeaks(sorted []Peak, cfg Config) []candidate {
	var candidates []candidate

	for i, anchor := range sorted {
		taken := 0
		for k := i + 1; k < len(sorted); k++ {
			dt := sorted[k].T - anchor.T
			if dt <= 0 {
				continue
			}
			if dt > cfg.MaxDeltaFrames {
				break // time-sorted, nothing further can qualify
			}

			if cfg.DTBucketFrames > 1 {
				dt = (dt / cfg.DTBucketFrames) * cfg.DTBucketFrames
			}
			if dt == 0 {
				continue
			}

			candidates = append(candidates, candidate{
				t1: anchor.T,
				f1: anchor.F,
				f2: sorted[k].F,
				dt: dt,
			})
			taken++
			if taken >= cfg.FanValue {
				break
			}
		}
	}

	return candidates
}

// sortCanonical puts candidates in the global order the rate limiter
// operates on: (t1, dt, f1, f2). The limiter's keep/drop decisions
// depend on this order, so it is part of the hash-stability contract.
func sortCanonical(candidates []candidate) []candidate {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.t1 != b.t1 {
			return a.t1 < b.t1
		}
		if a.dt != b.dt {
			return a.dt < b.dt
		}
		if a.f1 != b.f1 {
			return a.f1 < b.f1
		}
		return a.f2 < b.f2
	})
	return candidates
}

// rateLimit caps the candidate stream at MaxHashesPerSecond pairs per
// rolling one-second window. The FIFO holds the t1 of each kept pair;
// because decisions depend only on the preceding window and the
// canonical order, shifting the signal origin shifts the output
// uniformly instead of reshuffling it.
func rateLimit(candidates []candidate, cfg Config) []candidate {
	if cfg.MaxHashesPerSecond <= 0 {
		return candidates
	}

	windowFrames := cfg.WindowFrames()
	kept := candidates[:0:0]
	recent := make([]int, 0, cfg.MaxHashesPerSecond)

	for _, c := range candidates {
		for len(recent) > 0 && c.t1-recent[0] >= windowFrames {
			recent = recent[1:]
		}
		if len(recent) < cfg.MaxHashesPerSecond {
			kept = append(kept, c)
			recent = append(recent, c.t1)
		}
	}

	return kept
}

func hashPair(c candidate) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%d|%d|%d", c.f1, c.f2, c.dt)))
	return hex.EncodeToString(sum[:])[:hashHexLen]
}

// dedupe removes duplicate (t1, hash) entries from a sorted fingerprint,
// preserving first occurrence.
func dedupe(hashes []models.Occurrence) []models.Occurrence {
	out := hashes[:0]
	for _, h := range hashes {
		if len(out) > 0 && h == out[len(out)-1] {
			continue
		}
		out = append(out, h)
	}
	return out
}
