package fingerprint

import (
	"math"

	"speech-dedup/models"
)

// segmentWholeBelow: fingerprints shorter than this are used whole as
// the query.
const segmentWholeBelow = 1000

// SegmentInfo describes how a fingerprint was sampled into a query.
type SegmentInfo struct {
	Length           int     // int(sections) * int(per_segment), the nominal query size
	Segments         int     // number of sampled windows
	HashesPerSegment int     // nominal entries per window
	Coverage         float64 // fraction of the fingerprint represented, rounded to 2 decimals
}

// segment-scaling anchors: fingerprint length -> (per_segment, coverage,
// min sections, max sections). Lengths between anchors interpolate;
// per_segment follows sqrt of the interpolation position, the rest are
// linear. Past the last anchor the final row applies as-is.
type segmentAnchor struct {
	length     float64
	perSegment float64
	coverage   float64
	sectionMin float64
	sectionMax float64
}

var segmentAnchors = []segmentAnchor{
	{1000, 50, 0.25, 5, 25},
	{5000, 80, 0.20, 10, 30},
	{15000, 120, 0.15, 15, 40},
	{50000, 160, 0.075, 20, 50},
	{100000, 200, 0.05, 50, 50},
}

// SelectSegments samples a bounded, representative subsequence of a full
// fingerprint for use as the query against the index. Short fingerprints
// are returned whole; longer ones are covered by evenly spaced windows
// whose count and size scale with length per the anchor table.
//
// The arithmetic (float sections, truncated starts, rounded window
// length vs truncated reported length) intentionally reproduces the
// tuning the match thresholds were calibrated against; the reported
// Length can slightly exceed the emitted count when the tail truncates.
func SelectSegments(fp []models.Occurrence) ([]models.Occurrence, SegmentInfo) {
	total := len(fp)

	if total < segmentWholeBelow {
		return fp, SegmentInfo{
			Length:           total,
			Segments:         1,
			HashesPerSegment: total,
			Coverage:         1.0,
		}
	}

	perSegment, coverage, sectionMin, sectionMax := segmentScale(float64(total))

	sections := math.Ceil(float64(total) * coverage / perSegment)
	if sections > sectionMax {
		sections = sectionMax
	}
	if sections < sectionMin {
		sections = sectionMin
	}

	actualCoverage := sections * perSegment / float64(total)

	step := math.Floor(float64(total) / sections)
	numSegments := int(sections)
	windowLen := int(math.Round(perSegment))

	segments := make([]models.Occurrence, 0, numSegments*windowLen)
	for i := 0; i < numSegments; i++ {
		start := int(float64(i) * step)
		end := start + windowLen
		if end > total {
			end = total
		}
		if start < end {
			segments = append(segments, fp[start:end]...)
		}
	}

	return segments, SegmentInfo{
		Length:           numSegments * int(perSegment),
		Segments:         numSegments,
		HashesPerSegment: int(perSegment),
		Coverage:         math.Round(actualCoverage*100) / 100,
	}
}

func segmentScale(length float64) (perSegment, coverage, sectionMin, sectionMax float64) {
	for i := 0; i < len(segmentAnchors)-1; i++ {
		lo, hi := segmentAnchors[i], segmentAnchors[i+1]
		if length >= lo.length && length < hi.length {
			t := (length - lo.length) / (hi.length - lo.length)
			perSegment = lo.perSegment + math.Sqrt(t)*(hi.perSegment-lo.perSegment)
			coverage = lo.coverage + t*(hi.coverage-lo.coverage)
			sectionMin = lo.sectionMin + t*(hi.sectionMin-lo.sectionMin)
			sectionMax = lo.sectionMax + t*(hi.sectionMax-lo.sectionMax)
			return
		}
	}

	last := segmentAnchors[len(segmentAnchors)-1]
	return last.perSegment, last.coverage, last.sectionMin, last.sectionMax
}
