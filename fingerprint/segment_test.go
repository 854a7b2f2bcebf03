package fingerprint

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"speech-dedup/models"
)

func syntheticFingerprint(length int) []models.Occurrence {
	fp := make([]models.Occurrence, length)
	for i := range fp {
		fp[i] = models.Occurrence{Hash: fmt.Sprintf("%020d", i), TRef: uint32(i)}
	}
	return fp
}

func TestSelectSegmentsShortFingerprintIsIdentity(t *testing.T) {
	fp := syntheticFingerprint(999)
	segments, info := SelectSegments(fp)

	assert.Equal(t, fp, segments)
	assert.Equal(t, SegmentInfo{Length: 999, Segments: 1, HashesPerSegment: 999, Coverage: 1.0}, info)
}

func TestSelectSegmentsAtFirstAnchor(t *testing.T) {
	segments, info := SelectSegments(syntheticFingerprint(1000))

	// per=50, coverage=0.25 -> ceil(1000*0.25/50)=5 sections, step 200
	assert.Equal(t, 5, info.Segments)
	assert.Equal(t, 50, info.HashesPerSegment)
	assert.Equal(t, 250, info.Length)
	assert.Equal(t, 0.25, info.Coverage)
	assert.Len(t, segments, 250)

	// windows start at multiples of step
	assert.Equal(t, uint32(0), segments[0].TRef)
	assert.Equal(t, uint32(200), segments[50].TRef)
	assert.Equal(t, uint32(800), segments[200].TRef)
}

func TestSelectSegmentsAtFinalAnchor(t *testing.T) {
	segments, info := SelectSegments(syntheticFingerprint(100000))

	// per=200, coverage=0.05 -> ceil(25) clamped up to smin=50
	assert.Equal(t, 50, info.Segments)
	assert.Equal(t, 200, info.HashesPerSegment)
	assert.Equal(t, 10000, info.Length)
	assert.Equal(t, 0.1, info.Coverage)
	assert.Len(t, segments, 10000)
}

func TestSelectSegmentsBeyondFinalAnchorUsesLastRow(t *testing.T) {
	_, info := SelectSegments(syntheticFingerprint(250000))

	assert.Equal(t, 50, info.Segments)
	assert.Equal(t, 200, info.HashesPerSegment)
}

func TestSelectSegmentsBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		length := rapid.IntRange(1000, 300000).Draw(t, "length")
		fp := syntheticFingerprint(length)

		segments, info := SelectSegments(fp)

		perSegment, _, sectionMin, sectionMax := segmentScale(float64(length))
		windowLen := int(math.Round(perSegment))

		assert.GreaterOrEqual(t, float64(info.Segments), math.Floor(sectionMin))
		assert.LessOrEqual(t, float64(info.Segments), sectionMax)
		assert.LessOrEqual(t, len(segments), info.Segments*windowLen)
		assert.GreaterOrEqual(t, info.Coverage, 0.0)

		// windows preserve source order and never overlap: TRefs are
		// strictly increasing within the concatenation
		for i := 1; i < len(segments); i++ {
			require.Less(t, segments[i-1].TRef, segments[i].TRef)
		}
	})
}
