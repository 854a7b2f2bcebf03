package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"speech-dedup/models"
)

func randomPeaks(t *rapid.T) []Peak {
	return rapid.SliceOfN(rapid.Custom(func(t *rapid.T) Peak {
		return Peak{
			F: rapid.IntRange(0, 371).Draw(t, "f"),
			T: rapid.IntRange(0, 500).Draw(t, "t"),
		}
	}), 0, 300).Draw(t, "peaks")
}

func TestGenerateHashesDeterminism(t *testing.T) {
	cfg := DefaultSpeechConfig()
	rapid.Check(t, func(t *rapid.T) {
		peaks := randomPeaks(t)
		first := GenerateHashes(peaks, cfg)
		second := GenerateHashes(peaks, cfg)
		assert.Equal(t, first, second)
	})
}

func TestGenerateHashesInputOrderIrrelevant(t *testing.T) {
	cfg := DefaultSpeechConfig()
	rapid.Check(t, func(t *rapid.T) {
		peaks := randomPeaks(t)
		reversed := make([]Peak, len(peaks))
		for i, p := range peaks {
			reversed[len(peaks)-1-i] = p
		}
		assert.Equal(t, GenerateHashes(peaks, cfg), GenerateHashes(reversed, cfg))
	})
}

func TestHashFormat(t *testing.T) {
	cfg := DefaultSpeechConfig()
	peaks := []Peak{{F: 10, T: 0}, {F: 20, T: 4}, {F: 30, T: 9}}

	hashes := GenerateHashes(peaks, cfg)
	require.NotEmpty(t, hashes)

	for _, h := range hashes {
		assert.Len(t, h.Hash, 20)
		for _, r := range h.Hash {
			assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'),
				"hash %q contains non-hex rune %q", h.Hash, r)
		}
	}
}

func TestPairBounds(t *testing.T) {
	cfg := DefaultSpeechConfig()
	rapid.Check(t, func(t *rapid.T) {
		peaks := randomPeaks(t)
		for _, c := range pairPeaks(peaks, cfg) {
			assert.Greater(t, c.dt, 0)
			assert.LessOrEqual(t, c.dt, cfg.MaxDeltaFrames)
			assert.Zero(t, c.dt%cfg.DTBucketFrames)
		}
	})
}

func TestPairGapOfOneFrameIsDropped(t *testing.T) {
	cfg := DefaultSpeechConfig()
	// the only possible pair has dt=1, which buckets to 0
	peaks := []Peak{{F: 5, T: 0}, {F: 9, T: 1}}
	assert.Empty(t, GenerateHashes(peaks, cfg))
}

func TestFanoutCap(t *testing.T) {
	cfg := DefaultSpeechConfig()
	// one anchor with 20 targets in range; only FanValue pairs survive
	peaks := []Peak{{F: 0, T: 0}}
	for i := 0; i < 20; i++ {
		peaks = append(peaks, Peak{F: i + 1, T: 2 + i})
	}

	perAnchor := map[int]int{}
	for _, c := range pairPeaks(peaks, cfg) {
		perAnchor[c.t1]++
	}
	assert.Equal(t, cfg.FanValue, perAnchor[0])
}

func TestCanonicalOrdering(t *testing.T) {
	cfg := DefaultSpeechConfig()
	rapid.Check(t, func(t *rapid.T) {
		hashes := GenerateHashes(randomPeaks(t), cfg)
		for i := 1; i < len(hashes); i++ {
			prev, cur := hashes[i-1], hashes[i]
			ok := prev.TRef < cur.TRef ||
				(prev.TRef == cur.TRef && prev.Hash < cur.Hash)
			assert.True(t, ok, "output not strictly increasing at %d: %v then %v", i, prev, cur)
		}
	})
}

// densePeaks lays several peaks on every even frame so the pairer can
// always produce far more candidates than the rate limit allows.
func densePeaks(frames int) []Peak {
	var peaks []Peak
	for t := 0; t < frames; t += 2 {
		for f := 0; f < 12; f++ {
			peaks = append(peaks, Peak{F: f * 30, T: t})
		}
	}
	return peaks
}

func TestDensityCap(t *testing.T) {
	cfg := DefaultSpeechConfig()
	windowFrames := cfg.WindowFrames()

	hashes := GenerateHashes(densePeaks(1000), cfg)
	require.NotEmpty(t, hashes)

	maxT := int(hashes[len(hashes)-1].TRef)
	for start := 0; start+windowFrames <= maxT; start++ {
		count := 0
		for _, h := range hashes {
			if int(h.TRef) >= start && int(h.TRef) < start+windowFrames {
				count++
			}
		}
		assert.LessOrEqual(t, count, cfg.MaxHashesPerSecond,
			"window starting at frame %d over the cap", start)
	}
}

func TestColdStartRateLimitSaturates(t *testing.T) {
	cfg := DefaultSpeechConfig()
	windowFrames := cfg.WindowFrames()

	// before hashing/dedup so the cap is observable exactly
	candidates := pairPeaks(densePeaks(1000), cfg)
	limited := rateLimit(sortCanonical(candidates), cfg)

	maxT := limited[len(limited)-1].t1
	for start := windowFrames; start+windowFrames <= maxT-windowFrames; start += 7 {
		count := 0
		for _, c := range limited {
			if c.t1 >= start && c.t1 < start+windowFrames {
				count++
			}
		}
		assert.Equal(t, cfg.MaxHashesPerSecond, count,
			"steady-state window starting at frame %d not saturated", start)
	}
}

func TestOriginInvarianceInterior(t *testing.T) {
	cfg := DefaultSpeechConfig()
	windowFrames := cfg.WindowFrames()
	shift := 100

	base := densePeaks(600)
	shifted := make([]Peak, len(base))
	for i, p := range base {
		shifted[i] = Peak{F: p.F, T: p.T + shift}
	}

	origInterior := interior(GenerateHashes(base, cfg), windowFrames)
	shiftedInterior := interior(GenerateHashes(shifted, cfg), shift+windowFrames)

	require.Equal(t, len(origInterior), len(shiftedInterior))
	for i := range origInterior {
		assert.Equal(t, origInterior[i].Hash, shiftedInterior[i].Hash)
		assert.Equal(t, origInterior[i].TRef+uint32(shift), shiftedInterior[i].TRef)
	}
}

func interior(hashes []models.Occurrence, minFrame int) []models.Occurrence {
	var out []models.Occurrence
	for _, h := range hashes {
		if int(h.TRef) >= minFrame {
			out = append(out, h)
		}
	}
	return out
}

func TestSilenceProducesNoHashes(t *testing.T) {
	cfg := DefaultSpeechConfig()
	samples := make([]float64, cfg.SampleRate*30)
	assert.Empty(t, FingerprintSamples(samples, cfg))
}
