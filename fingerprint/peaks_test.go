package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func bruteForceMax(src []float32, i, radius int) float32 {
	lo, hi := i-radius, i+radius
	if lo < 0 {
		lo = 0
	}
	if hi > len(src)-1 {
		hi = len(src) - 1
	}
	best := src[lo]
	for j := lo + 1; j <= hi; j++ {
		if src[j] > best {
			best = src[j]
		}
	}
	return best
}

func TestSlidingMaxMatchesBruteForce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		src := rapid.SliceOfN(
			rapid.Custom(func(t *rapid.T) float32 {
				return float32(rapid.IntRange(-1000, 600).Draw(t, "deci")) / 10
			}), 1, 80).Draw(t, "src")
		radius := rapid.IntRange(0, 15).Draw(t, "radius")

		dst := make([]float32, len(src))
		slidingMax(src, dst, radius)

		for i := range src {
			assert.Equal(t, bruteForceMax(src, i, radius), dst[i], "index %d radius %d", i, radius)
		}
	})
}

func TestMaxFilterMatchesBruteForce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numBins := rapid.IntRange(1, 12).Draw(t, "bins")
		numFrames := rapid.IntRange(1, 12).Draw(t, "frames")
		grid := make([][]float32, numBins)
		for f := range grid {
			grid[f] = make([]float32, numFrames)
			for i := range grid[f] {
				grid[f][i] = float32(rapid.IntRange(-500, 500).Draw(t, "v")) / 10
			}
		}

		got := maxFilter(grid, 5, 5)

		for f := 0; f < numBins; f++ {
			for tt := 0; tt < numFrames; tt++ {
				var want float32 = -1 << 20
				for df := -2; df <= 2; df++ {
					for dt := -2; dt <= 2; dt++ {
						cf, ct := f+df, tt+dt
						if cf < 0 {
							cf = 0
						}
						if cf > numBins-1 {
							cf = numBins - 1
						}
						if ct < 0 {
							ct = 0
						}
						if ct > numFrames-1 {
							ct = numFrames - 1
						}
						if grid[cf][ct] > want {
							want = grid[cf][ct]
						}
					}
				}
				assert.Equal(t, want, got[f][tt], "cell (%d,%d)", f, tt)
			}
		}
	})
}

func flatGrid(numBins, numFrames int, fill float32) [][]float32 {
	grid := make([][]float32, numBins)
	for f := range grid {
		grid[f] = make([]float32, numFrames)
		for i := range grid[f] {
			grid[f][i] = fill
		}
	}
	return grid
}

func TestFindPeaksSingleMaximum(t *testing.T) {
	cfg := DefaultSpeechConfig()
	grid := flatGrid(40, 40, -80)
	grid[17][23] = -10

	peaks := FindPeaks(grid, cfg)
	require.Len(t, peaks, 1)
	assert.Equal(t, Peak{F: 17, T: 23}, peaks[0])
}

func TestFindPeaksRespectsThreshold(t *testing.T) {
	cfg := DefaultSpeechConfig()
	grid := flatGrid(40, 40, -80)
	grid[17][23] = -30.0 // floor is exclusive

	assert.Empty(t, FindPeaks(grid, cfg))

	grid[17][23] = -29.9
	assert.Len(t, FindPeaks(grid, cfg), 1)
}

func TestFindPeaksKeepsTies(t *testing.T) {
	cfg := DefaultSpeechConfig()
	grid := flatGrid(40, 40, -80)
	// two equal maxima inside one neighborhood
	grid[10][10] = -5
	grid[12][12] = -5

	peaks := FindPeaks(grid, cfg)
	assert.Equal(t, []Peak{{F: 10, T: 10}, {F: 12, T: 12}}, peaks)
}

func TestFindPeaksQuantizationMergesJitter(t *testing.T) {
	cfg := DefaultSpeechConfig()
	grid := flatGrid(40, 40, -80)
	// differ only past the first decimal: both survive after rounding
	grid[10][10] = -5.03
	grid[10][12] = -5.04

	peaks := FindPeaks(grid, cfg)
	assert.Equal(t, []Peak{{F: 10, T: 10}, {F: 10, T: 12}}, peaks)
}

func TestFindPeaksEdgeCells(t *testing.T) {
	cfg := DefaultSpeechConfig()
	grid := flatGrid(40, 40, -80)
	grid[0][0] = -10 // corner participates like interior cells

	peaks := FindPeaks(grid, cfg)
	require.Len(t, peaks, 1)
	assert.Equal(t, Peak{F: 0, T: 0}, peaks[0])
}

func TestFindPeaksOrderedByTimeThenFreq(t *testing.T) {
	cfg := DefaultSpeechConfig()
	grid := flatGrid(80, 80, -80)
	grid[60][5] = -10
	grid[3][5] = -12
	grid[30][70] = -8

	peaks := FindPeaks(grid, cfg)
	require.Len(t, peaks, 3)
	assert.Equal(t, []Peak{{F: 3, T: 5}, {F: 60, T: 5}, {F: 30, T: 70}}, peaks)
}
