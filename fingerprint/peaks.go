package fingerprint

import "math"

// tieEps is the tolerance for "equal to the neighborhood maximum" after
// quantization. Quantized values differ by at least 0.1, so this only
// admits genuine ties.
const tieEps = 1e-6

// Peak is a local maximum of the spectrogram. F is the frequency-bin
// index within the band-limited range, T the frame index.
type Peak struct {
	F int
	T int
}

// FindPeaks locates time-frequency peaks: cells whose value, rounded to
// one decimal, equals the maximum of their PeakNeighborhoodF x
// PeakNeighborhoodT surroundings (nearest-edge padding) and exceeds the
// dB floor. Near-constant regions can produce adjacent equal peaks;
// they are kept, and de-duplication happens only on the final hash
// list. Results are ordered by (T, F) ascending.
func FindPeaks(spectro [][]float32, cfg Config) []Peak {
	if len(spectro) == 0 || len(spectro[0]) == 0 {
		return []Peak{}
	}

	quantized := quantize(spectro)
	localMax := maxFilter(quantized, cfg.PeakNeighborhoodF, cfg.PeakNeighborhoodT)

	numBins := len(quantized)
	numFrames := len(quantized[0])
	threshold := float32(cfg.PeakThresholdDB)

	var peaks []Peak
	for t := 0; t < numFrames; t++ {
		for f := 0; f < numBins; f++ {
			v := quantized[f][t]
			if v >= localMax[f][t]-tieEps && v > threshold {
				peaks = append(peaks, Peak{F: f, T: t})
			}
		}
	}

	return peaks
}

// quantize rounds every cell to one decimal place to suppress
// floating-point jitter before the tie-tolerant comparison.
func quantize(spectro [][]float32) [][]float32 {
	out := make([][]float32, len(spectro))
	for f, row := range spectro {
		q := make([]float32, len(row))
		for t, v := range row {
			q[t] = float32(math.Round(float64(v)*10) / 10)
		}
		out[f] = q
	}
	return out
}

// maxFilter computes, for every cell, the maximum over the centered
// sizeF x sizeT rectangle around it. Edges clamp to the array bounds,
// which for a maximum is identical to nearest-edge padding. The filter
// is separable: a sliding-window pass along time, then along frequency,
// each using a monotonic deque so the whole thing is O(bins*frames).
func maxFilter(grid [][]float32, sizeF, sizeT int) [][]float32 {
	numBins := len(grid)
	numFrames := len(grid[0])
	radiusF := sizeF / 2
	radiusT := sizeT / 2

	// pass 1: along time, row by row
	tmp := make([][]float32, numBins)
	for f, row := range grid {
		tmp[f] = make([]float32, numFrames)
		slidingMax(row, tmp[f], radiusT)
	}

	// pass 2: along frequency, column by column
	out := make([][]float32, numBins)
	for f := range out {
		out[f] = make([]float32, numFrames)
	}
	col := make([]float32, numBins)
	colMax := make([]float32, numBins)
	for t := 0; t < numFrames; t++ {
		for f := 0; f < numBins; f++ {
			col[f] = tmp[f][t]
		}
		slidingMax(col, colMax, radiusF)
		for f := 0; f < numBins; f++ {
			out[f][t] = colMax[f]
		}
	}

	return out
}

// slidingMax writes dst[i] = max(src[max(0,i-radius) .. min(n-1,i+radius)])
// using a monotonic index deque.
func slidingMax(src, dst []float32, radius int) {
	n := len(src)
	deque := make([]int, 0, 2*radius+1)

	push := func(j int) {
		for len(deque) > 0 && src[deque[len(deque)-1]] <= src[j] {
			deque = deque[:len(deque)-1]
		}
		deque = append(deque, j)
	}

	next := 0
	for ; next < radius && next < n; next++ {
		push(next)
	}
	for i := 0; i < n; i++ {
		if next < n {
			push(next)
			next++
		}
		for deque[0] < i-radius {
			deque = deque[1:]
		}
		dst[i] = src[deque[0]]
	}
}
