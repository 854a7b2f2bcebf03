package fingerprint

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// power values below this floor are clamped before the log so silence
// doesn't produce -Inf
const powerFloor = 1e-10

// Spectrogram computes the band-limited log-power STFT of a mono PCM
// signal. Frames are taken only where a full window fits (no centering,
// no end padding), so frame t covers samples [t*hop, t*hop+nfft).
//
// The result is indexed S[f][t] where f is a zero-based bin within the
// retained [FreqMinHz, FreqMaxHz] band. Values are dB relative to unit
// power: 10*log10(max(p, 1e-10)).
func Spectrogram(samples []float64, cfg Config) [][]float32 {
	binLo, binHi := cfg.bandBins()
	nBins := binHi - binLo + 1

	numFrames := 0
	if len(samples) >= cfg.NFFT {
		numFrames = (len(samples)-cfg.NFFT)/cfg.HopSize + 1
	}

	spectro := make([][]float32, nBins)
	for f := range spectro {
		spectro[f] = make([]float32, numFrames)
	}
	if numFrames == 0 {
		return spectro
	}

	win := window.Hann(cfg.NFFT)
	frame := make([]float64, cfg.NFFT)

	for t := 0; t < numFrames; t++ {
		start := t * cfg.HopSize
		copy(frame, samples[start:start+cfg.NFFT])
		for j := range frame {
			frame[j] *= win[j]
		}

		spectrum := fft.FFTReal(frame)

		for f := binLo; f <= binHi; f++ {
			re := real(spectrum[f])
			im := imag(spectrum[f])
			p := re*re + im*im
			if p < powerFloor {
				p = powerFloor
			}
			spectro[f-binLo][t] = float32(10 * math.Log10(p))
		}
	}

	return spectro
}

// bandBins returns the inclusive FFT bin range whose center frequencies
// fall inside [FreqMinHz, FreqMaxHz]. Bin k is centered at
// k*SampleRate/NFFT.
func (c Config) bandBins() (lo, hi int) {
	binHz := float64(c.SampleRate) / float64(c.NFFT)
	lo = int(math.Ceil(c.FreqMinHz / binHz))
	hi = int(math.Floor(c.FreqMaxHz / binHz))
	if max := c.NFFT / 2; hi > max {
		hi = max
	}
	if lo < 0 {
		lo = 0
	}
	return lo, hi
}

// BandBinCount reports how many frequency bins the retained band spans.
func (c Config) BandBinCount() int {
	lo, hi := c.bandBins()
	return hi - lo + 1
}
