package fingerprint

// Config controls all tunable parameters in the spectrogram, peak
// extraction, and hash generation pipeline. Changing any of these
// changes every hash the pipeline emits, so values are fixed for the
// lifetime of an index.
type Config struct {
	SampleRate         int     // PCM rate the loader resamples to
	NFFT               int     // FFT window size in samples (power of 2)
	HopSize            int     // samples between successive FFT frames
	FreqMinHz          float64 // lower edge of the retained band
	FreqMaxHz          float64 // upper edge of the retained band
	PeakNeighborhoodF  int     // max-filter span across frequency bins
	PeakNeighborhoodT  int     // max-filter span across frames
	PeakThresholdDB    float64 // peaks must exceed this log-power floor
	FanValue           int     // target pairs emitted per anchor peak
	MaxDeltaFrames     int     // widest anchor→target gap, in frames
	DTBucketFrames     int     // quantization step for the pair gap
	MaxHashesPerSecond int     // rolling one-second density cap
}

// DefaultSpeechConfig returns the parameters tuned for long-form spoken
// word at 16 kHz: ~62.5 frames/s, a 100-3000 Hz analysis band, and a
// hash density capped at 40/s so multi-hour recordings stay storable.
func DefaultSpeechConfig() Config {
	return Config{
		SampleRate:         16000,
		NFFT:               2048,
		HopSize:            256, // 62.5 fps
		FreqMinHz:          100,
		FreqMaxHz:          3000,
		PeakNeighborhoodF:  25,
		PeakNeighborhoodT:  25,
		PeakThresholdDB:    -30,
		FanValue:           8,
		MaxDeltaFrames:     31, // ~0.5 s
		DTBucketFrames:     2,
		MaxHashesPerSecond: 40,
	}
}

// WindowFrames returns the number of spectrogram frames in one second,
// the width of the rate limiter's rolling window.
func (c Config) WindowFrames() int {
	return c.SampleRate / c.HopSize
}
