package fingerprint

import (
	"fmt"
	"log"
	"os"
	"time"

	"speech-dedup/models"
	"speech-dedup/wav"
)

// FingerprintSamples runs the full DSP pipeline on decoded mono PCM at
// the configured sample rate: spectrogram, peak picking, landmark
// hashing. The stages are strictly sequential; each consumes the full
// output of the previous.
func FingerprintSamples(samples []float64, cfg Config) []models.Occurrence {
	spectro := Spectrogram(samples, cfg)
	peaks := FindPeaks(spectro, cfg)
	return GenerateHashes(peaks, cfg)
}

// FingerprintFile decodes an audio file to 16 kHz mono PCM and
// fingerprints it. The intermediate WAV is removed before returning.
func FingerprintFile(filePath string, cfg Config) ([]models.Occurrence, error) {
	start := time.Now()

	wavPath, err := wav.ConvertToWAV(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecode, err)
	}
	defer func() {
		if wavPath != filePath {
			os.Remove(wavPath)
		}
	}()

	info, err := wav.ReadWavInfo(wavPath)
	if err != nil {
		return nil, err
	}
	if info.SampleRate != cfg.SampleRate {
		return nil, fmt.Errorf("%w: decoded rate %d, want %d", models.ErrDecode, info.SampleRate, cfg.SampleRate)
	}

	hashes := FingerprintSamples(info.Samples, cfg)

	log.Printf("[fingerprint] %s: %.0fs of audio -> %d hashes in %s",
		filePath, info.Duration, len(hashes), time.Since(start))

	return hashes, nil
}
