package wav

import (
	"encoding/binary"
	"fmt"
	"os"

	"speech-dedup/models"
)

// WavInfo holds the decoded content of a PCM WAV file.
type WavInfo struct {
	SampleRate int
	Channels   int
	Duration   float64
	Samples    []float64 // mono; stereo input is averaged down
}

const minWavBytes = 44

// ReadWavInfo parses a 16-bit PCM WAV file into float64 samples in
// [-1, 1). Multi-channel audio is downmixed by averaging. Malformed
// input is reported as a decode error.
func ReadWavInfo(filePath string) (*WavInfo, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %v", err)
	}

	if len(data) < minWavBytes {
		return nil, fmt.Errorf("%w: file too small for a WAV header (%d bytes)", models.ErrDecode, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE markers", models.ErrDecode)
	}

	var (
		channels      int
		sampleRate    int
		bitsPerSample int
		pcm           []byte
		haveFmt       bool
	)

	// walk the chunk list; chunks are word-aligned
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkSize > len(data) {
			return nil, fmt.Errorf("%w: chunk %q overruns file", models.ErrDecode, chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too small", models.ErrDecode)
			}
			audioFormat := int(binary.LittleEndian.Uint16(data[body : body+2]))
			if audioFormat != 1 {
				return nil, fmt.Errorf("%w: unsupported audio format %d (want PCM)", models.ErrDecode, audioFormat)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			pcm = data[body : body+chunkSize]
		}

		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++
		}
	}

	if !haveFmt || pcm == nil {
		return nil, fmt.Errorf("%w: missing fmt or data chunk", models.ErrDecode)
	}
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("%w: unsupported bit depth %d (want 16)", models.ErrDecode, bitsPerSample)
	}
	if channels < 1 || sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid fmt chunk (channels=%d, rate=%d)", models.ErrDecode, channels, sampleRate)
	}

	samples := decodePCM16(pcm, channels)

	return &WavInfo{
		SampleRate: sampleRate,
		Channels:   channels,
		Duration:   float64(len(samples)) / float64(sampleRate),
		Samples:    samples,
	}, nil
}

func decodePCM16(pcm []byte, channels int) []float64 {
	frameBytes := 2 * channels
	numFrames := len(pcm) / frameBytes

	samples := make([]float64, numFrames)
	for i := 0; i < numFrames; i++ {
		base := i * frameBytes
		var sum float64
		for ch := 0; ch < channels; ch++ {
			v := int16(binary.LittleEndian.Uint16(pcm[base+2*ch : base+2*ch+2]))
			sum += float64(v) / 32768.0
		}
		samples[i] = sum / float64(channels)
	}
	return samples
}
