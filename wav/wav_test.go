package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speech-dedup/models"
)

func writeWav(t *testing.T, sampleRate int, channels int, frames [][]int16) string {
	t.Helper()

	var pcm bytes.Buffer
	for _, frame := range frames {
		require.Len(t, frame, channels)
		for _, s := range frame {
			binary.Write(&pcm, binary.LittleEndian, s)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+pcm.Len()))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(pcm.Len()))
	buf.Write(pcm.Bytes())

	path := filepath.Join(t.TempDir(), "test.wav")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestReadWavInfoMono(t *testing.T) {
	path := writeWav(t, 16000, 1, [][]int16{{0}, {16384}, {-16384}, {32767}})

	info, err := ReadWavInfo(path)
	require.NoError(t, err)

	assert.Equal(t, 16000, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	require.Len(t, info.Samples, 4)
	assert.InDelta(t, 0.0, info.Samples[0], 1e-9)
	assert.InDelta(t, 0.5, info.Samples[1], 1e-9)
	assert.InDelta(t, -0.5, info.Samples[2], 1e-9)
	assert.InDelta(t, 32767.0/32768.0, info.Samples[3], 1e-9)
	assert.InDelta(t, 4.0/16000.0, info.Duration, 1e-9)
}

func TestReadWavInfoStereoDownmix(t *testing.T) {
	path := writeWav(t, 16000, 2, [][]int16{{16384, 0}, {-16384, 16384}})

	info, err := ReadWavInfo(path)
	require.NoError(t, err)

	assert.Equal(t, 2, info.Channels)
	require.Len(t, info.Samples, 2)
	assert.InDelta(t, 0.25, info.Samples[0], 1e-9)
	assert.InDelta(t, 0.0, info.Samples[1], 1e-9)
}

func TestReadWavInfoRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 256), 0644))

	_, err := ReadWavInfo(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDecode))
}

func TestReadWavInfoRejectsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0644))

	_, err := ReadWavInfo(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDecode))
}

func TestReadWavInfoRejectsNon16Bit(t *testing.T) {
	// hand-build an 8-bit header
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(16000))
	binary.Write(&buf, binary.LittleEndian, uint32(16000))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(8))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	path := filepath.Join(t.TempDir(), "8bit.wav")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	_, err := ReadWavInfo(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDecode))
}
