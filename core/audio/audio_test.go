package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"audioingest/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcm(samples ...int16) *bytes.Reader {
	var buf bytes.Buffer
	for _, s := range samples {
		_ = binary.Write(&buf, binary.LittleEndian, s)
	}
	return bytes.NewReader(buf.Bytes())
}

func TestPeaksFromPCM(t *testing.T) {
	peaks, err := PeaksFromPCM(pcm(100, -16384, 0, 32767, 5), 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1, 0.0002}, peaks)
}

func TestPeaksFromPCMKeepsPartialBucket(t *testing.T) {
	peaks, err := PeaksFromPCM(pcm(8192, 8192, 16384), 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.5}, peaks)
}

func TestPeaksFromPCMEmptyInput(t *testing.T) {
	peaks, err := PeaksFromPCM(bytes.NewReader(nil), 10)
	require.NoError(t, err)
	assert.NotNil(t, peaks)
	assert.Empty(t, peaks)
}

func TestParseProbe(t *testing.T) {
	raw := []byte(`{
		"streams": [{"codec_name": "flac", "sample_rate": "44100", "channels": 2}],
		"format": {"format_name": "flac", "duration": "183.42", "bit_rate": "912000",
		           "tags": {"TITLE": "Song", "artist": "Alice"}}
	}`)
	a, err := parseProbe(raw)
	require.NoError(t, err)
	assert.Equal(t, 44100, a.SampleRate)
	assert.Equal(t, 2, a.Channels)
	assert.Equal(t, "flac", a.Codec)
	assert.InDelta(t, 183.42, a.DurationSeconds, 1e-9)
	assert.Equal(t, int64(912000), a.BitRate)
	assert.Equal(t, map[string]string{"title": "Song", "artist": "Alice"}, a.Tags)
}

func TestParseProbeRejectsUnusableOutput(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":     `garbage`,
		"no streams":   `{"streams": [], "format": {"duration": "1"}}`,
		"no rate":      `{"streams": [{"codec_name": "mp3"}], "format": {"duration": "1"}}`,
		"bad duration": `{"streams": [{"sample_rate": "44100"}], "format": {"duration": "N/A"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseProbe([]byte(raw))
			assert.ErrorIs(t, err, apperr.ErrAnalysis)
		})
	}
}

func TestNewFFmpegProcessorDerivesProbePath(t *testing.T) {
	p := NewFFmpegProcessor("/opt/ffmpeg/bin/ffmpeg", "", 0)
	assert.Equal(t, "/opt/ffmpeg/bin/ffprobe", p.ffprobePath)
	assert.Equal(t, "192k", p.audioBitrate)
	assert.Equal(t, 800, p.waveformBuckets)
}

func TestAnalyzeFailsWithoutBinaries(t *testing.T) {
	p := NewFFmpegProcessor("/nonexistent/ffmpeg", "", 0)
	_, err := p.Analyze(context.Background(), "in.wav", t.TempDir())
	assert.ErrorIs(t, err, apperr.ErrAnalysis)
}
