package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"audioingest/apperr"
	"audioingest/logger"
)

// waveformRate is the mono sample rate the waveform is computed at.
const waveformRate = 8000

// FFmpegProcessor implements Analyzer with the ffmpeg and ffprobe binaries.
type FFmpegProcessor struct {
	ffmpegPath      string
	ffprobePath     string
	audioBitrate    string
	waveformBuckets int
}

// NewFFmpegProcessor creates a new FFmpegProcessor. ffprobe is expected next to ffmpeg.
func NewFFmpegProcessor(ffmpegPath, audioBitrate string, waveformBuckets int) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if audioBitrate == "" {
		audioBitrate = "192k"
	}
	if waveformBuckets <= 0 {
		waveformBuckets = 800
	}
	dir, base := filepath.Split(ffmpegPath)
	return &FFmpegProcessor{
		ffmpegPath:      ffmpegPath,
		ffprobePath:     dir + strings.Replace(base, "ffmpeg", "ffprobe", 1),
		audioBitrate:    audioBitrate,
		waveformBuckets: waveformBuckets,
	}
}

// ffprobeOutput defines the structure for ffprobe JSON output.
type ffprobeOutput struct {
	Streams []struct {
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
	Format struct {
		FormatName string            `json:"format_name"`
		Duration   string            `json:"duration"`
		BitRate    string            `json:"bit_rate"`
		Tags       map[string]string `json:"tags"`
	} `json:"format"`
}

func analysisErr(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, apperr.ErrAnalysis)...)
}

// Probe reads stream and container information for the first audio stream.
func (p *FFmpegProcessor) Probe(ctx context.Context, inputFile string) (*Analysis, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name,sample_rate,channels:format=format_name,duration,bit_rate:format_tags",
		"-of", "json",
		inputFile,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, analysisErr("ffprobe failed for %s: %v: %s", inputFile, err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(out.Bytes())
}

func parseProbe(raw []byte) (*Analysis, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, analysisErr("failed to unmarshal ffprobe output: %v", err)
	}
	if len(probe.Streams) == 0 {
		return nil, analysisErr("no audio streams found")
	}
	stream := probe.Streams[0]

	sampleRate, err := strconv.Atoi(stream.SampleRate)
	if err != nil || sampleRate <= 0 {
		return nil, analysisErr("invalid sample rate %q", stream.SampleRate)
	}
	duration, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil || duration < 0 || math.IsNaN(duration) {
		return nil, analysisErr("invalid duration %q", probe.Format.Duration)
	}
	bitRate, _ := strconv.ParseInt(probe.Format.BitRate, 10, 64)

	tags := make(map[string]string, len(probe.Format.Tags))
	for k, v := range probe.Format.Tags {
		tags[strings.ToLower(k)] = v
	}
	return &Analysis{
		DurationSeconds: duration,
		SampleRate:      sampleRate,
		Channels:        stream.Channels,
		Codec:           stream.CodecName,
		FormatName:      probe.Format.FormatName,
		BitRate:         bitRate,
		Tags:            tags,
	}, nil
}

// Waveform decodes to mono 16-bit PCM and reduces it to at most
// waveformBuckets peaks in [0, 1].
func (p *FFmpegProcessor) Waveform(ctx context.Context, inputFile string, durationSeconds float64) ([]float64, error) {
	args := []string{
		"-v", "error",
		"-i", inputFile,
		"-ac", "1",
		"-ar", strconv.Itoa(waveformRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, analysisErr("waveform pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, analysisErr("start ffmpeg for waveform: %v", err)
	}

	total := int64(math.Ceil(durationSeconds * waveformRate))
	perBucket := int(math.Ceil(float64(total) / float64(p.waveformBuckets)))
	peaks, readErr := PeaksFromPCM(stdout, perBucket)
	waitErr := cmd.Wait()
	if readErr != nil {
		return nil, analysisErr("read PCM for %s: %v", inputFile, readErr)
	}
	if waitErr != nil {
		return nil, analysisErr("ffmpeg waveform failed for %s: %v: %s", inputFile, waitErr, strings.TrimSpace(stderr.String()))
	}
	return peaks, nil
}

// Transcode normalizes inputFile to AAC in an MP4 container.
func (p *FFmpegProcessor) Transcode(ctx context.Context, inputFile, outputFile, codec string) error {
	args := []string{"-v", "error", "-y", "-i", inputFile, "-vn", "-c:a", "aac"}

	// Lossless sources keep more bits.
	if codec == "flac" || codec == "alac" || strings.HasPrefix(codec, "pcm_") {
		args = append(args, "-b:a", "320k", "-af", "aformat=sample_fmts=fltp")
	} else {
		args = append(args, "-b:a", p.audioBitrate)
	}
	args = append(args, "-movflags", "+faststart", "-f", "ipod", outputFile)

	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("Executing FFmpeg command", logger.String("cmd", p.ffmpegPath+" "+strings.Join(args, " ")))
	if err := cmd.Run(); err != nil {
		return analysisErr("ffmpeg transcode failed for %s: %v: %s", inputFile, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Analyze probes, computes the waveform and writes workDir/normalized.m4a.
func (p *FFmpegProcessor) Analyze(ctx context.Context, inputFile, workDir string) (*Analysis, error) {
	a, err := p.Probe(ctx, inputFile)
	if err != nil {
		return nil, err
	}
	if a.Waveform, err = p.Waveform(ctx, inputFile, a.DurationSeconds); err != nil {
		return nil, err
	}

	a.OutputExt = "m4a"
	a.ContentType = "audio/mp4"
	a.OutputPath = filepath.Join(workDir, "normalized."+a.OutputExt)
	if err := p.Transcode(ctx, inputFile, a.OutputPath, a.Codec); err != nil {
		return nil, err
	}
	return a, nil
}
