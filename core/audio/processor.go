package audio

import "context"

// Analysis is what one pass over an uploaded file produces.
type Analysis struct {
	DurationSeconds float64
	SampleRate      int
	Channels        int
	Codec           string
	FormatName      string
	BitRate         int64
	Tags            map[string]string
	Waveform        []float64

	// OutputPath is the normalized artifact, written inside the caller's work dir.
	OutputPath  string
	OutputExt   string
	ContentType string
}

// Analyzer probes, measures and normalizes an audio file on local disk.
// Failures wrap apperr.ErrAnalysis.
type Analyzer interface {
	Analyze(ctx context.Context, inputFile, workDir string) (*Analysis, error)
}
