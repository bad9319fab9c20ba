// Package audio implements the STT Adapter's audio-preprocessing
// boundary: the AudioEnhancer collaborator (band-pass/denoise/
// normalize/resample, genuinely out of scope per this system's
// purpose — see spec.md §1's "audio asset conversion... is
// deliberately out of scope") and the duration/RMS/size pre-filter
// that decides whether a recording is worth sending to the
// transcription service at all.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/wav"
)

// Enhancer preprocesses a raw recording before it is submitted to the
// transcription service, archiving the enhanced copy for audit.
type Enhancer interface {
	Enhance(ctx context.Context, raw []byte) (enhanced []byte, archivePath string, err error)
}

// PassthroughEnhancer archives the raw bytes unmodified. The real
// band-pass/FFT-denoise/loudness-normalize/resample pipeline is
// delegated to an external audio tool per spec.md §6 and is not
// reimplemented here; this default implementation makes that boundary
// concrete instead of leaving it silently unimplemented.
type PassthroughEnhancer struct {
	ArchiveDir string
}

// Enhance returns raw unmodified. When ArchiveDir is set it also
// writes a copy there under a name derived from the current time;
// when ArchiveDir is empty nothing is written.
func (p *PassthroughEnhancer) Enhance(_ context.Context, raw []byte) ([]byte, string, error) {
	if p.ArchiveDir == "" {
		return raw, "", nil
	}
	if err := os.MkdirAll(p.ArchiveDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create archive dir: %w", err)
	}
	name := fmt.Sprintf("enhanced-%d.wav", time.Now().UnixNano())
	path := filepath.Join(p.ArchiveDir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, "", fmt.Errorf("write archive copy: %w", err)
	}
	return raw, path, nil
}

// Stats summarizes a decoded PCM buffer for the STT pre-filter.
type Stats struct {
	DurationSecs float64
	RMS          float64
	SizeBytes    int
}

// Analyze decodes a WAV buffer and reports the statistics the STT
// Adapter's pre-filter checks against (§4.3 step 2).
func Analyze(wavBytes []byte) (Stats, error) {
	stats := Stats{SizeBytes: len(wavBytes)}
	if len(wavBytes) == 0 {
		return stats, nil
	}

	dec := wav.NewDecoder(bytes.NewReader(wavBytes))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		// Not a well-formed WAV (or not WAV at all); the pre-filter
		// treats this the same as empty audio rather than erroring.
		return stats, nil
	}
	if buf == nil || len(buf.Data) == 0 || buf.Format == nil || buf.Format.SampleRate == 0 {
		return stats, nil
	}

	stats.DurationSecs = float64(len(buf.Data)) / float64(buf.Format.SampleRate) / float64(buf.Format.NumChannels)
	stats.RMS = rms(buf.Data, buf.SourceBitDepth)
	return stats, nil
}

func rms(samples []int, bitDepth int) float64 {
	if len(samples) == 0 {
		return 0
	}
	peak := float64(int(1) << uint(max(bitDepth-1, 1)))
	var sumSquares float64
	for _, s := range samples {
		norm := float64(s) / peak
		sumSquares += norm * norm
	}
	return math.Sqrt(sumSquares / float64(len(samples)))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// IsEmpty applies the §4.3 step-2 pre-filter: reject without calling
// the transcription service if duration < 0.1s, RMS < 0.001, or size
// < 800 bytes.
func IsEmpty(s Stats) bool {
	return s.DurationSecs < 0.1 || s.RMS < 0.001 || s.SizeBytes < 800
}
