// Package trim removes long silences from captured takes.
//
// The waveform is cut into 30 ms windows, each window is classified by a
// voice activity detector, the resulting flags are smoothed with a moving
// average and dilated, and only samples under a voiced window survive.
package trim

import (
	"slices"

	"github.com/aqibmumtaz/speech-training-recorder/internal/audio"
	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
)

// Stats describes one trimming pass.
type Stats struct {
	InputSamples  int
	Windows       int
	VoicedWindows int // raw classifier hits before smoothing
	KeptWindows   int
	OutputSamples int
}

// Removed returns the fraction of the input that was cut, tail included.
func (s Stats) Removed() float64 {
	if s.InputSamples == 0 {
		return 0
	}
	return 1 - float64(s.OutputSamples)/float64(s.InputSamples)
}

// Trimmer applies the silence trimming pipeline. The zero value is not
// usable; create one with New.
type Trimmer struct {
	classifier Classifier
}

// New returns a Trimmer that classifies windows with c.
func New(c Classifier) *Trimmer {
	return &Trimmer{classifier: c}
}

// Trim returns w with long silences removed. See TrimWithStats.
func (t *Trimmer) Trim(w []float32, rate int) ([]float32, error) {
	out, _, err := t.TrimWithStats(w, rate)
	return out, err
}

// TrimWithStats trims w and reports what was kept. The tail of w that does
// not fill a whole window is always discarded. w is never modified.
func (t *Trimmer) TrimWithStats(w []float32, rate int) ([]float32, Stats, error) {
	stats := Stats{InputSamples: len(w)}
	if !SupportedRate(rate) {
		return nil, stats, apperrors.Newf(apperrors.CodeUnsupportedRate, "cannot trim audio at %d Hz", rate).
			WithMetadata("supported", "8000,16000,32000,48000")
	}

	size := WindowSamples(rate)
	n := len(w) / size
	w = w[:n*size]
	stats.Windows = n

	pcm := audio.Quantize(w)
	flags := make([]bool, n)
	for i := range flags {
		voiced, err := t.classifier.IsVoiced(pcm[i*size:(i+1)*size], rate)
		if err != nil {
			return nil, stats, err
		}
		flags[i] = voiced
		if voiced {
			stats.VoicedWindows++
		}
	}

	mask := Dilate(Smooth(flags, MovingAverageWidth), MaxSilenceWindows+1)
	for _, m := range mask {
		if m {
			stats.KeptWindows++
		}
	}

	out := make([]float32, 0, stats.KeptWindows*size)
	for i, keep := range Expand(mask, size) {
		if keep {
			out = append(out, w[i])
		}
	}
	stats.OutputSamples = len(out)
	return out, stats, nil
}

// WindowSamples returns the number of samples in one analysis window.
func WindowSamples(rate int) int {
	return WindowMs * rate / 1000
}

// SupportedRate reports whether the classifier accepts rate.
func SupportedRate(rate int) bool {
	return slices.Contains(SupportedRates, rate)
}

// Smooth applies a moving average of the given width to flags and rounds
// each mean half-to-even back to a bool. Flags are padded with (width-1)/2
// false values at the head and width/2 at the tail, so the output has the
// same length as the input.
func Smooth(flags []bool, width int) []bool {
	if width <= 1 {
		return slices.Clone(flags)
	}
	head := (width - 1) / 2

	// prefix[i] counts voiced flags among flags[:i].
	prefix := make([]int, len(flags)+1)
	for i, f := range flags {
		prefix[i+1] = prefix[i]
		if f {
			prefix[i+1]++
		}
	}

	out := make([]bool, len(flags))
	for i := range out {
		lo := max(i-head, 0)
		hi := min(i-head+width, len(flags))
		out[i] = roundHalfEven(prefix[hi]-prefix[lo], width)
	}
	return out
}

// roundHalfEven rounds sum/width, which lies in [0, 1], to a bool.
// Exactly one half rounds to the even neighbour, zero.
func roundHalfEven(sum, width int) bool {
	return 2*sum > width
}

// Dilate performs a binary dilation of mask with a centered structuring
// element of the given length. Positions outside mask count as false. For an
// even length the element extends one window further back than forward.
func Dilate(mask []bool, length int) []bool {
	out := make([]bool, len(mask))
	if length < 1 {
		return out
	}
	before := length / 2
	after := length - 1 - before
	for i, m := range mask {
		if !m {
			continue
		}
		lo := max(i-before, 0)
		hi := min(i+after, len(mask)-1)
		for j := lo; j <= hi; j++ {
			out[j] = true
		}
	}
	return out
}

// Expand repeats each flag n times.
func Expand(mask []bool, n int) []bool {
	out := make([]bool, 0, len(mask)*n)
	for _, m := range mask {
		for range n {
			out = append(out, m)
		}
	}
	return out
}
