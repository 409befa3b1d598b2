package trim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
)

// energyClassifier calls a window voiced when any sample is non-zero.
type energyClassifier struct {
	calls int
	err   error
}

func (c *energyClassifier) IsVoiced(window []int16, _ int) (bool, error) {
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	for _, s := range window {
		if s != 0 {
			return true, nil
		}
	}
	return false, nil
}

func bools(bits ...int) []bool {
	out := make([]bool, len(bits))
	for i, b := range bits {
		out[i] = b != 0
	}
	return out
}

func TestSmooth(t *testing.T) {
	tests := []struct {
		name string
		in   []bool
		want []bool
	}{
		{
			name: "leading run",
			in:   bools(1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0),
			want: bools(1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0),
		},
		{
			name: "inner run",
			in:   bools(0, 0, 0, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0),
			want: bools(0, 0, 0, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0),
		},
		{
			name: "exactly half rounds to zero",
			in:   bools(1, 1, 1, 1, 0, 0, 0, 0),
			want: bools(0, 0, 0, 0, 0, 0, 0, 0),
		},
		{
			name: "alternating never exceeds half",
			in:   bools(0, 1, 0, 1, 0, 1, 0, 1, 0, 1, 0, 1, 0, 1),
			want: make([]bool, 14),
		},
		{
			name: "empty",
			in:   nil,
			want: []bool{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Smooth(tt.in, MovingAverageWidth))
		})
	}
}

func TestDilate(t *testing.T) {
	tests := []struct {
		name   string
		in     []bool
		length int
		want   []bool
	}{
		{
			name:   "single window reaches three each side",
			in:     bools(0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0),
			length: 7,
			want:   bools(0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0),
		},
		{
			name:   "clipped at edges",
			in:     bools(1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0),
			length: 7,
			want:   bools(1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0),
		},
		{
			name:   "gap closed",
			in:     bools(1, 0, 0, 0, 0, 0, 1),
			length: 7,
			want:   bools(1, 1, 1, 1, 1, 1, 1),
		},
		{
			name:   "even length",
			in:     bools(0, 0, 0, 0, 0, 1, 0, 0, 0, 0),
			length: 4,
			want:   bools(0, 0, 0, 1, 1, 1, 1, 0, 0, 0),
		},
		{
			name:   "all false",
			in:     make([]bool, 5),
			length: 7,
			want:   make([]bool, 5),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Dilate(tt.in, tt.length))
		})
	}
}

func TestExpand(t *testing.T) {
	assert.Equal(t, bools(1, 1, 1, 0, 0, 0), Expand(bools(1, 0), 3))
	assert.Empty(t, Expand(nil, 3))
}

func TestWindowSamples(t *testing.T) {
	tests := []struct {
		rate int
		want int
	}{
		{8000, 240},
		{16000, 480},
		{32000, 960},
		{48000, 1440},
	}
	for _, tt := range tests {
		if got := WindowSamples(tt.rate); got != tt.want {
			t.Errorf("WindowSamples(%d) = %d, want %d", tt.rate, got, tt.want)
		}
		if !SupportedRate(tt.rate) {
			t.Errorf("SupportedRate(%d) = false", tt.rate)
		}
	}
	for _, rate := range []int{0, 11025, 22050, 44100} {
		if SupportedRate(rate) {
			t.Errorf("SupportedRate(%d) = true", rate)
		}
	}
}

func voicedBetween(n, from, to int) []float32 {
	w := make([]float32, n)
	for i := from; i < to; i++ {
		w[i] = 0.25
	}
	return w
}

func TestTrimCentredUtterance(t *testing.T) {
	w := voicedBetween(48000, 16000, 32000)
	tr := New(&energyClassifier{})

	out, stats, err := tr.TrimWithStats(w, 16000)
	require.NoError(t, err)

	// Windows 33..66 are voiced; smoothing keeps 33..65 and dilation widens
	// that to 30..68.
	assert.Equal(t, 100, stats.Windows)
	assert.Equal(t, 34, stats.VoicedWindows)
	assert.Equal(t, 39, stats.KeptWindows)
	assert.Len(t, out, 39*480)
	assert.Less(t, len(out), len(w))
	assert.Equal(t, w[30*480:69*480], out)
	assert.InDelta(t, 1-float64(39*480)/48000, stats.Removed(), 1e-9)
}

func TestTrimDropsPartialTail(t *testing.T) {
	w := make([]float32, 480*20+100)
	for i := range w {
		w[i] = 0.5
	}
	out, err := New(&energyClassifier{}).Trim(w, 16000)
	require.NoError(t, err)
	assert.Len(t, out, 480*20)
}

func TestTrimAllVoicedIsIdentity(t *testing.T) {
	w := voicedBetween(480*12, 0, 480*12)
	out, err := New(&energyClassifier{}).Trim(w, 16000)
	require.NoError(t, err)
	assert.Equal(t, w, out)

	again, err := New(&energyClassifier{}).Trim(out, 16000)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestTrimSilenceIsEmpty(t *testing.T) {
	out, stats, err := New(&energyClassifier{}).TrimWithStats(make([]float32, 16000), 16000)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, stats.KeptWindows)
}

func TestTrimShorterThanWindow(t *testing.T) {
	c := &energyClassifier{}
	out, err := New(c).Trim(voicedBetween(100, 0, 100), 16000)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, c.calls)
}

func TestTrimUnsupportedRate(t *testing.T) {
	c := &energyClassifier{}
	w := voicedBetween(44100, 0, 44100)
	out, err := New(c).Trim(w, 44100)

	assert.True(t, apperrors.IsCode(err, apperrors.CodeUnsupportedRate), "got %v", err)
	assert.Nil(t, out)
	assert.Zero(t, c.calls)
	assert.Equal(t, float32(0.25), w[0], "input must not be modified")
}

func TestTrimClassifierError(t *testing.T) {
	boom := errors.New("vad failed")
	_, err := New(&energyClassifier{err: boom}).Trim(make([]float32, 4800), 16000)
	assert.ErrorIs(t, err, boom)
}

func TestTrimQuantizesBeforeClassifying(t *testing.T) {
	// Amplitudes below half an int16 step quantize to zero and read as silence.
	w := make([]float32, 480*10)
	for i := range w {
		w[i] = 0.4 / 32767
	}
	out, err := New(&energyClassifier{}).Trim(w, 16000)
	require.NoError(t, err)
	assert.Empty(t, out)
}
