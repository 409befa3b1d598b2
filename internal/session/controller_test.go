package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqibmumtaz/speech-training-recorder/internal/audio"
	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
	"github.com/aqibmumtaz/speech-training-recorder/internal/manifest"
	"github.com/aqibmumtaz/speech-training-recorder/internal/metrics"
	"github.com/aqibmumtaz/speech-training-recorder/internal/prompt"
	"github.com/aqibmumtaz/speech-training-recorder/internal/resilience"
	"github.com/aqibmumtaz/speech-training-recorder/internal/trim"
)

const (
	rate      = 16000
	blockSize = 480
)

type fakeSource struct {
	mu      sync.Mutex
	deliver func(audio.Block)
	ctx     context.Context
	openErr error
}

type fakeStream struct{}

func (fakeStream) Stop() error { return nil }

func (f *fakeSource) Open(_ context.Context, deliver func(audio.Block)) (audio.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.deliver = deliver
	f.ctx = ctx
	return fakeStream{}, nil
}

// speak delivers n blocks of constant non-zero audio. Like a device read
// loop, it stops once the stream's context is done.
func (f *fakeSource) speak(n int) {
	f.mu.Lock()
	deliver, ctx := f.deliver, f.ctx
	f.mu.Unlock()
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		s := make([]float32, blockSize)
		for j := range s {
			s[j] = 0.25
		}
		deliver(audio.Block{Samples: s})
	}
}

type energyClassifier struct{}

func (energyClassifier) IsVoiced(w []int16, _ int) (bool, error) {
	for _, s := range w {
		if s != 0 {
			return true, nil
		}
	}
	return false, nil
}

type failingTrimmer struct{}

func (failingTrimmer) TrimWithStats([]float32, int) ([]float32, trim.Stats, error) {
	return nil, trim.Stats{}, apperrors.New(apperrors.CodeUnsupportedRate, "nope")
}

type harness struct {
	ctl     *Controller
	src     *fakeSource
	saveDir string
	metrics *metrics.Metrics
	clock   time.Time
}

func newHarness(t *testing.T, trimmer Trimmer, corpus ...string) *harness {
	t.Helper()
	root := t.TempDir()
	saveDir := filepath.Join(root, "output")
	corpusPath := filepath.Join(root, "fruit.txt")
	require.NoError(t, os.WriteFile(corpusPath, []byte(strings.Join(corpus, "\n")+"\n"), 0o644))

	sched := prompt.New(prompt.Config{
		CorpusPath: corpusPath,
		Top:        manifest.In(saveDir),
		Category:   manifest.In(filepath.Join(saveDir, "fruit")),
		Mode:       prompt.Raw,
		Options:    prompt.Options{Ordered: true, SamplesPerPrompt: 1},
	})
	require.NoError(t, sched.Load())

	if trimmer == nil {
		trimmer = trim.New(energyClassifier{})
	}

	h := &harness{
		src:     &fakeSource{},
		saveDir: saveDir,
		metrics: metrics.NewNop(),
		clock:   time.Date(2024, 2, 14, 14, 24, 25, 123456789, time.Local),
	}
	h.ctl = New(Config{
		SaveDir:        saveDir,
		DropLastBlocks: 3,
		Trim:           true,
		Now: func() time.Time {
			h.clock = h.clock.Add(time.Second)
			return h.clock
		},
	}, audio.NewCaptureBuffer(h.src, rate, 64), trimmer, sched, h.metrics)
	t.Cleanup(func() { _ = h.ctl.Close() })
	return h
}

func (h *harness) record(t *testing.T, idx, blocks int) Take {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.ctl.Select(idx))
	require.NoError(t, h.ctl.StartTake(ctx))
	h.src.speak(blocks)
	take, err := h.ctl.FinishTake(ctx)
	require.NoError(t, err)
	return take
}

func rows(t *testing.T, dir string) []manifest.Row {
	t.Helper()
	r, err := manifest.In(dir).Rows()
	require.NoError(t, err)
	return r
}

func TestFinishTakeWritesAudioAndManifests(t *testing.T) {
	h := newHarness(t, nil, "banana", "apple")

	take := h.record(t, 1, 10)

	want := filepath.Join(h.saveDir, "fruit", "recorder_2024-02-14_14-24-26_123456.wav")
	assert.Equal(t, want, take.Filename)
	assert.Equal(t, "banana", take.Text)
	assert.Equal(t, 3, take.BlocksDropped)
	assert.True(t, take.Trimmed)
	assert.InDelta(t, 7*blockSize/float64(rate), take.Seconds, 1e-9)

	samples, gotRate, err := audio.ReadWAV(take.Filename)
	require.NoError(t, err)
	assert.Equal(t, rate, gotRate)
	assert.Len(t, samples, 7*blockSize)

	wantRow := manifest.Row{Filename: want, Category: "fruit", Text: "banana"}
	assert.Equal(t, []manifest.Row{wantRow}, rows(t, h.saveDir))
	assert.Equal(t, []manifest.Row{wantRow}, rows(t, filepath.Join(h.saveDir, "fruit")))

	st := h.ctl.State()
	assert.Equal(t, 1, st.Recorded)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, "Fruit Prompts (1 / 2)", st.Title)
	assert.False(t, st.Recording)
	assert.Equal(t, want, st.CurrentFile)
	require.NotNil(t, st.LastTake)
	assert.Equal(t, want, st.LastTake.Filename)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TakesRecorded))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.BlocksDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PromptsRecorded))

	hist := h.ctl.History(time.Time{})
	require.Len(t, hist, 1)
	assert.Equal(t, take, hist[0].Take)
	assert.Equal(t, h.clock, hist[0].At)
}

func TestTakeOutlivesCallerContext(t *testing.T) {
	h := newHarness(t, nil, "apple")
	require.NoError(t, h.ctl.Select(0))

	// An HTTP handler's context is cancelled once the response is written.
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.ctl.StartTake(ctx))
	cancel()

	require.NoError(t, h.src.ctx.Err(), "capture stream must not inherit the caller's cancellation")
	h.src.speak(10)

	take, err := h.ctl.FinishTake(context.Background())
	require.NoError(t, err)
	samples, _, err := audio.ReadWAV(take.Filename)
	require.NoError(t, err)
	assert.Len(t, samples, 7*blockSize)
}

func TestHistorySinceFiltersTakes(t *testing.T) {
	h := newHarness(t, nil, "apple", "banana")
	first := h.record(t, 0, 6)
	second := h.record(t, 1, 6)

	all := h.ctl.History(time.Time{})
	require.Len(t, all, 2)
	assert.Equal(t, first.Filename, all[0].Take.Filename)

	recent := h.ctl.History(all[1].At)
	require.Len(t, recent, 1)
	assert.Equal(t, second.Filename, recent[0].Take.Filename)
}

func TestFinishTakeDropsEverythingWhenShort(t *testing.T) {
	h := newHarness(t, nil, "apple")
	take := h.record(t, 0, 2)

	assert.Equal(t, 2, take.BlocksDropped)
	assert.Zero(t, take.Seconds)
	assert.FileExists(t, take.Filename)
}

func TestTrimFailureKeepsUntrimmedTake(t *testing.T) {
	h := newHarness(t, failingTrimmer{}, "apple")
	take := h.record(t, 0, 8)

	assert.False(t, take.Trimmed)
	samples, _, err := audio.ReadWAV(take.Filename)
	require.NoError(t, err)
	assert.Len(t, samples, 5*blockSize)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TrimFailures))
	assert.Len(t, rows(t, h.saveDir), 1, "row is written before trimming")
}

func TestRerecordReplacesPreviousTake(t *testing.T) {
	h := newHarness(t, nil, "apple", "banana")
	first := h.record(t, 0, 6)
	second := h.record(t, 0, 9)

	assert.NotEqual(t, first.Filename, second.Filename)
	assert.Equal(t, first.Filename, second.Replaced)
	assert.NoFileExists(t, first.Filename)
	assert.FileExists(t, second.Filename)

	for _, dir := range []string{h.saveDir, filepath.Join(h.saveDir, "fruit")} {
		r := rows(t, dir)
		require.Len(t, r, 1)
		assert.Equal(t, second.Filename, r[0].Filename)
	}
	assert.Equal(t, 1, h.ctl.State().Recorded)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TakesDeleted))

	hist := h.ctl.History(time.Time{})
	require.Len(t, hist, 1, "replaced take leaves the history")
	assert.Equal(t, second.Filename, hist[0].Take.Filename)
}

func TestDeleteTakeByName(t *testing.T) {
	h := newHarness(t, nil, "apple", "banana")
	take := h.record(t, 1, 6)
	ctx := context.Background()

	require.NoError(t, h.ctl.DeleteTake(ctx, filepath.Base(take.Filename)))
	assert.NoFileExists(t, take.Filename)
	assert.Empty(t, rows(t, h.saveDir))
	assert.Empty(t, rows(t, filepath.Join(h.saveDir, "fruit")))

	st := h.ctl.State()
	assert.Equal(t, 0, st.Recorded)
	assert.Empty(t, st.CurrentFile)

	assert.Empty(t, h.ctl.History(time.Time{}))

	err := h.ctl.DeleteTake(ctx, filepath.Base(take.Filename))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound), "second delete: %v", err)
}

func TestDeleteTakeByPath(t *testing.T) {
	h := newHarness(t, nil, "apple")
	take := h.record(t, 0, 6)

	require.NoError(t, h.ctl.DeleteTake(context.Background(), take.Filename))
	assert.Equal(t, 0, h.ctl.State().Recorded)
}

func TestDeleteTakeRejectsEscapes(t *testing.T) {
	h := newHarness(t, nil, "apple")
	outside := filepath.Join(filepath.Dir(h.saveDir), "fruit.txt")

	tests := []string{"", "..", outside, filepath.Join(h.saveDir, "..", "fruit.txt")}
	for _, name := range tests {
		err := h.ctl.DeleteTake(context.Background(), name)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument), "DeleteTake(%q) = %v", name, err)
	}
	assert.FileExists(t, outside)
}

func TestTakeStateErrors(t *testing.T) {
	h := newHarness(t, nil, "apple")
	ctx := context.Background()

	err := h.ctl.StartTake(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState), "start without prompt: %v", err)

	_, err = h.ctl.FinishTake(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState), "finish without start: %v", err)

	err = h.ctl.Select(4)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument), "bad index: %v", err)

	require.NoError(t, h.ctl.Select(0))
	require.NoError(t, h.ctl.StartTake(ctx))
	assert.True(t, h.ctl.State().Recording)

	err = h.ctl.StartTake(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState), "double start: %v", err)
	err = h.ctl.Select(0)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState), "select while recording: %v", err)
	err = h.ctl.DeleteTake(ctx, "x.wav")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState), "delete while recording: %v", err)
}

func TestStartTakeDeviceError(t *testing.T) {
	h := newHarness(t, nil, "apple")
	h.src.openErr = errors.New("no microphone")
	ctx := context.Background()
	require.NoError(t, h.ctl.Select(0))

	for i := 0; i < 3; i++ {
		err := h.ctl.StartTake(ctx)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeDevice), "attempt %d: %v", i, err)
	}

	// The breaker is open now and fails fast without touching the device.
	h.src.openErr = nil
	err := h.ctl.StartTake(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDevice), "open breaker: %v", err)
	assert.False(t, h.ctl.State().Recording)
	assert.Equal(t, float64(resilience.Open), testutil.ToFloat64(h.metrics.DeviceBreaker))
}

func TestEventsPublishState(t *testing.T) {
	h := newHarness(t, nil, "apple", "banana")
	initial := <-h.ctl.Events()
	assert.Equal(t, NoPromptSelected, initial.Current)
	assert.NotEmpty(t, initial.SessionID)
	assert.Equal(t, "raw", initial.Mode)

	require.NoError(t, h.ctl.Select(1))
	got := <-h.ctl.Events()
	assert.Equal(t, 1, got.Current)
	assert.Equal(t, "banana", got.CurrentText)
	assert.Greater(t, got.Seq, initial.Seq)
	assert.Equal(t, initial.SessionID, got.SessionID)
}

func TestEventsNeverBlock(t *testing.T) {
	h := newHarness(t, nil, "apple", "banana")
	for i := 0; i < EventBuffer*3; i++ {
		require.NoError(t, h.ctl.Select(i%2))
	}

	var last State
	for len(h.ctl.Events()) > 0 {
		last = <-h.ctl.Events()
	}
	assert.Equal(t, h.ctl.State().Seq, last.Seq, "latest state is always delivered")
}

func TestCloseEndsSession(t *testing.T) {
	h := newHarness(t, nil, "apple")
	require.NoError(t, h.ctl.Close())
	require.NoError(t, h.ctl.Close())

	for range h.ctl.Events() {
	}
	err := h.ctl.Select(0)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidState))
}

func TestPromptsView(t *testing.T) {
	h := newHarness(t, nil, "banana", "apple")
	view := h.ctl.Prompts()
	require.Len(t, view.Prompts, 2)
	assert.Equal(t, "apple", view.Prompts[0].Text)
	assert.Equal(t, h.ctl.State().Seq, view.Seq)
}
