// Package session runs the take workflow: it drives the capture buffer
// around each take, persists and trims the audio, and keeps the prompt
// schedule and its manifests in step.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aqibmumtaz/speech-training-recorder/internal/audio"
	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
	"github.com/aqibmumtaz/speech-training-recorder/internal/metrics"
	"github.com/aqibmumtaz/speech-training-recorder/internal/prompt"
	"github.com/aqibmumtaz/speech-training-recorder/internal/resilience"
	"github.com/aqibmumtaz/speech-training-recorder/internal/syncx"
	"github.com/aqibmumtaz/speech-training-recorder/internal/trace"
	"github.com/aqibmumtaz/speech-training-recorder/internal/trim"
)

// Capture is the capture buffer as the controller uses it.
type Capture interface {
	Start(ctx context.Context) error
	Stop() error
	Active() bool
	Flush() int
	Queued() int
	Read(dropLast int) (audio.Utterance, error)
	Overflowed() int64
}

// Trimmer removes silences from a finished take.
type Trimmer interface {
	TrimWithStats(w []float32, rate int) ([]float32, trim.Stats, error)
}

// Config holds controller settings.
type Config struct {
	SaveDir        string
	DropLastBlocks int
	Trim           bool
	HistorySize    int
	Now            func() time.Time // defaults to time.Now
}

// Controller serializes every take operation. Capture runs on its own
// producer goroutine; everything else happens under mu.
type Controller struct {
	cfg       Config
	capture   Capture
	trimmer   Trimmer
	scheduler *prompt.Scheduler
	breaker   *resilience.Breaker
	metrics   *metrics.Metrics
	history   *History

	mu           sync.Mutex
	state        *syncx.Snapshot[State]
	events       chan State
	closed       bool
	lastOverflow int64
}

// New creates a controller over a loaded scheduler.
func New(cfg Config, capture Capture, trimmer Trimmer, scheduler *prompt.Scheduler, m *metrics.Metrics) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if m == nil {
		m = metrics.NewNop()
	}
	c := &Controller{
		cfg:       cfg,
		capture:   capture,
		trimmer:   trimmer,
		scheduler: scheduler,
		breaker: resilience.New(resilience.DeviceConfig()).WithHook(func(_, to resilience.State) {
			m.DeviceBreaker.Set(float64(to))
		}),
		metrics: m,
		history: NewHistory(cfg.HistorySize),
		events:  make(chan State, EventBuffer),
	}
	c.state = syncx.NewSnapshot(State{
		SessionID:  uuid.NewString(),
		PromptName: scheduler.Name(),
		Mode:       scheduler.Mode().String(),
		SaveDir:    cfg.SaveDir,
		Current:    NoPromptSelected,
	})
	c.refresh(nil)
	return c
}

// Events returns one-way state notifications. The channel is closed by Close.
func (c *Controller) Events() <-chan State {
	return c.events
}

// State returns the current snapshot.
func (c *Controller) State() State {
	return c.state.Get()
}

// History returns the takes recorded in this session at or after since,
// oldest first. A zero since returns every take.
func (c *Controller) History(since time.Time) []HistoryEntry {
	if since.IsZero() {
		return c.history.Entries()
	}
	return c.history.Since(since)
}

// Prompts returns the prompt list.
func (c *Controller) Prompts() PromptView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PromptView{Seq: c.state.Version(), Prompts: c.scheduler.Records()}
}

// Select makes prompt i the current prompt.
func (c *Controller) Select(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if c.capture.Active() {
		return apperrors.New(apperrors.CodeInvalidState, "cannot change prompt while recording")
	}
	if _, err := c.scheduler.Record(i); err != nil {
		return err
	}

	c.refresh(nil, func(s *State) { s.Current = i })
	return nil
}

// StartTake discards audio captured since the last take and starts capture.
func (c *Controller) StartTake(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "start_take")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if c.state.Get().Current == NoPromptSelected {
		return apperrors.New(apperrors.CodeInvalidState, "no prompt selected")
	}
	if c.capture.Active() {
		return apperrors.New(apperrors.CodeInvalidState, "take already in progress")
	}

	flushed := c.capture.Flush()
	c.metrics.BlocksFlushed.Add(float64(flushed))
	span.SetAttr("flushed", flushed)

	// The stream outlives the request that started it; Stop ends it.
	streamCtx := context.WithoutCancel(ctx)
	err := c.breaker.Execute(func() error { return c.capture.Start(streamCtx) })
	if errors.Is(err, resilience.ErrOpen) {
		err = apperrors.Wrap(err, apperrors.CodeDevice, "capture device keeps failing, retry shortly")
	}
	if err != nil {
		trace.Logger(ctx).Error("start take failed", "error", err)
		return err
	}

	trace.Logger(ctx).Debug("take started", "flushed", flushed)
	c.refresh(nil)
	return nil
}

// FinishTake stops capture and persists the take for the current prompt.
// The untrimmed audio and both manifest rows are written first; trimming
// then replaces the audio in place and falls back to the untrimmed file on
// any failure.
func (c *Controller) FinishTake(ctx context.Context) (Take, error) {
	ctx, span := trace.StartSpan(ctx, "finish_take")
	defer span.End()
	log := trace.Logger(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return Take{}, err
	}
	if !c.capture.Active() {
		return Take{}, apperrors.New(apperrors.CodeInvalidState, "no take in progress")
	}

	if err := c.capture.Stop(); err != nil {
		log.Warn("stop capture stream", "error", err)
	}
	c.recordOverflow()

	queued := c.capture.Queued()
	utt, err := c.capture.Read(c.cfg.DropLastBlocks)
	if err != nil {
		return Take{}, err
	}
	dropped := min(c.cfg.DropLastBlocks, queued)
	c.metrics.BlocksDropped.Add(float64(dropped))

	idx := c.state.Get().Current
	rec, err := c.scheduler.Record(idx)
	if err != nil {
		return Take{}, err
	}

	take := Take{
		Index:         idx,
		Text:          rec.Text,
		Seconds:       utt.Duration().Seconds(),
		BlocksDropped: dropped,
	}
	span.SetAttr("prompt", idx)
	span.SetAttr("samples", len(utt.Samples))

	if rec.Recorded() {
		if err := c.deleteTake(ctx, rec.Filename); err != nil {
			if !apperrors.IsCode(err, apperrors.CodeNotFound) {
				return Take{}, err
			}
			log.Warn("previous take was already gone", "filename", rec.Filename, "error", err)
		}
		take.Replaced = rec.Filename
	}

	now := c.cfg.Now()
	path := c.takePath(now)
	take.Filename = path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Take{}, apperrors.Wrap(err, apperrors.CodeInternal, "create take directory")
	}
	if err := audio.WriteWAV(path, utt.Samples, utt.SampleRate); err != nil {
		return Take{}, apperrors.Wrap(err, apperrors.CodeInternal, "write take").WithMetadata("path", path)
	}

	if err := c.scheduler.Commit(ctx, idx, path); err != nil {
		c.metrics.ManifestErrors.Inc()
		log.Error("take written without manifest row", "filename", path, "error", err)
		c.refresh(nil)
		return take, err
	}
	c.metrics.TakesRecorded.Inc()
	c.metrics.TakeDuration.Observe(take.Seconds)
	log.Info("take recorded", "filename", path, "prompt", idx, "seconds", take.Seconds, "dropped", dropped)

	if c.cfg.Trim {
		c.trimTake(ctx, &take, utt)
	}

	c.history.Add(now, take)
	c.refresh(&take)
	return take, nil
}

// trimTake replaces the take's audio with its trimmed version. Errors are
// logged and the untrimmed file stays.
func (c *Controller) trimTake(ctx context.Context, take *Take, utt audio.Utterance) {
	log := trace.Logger(ctx)

	trimmed, stats, err := c.trimmer.TrimWithStats(utt.Samples, utt.SampleRate)
	if err != nil {
		c.metrics.TrimFailures.Inc()
		log.Warn("trim failed, keeping untrimmed take", "filename", take.Filename, "error", err)
		return
	}
	if err := audio.WriteWAV(take.Filename, trimmed, utt.SampleRate); err != nil {
		c.metrics.TrimFailures.Inc()
		log.Warn("write trimmed take failed, keeping untrimmed take", "filename", take.Filename, "error", err)
		return
	}

	take.Trimmed = true
	take.TrimmedRatio = stats.Removed()
	c.metrics.TrimmedRatio.Observe(stats.Removed())
	log.Debug("take trimmed",
		"filename", take.Filename,
		"windows", stats.Windows,
		"voiced", stats.VoicedWindows,
		"kept", stats.KeptWindows,
	)
}

// DeleteTake removes a take's audio and its rows from both manifests. A
// bare file name is resolved inside the prompt's take directory; a path must
// lie inside the save directory.
func (c *Controller) DeleteTake(ctx context.Context, filename string) error {
	ctx, span := trace.StartSpan(ctx, "delete_take")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if c.capture.Active() {
		return apperrors.New(apperrors.CodeInvalidState, "cannot delete while recording")
	}

	path, err := c.resolveTake(filename)
	if err != nil {
		return err
	}
	span.SetAttr("filename", path)

	err = c.deleteTake(ctx, path)
	c.refresh(nil)
	return err
}

func (c *Controller) deleteTake(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Wrap(err, apperrors.CodeInternal, "remove take audio").WithMetadata("path", path)
	}

	if err := c.scheduler.DeleteTake(path); err != nil {
		if !apperrors.IsCode(err, apperrors.CodeNotFound) {
			c.metrics.ManifestErrors.Inc()
		}
		return err
	}

	c.history.Forget(path)
	c.metrics.TakesDeleted.Inc()
	trace.Logger(ctx).Info("take deleted", "filename", path)
	return nil
}

func (c *Controller) resolveTake(filename string) (string, error) {
	if filename == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "filename is required")
	}
	if !strings.ContainsAny(filename, `/\`) {
		if filename == "." || filename == ".." {
			return "", apperrors.Newf(apperrors.CodeInvalidArgument, "invalid take name %q", filename)
		}
		return filepath.Join(c.takeDir(), filename), nil
	}

	root, err := filepath.Abs(c.cfg.SaveDir)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "resolve save dir")
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInvalidArgument, "resolve take path")
	}
	if rel, err := filepath.Rel(root, abs); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperrors.Newf(apperrors.CodeInvalidArgument, "take %s is outside the save directory", filename)
	}
	return filepath.Clean(filename), nil
}

func (c *Controller) takeDir() string {
	return filepath.Join(c.cfg.SaveDir, c.scheduler.Name())
}

// takePath names a take after its capture time with microsecond precision.
func (c *Controller) takePath(now time.Time) string {
	name := fmt.Sprintf("%s%s_%06d%s", TakePrefix, now.Format(TakeTimeLayout), now.Nanosecond()/1000, TakeExt)
	return filepath.Join(c.takeDir(), name)
}

func (c *Controller) recordOverflow() {
	n := c.capture.Overflowed()
	if delta := n - c.lastOverflow; delta > 0 {
		c.metrics.QueueOverflows.Add(float64(delta))
	}
	c.lastOverflow = n
}

// Close stops any running capture and closes the event channel.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	err := c.capture.Stop()
	close(c.events)
	return err
}

func (c *Controller) usable() error {
	if c.closed {
		return apperrors.New(apperrors.CodeInvalidState, "session closed")
	}
	return nil
}

// refresh applies edits, rebuilds the derived state fields and publishes
// the snapshot. Callers hold mu.
func (c *Controller) refresh(last *Take, edits ...func(*State)) {
	recorded, total := c.scheduler.Recorded(), c.scheduler.Total()
	c.metrics.SetProgress(recorded, total)

	active := c.capture.Active()
	snapshot := c.state.Update(func(s *State, version uint64) {
		for _, edit := range edits {
			edit(s)
		}
		s.Seq = version
		s.Title = c.scheduler.Label()
		s.Recording = active
		s.Recorded = recorded
		s.Total = total
		s.CurrentText, s.CurrentFile = "", ""
		if rec, err := c.scheduler.Record(s.Current); err == nil {
			s.CurrentText = rec.Text
			s.CurrentFile = rec.Filename
		}
		if last != nil {
			t := *last
			s.LastTake = &t
		}
	})

	c.publish(snapshot)
}

// publish hands a snapshot to observers without blocking. When the buffer
// is full the oldest pending snapshot is dropped.
func (c *Controller) publish(s State) {
	if c.closed {
		return
	}
	for range 2 {
		select {
		case c.events <- s:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}
