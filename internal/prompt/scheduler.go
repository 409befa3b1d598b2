// Package prompt decides which prompts a session presents and tracks how
// many of them have been recorded.
package prompt

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"

	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
	"github.com/aqibmumtaz/speech-training-recorder/internal/manifest"
	"github.com/aqibmumtaz/speech-training-recorder/internal/resilience"
)

// Mode selects where the prompt list comes from.
type Mode int

const (
	// Raw draws a fresh selection from the corpus.
	Raw Mode = iota
	// Reload merges the corpus with the category manifest so recorded
	// prompts are skipped.
	Reload
	// Validate presents only what the category manifest already holds.
	Validate
)

func (m Mode) String() string {
	switch m {
	case Raw:
		return "raw"
	case Reload:
		return "reload"
	case Validate:
		return "validate"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Options control corpus selection.
type Options struct {
	SamplesPerPrompt int  // repeats per prompt when Ordered
	Count            int  // prompts drawn when not Ordered; 0 means corpus size
	Ordered          bool // sort and repeat instead of random draws
	SoftMaxLen       int  // split prompts longer than this many runes; 0 disables
}

// Record is one presentable prompt. Filename is empty until a take exists.
type Record struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Filename string `json:"filename,omitempty"`
	Category string `json:"category"`
}

// Recorded reports whether the prompt has a take.
func (r Record) Recorded() bool { return r.Filename != "" }

// Config describes one prompt list.
type Config struct {
	Name       string // shown in the label; defaults to the corpus base name
	CorpusPath string
	Top        manifest.File // manifest of the whole save directory
	Category   manifest.File // manifest of this corpus' subdirectory
	Mode       Mode
	Options    Options
	Rand       *rand.Rand // nil uses the global source
	Retry      resilience.RetryConfig
}

// Scheduler holds the prompt list of a session. It is not safe for
// concurrent use.
type Scheduler struct {
	cfg      Config
	records  []Record
	recorded int
}

// NameFromPath returns the prompt name of a corpus: its base name without
// extension.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// New creates an empty scheduler. Call Load to populate it.
func New(cfg Config) *Scheduler {
	if cfg.Name == "" {
		cfg.Name = NameFromPath(cfg.CorpusPath)
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = resilience.ManifestRetryConfig()
	}
	return &Scheduler{cfg: cfg}
}

// Load builds the prompt list for the configured mode, replacing any
// previous list.
func (s *Scheduler) Load() error {
	var (
		records  []Record
		recorded int
		err      error
	)
	switch s.cfg.Mode {
	case Raw:
		records, err = s.loadRaw()
	case Reload:
		records, recorded, err = s.loadReload()
	case Validate:
		records, recorded, err = s.loadValidate()
	default:
		err = apperrors.Newf(apperrors.CodeInvalidArgument, "unknown prompt mode %d", int(s.cfg.Mode))
	}
	if err != nil {
		return err
	}

	for i := range records {
		records[i].Index = i
	}
	s.records = records
	s.recorded = min(recorded, len(records))

	slog.Info("prompts loaded",
		"name", s.cfg.Name,
		"mode", s.cfg.Mode,
		"total", len(records),
		"recorded", s.recorded,
	)
	return nil
}

func (s *Scheduler) selection() ([]string, error) {
	lines, err := ReadCorpus(s.cfg.CorpusPath)
	if err != nil {
		return nil, err
	}
	for i, line := range lines {
		lines[i] = Normalize(line)
	}

	selected := Select(lines, s.cfg.Options, s.cfg.Rand)
	if s.cfg.Options.SoftMaxLen <= 0 {
		return selected, nil
	}
	var out []string
	for _, text := range selected {
		out = append(out, Split(text, s.cfg.Options.SoftMaxLen)...)
	}
	return out, nil
}

func (s *Scheduler) loadRaw() ([]Record, error) {
	texts, err := s.selection()
	if err != nil {
		return nil, err
	}
	records := make([]Record, len(texts))
	for i, text := range texts {
		records[i] = Record{Text: text, Category: s.Category()}
	}
	return records, nil
}

// loadReload removes one selected prompt per manifest row with the same
// text, so prompts repeated in the selection keep their remaining repeats.
func (s *Scheduler) loadReload() ([]Record, int, error) {
	texts, err := s.selection()
	if err != nil {
		return nil, 0, err
	}
	records, err := s.manifestRecords()
	if err != nil {
		return nil, 0, err
	}

	pending := make(map[string]int, len(records))
	for _, r := range records {
		pending[r.Text]++
	}
	recorded := len(records)
	for _, text := range texts {
		if pending[text] > 0 {
			pending[text]--
			continue
		}
		records = append(records, Record{Text: text, Category: s.Category()})
	}

	slices.SortStableFunc(records, func(a, b Record) int { return cmp.Compare(a.Text, b.Text) })
	return records, recorded, nil
}

func (s *Scheduler) loadValidate() ([]Record, int, error) {
	records, err := s.manifestRecords()
	if err != nil {
		return nil, 0, err
	}
	return records, len(records), nil
}

func (s *Scheduler) manifestRecords() ([]Record, error) {
	rows, err := s.cfg.Category.Rows()
	if err != nil {
		return nil, err
	}
	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = Record{Text: row.Text, Filename: row.Filename, Category: row.Category}
	}
	slices.SortStableFunc(records, func(a, b Record) int { return cmp.Compare(a.Text, b.Text) })
	return records, nil
}

// Name returns the prompt name.
func (s *Scheduler) Name() string { return s.cfg.Name }

// Category returns the manifest category, the lower-case prompt name.
func (s *Scheduler) Category() string { return strings.ToLower(s.cfg.Name) }

// Mode returns the configured mode.
func (s *Scheduler) Mode() Mode { return s.cfg.Mode }

// Records returns a copy of the prompt list.
func (s *Scheduler) Records() []Record { return slices.Clone(s.records) }

// Record returns the prompt at index i.
func (s *Scheduler) Record(i int) (Record, error) {
	if i < 0 || i >= len(s.records) {
		return Record{}, apperrors.Newf(apperrors.CodeInvalidArgument, "prompt index %d out of range [0, %d)", i, len(s.records))
	}
	return s.records[i], nil
}

// Recorded returns the number of recorded prompts.
func (s *Scheduler) Recorded() int { return s.recorded }

// Total returns the number of prompts in the list.
func (s *Scheduler) Total() int { return len(s.records) }

// Label returns the progress title, e.g. "Arctic Prompts / Reloads (3 / 10)".
func (s *Scheduler) Label() string {
	var b strings.Builder
	b.WriteString(capitalize(s.cfg.Name))
	b.WriteString(" Prompts")
	if s.cfg.Mode == Reload {
		b.WriteString(" / Reloads")
	}
	fmt.Fprintf(&b, " (%d / %d)", s.recorded, len(s.records))
	return b.String()
}

// Commit records filename as the take for prompt i: the row is appended to
// the top-level and category manifests, then the prompt is marked recorded.
// A prompt that already has a take must be cleared with DeleteTake first.
func (s *Scheduler) Commit(ctx context.Context, i int, filename string) error {
	rec, err := s.Record(i)
	if err != nil {
		return err
	}
	if rec.Recorded() {
		return apperrors.Newf(apperrors.CodeInvalidState, "prompt %d already has take %s", i, filepath.Base(rec.Filename))
	}

	row := manifest.Row{Filename: filename, Category: s.Category(), Text: manifest.Sanitize(rec.Text)}
	if err := row.Validate(); err != nil {
		return err
	}
	addedTop, err := s.appendOnce(ctx, s.cfg.Top, row)
	if err != nil {
		return err
	}
	if _, err := s.appendOnce(ctx, s.cfg.Category, row); err != nil {
		if addedTop {
			if _, rbErr := s.cfg.Top.Remove(filename); rbErr != nil {
				slog.Error("top-level manifest row left without category row", "filename", filename, "error", rbErr)
				return errors.Join(err, rbErr)
			}
		}
		return err
	}

	s.records[i].Filename = filename
	s.recorded = min(s.recorded+1, len(s.records))
	return nil
}

// appendOnce appends row to f unless f already holds a row for the same
// file, and reports whether it appended.
func (s *Scheduler) appendOnce(ctx context.Context, f manifest.File, row manifest.Row) (bool, error) {
	added := false
	err := resilience.Retry(ctx, s.cfg.Retry, func() error {
		ok, err := f.Contains(row.Filename)
		if err != nil || ok {
			return err
		}
		if err := f.Append(row); err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}

// DeleteTake removes the rows for filename from both manifests and clears
// the prompt that referenced it. A manifest without the row is reported as
// NOT_FOUND after the other manifest has still been cleaned. The recorded
// count drops when the category manifest lost its row.
func (s *Scheduler) DeleteTake(filename string) error {
	_, topErr := s.cfg.Top.Remove(filename)
	_, catErr := s.cfg.Category.Remove(filename)

	if catErr == nil {
		s.recorded = max(s.recorded-1, 0)
	}
	for i := range s.records {
		if s.records[i].Filename == filename {
			s.records[i].Filename = ""
		}
	}
	return errors.Join(topErr, catErr)
}
