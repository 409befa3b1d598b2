// Package manifest reads and writes recorder.tsv files.
//
// A manifest holds one newline-terminated row per take with five tab
// separated fields: filename, "0", category, "" and the prompt text. Rows
// are only ever appended; a take is removed by rewriting the whole file
// without it and atomically replacing the original.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
)

// FileName is the manifest name used in every save directory.
const FileName = "recorder.tsv"

const (
	fieldCount    = 5
	commentPrefix = ";"
	reservedIndex = "0"
)

// Row is one recorded take. An empty Filename marks a prompt that has not
// been recorded yet; such rows are never written.
type Row struct {
	Filename string
	Category string
	Text     string
}

// Validate rejects rows that cannot be written without corrupting the file.
func (r Row) Validate() error {
	if r.Filename == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "manifest row needs a filename")
	}
	fields := []struct{ name, value string }{
		{"filename", r.Filename},
		{"category", r.Category},
		{"text", r.Text},
	}
	for _, fl := range fields {
		if strings.ContainsAny(fl.value, "\t\r\n") {
			return apperrors.Newf(apperrors.CodeInvalidArgument, "manifest %s contains a tab or newline", fl.name).
				WithMetadata("value", fl.value)
		}
	}
	return nil
}

// Line returns the serialized row including the trailing newline.
func (r Row) Line() string {
	return strings.Join([]string{r.Filename, reservedIndex, r.Category, "", r.Text}, "\t") + "\n"
}

// Sanitize prepares prompt text for a manifest row.
func Sanitize(text string) string {
	return strings.TrimSpace(text)
}

// ParseRow parses one manifest line. The trailing newline is optional.
func ParseRow(line string) (Row, bool) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, "\t", fieldCount)
	if len(fields) < fieldCount {
		return Row{}, false
	}
	return Row{
		Filename: strings.TrimSpace(fields[0]),
		Category: fields[2],
		Text:     Sanitize(fields[4]),
	}, true
}

// File is a manifest on disk. A missing file is an empty manifest.
type File struct {
	Path string
}

// In returns the manifest of dir.
func In(dir string) File {
	return File{Path: filepath.Join(dir, FileName)}
}

// Append writes r to the end of the manifest, creating it if needed.
func (f File) Append(r Row) error {
	r.Text = Sanitize(r.Text)
	if err := r.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return f.ioError(err, "create manifest directory")
	}
	fh, err := os.OpenFile(f.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return f.ioError(err, "open manifest")
	}
	if _, err := fh.WriteString(r.Line()); err != nil {
		fh.Close()
		return f.ioError(err, "append manifest row")
	}
	if err := fh.Close(); err != nil {
		return f.ioError(err, "close manifest")
	}
	return nil
}

// Rows returns every row in file order. Comment lines, blank lines and
// lines with too few fields are skipped.
func (f File) Rows() ([]Row, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, f.ioError(err, "read manifest")
	}

	var rows []Row
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if skipLine(line) {
			continue
		}
		row, ok := ParseRow(line)
		if !ok {
			slog.Warn("skipping malformed manifest row", "path", f.Path, "line", n)
			continue
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, f.ioError(err, "scan manifest")
	}
	return rows, nil
}

// Contains reports whether a row for filename exists.
func (f File) Contains(filename string) (bool, error) {
	rows, err := f.Rows()
	if err != nil {
		return false, err
	}
	for _, r := range rows {
		if r.Filename == filename {
			return true, nil
		}
	}
	return false, nil
}

// Remove rewrites the manifest without the rows whose filename field is
// exactly filename and returns how many were removed. All other lines keep
// their order and bytes. The original is replaced atomically.
func (f File) Remove(filename string) (int, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, f.notFound(filename)
	}
	if err != nil {
		return 0, f.ioError(err, "read manifest")
	}

	var kept bytes.Buffer
	kept.Grow(len(data))
	removed := 0
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if line == "" {
			continue
		}
		if !skipLine(line) {
			if row, ok := ParseRow(line); ok && row.Filename == filename {
				removed++
				continue
			}
		}
		kept.WriteString(line)
	}
	if removed == 0 {
		return 0, f.notFound(filename)
	}

	if err := atomic.WriteFile(f.Path, &kept); err != nil {
		return 0, f.ioError(err, "rewrite manifest")
	}
	return removed, nil
}

func skipLine(line string) bool {
	return strings.TrimSpace(line) == "" || strings.HasPrefix(line, commentPrefix)
}

func (f File) ioError(err error, msg string) error {
	return apperrors.Wrap(err, apperrors.CodeManifestIO, msg).WithMetadata("path", f.Path)
}

func (f File) notFound(filename string) error {
	return apperrors.Newf(apperrors.CodeNotFound, "no manifest row for %s", filepath.Base(filename)).
		WithMetadata("path", f.Path).
		WithMetadata("filename", filename)
}
