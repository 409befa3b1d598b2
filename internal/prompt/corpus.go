package prompt

import (
	"bufio"
	"errors"
	"io/fs"
	"math/rand/v2"
	"os"
	"regexp"
	"slices"
	"strings"
	"unicode"

	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
)

const commentPrefix = ";"

// normalizers strip corpus-specific wrappers from a prompt line. Only the
// first pattern that matches is applied.
var normalizers = []*regexp.Regexp{
	regexp.MustCompile(`^[\p{L}\p{N}_]+ "(.*)"$`), // arctic: utt_0001 "text"
	regexp.MustCompile(`^(.*) \(s.\d+\)$`),        // timit: text (s.42)
}

// ReadCorpus returns the prompt lines of a corpus file with surrounding
// whitespace removed. Comment and blank lines are skipped.
func ReadCorpus(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "prompt corpus does not exist").
			WithMetadata("path", path)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "open prompt corpus").WithMetadata("path", path)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, commentPrefix) {
			continue
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "read prompt corpus").WithMetadata("path", path)
	}
	return lines, nil
}

// Normalize strips a quoted-utterance wrapper or a trailing sentence tag.
func Normalize(line string) string {
	for _, re := range normalizers {
		if m := re.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return line
}

// Select picks the prompts for a session. Ordered selection sorts the lines
// and repeats each SamplesPerPrompt times in a row. Otherwise Count lines are
// drawn uniformly with replacement. lines is not modified.
func Select(lines []string, opts Options, rng *rand.Rand) []string {
	if len(lines) == 0 {
		return nil
	}

	if opts.Ordered {
		sorted := slices.Clone(lines)
		slices.Sort(sorted)
		repeat := max(opts.SamplesPerPrompt, 1)
		out := make([]string, 0, len(sorted)*repeat)
		for _, line := range sorted {
			for range repeat {
				out = append(out, line)
			}
		}
		return out
	}

	n := opts.Count
	if n <= 0 {
		n = len(lines)
	}
	intN := rand.IntN
	if rng != nil {
		intN = rng.IntN
	}
	out := make([]string, n)
	for i := range out {
		out[i] = lines[intN(len(lines))]
	}
	return out
}

// Split breaks text into pieces of roughly softMax runes. Each cut is made at
// the first whitespace at or after softMax runes past the previous cut, so no
// word is ever broken and every word survives in order. Pieces are trimmed;
// empty pieces are dropped.
func Split(text string, softMax int) []string {
	runes := []rune(text)
	if softMax <= 0 || len(runes) <= softMax {
		return []string{text}
	}

	var out []string
	add := func(r []rune) {
		if s := strings.TrimSpace(string(r)); s != "" {
			out = append(out, s)
		}
	}

	start := 0
	for {
		cut := -1
		for i := start + softMax; i < len(runes); i++ {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if cut < 0 {
			add(runes[start:])
			return out
		}
		add(runes[start:cut])
		start = cut
	}
}

// capitalize upper-cases the first rune and lower-cases the rest.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
