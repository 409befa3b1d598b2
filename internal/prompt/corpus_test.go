package prompt

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
)

func writeCorpus(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestReadCorpus(t *testing.T) {
	path := writeCorpus(t, t.TempDir(), "arctic.txt",
		"; comment",
		"  first prompt  ",
		"",
		"   ",
		"second ; not a comment",
		" ;indented semicolon stays",
	)
	lines, err := ReadCorpus(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"first prompt", "second ; not a comment", ";indented semicolon stays"}, lines)
}

func TestReadCorpusMissing(t *testing.T) {
	_, err := ReadCorpus(filepath.Join(t.TempDir(), "nope.txt"))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConfigInvalid), "got %v", err)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`arctic_a0001 "Author of the danger trail."`, "Author of the danger trail."},
		{`Ünïcode_1 "wide word"`, "wide word"},
		{"She had your dark suit (s.42)", "She had your dark suit"},
		{"She had your dark suit  (s.42)", "She had your dark suit"},
		{`arctic_a0002 " padded "`, "padded"},
		{"plain text", "plain text"},
		{`two words "not a wrapper"`, `two words "not a wrapper"`},
		{"tag (s.x1)", "tag (s.x1)"},
		// Only the first matching pattern applies.
		{`id "inner (s.7)"`, "inner (s.7)"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSelectOrdered(t *testing.T) {
	lines := []string{"banana", "apple"}
	got := Select(lines, Options{Ordered: true, SamplesPerPrompt: 2}, nil)
	assert.Equal(t, []string{"apple", "apple", "banana", "banana"}, got)
	assert.Equal(t, []string{"banana", "apple"}, lines, "input must not be reordered")
}

func TestSelectOrderedZeroRepeatsOnce(t *testing.T) {
	got := Select([]string{"b", "a"}, Options{Ordered: true}, nil)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSelectRandom(t *testing.T) {
	lines := []string{"a", "b", "c"}
	rng := rand.New(rand.NewPCG(1, 2))

	got := Select(lines, Options{Count: 50}, rng)
	require.Len(t, got, 50)
	for _, s := range got {
		assert.Contains(t, lines, s)
	}

	again := Select(lines, Options{Count: 50}, rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, got, again, "same seed, same draw")

	assert.Len(t, Select(lines, Options{}, rng), 3, "zero count draws corpus size")
	assert.Nil(t, Select(nil, Options{Count: 5}, rng))
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		softMax int
		want    []string
	}{
		{"disabled", "a long prompt", 0, []string{"a long prompt"}},
		{"short enough", "short", 10, []string{"short"}},
		{"cut at next space", "aaaa bbbb cccc", 6, []string{"aaaa bbbb", "cccc"}},
		{"cut exactly at space", "abc def ghi", 3, []string{"abc", "def", "ghi"}},
		{"no space after cap", "abcdefgh ij", 10, []string{"abcdefgh ij"}},
		{"long word kept whole", "supercalifragilistic word", 5, []string{"supercalifragilistic", "word"}},
		{"many pieces", "a b c d e f g h", 1, []string{"a", "b", "c", "d", "e", "f", "g", "h"}},
		{"runes not bytes", "ééé ééé", 3, []string{"ééé", "ééé"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.softMax)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, strings.Fields(tt.text), strings.Fields(strings.Join(got, " ")), "no words lost")
		})
	}
}

func TestCapitalize(t *testing.T) {
	tests := map[string]string{
		"arctic":         "Arctic",
		"TIMIT":          "Timit",
		"medicine_names": "Medicine_names",
		"":               "",
		"éclair":         "Éclair",
	}
	for in, want := range tests {
		if got := capitalize(in); got != want {
			t.Errorf("capitalize(%q) = %q, want %q", in, got, want)
		}
	}
}
