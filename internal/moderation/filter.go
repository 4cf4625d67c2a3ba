// Package moderation screens chat text for banned words and masks every
// occurrence before the text is stored or delivered.
package moderation

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// DefaultMask replaces every character of a banned word.
const DefaultMask = '*'

// DefaultBannedWords is used when no list is configured.
var DefaultBannedWords = []string{
	"씨발", "시발", "병신", "개새끼", "좆", "fuck", "shit", "idiot",
}

// Filter masks banned words. Matching is literal and case-sensitive, and a
// banned word inside a longer word is masked as well. A Filter is immutable
// and safe for concurrent use.
type Filter struct {
	words    []string
	mask     rune
	minRunes int // shortest word, in runes
}

// NewFilter creates a Filter for the given words. Empty words are ignored;
// a zero mask falls back to DefaultMask.
func NewFilter(words []string, mask rune) *Filter {
	if mask == 0 {
		mask = DefaultMask
	}
	f := &Filter{mask: mask}
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		f.words = append(f.words, w)
		if n := utf8.RuneCountInString(w); f.minRunes == 0 || n < f.minRunes {
			f.minRunes = n
		}
	}
	return f
}

// Words returns a copy of the configured word list.
func (f *Filter) Words() []string {
	return append([]string(nil), f.words...)
}

// Censor returns text with every banned-word occurrence replaced by a run of
// mask characters of the same length. Each word is searched independently
// over the original text, left to right, resuming after the end of the
// previous match; the union of all matched spans is masked.
func (f *Filter) Censor(text string) string {
	if text == "" || len(f.words) == 0 {
		return text
	}

	var masked []bool
	for _, w := range f.words {
		for from := 0; from <= len(text)-len(w); {
			i := strings.Index(text[from:], w)
			if i < 0 {
				break
			}
			start := from + i
			if masked == nil {
				masked = make([]bool, len(text))
			}
			for j := start; j < start+len(w); j++ {
				masked[j] = true
			}
			from = start + len(w)
		}
	}
	if masked == nil {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		if !masked[i] {
			j := i
			for j < len(text) && !masked[j] {
				j++
			}
			b.WriteString(text[i:j])
			i = j
			continue
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		b.WriteRune(f.mask)
		i += size
	}
	return b.String()
}

// Contains reports whether text holds any banned word.
func (f *Filter) Contains(text string) bool {
	for _, w := range f.words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// Masked reports whether text carries a run of mask characters at least as
// long as the shortest banned word, as left behind by Censor.
func (f *Filter) Masked(text string) bool {
	if f.minRunes == 0 {
		return false
	}
	run := 0
	for _, r := range text {
		if r != f.mask {
			run = 0
			continue
		}
		if run++; run >= f.minRunes {
			return true
		}
	}
	return false
}

// LoadWordsFile reads one banned word per line. Blank lines and lines
// starting with '#' are skipped; surrounding whitespace is trimmed.
func LoadWordsFile(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("moderation: open words file: %w", err)
	}
	defer fh.Close()

	var words []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("moderation: read words file: %w", err)
	}
	return words, nil
}
