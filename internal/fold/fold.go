// Package fold implements the case and diacritic folding shared by the text
// index, concept labels and the hashing embedder. Text and patterns must go
// through the same Folder configuration to be comparable.
package fold

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Options selects which foldings to apply.
type Options struct {
	Case    bool
	Accents bool
}

// Identity reports whether the options leave text untouched.
func (o Options) Identity() bool {
	return !o.Case && !o.Accents
}

// Folder applies Options rune by rune. A Folder is not safe for concurrent use.
type Folder struct {
	opts  Options
	caser cases.Caser
	strip transform.Transformer
}

// New returns a Folder for opts.
func New(opts Options) *Folder {
	return &Folder{
		opts:  opts,
		caser: cases.Fold(),
		strip: transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn))),
	}
}

// String folds s.
func (f *Folder) String(s string) string {
	if f.opts.Identity() {
		return s
	}
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = f.appendRune(out, r)
	}
	return string(out)
}

// Map folds s and returns, for every byte of the folded string, the byte
// offset in s of the rune that produced it. The offsets slice has one extra
// trailing element equal to len(s). A nil offsets slice means identity.
func (f *Folder) Map(s string) (string, []int) {
	if f.opts.Identity() {
		return s, nil
	}
	out := make([]byte, 0, len(s))
	offs := make([]int, 0, len(s)+1)
	for i, r := range s {
		n := len(out)
		out = f.appendRune(out, r)
		for range len(out) - n {
			offs = append(offs, i)
		}
	}
	offs = append(offs, len(s))
	return string(out), offs
}

func (f *Folder) appendRune(dst []byte, r rune) []byte {
	if r < utf8.RuneSelf {
		if f.opts.Case && 'A' <= r && r <= 'Z' {
			r += 'a' - 'A'
		}
		return append(dst, byte(r))
	}
	s := string(r)
	if f.opts.Accents {
		if t, _, err := transform.String(f.strip, s); err == nil {
			s = t
		}
	}
	if f.opts.Case && s != "" {
		s = f.caser.String(s)
	}
	return append(dst, s...)
}

// Origin translates the folded byte range [start, end) back to a byte range
// of the original string using offsets returned by Map. Ranges that split the
// output of a single rune widen to cover that whole rune.
func Origin(offs []int, start, end int) (int, int) {
	if offs == nil {
		return start, end
	}
	from := offs[start]
	if end <= start {
		return from, from
	}
	last := offs[end-1]
	j := end
	for j < len(offs)-1 && offs[j] == last {
		j++
	}
	return from, offs[j]
}

// String folds s with opts.
func String(s string, opts Options) string {
	return New(opts).String(s)
}

// Label normalizes a concept label: case and accents folded, surrounding
// whitespace trimmed.
func Label(s string) string {
	return strings.TrimSpace(New(Options{Case: true, Accents: true}).String(s))
}
