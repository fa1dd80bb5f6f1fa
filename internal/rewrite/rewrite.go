// Package rewrite applies text edits to an immutable source snapshot.
// Every edit is expressed in coordinates of the original buffer.
package rewrite

import (
	"fmt"
	"sort"
	"strings"

	"github.com/phobologic/cfiguard/internal/model"
)

type edit struct {
	model.TextEdit
	seq int
}

func (e edit) start() int { return e.Range.Start.Offset }
func (e edit) end() int   { return e.Range.End.Offset }

// contains reports whether o falls inside the replaced span of e. Insertions
// on the boundary of e are not inside it.
func (e edit) contains(o edit) bool {
	if e.IsInsert() {
		return false
	}
	if o.IsInsert() {
		return o.start() > e.start() && o.start() < e.end()
	}
	return e.Range.Contains(o.Range)
}

// Buffer collects edits against src.
type Buffer struct {
	src   []byte
	edits []edit
}

// NewBuffer returns a Buffer over src. src is not modified.
func NewBuffer(src []byte) *Buffer {
	return &Buffer{src: src}
}

// Insert records an insertion of text before at.
func (b *Buffer) Insert(at model.Pos, text string) {
	b.add(model.Range{Start: at, End: at}, text)
}

// Replace records the replacement of r by text.
func (b *Buffer) Replace(r model.Range, text string) {
	b.add(r, text)
}

func (b *Buffer) add(r model.Range, text string) {
	b.edits = append(b.edits, edit{TextEdit: model.TextEdit{Range: r, Text: text}, seq: len(b.edits)})
}

// Text returns the text of r as it reads once the edits recorded so far
// that lie inside r are applied.
func (b *Buffer) Text(r model.Range) (string, error) {
	var inner []edit
	for _, e := range b.edits {
		if e.IsInsert() {
			if e.start() > r.Start.Offset && e.start() < r.End.Offset {
				inner = append(inner, e)
			}
			continue
		}
		if r.Contains(e.Range) && e.Range != r {
			inner = append(inner, e)
		}
	}
	if r.Start.Offset < 0 || r.End.Offset > len(b.src) || r.Start.Offset > r.End.Offset {
		return "", fmt.Errorf("range %s outside buffer", r)
	}
	out, err := apply(b.src[r.Start.Offset:r.End.Offset], inner, r.Start.Offset)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Apply returns a new buffer with every edit applied. Edits inside a
// replaced span are dropped; replacements that partially overlap are an
// error.
func (b *Buffer) Apply() ([]byte, error) {
	return apply(b.src, b.edits, 0)
}

// apply applies edits to src, whose first byte is at offset base of the
// original buffer.
func apply(src []byte, edits []edit, base int) ([]byte, error) {
	kept := make([]edit, 0, len(edits))
	for i, e := range edits {
		consumed := false
		for j, o := range edits {
			if i == j {
				continue
			}
			if o.contains(e) && (o.Range != e.Range || o.seq > e.seq) {
				consumed = true
				break
			}
		}
		if !consumed {
			kept = append(kept, e)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.start() != b.start() {
			return a.start() > b.start()
		}
		if a.end() != b.end() {
			return a.end() > b.end()
		}
		return a.seq > b.seq
	})

	for i := 1; i < len(kept); i++ {
		later, earlier := kept[i-1], kept[i]
		if earlier.end() > later.start() {
			return nil, fmt.Errorf("overlapping edits at %s and %s", earlier.Range, later.Range)
		}
	}

	out := append([]byte(nil), src...)
	for _, e := range kept {
		s, t := e.start()-base, e.end()-base
		if s < 0 || t > len(out) || s > t {
			return nil, fmt.Errorf("edit %s outside buffer", e.Range)
		}
		out = append(out[:s], append([]byte(e.Text), out[t:]...)...)
	}
	return out, nil
}

// Flatten joins the lines of a multi-line expression with single spaces.
// A line break after a // comment is kept, otherwise the comment would
// swallow the rest of the expression.
func Flatten(text string) string {
	if !strings.ContainsAny(text, "\r\n") {
		return text
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			if strings.Contains(lines[i-1], "//") {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(line)
	}
	return b.String()
}
