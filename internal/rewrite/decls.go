package rewrite

import (
	"strings"

	"github.com/phobologic/cfiguard/internal/model"
)

type declKey struct {
	stmt int
	decl string
}

// DeclStack gathers guard forward declarations while call sites are visited
// back to front, and inserts them as one block in front of the top-level
// declaration that uses them. A declaration is emitted once per statement
// that uses it.
type DeclStack struct {
	buf      *Buffer
	boundary model.Pos
	active   bool
	decls    []string
	seen     map[declKey]bool
}

// NewDeclStack returns a DeclStack that inserts into buf.
func NewDeclStack(buf *Buffer) *DeclStack {
	return &DeclStack{buf: buf, seen: make(map[declKey]bool)}
}

// Push records that the statement starting at stmt, inside the top-level
// declaration starting at boundary, needs decl. Moving to another boundary
// flushes the pending block first.
func (s *DeclStack) Push(boundary, stmt model.Pos, decl string) {
	if s.active && boundary.Offset != s.boundary.Offset {
		s.Flush()
	}
	s.boundary, s.active = boundary, true
	key := declKey{stmt: stmt.Offset, decl: decl}
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.decls = append(s.decls, decl)
}

// Flush inserts the pending block, in document order, and clears it.
func (s *DeclStack) Flush() {
	if len(s.decls) > 0 {
		var b strings.Builder
		for i := len(s.decls) - 1; i >= 0; i-- {
			b.WriteString("static ")
			b.WriteString(s.decls[i])
			b.WriteString(";\n")
		}
		s.buf.Insert(s.boundary, b.String())
	}
	s.decls = s.decls[:0]
	s.seen = make(map[declKey]bool)
	s.active = false
}
