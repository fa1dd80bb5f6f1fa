// Package scan collects the call expressions of a translation unit's main
// file.
package scan

import (
	"github.com/phobologic/cfiguard/internal/ast"
)

// Call is a call expression together with the top-level declaration that
// encloses it. Forward declarations for the call are hoisted in front of
// Boundary.
type Call struct {
	Node     *ast.Node
	Boundary *ast.Node
	// Statement is the statement of the function body holding the call, or
	// Boundary itself for calls outside a function body.
	Statement *ast.Node
}

// Scan returns the call expressions that belong to the main file, in
// document order. Bodies of functions for which ignore returns true are not
// entered. Header code, including code of preprocessed inputs whose line
// markers name another file, is skipped.
func Scan(tu *ast.TranslationUnit, ignore func(name string) bool) []Call {
	s := &scanner{
		tu:      tu,
		ignore:  ignore,
		markers: lineMarkers(tu.Source),
	}
	for _, decl := range tu.Root.Children {
		s.visit(decl, decl, decl)
	}
	return s.calls
}

type scanner struct {
	tu      *ast.TranslationUnit
	ignore  func(string) bool
	markers *markers
	calls   []Call
}

func (s *scanner) visit(n, boundary, stmt *ast.Node) {
	if n.HasExtent() && !s.inMain(n) {
		return
	}
	if n.Kind == ast.FunctionDecl && s.ignore != nil && s.ignore(n.Name) {
		return
	}
	if n.Kind == ast.CallExpr {
		s.calls = append(s.calls, Call{Node: n, Boundary: boundary, Statement: stmt})
	}
	body := n.Kind == ast.CompoundStmt && n.Parent == boundary
	for _, c := range n.Children {
		if body {
			stmt = c
		}
		s.visit(c, boundary, stmt)
	}
}

func (s *scanner) inMain(n *ast.Node) bool {
	if n.File != s.tu.MainFile {
		return false
	}
	return s.markers.inMain(n.Extent.Start.Offset)
}
