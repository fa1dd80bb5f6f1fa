// Package model defines core data structures for cfiguard.
package model

import "fmt"

// Pos is a location in the original, unedited source buffer.
// Offset is a byte offset; Line and Col are 1-based.
type Pos struct {
	Offset int
	Line   int
	Col    int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// Range is a half-open source extent [Start, End).
type Range struct {
	Start Pos
	End   Pos
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int {
	return r.End.Offset - r.Start.Offset
}

// Contains reports whether o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return o.Start.Offset >= r.Start.Offset && o.End.Offset <= r.End.Offset
}

func (r Range) String() string {
	return fmt.Sprintf("%s-%s", r.Start, r.End)
}

// TextEdit replaces Range with Text. An empty range is an insertion.
// Coordinates always refer to the original file.
type TextEdit struct {
	Range Range
	Text  string
}

// IsInsert reports whether the edit does not remove any text.
func (e TextEdit) IsInsert() bool {
	return e.Range.Len() == 0
}

// Signature is the pair of spellings derived from one canonical function type.
type Signature struct {
	// Reduced is a coarse ABI-class key, used only for runtime thunk lookup.
	Reduced string
	// Decl is qualifier-stripped but type-faithful; it deduplicates guards.
	Decl string
}

// CallSite is one instrumented indirect call.
type CallSite struct {
	Call            Range
	Callee          Range
	Args            []Range
	Boundary        Range
	NoProtoWithArgs bool
	Guard           string
}

// FileResult summarizes the instrumentation of one source file.
type FileResult struct {
	Path   string
	Status string
	Guards []GuardSummary
	Sites  int
}

// GuardSummary is the part of a guard descriptor that outlives a run.
type GuardSummary struct {
	Name      string
	Signature Signature
	Sites     int
}

// Report is the aggregated outcome of a batch run, ready for serialization.
type Report struct {
	Database string
	Files    []FileResult
}
