// Package lang provides a language registry mapping file extensions to
// tree-sitter languages and their embedded query files. It is used to check
// generated C output independently of the front end that produced it.
package lang

import (
	"context"
	"embed"
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/cfiguard/internal/model"
)

//go:embed queries/*.scm
var queryFS embed.FS

// Language holds tree-sitter configuration for a supported language.
type Language struct {
	Name       string
	Extensions []string
	lang       *sitter.Language
	queryOnce  sync.Once
	query      *sitter.Query
	queryErr   error
}

// NewParser creates a fresh tree-sitter parser for this language.
// Each goroutine must use its own parser (not thread-safe).
func (l *Language) NewParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(l.lang)
	return p
}

// GetCallQuery returns the compiled call query (safe to share across goroutines).
func (l *Language) GetCallQuery() (*sitter.Query, error) {
	l.queryOnce.Do(func() {
		data, err := queryFS.ReadFile(fmt.Sprintf("queries/%s.scm", l.Name))
		if err != nil {
			l.queryErr = fmt.Errorf("reading query file: %w", err)
			return
		}
		q, err := sitter.NewQuery(data, l.lang)
		if err != nil {
			l.queryErr = fmt.Errorf("compiling query: %w", err)
			return
		}
		l.query = q
	})
	return l.query, l.queryErr
}

// Languages maps language names to their configuration.
// Populated by init() functions in per-language files.
var Languages = map[string]*Language{}

// extensionMap is built lazily after all init() functions have run.
var extensionMap map[string]string
var extensionOnce sync.Once

func getExtensionMap() map[string]string {
	extensionOnce.Do(func() {
		extensionMap = make(map[string]string)
		for _, l := range Languages {
			for _, ext := range l.Extensions {
				extensionMap[ext] = l.Name
			}
		}
	})
	return extensionMap
}

// ForExtension returns the language name for a file extension, or "" if unsupported.
func ForExtension(ext string) string {
	return getExtensionMap()[ext]
}

// NodeText returns the source text of a tree-sitter node.
func NodeText(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

// Findings is the result of checking generated source.
type Findings struct {
	// Errors holds the start of every ERROR or MISSING node.
	Errors []model.Pos
	// GuardCalls counts calls whose callee is an identifier naming a guard.
	GuardCalls int
}

// Check parses source with the C grammar and reports syntax errors and the
// number of calls to identifiers for which isGuard returns true.
func Check(ctx context.Context, source []byte, isGuard func(name string) bool) (*Findings, error) {
	l := Languages["c"]
	q, err := l.GetCallQuery()
	if err != nil {
		return nil, err
	}
	tree, err := l.NewParser().ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parsing output: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	f := &Findings{}
	if root.HasError() {
		collectErrors(root, f)
	}

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, root)
	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		match = qc.FilterPredicates(match, source)
		for _, c := range match.Captures {
			if q.CaptureNameForId(c.Index) != "name" {
				continue
			}
			if isGuard(NodeText(c.Node, source)) {
				f.GuardCalls++
			}
		}
	}
	return f, nil
}

func collectErrors(n *sitter.Node, f *Findings) {
	if n.Type() == "ERROR" || n.IsMissing() {
		p := n.StartPoint()
		f.Errors = append(f.Errors, model.Pos{
			Offset: int(n.StartByte()),
			Line:   int(p.Row) + 1,
			Col:    int(p.Column) + 1,
		})
		return
	}
	if !n.HasError() {
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		collectErrors(n.Child(i), f)
	}
}
