// Package parse builds ast trees from clang's JSON AST dump.
package parse

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/phobologic/cfiguard/internal/ast"
	"github.com/phobologic/cfiguard/internal/ctype"
	"github.com/phobologic/cfiguard/internal/model"
)

type jsonLoc struct {
	Offset       *int     `json:"offset"`
	File         string   `json:"file"`
	Line         int      `json:"line"`
	Col          int      `json:"col"`
	TokLen       int      `json:"tokLen"`
	SpellingLoc  *jsonLoc `json:"spellingLoc"`
	ExpansionLoc *jsonLoc `json:"expansionLoc"`
}

type jsonRange struct {
	Begin *jsonLoc `json:"begin"`
	End   *jsonLoc `json:"end"`
}

type jsonType struct {
	QualType          string `json:"qualType"`
	DesugaredQualType string `json:"desugaredQualType"`
}

type jsonNode struct {
	ID                   string      `json:"id"`
	Kind                 string      `json:"kind"`
	Name                 string      `json:"name"`
	Loc                  *jsonLoc    `json:"loc"`
	Range                *jsonRange  `json:"range"`
	Type                 *jsonType   `json:"type"`
	IsImplicit           bool        `json:"isImplicit"`
	TagUsed              string      `json:"tagUsed"`
	ReferencedDecl       *jsonNode   `json:"referencedDecl"`
	ReferencedMemberDecl string      `json:"referencedMemberDecl"`
	Decl                 *jsonNode   `json:"decl"`
	OwnedTagDecl         *jsonNode   `json:"ownedTagDecl"`
	Inner                []*jsonNode `json:"inner"`
}

type decompressCtx struct {
	file string
	line int
}

// decompress restores the file and line fields clang elides when they
// repeat the previously written location.
func (l *jsonLoc) decompress(last *decompressCtx) {
	if l == nil {
		return
	}
	l.SpellingLoc.decompress(last)
	l.ExpansionLoc.decompress(last)
	if l.SpellingLoc != nil || l.ExpansionLoc != nil {
		return
	}
	if l.Offset == nil {
		return
	}
	if l.File == "" {
		l.File = last.file
	} else {
		last.file = l.File
	}
	if l.Line == 0 {
		l.Line = last.line
	} else {
		last.line = l.Line
	}
}

// decompressLocs must visit locations in the order clang wrote them.
func (n *jsonNode) decompressLocs(last *decompressCtx) {
	n.Loc.decompress(last)
	if n.Range != nil {
		n.Range.Begin.decompress(last)
		n.Range.End.decompress(last)
	}
	for _, c := range n.Inner {
		c.decompressLocs(last)
	}
}

func (l *jsonLoc) expansion() *jsonLoc {
	if l.ExpansionLoc != nil {
		return l.ExpansionLoc
	}
	if l.SpellingLoc != nil {
		return l.SpellingLoc
	}
	return l
}

func (l *jsonLoc) isMacro() bool {
	return l.SpellingLoc != nil || l.ExpansionLoc != nil
}

// Decode reads a clang JSON AST dump of mainFile. source is the content of
// mainFile the dump was produced from.
func Decode(r io.Reader, mainFile string, source []byte) (*ast.TranslationUnit, error) {
	var root jsonNode
	if err := json.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("decoding AST dump: %w", err)
	}
	if root.Kind != string(ast.TranslationUnitDecl) {
		return nil, fmt.Errorf("decoding AST dump: root is %q, want %s", root.Kind, ast.TranslationUnitDecl)
	}
	root.decompressLocs(&decompressCtx{})

	b := &builder{
		types: ctype.NewParser(),
		index: make(map[string]*ast.Node),
	}
	b.collectTypes(&root)
	tu := &ast.TranslationUnit{
		Root:     b.convert(&root),
		MainFile: mainFileOf(&root, mainFile),
		Source:   source,
	}
	b.link()
	return tu, nil
}

type pendingRef struct {
	node *ast.Node
	id   string
	bare *jsonNode
}

type builder struct {
	types   *ctype.Parser
	index   map[string]*ast.Node
	pending []pendingRef
}

// collectTypes fills the typedef table before any type is parsed.
func (b *builder) collectTypes(n *jsonNode) {
	switch n.Kind {
	case "RecordDecl":
		b.types.DeclareTag(n.TagUsed, n.Name)
	case "EnumDecl":
		b.types.DeclareTag("enum", n.Name)
	case "TypedefDecl":
		if n.Type != nil && n.Name != "" {
			if tag := anonymousTag(n); tag != "" {
				b.types.DefineAlias(n.Name, tag)
			} else {
				b.types.DefineTypedef(n.Name, n.Type.QualType)
			}
		}
	}
	for _, c := range n.Inner {
		b.collectTypes(c)
	}
}

// anonymousTag returns "struct", "union" or "enum" when the typedef names
// an anonymous tag declared in place.
func anonymousTag(n *jsonNode) string {
	if len(n.Inner) == 0 {
		return ""
	}
	t := n.Inner[0]
	if t.Kind == "ElaboratedType" {
		if t.OwnedTagDecl != nil && t.OwnedTagDecl.Name == "" {
			return tagWord(n.Type.QualType)
		}
		if len(t.Inner) == 0 {
			return ""
		}
		t = t.Inner[0]
	}
	if (t.Kind == "RecordType" || t.Kind == "EnumType") && t.Decl != nil && t.Decl.Name == "" {
		return tagWord(n.Type.QualType)
	}
	return ""
}

func tagWord(spelling string) string {
	word, _, _ := strings.Cut(strings.TrimSpace(spelling), " ")
	switch word {
	case "struct", "union", "enum":
		return word
	}
	return ""
}

func (b *builder) parseType(t *jsonType) (*ctype.Type, string) {
	if t == nil {
		return nil, ""
	}
	typ, err := b.types.Parse(t.QualType)
	if err != nil && t.DesugaredQualType != "" {
		typ, err = b.types.Parse(t.DesugaredQualType)
	}
	if err != nil {
		typ = &ctype.Type{Kind: ctype.Other, Name: t.QualType}
	}
	return typ, t.QualType
}

func isTypeNode(kind string) bool {
	return strings.HasSuffix(kind, "Type")
}

func (b *builder) convert(jn *jsonNode) *ast.Node {
	n := &ast.Node{
		ID:       jn.ID,
		Kind:     ast.Kind(jn.Kind),
		Name:     jn.Name,
		Implicit: jn.IsImplicit,
	}
	n.Type, n.TypeSpelling = b.parseType(jn.Type)
	if jn.Range != nil && jn.Range.Begin != nil && jn.Range.End != nil {
		n.File, n.Extent, n.InMacro = extent(jn.Range.Begin, jn.Range.End)
	}
	if jn.ID != "" {
		b.index[jn.ID] = n
	}
	switch {
	case jn.ReferencedDecl != nil:
		b.pending = append(b.pending, pendingRef{node: n, id: jn.ReferencedDecl.ID, bare: jn.ReferencedDecl})
	case jn.ReferencedMemberDecl != "":
		b.pending = append(b.pending, pendingRef{node: n, id: jn.ReferencedMemberDecl})
	}
	for _, c := range jn.Inner {
		if isTypeNode(c.Kind) {
			continue
		}
		n.Append(b.convert(c))
	}
	return n
}

// link resolves declaration references once every node is indexed.
// Declarations missing from the dump get a stub built from the reference.
func (b *builder) link() {
	for _, p := range b.pending {
		if decl, ok := b.index[p.id]; ok {
			p.node.Ref = decl
			continue
		}
		if p.bare == nil {
			continue
		}
		stub := &ast.Node{ID: p.bare.ID, Kind: ast.Kind(p.bare.Kind), Name: p.bare.Name}
		stub.Type, stub.TypeSpelling = b.parseType(p.bare.Type)
		p.node.Ref = stub
	}
}

// extent converts a clang begin/end pair into a half-open range over the
// expansion locations.
func extent(begin, end *jsonLoc) (string, model.Range, bool) {
	macro := begin.isMacro() || end.isMacro()
	from, to := begin.expansion(), end.expansion()
	if from.Offset == nil || to.Offset == nil {
		return "", model.Range{}, macro
	}
	if filepath.Clean(from.File) != filepath.Clean(to.File) {
		return "", model.Range{}, true
	}
	r := model.Range{
		Start: model.Pos{Offset: *from.Offset, Line: from.Line, Col: from.Col},
		End:   model.Pos{Offset: *to.Offset + to.TokLen, Line: to.Line, Col: to.Col + to.TokLen},
	}
	return filepath.Clean(from.File), r, macro
}

// mainFileOf returns the cleaned name of the main file. When the dump does
// not mention want (it was produced under another path), the file of the
// last located top-level declaration is used.
func mainFileOf(root *jsonNode, want string) string {
	want = filepath.Clean(want)
	var last string
	for _, c := range root.Inner {
		if c.Range == nil || c.Range.Begin == nil {
			continue
		}
		loc := c.Range.Begin.expansion()
		if loc.Offset == nil || loc.File == "" {
			continue
		}
		f := filepath.Clean(loc.File)
		if f == want {
			return want
		}
		last = f
	}
	if last == "" {
		return want
	}
	return last
}
