package ctype

import (
	"fmt"
	"strconv"
	"strings"
)

// Parser turns clang type spellings into canonical Types. Typedef names are
// resolved through the table filled by DefineTypedef and DefineAlias.
type Parser struct {
	typedefs  map[string]string
	aliases   map[string]string // typedef name -> tag of the anonymous record/enum it names
	tags      map[string]bool   // "struct foo" for every named tag seen
	cache     map[string]*Type
	resolving map[string]bool
}

// NewParser returns a Parser with an empty typedef table.
func NewParser() *Parser {
	return &Parser{
		typedefs:  make(map[string]string),
		aliases:   make(map[string]string),
		tags:      make(map[string]bool),
		cache:     make(map[string]*Type),
		resolving: make(map[string]bool),
	}
}

// DefineTypedef records that name is a typedef for the type spelled underlying.
func (p *Parser) DefineTypedef(name, underlying string) {
	p.typedefs[name] = underlying
	delete(p.cache, name)
}

// DefineAlias records that name is a typedef for an anonymous record or enum
// introduced with tag ("struct", "union" or "enum").
func (p *Parser) DefineAlias(name, tag string) {
	p.aliases[name] = tag
	delete(p.cache, name)
}

// DeclareTag records a named struct, union or enum.
func (p *Parser) DeclareTag(tag, name string) {
	if name != "" {
		p.tags[tag+" "+name] = true
	}
}

// MustParse parses a spelling without any typedefs and panics on failure.
// Intended for constants and tests.
func MustParse(spelling string) *Type {
	t, err := NewParser().Parse(spelling)
	if err != nil {
		panic(err)
	}
	return t
}

// Parse parses a complete type name such as "const char *" or
// "int (*)(int, int)".
func (p *Parser) Parse(spelling string) (*Type, error) {
	spelling = strings.TrimSpace(spelling)
	if t, ok := p.cache[spelling]; ok {
		return t, nil
	}
	st := &state{p: p, src: spelling, toks: tokenize(spelling)}
	t, err := st.typeName()
	if err != nil {
		return nil, fmt.Errorf("parsing type %q: %w", spelling, err)
	}
	if !st.done() {
		return nil, fmt.Errorf("parsing type %q: unexpected %q", spelling, st.peek())
	}
	p.cache[spelling] = t
	return t, nil
}

func (p *Parser) typedef(name string) (*Type, bool) {
	if tag, ok := p.aliases[name]; ok {
		kind := Record
		if tag == "enum" {
			kind = Enum
		}
		return &Type{Kind: kind, Tag: tag, Alias: name, Anonymous: true}, true
	}
	underlying, ok := p.typedefs[name]
	if !ok {
		return nil, false
	}
	if p.resolving[name] {
		return &Type{Kind: Other, Name: name}, true
	}
	p.resolving[name] = true
	defer delete(p.resolving, name)
	t, err := p.Parse(underlying)
	if err != nil {
		return &Type{Kind: Other, Name: name}, true
	}
	return t, true
}

type token struct {
	text       string
	start, end int
}

func tokenize(s string) []token {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			toks = append(toks, token{s[i:j], i, j})
			i = j
		case c >= '0' && c <= '9':
			j := i + 1
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			toks = append(toks, token{s[i:j], i, j})
			i = j
		case strings.HasPrefix(s[i:], "..."):
			toks = append(toks, token{"...", i, i + 3})
			i += 3
		default:
			toks = append(toks, token{s[i : i+1], i, i + 1})
			i++
		}
	}
	return toks
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

type state struct {
	p    *Parser
	src  string
	toks []token
	pos  int
}

func (s *state) done() bool { return s.pos >= len(s.toks) }

func (s *state) peek() string {
	return s.peekAt(0)
}

func (s *state) peekAt(n int) string {
	if s.pos+n >= len(s.toks) {
		return ""
	}
	return s.toks[s.pos+n].text
}

func (s *state) next() string {
	t := s.peek()
	if !s.done() {
		s.pos++
	}
	return t
}

func (s *state) accept(text string) bool {
	if s.peek() == text {
		s.pos++
		return true
	}
	return false
}

func (s *state) expect(text string) error {
	if got := s.next(); got != text {
		return fmt.Errorf("expected %q, got %q", text, got)
	}
	return nil
}

// balanced consumes an opening parenthesis and everything up to its match,
// returning the source text between them.
func (s *state) balanced(open, close string) (string, error) {
	if err := s.expect(open); err != nil {
		return "", err
	}
	start := s.toks[s.pos-1].end
	for depth := 1; ; {
		if s.done() {
			return "", fmt.Errorf("unbalanced %q", open)
		}
		tok := s.toks[s.pos]
		s.pos++
		switch tok.text {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return strings.TrimSpace(s.src[start:tok.start]), nil
			}
		}
	}
}

var qualifierWords = map[string]string{
	"const":             "const",
	"__const":           "const",
	"volatile":          "volatile",
	"__volatile":        "volatile",
	"restrict":          "restrict",
	"__restrict":        "restrict",
	"__restrict__":      "restrict",
	"_Nonnull":          "",
	"_Nullable":         "",
	"_Null_unspecified": "",
	"__unaligned":       "",
}

var builtinWords = map[string]bool{
	"void": true, "_Bool": true, "bool": true, "char": true, "short": true,
	"int": true, "long": true, "signed": true, "unsigned": true, "float": true,
	"double": true, "__int128": true, "_Complex": true, "_Float16": true,
	"__fp16": true, "__bf16": true, "__float128": true, "_Float128": true,
}

type quals struct{ c, v, r bool }

func (q *quals) add(word string) {
	switch qualifierWords[word] {
	case "const":
		q.c = true
	case "volatile":
		q.v = true
	case "restrict":
		q.r = true
	}
}

// skipAttributes consumes any __attribute__((...)) sequences.
func (s *state) skipAttributes() error {
	for s.peek() == "__attribute__" || s.peek() == "__attribute" {
		s.next()
		if _, err := s.balanced("(", ")"); err != nil {
			return err
		}
	}
	return nil
}

func (s *state) typeName() (*Type, error) {
	base, err := s.specifiers()
	if err != nil {
		return nil, err
	}
	build, err := s.declarator()
	if err != nil {
		return nil, err
	}
	if err := s.skipAttributes(); err != nil {
		return nil, err
	}
	return build(base), nil
}

func (s *state) specifiers() (*Type, error) {
	var (
		q     quals
		words []string
		base  *Type
	)
	for !s.done() {
		if err := s.skipAttributes(); err != nil {
			return nil, err
		}
		tok := s.peek()
		if _, ok := qualifierWords[tok]; ok {
			q.add(s.next())
			continue
		}
		if builtinWords[tok] && base == nil {
			words = append(words, s.next())
			continue
		}
		if base != nil || len(words) > 0 {
			break
		}
		switch tok {
		case "struct", "union", "enum":
			t, err := s.tagSpecifier()
			if err != nil {
				return nil, err
			}
			base = t
			continue
		case "_Atomic":
			s.next()
			if s.peek() != "(" {
				continue
			}
			inner, err := s.balanced("(", ")")
			if err != nil {
				return nil, err
			}
			t, err := s.p.Parse(inner)
			if err != nil {
				return nil, err
			}
			base = t
			continue
		case "typeof", "__typeof__", "__typeof":
			return nil, fmt.Errorf("%s is not a canonical spelling", tok)
		}
		if tok != "" && isIdentStart(tok[0]) {
			s.next()
			if t, ok := s.p.typedef(tok); ok {
				base = t
			} else {
				base = &Type{Kind: Other, Name: tok}
			}
			continue
		}
		break
	}
	if base == nil {
		if len(words) == 0 {
			return nil, fmt.Errorf("missing type specifier")
		}
		var err error
		if base, err = builtin(words); err != nil {
			return nil, err
		}
	}
	return base.WithQualifiers(q.c, q.v, q.r), nil
}

func (s *state) tagSpecifier() (*Type, error) {
	tag := s.next()
	kind := Record
	if tag == "enum" {
		kind = Enum
	}
	if s.peek() == "(" {
		desc, err := s.balanced("(", ")")
		if err != nil {
			return nil, err
		}
		return &Type{Kind: kind, Tag: tag, Name: "(" + desc + ")", Anonymous: true}, nil
	}
	name := s.next()
	if name == "" || !isIdentStart(name[0]) {
		return nil, fmt.Errorf("expected %s name, got %q", tag, name)
	}
	if !s.p.tags[tag+" "+name] {
		// clang spells an anonymous tag declared through a typedef as
		// "struct Alias"; only the typedef name is usable in C.
		if aliasTag, ok := s.p.aliases[name]; ok && aliasTag == tag {
			return &Type{Kind: kind, Tag: tag, Alias: name, Anonymous: true}, nil
		}
	}
	return &Type{Kind: kind, Tag: tag, Name: name}, nil
}

func builtin(words []string) (*Type, error) {
	var signed, unsigned, complex bool
	var shorts, longs int
	var base string
	for _, w := range words {
		switch w {
		case "signed":
			signed = true
		case "unsigned":
			unsigned = true
		case "short":
			shorts++
		case "long":
			longs++
		case "_Complex":
			complex = true
		case "int":
			if base == "" {
				base = "int"
			}
		default:
			base = w
		}
	}
	if complex {
		return &Type{Kind: Other, Name: strings.Join(words, " ")}, nil
	}
	switch base {
	case "void":
		return New(Void), nil
	case "_Bool", "bool":
		return New(Bool), nil
	case "char":
		switch {
		case unsigned:
			return New(UChar), nil
		case signed:
			return New(SChar), nil
		}
		return New(Char), nil
	case "float":
		return New(Float), nil
	case "double":
		if longs > 0 {
			return New(LongDouble), nil
		}
		return New(Double), nil
	case "__int128":
		if unsigned {
			return New(UInt128), nil
		}
		return New(Int128), nil
	case "", "int":
		switch {
		case shorts > 0 && unsigned:
			return New(UShort), nil
		case shorts > 0:
			return New(Short), nil
		case longs == 1 && unsigned:
			return New(ULong), nil
		case longs == 1:
			return New(Long), nil
		case longs >= 2 && unsigned:
			return New(ULongLong), nil
		case longs >= 2:
			return New(LongLong), nil
		case unsigned:
			return New(UInt), nil
		}
		return New(Int), nil
	}
	return &Type{Kind: Other, Name: strings.Join(words, " ")}, nil
}

// declarator parses an abstract declarator and returns a function that
// builds the declared type from the type to its left.
func (s *state) declarator() (func(*Type) *Type, error) {
	var ptrs []quals
	for {
		if err := s.skipAttributes(); err != nil {
			return nil, err
		}
		if !s.accept("*") && !s.accept("^") {
			break
		}
		var q quals
		for {
			if _, ok := qualifierWords[s.peek()]; !ok {
				break
			}
			q.add(s.next())
		}
		ptrs = append(ptrs, q)
	}

	inner := func(t *Type) *Type { return t }
	if s.peek() == "(" && isDeclaratorStart(s.peekAt(1)) {
		s.next()
		nested, err := s.declarator()
		if err != nil {
			return nil, err
		}
		if err := s.expect(")"); err != nil {
			return nil, err
		}
		inner = nested
	}

	var suffixes []func(*Type) *Type
	for {
		switch s.peek() {
		case "[":
			size, err := s.balanced("[", "]")
			if err != nil {
				return nil, err
			}
			suffixes = append(suffixes, arraySuffix(size))
			continue
		case "(":
			fn, err := s.params()
			if err != nil {
				return nil, err
			}
			suffixes = append(suffixes, fn)
			continue
		}
		break
	}

	return func(t *Type) *Type {
		for _, q := range ptrs {
			t = &Type{Kind: Pointer, Elem: t, Const: q.c, Volatile: q.v, Restrict: q.r}
		}
		for i := len(suffixes) - 1; i >= 0; i-- {
			t = suffixes[i](t)
		}
		return inner(t)
	}, nil
}

func isDeclaratorStart(tok string) bool {
	return tok == "*" || tok == "(" || tok == "^" || tok == "__attribute__"
}

func arraySuffix(size string) func(*Type) *Type {
	size = strings.TrimSpace(strings.TrimPrefix(size, "static"))
	return func(t *Type) *Type {
		if size == "" {
			return &Type{Kind: IncompleteArray, Elem: t}
		}
		if n, err := strconv.Atoi(size); err == nil {
			return &Type{Kind: ConstantArray, Elem: t, Len: n}
		}
		return &Type{Kind: VariableArray, Elem: t, Size: size}
	}
}

func (s *state) params() (func(*Type) *Type, error) {
	if err := s.expect("("); err != nil {
		return nil, err
	}
	if s.accept(")") {
		return func(t *Type) *Type {
			return &Type{Kind: FunctionNoProto, Result: t}
		}, nil
	}
	if s.peek() == "void" && s.peekAt(1) == ")" {
		s.pos += 2
		return func(t *Type) *Type { return Func(t, false) }, nil
	}

	var params []*Type
	variadic := false
	for {
		if s.accept("...") {
			variadic = true
			if err := s.expect(")"); err != nil {
				return nil, err
			}
			break
		}
		pt, err := s.typeName()
		if err != nil {
			return nil, err
		}
		params = append(params, adjustParam(pt))
		if s.accept(",") {
			continue
		}
		if err := s.expect(")"); err != nil {
			return nil, err
		}
		break
	}
	return func(t *Type) *Type { return Func(t, variadic, params...) }, nil
}

// adjustParam applies the parameter type adjustments of C: arrays decay to
// pointers to their element and functions to function pointers.
func adjustParam(t *Type) *Type {
	switch {
	case t.IsArray():
		return &Type{Kind: Pointer, Elem: t.Elem, Const: t.Const, Volatile: t.Volatile, Restrict: t.Restrict}
	case t.IsFunction():
		return PointerTo(t)
	}
	return t
}
