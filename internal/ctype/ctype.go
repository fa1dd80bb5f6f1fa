// Package ctype models canonical C types: typedefs resolved, spelled the way
// clang prints them.
package ctype

import (
	"fmt"
	"strings"
)

// Kind classifies a Type.
type Kind int

const (
	Invalid Kind = iota
	Void
	Bool
	Char
	SChar
	UChar
	Short
	UShort
	Int
	UInt
	Long
	ULong
	LongLong
	ULongLong
	Int128
	UInt128
	Float
	Double
	LongDouble
	Pointer
	ConstantArray
	IncompleteArray
	VariableArray
	FunctionProto
	FunctionNoProto
	Record
	Enum
	Other
)

var builtinNames = map[Kind]string{
	Void:       "void",
	Bool:       "_Bool",
	Char:       "char",
	SChar:      "signed char",
	UChar:      "unsigned char",
	Short:      "short",
	UShort:     "unsigned short",
	Int:        "int",
	UInt:       "unsigned int",
	Long:       "long",
	ULong:      "unsigned long",
	LongLong:   "long long",
	ULongLong:  "unsigned long long",
	Int128:     "__int128",
	UInt128:    "unsigned __int128",
	Float:      "float",
	Double:     "double",
	LongDouble: "long double",
}

var kindNames = map[Kind]string{
	Invalid:         "invalid",
	Pointer:         "pointer",
	ConstantArray:   "constant array",
	IncompleteArray: "incomplete array",
	VariableArray:   "variable array",
	FunctionProto:   "function proto",
	FunctionNoProto: "function no-proto",
	Record:          "record",
	Enum:            "enum",
	Other:           "other",
}

func (k Kind) String() string {
	if s, ok := builtinNames[k]; ok {
		return s
	}
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Type is a canonical C type. Values handed out by a Parser are shared and
// must not be mutated; use Unqualified or WithQualifiers to derive new ones.
type Type struct {
	Kind     Kind
	Const    bool
	Volatile bool
	Restrict bool

	// Elem is the pointee of a Pointer or the element of an array.
	Elem *Type
	// Len is the length of a ConstantArray.
	Len int
	// Size is the size expression of a VariableArray.
	Size string

	Result   *Type
	Params   []*Type
	Variadic bool

	// Tag is "struct", "union" or "enum" for Record and Enum types.
	Tag string
	// Name is the tag name of a Record or Enum (or clang's "(unnamed ...)"
	// description when it has none), and the raw spelling of Other types.
	Name string
	// Alias is the typedef name an anonymous record or enum is known by.
	Alias     string
	Anonymous bool
}

// New returns an unqualified builtin or Other type.
func New(kind Kind) *Type {
	return &Type{Kind: kind}
}

// PointerTo returns a pointer to elem.
func PointerTo(elem *Type) *Type {
	return &Type{Kind: Pointer, Elem: elem}
}

// Func returns a prototyped function type.
func Func(result *Type, variadic bool, params ...*Type) *Type {
	return &Type{Kind: FunctionProto, Result: result, Params: params, Variadic: variadic}
}

// IsArray reports whether t is any kind of array.
func (t *Type) IsArray() bool {
	if t == nil {
		return false
	}
	return t.Kind == ConstantArray || t.Kind == IncompleteArray || t.Kind == VariableArray
}

// IsFunction reports whether t is a function type, with or without prototype.
func (t *Type) IsFunction() bool {
	if t == nil {
		return false
	}
	return t.Kind == FunctionProto || t.Kind == FunctionNoProto
}

// HasPrototype reports whether t is a function type with a parameter list.
func (t *Type) HasPrototype() bool {
	return t != nil && t.Kind == FunctionProto
}

// IsVariadic reports whether t is a prototyped variadic function type.
func (t *Type) IsVariadic() bool {
	return t.HasPrototype() && t.Variadic
}

// Pointee returns the type t points to, or nil.
func (t *Type) Pointee() *Type {
	if t == nil || t.Kind != Pointer {
		return nil
	}
	return t.Elem
}

// ResultType returns the result of a function type, looking through one
// level of pointer. It returns nil for anything that cannot be called.
func (t *Type) ResultType() *Type {
	if t == nil {
		return nil
	}
	if t.Kind == Pointer {
		t = t.Elem
	}
	if !t.IsFunction() {
		return nil
	}
	return t.Result
}

// Args returns the parameter types of a prototyped function type.
func (t *Type) Args() []*Type {
	if !t.HasPrototype() {
		return nil
	}
	return t.Params
}

// Primordial strips every pointer and array layer off t.
func (t *Type) Primordial() *Type {
	for t != nil && (t.Kind == Pointer || t.IsArray()) {
		t = t.Elem
	}
	return t
}

// NeedsDeclarator reports whether spelling a declaration of t requires
// declarator syntax around the name, as for function pointers or pointers
// to arrays.
func (t *Type) NeedsDeclarator() bool {
	for u := t; u != nil; u = u.Elem {
		if u.IsArray() || u.IsFunction() {
			return true
		}
		if u.Kind != Pointer {
			return false
		}
	}
	return false
}

// Qualified reports whether t carries any top-level qualifier.
func (t *Type) Qualified() bool {
	return t.Const || t.Volatile || t.Restrict
}

// Unqualified returns t without top-level qualifiers.
func (t *Type) Unqualified() *Type {
	if t == nil || !t.Qualified() {
		return t
	}
	u := *t
	u.Const, u.Volatile, u.Restrict = false, false, false
	return &u
}

// WithQualifiers returns a copy of t with the given qualifiers added.
func (t *Type) WithQualifiers(c, v, r bool) *Type {
	if !c && !v && !r {
		return t
	}
	u := *t
	u.Const = u.Const || c
	u.Volatile = u.Volatile || v
	u.Restrict = u.Restrict || r
	return &u
}

// Spelling returns the canonical C spelling of t.
func (t *Type) Spelling() string {
	if t == nil {
		return "<invalid>"
	}
	return t.spell("")
}

func (t *Type) String() string {
	return t.Spelling()
}

func (t *Type) spell(inner string) string {
	switch t.Kind {
	case Pointer:
		ptr := "*"
		if q := t.qualifiers(); q != "" {
			ptr += q
			if inner != "" {
				ptr += " "
			}
		}
		ptr += inner
		if t.Elem.IsArray() || t.Elem.IsFunction() {
			ptr = "(" + ptr + ")"
		}
		return t.Elem.spell(ptr)
	case ConstantArray:
		return t.Elem.spell(fmt.Sprintf("%s[%d]", inner, t.Len))
	case IncompleteArray:
		return t.Elem.spell(inner + "[]")
	case VariableArray:
		return t.Elem.spell(inner + "[" + t.Size + "]")
	case FunctionProto, FunctionNoProto:
		return t.Result.spell(inner + "(" + t.paramList() + ")")
	}

	base := t.baseName()
	if q := t.qualifiers(); q != "" {
		base = q + " " + base
	}
	if inner == "" {
		return base
	}
	return base + " " + inner
}

func (t *Type) paramList() string {
	if t.Kind == FunctionNoProto {
		return ""
	}
	if len(t.Params) == 0 {
		if t.Variadic {
			return "..."
		}
		return "void"
	}
	parts := make([]string, 0, len(t.Params)+1)
	for _, p := range t.Params {
		parts = append(parts, p.Spelling())
	}
	if t.Variadic {
		parts = append(parts, "...")
	}
	return strings.Join(parts, ", ")
}

func (t *Type) baseName() string {
	if s, ok := builtinNames[t.Kind]; ok {
		return s
	}
	switch t.Kind {
	case Record, Enum:
		if t.Alias != "" {
			return t.Alias
		}
		return t.Tag + " " + t.Name
	case Other:
		return t.Name
	}
	return "<invalid>"
}

func (t *Type) qualifiers() string {
	var q []string
	if t.Const {
		q = append(q, "const")
	}
	if t.Volatile {
		q = append(q, "volatile")
	}
	if t.Restrict {
		q = append(q, "restrict")
	}
	return strings.Join(q, " ")
}
