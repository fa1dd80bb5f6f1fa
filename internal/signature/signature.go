// Package signature derives the two spellings of a canonical function type:
// the reduced ABI-class key looked up at runtime and the declaration
// spelling guards are deduplicated by.
package signature

import (
	"strings"

	"github.com/phobologic/cfiguard/internal/ctype"
	"github.com/phobologic/cfiguard/internal/model"
)

// OpaquePointer is the reduced spelling of every pointer, array and function.
const OpaquePointer = "void *"

// Of returns the signatures of the function type fn.
func Of(fn *ctype.Type) model.Signature {
	params := fn.Args()
	return model.Signature{
		Reduced: format(Reduce(fn.Result), mapTypes(params, Reduce), fn.IsVariadic()),
		Decl:    format(DeclType(fn.Result), mapTypes(params, paramSpelling), fn.IsVariadic()),
	}
}

// AtCall returns the signatures of a call to a function declared without a
// parameter list, using the argument types found at the call site.
func AtCall(result *ctype.Type, args []*ctype.Type) model.Signature {
	return model.Signature{
		Reduced: format(Reduce(result), mapTypes(args, Reduce), false),
		Decl:    format(DeclType(result), mapTypes(args, paramSpelling), false),
	}
}

// Reduce returns the ABI-class spelling of t.
func Reduce(t *ctype.Type) string {
	switch t.Kind {
	case ctype.Char, ctype.SChar, ctype.UChar:
		return "char"
	case ctype.Short, ctype.UShort:
		return "short"
	case ctype.Int, ctype.UInt, ctype.Enum:
		return "int"
	case ctype.Long, ctype.ULong, ctype.LongLong, ctype.ULongLong:
		return "long"
	case ctype.Pointer, ctype.ConstantArray, ctype.IncompleteArray, ctype.VariableArray,
		ctype.FunctionProto, ctype.FunctionNoProto:
		return OpaquePointer
	}
	return t.Unqualified().Spelling()
}

// DeclType returns a spelling of t that can be followed by a declarator
// name: qualifiers dropped, arrays decayed, and types that need declarator
// syntax wrapped in __typeof__.
func DeclType(t *ctype.Type) string {
	t = Decay(t)
	if t.NeedsDeclarator() {
		return "__typeof__(" + t.Spelling() + ")"
	}
	return t.Spelling()
}

// Decay returns the unqualified type a value of type t has when passed as an
// argument.
func Decay(t *ctype.Type) *ctype.Type {
	switch {
	case t.IsArray():
		return ctype.PointerTo(t.Elem)
	case t.IsFunction():
		return ctype.PointerTo(t)
	}
	return t.Unqualified()
}

func paramSpelling(t *ctype.Type) string {
	return Decay(t).Spelling()
}

func mapTypes(ts []*ctype.Type, fn func(*ctype.Type) string) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, fn(t))
	}
	return out
}

func format(result string, params []string, variadic bool) string {
	var b strings.Builder
	b.WriteString(result)
	if !strings.HasSuffix(result, "*") {
		b.WriteByte(' ')
	}
	b.WriteByte('(')
	b.WriteString(strings.Join(params, ", "))
	if variadic {
		if len(params) > 0 {
			b.WriteString(", ")
		}
		b.WriteString("...")
	}
	b.WriteByte(')')
	return b.String()
}
