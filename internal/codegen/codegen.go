// Package codegen emits the C text of guard trampolines: prototypes, thunk
// storage, the resolving constructor and the guard bodies.
package codegen

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samber/lo"

	"github.com/phobologic/cfiguard/internal/config"
	"github.com/phobologic/cfiguard/internal/ctype"
	"github.com/phobologic/cfiguard/internal/guard"
	"github.com/phobologic/cfiguard/internal/signature"
)

// Sentinel marks instrumented output. Inputs that carry it are not
// instrumented again.
const Sentinel = "/* cfiguard: instrumented */"

// IsInstrumented reports whether src already went through the tool.
func IsInstrumented(src []byte) bool {
	return bytes.Contains(src, []byte(Sentinel))
}

// cString returns s as a C string literal. Bytes outside printable ASCII
// are written as octal escapes.
func cString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c > 0x7e:
			fmt.Fprintf(&b, "\\%03o", c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// declare joins a type spelling and a declarator name.
func declare(typ, name string) string {
	if strings.HasSuffix(typ, "*") {
		return typ + name
	}
	return typ + " " + name
}

func resultType(g *guard.Descriptor) string {
	if g.IsVoid() {
		return "void"
	}
	return signature.DeclType(g.Result)
}

func argNames(g *guard.Descriptor, prefix string) []string {
	return lo.Map(g.Params, func(_ *ctype.Type, i int) string {
		return fmt.Sprintf("%s_arg%d", prefix, i+1)
	})
}

// Declaration returns the prototype of g without storage class or
// terminating semicolon.
func Declaration(g *guard.Descriptor) string {
	params := []string{fmt.Sprintf("__typeof__(%s) *_callback", g.CallbackType().Spelling())}
	for i, t := range g.Params {
		params = append(params, declare(signature.DeclType(t), fmt.Sprintf("_arg%d", i+1)))
	}
	if g.Variadic {
		params = append(params, "...")
	}
	return declare(resultType(g), fmt.Sprintf("%s(%s)", g.Name, strings.Join(params, ", ")))
}

// RecordForwardDecls returns "struct tag;" lines for every named record the
// guards mention, so their prototypes do not declare the tag in prototype
// scope.
func RecordForwardDecls(guards []*guard.Descriptor) string {
	var records []string
	for _, g := range guards {
		types := append([]*ctype.Type{g.Result}, g.Params...)
		types = append(types, g.CallbackType().Args()...)
		for _, t := range types {
			if p := t.Primordial(); p != nil && p.Kind == ctype.Record && !p.Anonymous && p.Name != "" {
				records = append(records, p.Tag+" "+p.Name+";\n")
			}
		}
	}
	return strings.Join(lo.Uniq(records), "")
}

// Epilogue returns the trampoline definitions for guards, appended to the
// rewritten source of file.
func Epilogue(file string, guards []*guard.Descriptor, cfg config.Config) string {
	var b strings.Builder
	p := cfg.GuardPrefix
	rt := cfg.Runtime
	dispatch := p + "Dispatch"
	dispatchType := p + "DispatchType"

	b.WriteString("/****************************************************************************\n")
	fmt.Fprintf(&b, "** Guard trampolines for indirect calls in '%s'\n", filepath.Base(file))
	b.WriteString("**\n")
	b.WriteString("** WARNING! All changes made below this banner will be lost!\n")
	b.WriteString("*****************************************************************************/\n")
	b.WriteString(Sentinel + "\n")
	b.WriteString("extern int printf(const char *, ...);\n")
	b.WriteString("extern void abort(void);\n\n")
	fmt.Fprintf(&b, "extern void *%s();\n", rt.DispatchAccessor)
	fmt.Fprintf(&b, "extern void *%s(const char *);\n", rt.ThunkLookup)
	fmt.Fprintf(&b, "typedef void (*%s)(void *, void *, void *[], void *);\n", dispatchType)
	fmt.Fprintf(&b, "static %s %s;\n", dispatchType, dispatch)
	for _, g := range guards {
		fmt.Fprintf(&b, "static void *%s_Thunk;\n", g.Name)
		fmt.Fprintf(&b, "static const char %s_Signature[] = %s;\n", g.Name, cString(g.Signature.Reduced))
	}

	fmt.Fprintf(&b, "\nstatic void __attribute__((constructor)) %sInitialize(void)\n{\n", p)
	fmt.Fprintf(&b, "    %s = (%s) %s();\n", dispatch, dispatchType, rt.DispatchAccessor)
	for _, g := range guards {
		fmt.Fprintf(&b, "    if (!(%s_Thunk = %s(%s_Signature)))\n", g.Name, rt.ThunkLookup, g.Name)
		b.WriteString("    {\n")
		fmt.Fprintf(&b, "        printf(\"%s\", %s_Signature);\n", rt.FailureMessage, g.Name)
		b.WriteString("        abort();\n")
		b.WriteString("    }\n")
	}
	b.WriteString("}\n")

	for _, g := range guards {
		b.WriteString("\n")
		writeGuard(&b, g, dispatch)
	}
	return b.String()
}

func writeGuard(b *strings.Builder, g *guard.Descriptor, dispatch string) {
	args := strings.Join(argNames(g, ""), ", ")
	refs := strings.Join(argNames(g, "&"), ", ")
	if refs == "" {
		refs = "0"
	}

	fmt.Fprintf(b, "static %s\n{\n", Declaration(g))
	fmt.Fprintf(b, "    if ((unsigned long) _callback > (unsigned long) %s)\n", dispatch)
	b.WriteString("    {\n")
	if g.IsVoid() {
		fmt.Fprintf(b, "        _callback(%s);\n", args)
		b.WriteString("        return;\n")
	} else {
		fmt.Fprintf(b, "        return _callback(%s);\n", args)
	}
	b.WriteString("    }\n")
	fmt.Fprintf(b, "    void *_args[] = {%s};\n", refs)
	if g.IsVoid() {
		fmt.Fprintf(b, "    %s(%s_Thunk, (void *) _callback, _args, (void *) 0);\n", dispatch, g.Name)
	} else {
		fmt.Fprintf(b, "    %s;\n", declare(resultType(g), "_ret"))
		fmt.Fprintf(b, "    %s(%s_Thunk, (void *) _callback, _args, &_ret);\n", dispatch, g.Name)
		b.WriteString("    return _ret;\n")
	}
	b.WriteString("}\n")
}
