package instrument

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/tools/txtar"

	"github.com/phobologic/cfiguard/internal/ast"
	"github.com/phobologic/cfiguard/internal/codegen"
	"github.com/phobologic/cfiguard/internal/config"
	"github.com/phobologic/cfiguard/internal/ctype"
	"github.com/phobologic/cfiguard/internal/model"
	"github.com/phobologic/cfiguard/internal/parse"
	"github.com/phobologic/cfiguard/internal/resolve"
)

// builder assembles a translation unit over src by locating node text.
type builder struct {
	t     *testing.T
	src   string
	lines []int
}

func newBuilder(t *testing.T, src string) *builder {
	b := &builder{t: t, src: src, lines: []int{0}}
	for i, c := range src {
		if c == '\n' {
			b.lines = append(b.lines, i+1)
		}
	}
	return b
}

func (b *builder) pos(off int) model.Pos {
	line := 0
	for line+1 < len(b.lines) && b.lines[line+1] <= off {
		line++
	}
	return model.Pos{Offset: off, Line: line + 1, Col: off - b.lines[line] + 1}
}

// span returns the n-th occurrence of sub on the 1-based line.
func (b *builder) span(line int, sub string, n int) model.Range {
	b.t.Helper()
	start := b.lines[line-1]
	end := len(b.src)
	if line < len(b.lines) {
		end = b.lines[line]
	}
	text := b.src[start:end]
	off := -1
	for i := 0; i <= n; i++ {
		j := strings.Index(text[off+1:], sub)
		if j < 0 {
			b.t.Fatalf("%q occurrence %d not found on line %d", sub, n, line)
		}
		off += j + 1
	}
	return model.Range{Start: b.pos(start + off), End: b.pos(start + off + len(sub))}
}

func (b *builder) node(kind ast.Kind, r model.Range, typ string, children ...*ast.Node) *ast.Node {
	n := &ast.Node{Kind: kind, File: "t.c", Extent: r}
	if typ != "" {
		n.Type = ctype.MustParse(typ)
	}
	return n.Append(children...)
}

// ref builds the implicit decay of a reference to decl, as clang does for
// callees.
func (b *builder) ref(r model.Range, decl *ast.Node, typ string) *ast.Node {
	ref := b.node(ast.DeclRefExpr, r, decl.Type.Spelling())
	ref.Ref = decl
	return b.node(ast.ImplicitCastExpr, r, typ, ref)
}

func (b *builder) tu(decls ...*ast.Node) *ast.TranslationUnit {
	root := &ast.Node{Kind: ast.TranslationUnitDecl}
	return &ast.TranslationUnit{Root: root.Append(decls...), MainFile: "t.c", Source: []byte(b.src)}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func join(from, to model.Range) model.Range {
	return model.Range{Start: from.Start, End: to.End}
}

const mixedSource = `int (*fp)(int, int);
void (*done)(void);
int add(int, int);
int main(void)
{
    int x = fp(1, 2);
    x = add(x, fp(x, 3));
    done();
    return x;
}
`

func mixedUnit(t *testing.T) *ast.TranslationUnit {
	b := newBuilder(t, mixedSource)
	fp := b.node(ast.VarDecl, b.span(1, "int (*fp)(int, int)", 0), "int (*)(int, int)")
	fp.Name = "fp"
	done := b.node(ast.VarDecl, b.span(2, "void (*done)(void)", 0), "void (*)(void)")
	done.Name = "done"
	add := b.node(ast.FunctionDecl, b.span(3, "int add(int, int)", 0), "int (int, int)")
	add.Name = "add"
	x := b.node(ast.VarDecl, b.span(6, "int x = fp(1, 2)", 0), "int")
	x.Name = "x"

	call1 := b.node(ast.CallExpr, b.span(6, "fp(1, 2)", 0), "int",
		b.ref(b.span(6, "fp", 0), fp, "int (*)(int, int)"),
		b.node(ast.IntegerLiteral, b.span(6, "1", 0), "int"),
		b.node(ast.IntegerLiteral, b.span(6, "2", 0), "int"),
	)
	stmt1 := b.node(ast.DeclStmt, b.span(6, "int x = fp(1, 2);", 0), "",
		x.Append(call1))

	call3 := b.node(ast.CallExpr, b.span(7, "fp(x, 3)", 0), "int",
		b.ref(b.span(7, "fp", 0), fp, "int (*)(int, int)"),
		b.ref(b.span(7, "x", 2), x, "int"),
		b.node(ast.IntegerLiteral, b.span(7, "3", 0), "int"),
	)
	call2 := b.node(ast.CallExpr, b.span(7, "add(x, fp(x, 3))", 0), "int",
		b.ref(b.span(7, "add", 0), add, "int (*)(int, int)"),
		b.ref(b.span(7, "x", 1), x, "int"),
		call3,
	)
	stmt2 := b.node(ast.BinaryOperator, b.span(7, "x = add(x, fp(x, 3))", 0), "int",
		b.node(ast.DeclRefExpr, b.span(7, "x", 0), "int"),
		call2,
	)

	stmt3 := b.node(ast.CallExpr, b.span(8, "done()", 0), "void",
		b.ref(b.span(8, "done", 0), done, "void (*)(void)"))
	stmt4 := b.node(ast.ReturnStmt, b.span(9, "return x;", 0), "")

	body := b.node(ast.CompoundStmt, join(b.span(5, "{", 0), b.span(10, "}", 0)), "",
		stmt1, stmt2, stmt3, stmt4)
	main := b.node(ast.FunctionDecl, join(b.span(4, "int main(void)", 0), b.span(10, "}", 0)), "int (void)", body)
	main.Name = "main"
	return b.tu(fp, done, add, main)
}

func noVerify() config.Config {
	cfg := config.Default()
	cfg.Verify = false
	return cfg
}

func TestInstrumentRewritesIndirectCalls(t *testing.T) {
	t.Parallel()

	res, err := Instrument(context.Background(), mixedUnit(t), "t.c", noVerify(), zap.NewNop())
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if !res.Changed || res.Status() != StatusInstrumented {
		t.Fatalf("Changed = %v, Status = %q", res.Changed, res.Status())
	}

	wantBody := `int (*fp)(int, int);
void (*done)(void);
int add(int, int);
static int __GUARD_2(__typeof__(int (int, int)) *_callback, int _arg1, int _arg2);
static int __GUARD_2(__typeof__(int (int, int)) *_callback, int _arg1, int _arg2);
static void __GUARD_1(__typeof__(void (void)) *_callback);
int main(void)
{
    int x = __GUARD_2(fp, 1, 2);
    x = add(x, __GUARD_2(fp, x, 3));
    __GUARD_1(done);
    return x;
}


`
	out := string(res.Output)
	if !strings.HasPrefix(out, wantBody) {
		t.Fatalf("body mismatch (-want +got):\n%s", cmp.Diff(wantBody, out[:min(len(out), len(wantBody))]))
	}
	epilogue := out[len(wantBody):]
	if !strings.HasPrefix(epilogue, "/****") || !codegen.IsInstrumented(res.Output) {
		t.Errorf("epilogue does not follow the body:\n%s", epilogue)
	}
	for _, want := range []string{
		"static void __GUARD_1(__typeof__(void (void)) *_callback)\n{",
		"static int __GUARD_2(__typeof__(int (int, int)) *_callback, int _arg1, int _arg2)\n{",
	} {
		if strings.Count(epilogue, want) != 1 {
			t.Errorf("epilogue should define %q exactly once", want)
		}
	}

	wantGuards := []model.GuardSummary{
		{Name: "__GUARD_1", Signature: model.Signature{Reduced: "void ()", Decl: "void ()"}, Sites: 1},
		{Name: "__GUARD_2", Signature: model.Signature{Reduced: "int (int, int)", Decl: "int (int, int)"}, Sites: 2},
	}
	if diff := cmp.Diff(wantGuards, res.Guards); diff != "" {
		t.Errorf("guards mismatch (-want +got):\n%s", diff)
	}

	var guards []string
	for _, s := range res.Sites {
		guards = append(guards, s.Guard)
	}
	if diff := cmp.Diff([]string{"__GUARD_2", "__GUARD_2", "__GUARD_1"}, guards); diff != "" {
		t.Errorf("sites out of document order (-want +got):\n%s", diff)
	}
	if len(res.Sites[2].Args) != 0 || len(res.Sites[0].Args) != 2 {
		t.Errorf("site args = %v / %v", res.Sites[0].Args, res.Sites[2].Args)
	}
}

func TestInstrumentAllowList(t *testing.T) {
	t.Parallel()

	cfg := noVerify()
	cfg.AllowList = map[string]bool{"void ()": true}
	res, err := Instrument(context.Background(), mixedUnit(t), "t.c", cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	out := string(res.Output)
	for _, want := range []string{
		"    int x = fp(1, 2);\n",
		"    x = add(x, fp(x, 3));\n",
		"    __GUARD_1(done);\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q", want)
		}
	}
	if len(res.Guards) != 1 || len(res.Sites) != 1 {
		t.Errorf("guards = %v, sites = %v", res.Guards, res.Sites)
	}
}

func TestInstrumentDirectCallsOnly(t *testing.T) {
	t.Parallel()

	src := "int add(int, int);\nint main(void) { return add(1, 2); }\n"
	b := newBuilder(t, src)
	add := b.node(ast.FunctionDecl, b.span(1, "int add(int, int)", 0), "int (int, int)")
	add.Name = "add"
	call := b.node(ast.CallExpr, b.span(2, "add(1, 2)", 0), "int",
		b.ref(b.span(2, "add", 0), add, "int (*)(int, int)"),
		b.node(ast.IntegerLiteral, b.span(2, "1", 0), "int"),
		b.node(ast.IntegerLiteral, b.span(2, "2", 0), "int"),
	)
	ret := b.node(ast.ReturnStmt, b.span(2, "return add(1, 2);", 0), "", call)
	body := b.node(ast.CompoundStmt, b.span(2, "{ return add(1, 2); }", 0), "", ret)
	main := b.node(ast.FunctionDecl, b.span(2, "int main(void) { return add(1, 2); }", 0), "int (void)", body)

	core, logs := observer.New(zapcore.DebugLevel)
	res, err := Instrument(context.Background(), b.tu(add, main), "t.c", noVerify(), zap.New(core))
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if res.Changed || res.Output != nil || res.Status() != StatusUnchanged {
		t.Errorf("direct calls changed the file: %+v", res)
	}
	if n := logs.FilterMessage("direct call").Len(); n != 1 {
		t.Errorf("logged %d direct calls, want 1", n)
	}
}

func TestInstrumentNoPrototypeCall(t *testing.T) {
	t.Parallel()

	src := "int (*legacy)();\nvoid f(char *s) { legacy(s, 2.0); }\n"
	b := newBuilder(t, src)
	legacy := b.node(ast.VarDecl, b.span(1, "int (*legacy)()", 0), "int (*)()")
	s := b.node(ast.ParmVarDecl, b.span(2, "char *s", 0), "char *")
	call := b.node(ast.CallExpr, b.span(2, "legacy(s, 2.0)", 0), "int",
		b.ref(b.span(2, "legacy", 0), legacy, "int (*)()"),
		b.ref(b.span(2, "s", 1), s, "char *"),
		b.node("FloatingLiteral", b.span(2, "2.0", 0), "double"),
	)
	body := b.node(ast.CompoundStmt, b.span(2, "{ legacy(s, 2.0); }", 0), "", call)
	f := b.node(ast.FunctionDecl, b.span(2, "void f(char *s) { legacy(s, 2.0); }", 0), "void (char *)", s, body)

	res, err := Instrument(context.Background(), b.tu(legacy, f), "t.c", noVerify(), zap.NewNop())
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	want := model.Signature{Reduced: "int (void *, double)", Decl: "int (char *, double)"}
	if len(res.Guards) != 1 || res.Guards[0].Signature != want {
		t.Fatalf("guards = %+v, want signature %+v", res.Guards, want)
	}
	if !res.Sites[0].NoProtoWithArgs {
		t.Error("site not flagged as a non-prototyped call with arguments")
	}
	if !bytes.Contains(res.Output, []byte("{ __GUARD_1(legacy, s, 2.0); }")) {
		t.Errorf("call not rewritten:\n%s", res.Output)
	}
	decl := "static int __GUARD_1(__typeof__(int (char *, double)) *_callback, char *_arg1, double _arg2);\nvoid f("
	if !bytes.Contains(res.Output, []byte(decl)) {
		t.Errorf("forward declaration missing:\n%s", res.Output)
	}
}

func TestInstrumentMacroSite(t *testing.T) {
	t.Parallel()

	b := newBuilder(t, mixedSource)
	tu := mixedUnit(t)
	tu.Root.Walk(func(n *ast.Node) bool {
		if n.Kind == ast.CallExpr && n.Text(tu.Source) == "done()" {
			n.InMacro = true
		}
		return true
	})

	_, err := Instrument(context.Background(), tu, "t.c", noVerify(), zap.NewNop())
	var me *MacroSiteError
	if !errors.As(err, &me) {
		t.Fatalf("err = %v, want MacroSiteError", err)
	}
	if me.Pos != b.span(8, "done()", 0).Start || me.File != "t.c" {
		t.Errorf("error = %v", me)
	}
}

func TestInstrumentMacroArgument(t *testing.T) {
	t.Parallel()

	src := "#define ONE 1\nint (*fp)(int);\nint f(void) { return fp(ONE); }\n"
	b := newBuilder(t, src)
	fp := b.node(ast.VarDecl, b.span(2, "int (*fp)(int)", 0), "int (*)(int)")
	fp.Name = "fp"
	arg := b.node(ast.IntegerLiteral, b.span(3, "ONE", 0), "int")
	arg.InMacro = true
	call := b.node(ast.CallExpr, b.span(3, "fp(ONE)", 0), "int", b.ref(b.span(3, "fp", 0), fp, "int (*)(int)"), arg)
	ret := b.node(ast.ReturnStmt, b.span(3, "return fp(ONE)", 0), "", call)
	body := b.node(ast.CompoundStmt, b.span(3, "{ return fp(ONE); }", 0), "", ret)
	f := b.node(ast.FunctionDecl, b.span(3, "int f(void) { return fp(ONE); }", 0), "int (void)", body)

	res, err := Instrument(context.Background(), b.tu(fp, f), "t.c", noVerify(), zap.NewNop())
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if !bytes.Contains(res.Output, []byte("{ return __GUARD_1(fp, ONE); }")) {
		t.Errorf("call not rewritten:\n%s", res.Output)
	}

	// A first argument that starts outside the parentheses has no place
	// for the callee.
	arg.Extent = b.span(1, "1", 0)
	_, err = Instrument(context.Background(), b.tu(fp, f), "t.c", noVerify(), zap.NewNop())
	var me *MacroSiteError
	if !errors.As(err, &me) || me.Pos != arg.Extent.Start {
		t.Fatalf("err = %v, want MacroSiteError at the argument", err)
	}
}

func TestInstrumentUnsupportedShape(t *testing.T) {
	t.Parallel()

	src := "void f(void) { ({ g; })(); }\n"
	b := newBuilder(t, src)
	stmtExpr := b.node("StmtExpr", b.span(1, "({ g; })", 0), "void (*)(void)")
	call := b.node(ast.CallExpr, b.span(1, "({ g; })()", 0), "void", stmtExpr)
	body := b.node(ast.CompoundStmt, b.span(1, "{ ({ g; })(); }", 0), "", call)
	f := b.node(ast.FunctionDecl, b.span(1, "void f(void) { ({ g; })(); }", 0), "void (void)", body)

	_, err := Instrument(context.Background(), b.tu(f), "t.c", noVerify(), zap.NewNop())
	var ue *resolve.UnsupportedShapeError
	if !errors.As(err, &ue) || ue.Kind != "StmtExpr" {
		t.Fatalf("err = %v, want UnsupportedShapeError for StmtExpr", err)
	}
}

func TestInstrumentSkipsInstrumentedInput(t *testing.T) {
	t.Parallel()

	tu := mixedUnit(t)
	tu.Source = append(tu.Source, []byte(codegen.Sentinel+"\n")...)
	res, err := Instrument(context.Background(), tu, "t.c", noVerify(), zap.NewNop())
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if res.Changed || res.Status() != StatusSkipped {
		t.Errorf("instrumented input was processed again: %+v", res)
	}
}

func TestInstrumentGolden(t *testing.T) {
	t.Parallel()

	files, err := filepath.Glob(filepath.Join("testdata", "*.txtar"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("no golden files")
	}
	for _, file := range files {
		file := file
		t.Run(filepath.Base(file), func(t *testing.T) {
			t.Parallel()

			ar, err := txtar.ParseFile(file)
			if err != nil {
				t.Fatal(err)
			}
			parts := map[string][]byte{}
			for _, f := range ar.Files {
				parts[f.Name] = f.Data
			}
			src := filepath.Join(t.TempDir(), "t.c")
			writeFile(t, src, parts["t.c"])
			dump := filepath.Join(t.TempDir(), "t.json")
			writeFile(t, dump, parts["t.json"])

			p := &parse.File{Path: dump}
			tu, err := p.Parse(context.Background(), src, nil)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			core, logs := observer.New(zapcore.InfoLevel)
			res, err := Instrument(context.Background(), tu, "t.c", config.Default(), zap.New(core))
			if want, ok := parts["error"]; ok {
				var me *MacroSiteError
				if !errors.As(err, &me) || err.Error() != strings.TrimSpace(string(want)) {
					t.Fatalf("err = %v, want %s", err, want)
				}
				return
			}
			if err != nil {
				t.Fatalf("Instrument: %v", err)
			}
			if diff := cmp.Diff(string(parts["want.c"]), string(res.Output)); diff != "" {
				t.Errorf("output mismatch (-want +got):\n%s", diff)
			}
			if logs.FilterMessage("instrumented").Len() != 1 {
				t.Errorf("missing summary log, got %v", logs.All())
			}
		})
	}
}
