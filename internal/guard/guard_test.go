package guard

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/phobologic/cfiguard/internal/ctype"
	"github.com/phobologic/cfiguard/internal/model"
)

func TestRegistryDeduplicates(t *testing.T) {
	t.Parallel()

	p := ctype.NewParser()
	p.DefineTypedef("binop_t", "int (*)(int, int)")
	p.DefineTypedef("myint", "int")
	viaTypedef, err := p.Parse("binop_t")
	if err != nil {
		t.Fatal(err)
	}
	spelled, err := p.Parse("myint (myint, const int)")
	if err != nil {
		t.Fatal(err)
	}

	r := NewRegistry("__GUARD_")
	g1, created := r.Add(Describe(viaTypedef.Pointee(), nil))
	if !created || g1.Name != "__GUARD_1" {
		t.Fatalf("first guard = %q, created %v", g1.Name, created)
	}
	g2, created := r.Add(Describe(spelled, nil))
	if created || g2 != g1 {
		t.Errorf("canonically identical type created a second guard %q", g2.Name)
	}
	g3, created := r.Add(Describe(ctype.MustParse("void (const char *)"), nil))
	if !created || g3.Name != "__GUARD_2" {
		t.Errorf("second signature = %q, created %v", g3.Name, created)
	}

	want := []model.GuardSummary{
		{Name: "__GUARD_1", Signature: model.Signature{Reduced: "int (int, int)", Decl: "int (int, int)"}, Sites: 2},
		{Name: "__GUARD_2", Signature: model.Signature{Reduced: "void (void *)", Decl: "void (const char *)"}, Sites: 1},
	}
	if diff := cmp.Diff(want, r.Summaries()); diff != "" {
		t.Errorf("summaries mismatch (-want +got):\n%s", diff)
	}
	if r.Len() != 2 || len(r.Guards()) != 2 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestDescribeNoProto(t *testing.T) {
	t.Parallel()

	fn := ctype.MustParse("double ()")
	d := Describe(fn, []*ctype.Type{ctype.MustParse("int"), ctype.MustParse("char [4]")})
	if !d.NoProtoWithArgs {
		t.Fatal("NoProtoWithArgs = false")
	}
	if got := d.Signature.Reduced; got != "double (int, void *)" {
		t.Errorf("Reduced = %q", got)
	}
	if got := d.CallbackType().Spelling(); got != "double (int, char *)" {
		t.Errorf("CallbackType = %q", got)
	}
	if d.Variadic {
		t.Error("call-site signature is never variadic")
	}

	bare := Describe(fn, nil)
	if bare.NoProtoWithArgs || len(bare.Params) != 0 {
		t.Errorf("no-arg call of no-proto function = %+v", bare)
	}
	if got := bare.CallbackType().Spelling(); got != "double ()" {
		t.Errorf("CallbackType = %q", got)
	}
}

func TestDescribeVariadic(t *testing.T) {
	t.Parallel()

	d := Describe(ctype.MustParse("int (const char *, ...)"), nil)
	if !d.Variadic || len(d.Params) != 1 {
		t.Errorf("descriptor = %+v", d)
	}
	if d.IsVoid() {
		t.Error("IsVoid = true")
	}
	v := Describe(ctype.MustParse("void (void)"), nil)
	if !v.IsVoid() {
		t.Error("IsVoid = false for void result")
	}
}
