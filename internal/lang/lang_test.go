package lang

import (
	"context"
	"strings"
	"testing"
)

func isGuard(name string) bool {
	return strings.HasPrefix(name, "__GUARD_")
}

func TestForExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ext  string
		want string
	}{
		{".c", "c"},
		{".h", "c"},
		{".i", "c"},
		{".cpp", ""},
		{".py", ""},
		{"", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.ext, func(t *testing.T) {
			t.Parallel()
			got := ForExtension(tt.ext)
			if got != tt.want {
				t.Errorf("ForExtension(%q) = %q, want %q", tt.ext, got, tt.want)
			}
		})
	}
}

func TestLanguagesRegistered(t *testing.T) {
	t.Parallel()

	c, ok := Languages["c"]
	if !ok {
		t.Fatal("c language not registered")
	}
	if c.lang == nil {
		t.Error("c language is nil")
	}
	if c.NewParser() == nil {
		t.Error("NewParser returned nil")
	}
}

func TestGetCallQuery(t *testing.T) {
	t.Parallel()

	q, err := Languages["c"].GetCallQuery()
	if err != nil {
		t.Fatalf("GetCallQuery: %v", err)
	}
	if q == nil {
		t.Fatal("query is nil")
	}
}

func TestCheckCountsGuardCalls(t *testing.T) {
	t.Parallel()

	src := []byte(`static int __GUARD_1(int (*_callback)(int, int), int _arg1, int _arg2);
int (*fp)(int, int);
int main(void)
{
    int x = __GUARD_1(fp, 1, 2);
    return __GUARD_1(fp, x, 3) + abs(x);
}
`)
	f, err := Check(context.Background(), src, isGuard)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(f.Errors) != 0 {
		t.Errorf("unexpected syntax errors at %v", f.Errors)
	}
	if f.GuardCalls != 2 {
		t.Errorf("GuardCalls = %d, want 2", f.GuardCalls)
	}
}

func TestCheckReportsSyntaxErrors(t *testing.T) {
	t.Parallel()

	src := []byte("int main(void)\n{\n    return __GUARD_1(fp, 1, ;\n}\n")
	f, err := Check(context.Background(), src, isGuard)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(f.Errors) == 0 {
		t.Fatal("expected syntax errors")
	}
	if f.Errors[0].Line < 3 {
		t.Errorf("first error on line %d, want >= 3", f.Errors[0].Line)
	}
}
