// Package resolve determines what a call expression calls: a named function,
// which is left alone, or a function-typed value, which gets a guard.
package resolve

import (
	"fmt"

	"github.com/phobologic/cfiguard/internal/ast"
	"github.com/phobologic/cfiguard/internal/ctype"
	"github.com/phobologic/cfiguard/internal/model"
)

// Shape is the closed set of callee expression forms the resolver accepts.
type Shape int

const (
	// NestedCall is a call whose result is called again: get()(x).
	NestedCall Shape = iota + 1
	// Grouping covers binary, conditional and parenthesized expressions.
	// Resolution stops at their type.
	Grouping
	// PassThrough wraps exactly one child without changing what is called.
	PassThrough
	// Reference names a declaration.
	Reference
	// Opaque covers subscripts and explicit casts. Resolution stops at
	// their type.
	Opaque
)

var shapes = map[ast.Kind]Shape{
	ast.CallExpr:                  NestedCall,
	ast.BinaryOperator:            Grouping,
	ast.CompoundAssignOperator:    Grouping,
	ast.ConditionalOperator:       Grouping,
	ast.BinaryConditionalOperator: Grouping,
	ast.ParenExpr:                 Grouping,
	ast.ImplicitCastExpr:          PassThrough,
	ast.ConstantExpr:              PassThrough,
	ast.ExprWithCleanups:          PassThrough,
	ast.DeclRefExpr:               Reference,
	ast.MemberExpr:                Reference,
	ast.ArraySubscriptExpr:        Opaque,
	ast.CStyleCastExpr:            Opaque,
}

// ShapeOf classifies kind. The second result is false for kinds outside the
// supported set.
func ShapeOf(kind ast.Kind) (Shape, bool) {
	s, ok := shapes[kind]
	return s, ok
}

// UnsupportedShapeError reports a callee expression form the resolver does
// not handle.
type UnsupportedShapeError struct {
	Kind ast.Kind
	File string
	Pos  model.Pos
}

func (e *UnsupportedShapeError) Error() string {
	return fmt.Sprintf("%s:%s: unsupported callee expression %s", e.File, e.Pos, e.Kind)
}

// Result describes a resolved callee.
type Result struct {
	// Decl is the referenced declaration when the callee names one
	// without intervening calls.
	Decl *ast.Node
	// Type is the canonical type of the callee, before dereferencing.
	Type *ctype.Type
	// Nested counts the calls whose results are called.
	Nested int
}

// Direct reports whether the call names a function declaration.
func (r Result) Direct() bool {
	return r.Decl != nil && r.Decl.Kind == ast.FunctionDecl
}

// Function returns the function type an indirect callee invokes, or nil when
// the callee does not have function or pointer-to-function type.
func (r Result) Function() *ctype.Type {
	t := r.Type
	if t != nil && t.Kind == ctype.Pointer {
		t = t.Elem
	}
	if !t.IsFunction() {
		return nil
	}
	return t.Unqualified()
}

// Callee resolves the callee of the call expression call.
func Callee(call *ast.Node) (Result, error) {
	n := call.Child(0)
	if n == nil {
		return Result{}, unsupported(call)
	}
	nested := 0
	for {
		shape, ok := ShapeOf(n.Kind)
		if !ok {
			return Result{}, unsupported(n)
		}
		switch shape {
		case NestedCall:
			nested++
			if n = n.Child(0); n == nil {
				return Result{}, unsupported(call)
			}
		case Grouping, Opaque:
			return finish(nil, n.Type, nested), nil
		case PassThrough:
			c := n.Child(0)
			if c == nil {
				return finish(nil, n.Type, nested), nil
			}
			n = c
		case Reference:
			if n.Ref == nil {
				return finish(nil, n.Type, nested), nil
			}
			t := n.Ref.Type
			if t == nil {
				t = n.Type
			}
			return finish(n.Ref, t, nested), nil
		default:
			return Result{}, unsupported(n)
		}
	}
}

// finish applies one result-type step per nested call. Nested results are
// inferred from types alone, so no declaration is kept.
func finish(decl *ast.Node, t *ctype.Type, nested int) Result {
	if nested == 0 {
		return Result{Decl: decl, Type: t}
	}
	for i := 0; i < nested && t != nil; i++ {
		t = t.ResultType()
	}
	return Result{Type: t, Nested: nested}
}

func unsupported(n *ast.Node) *UnsupportedShapeError {
	return &UnsupportedShapeError{Kind: n.Kind, File: n.File, Pos: n.Extent.Start}
}
