// Package ast defines a front-end neutral C syntax tree carrying canonical
// types and byte-exact source extents.
package ast

import (
	"context"

	"github.com/phobologic/cfiguard/internal/ctype"
	"github.com/phobologic/cfiguard/internal/model"
)

// Kind is a node kind. Values follow clang's AST class names.
type Kind string

// Node kinds the pipeline inspects. Any other clang kind may appear in a tree.
const (
	TranslationUnitDecl Kind = "TranslationUnitDecl"
	FunctionDecl        Kind = "FunctionDecl"
	VarDecl             Kind = "VarDecl"
	ParmVarDecl         Kind = "ParmVarDecl"
	FieldDecl           Kind = "FieldDecl"
	TypedefDecl         Kind = "TypedefDecl"
	RecordDecl          Kind = "RecordDecl"
	EnumDecl            Kind = "EnumDecl"
	EnumConstantDecl    Kind = "EnumConstantDecl"

	CompoundStmt Kind = "CompoundStmt"
	DeclStmt     Kind = "DeclStmt"
	ReturnStmt   Kind = "ReturnStmt"

	CallExpr                  Kind = "CallExpr"
	DeclRefExpr               Kind = "DeclRefExpr"
	MemberExpr                Kind = "MemberExpr"
	ImplicitCastExpr          Kind = "ImplicitCastExpr"
	CStyleCastExpr            Kind = "CStyleCastExpr"
	ParenExpr                 Kind = "ParenExpr"
	UnaryOperator             Kind = "UnaryOperator"
	BinaryOperator            Kind = "BinaryOperator"
	CompoundAssignOperator    Kind = "CompoundAssignOperator"
	ConditionalOperator       Kind = "ConditionalOperator"
	BinaryConditionalOperator Kind = "BinaryConditionalOperator"
	ArraySubscriptExpr        Kind = "ArraySubscriptExpr"
	ConstantExpr              Kind = "ConstantExpr"
	ExprWithCleanups          Kind = "ExprWithCleanups"
	IntegerLiteral            Kind = "IntegerLiteral"
	StringLiteral             Kind = "StringLiteral"
)

// Node is one AST node.
type Node struct {
	ID   string
	Kind Kind
	Name string
	// Type is the canonical type of the node: the declared type for
	// declarations, the expression type for expressions.
	Type *ctype.Type
	// TypeSpelling is the type as the front end spelled it, before
	// canonicalization.
	TypeSpelling string

	Extent model.Range
	File   string
	// InMacro is set when the node's extent comes from a macro expansion,
	// so its text cannot be located byte-exactly.
	InMacro  bool
	Implicit bool

	Children []*Node
	Parent   *Node
	// Ref is the declaration a DeclRefExpr or MemberExpr refers to.
	Ref *Node
}

// Append adds children to n and sets their parent.
func (n *Node) Append(children ...*Node) *Node {
	for _, c := range children {
		c.Parent = n
		n.Children = append(n.Children, c)
	}
	return n
}

// Child returns the i-th child, or nil.
func (n *Node) Child(i int) *Node {
	if i < 0 || i >= len(n.Children) {
		return nil
	}
	return n.Children[i]
}

// HasExtent reports whether the node carries a usable source extent.
func (n *Node) HasExtent() bool {
	return n.File != "" && n.Extent.End.Offset > n.Extent.Start.Offset
}

// Walk calls fn for n and, while fn returns true, for its descendants in
// document order.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Text returns the node's source text.
func (n *Node) Text(source []byte) string {
	r := n.Extent
	if r.Start.Offset < 0 || r.End.Offset > len(source) || r.Start.Offset > r.End.Offset {
		return ""
	}
	return string(source[r.Start.Offset:r.End.Offset])
}

// TranslationUnit is a parsed source file.
type TranslationUnit struct {
	Root *Node
	// MainFile is the file name nodes of the primary source carry.
	MainFile string
	Source   []byte
}

// Provider parses one C source file with the given compiler flags.
type Provider interface {
	Parse(ctx context.Context, file string, flags []string) (*TranslationUnit, error)
}
