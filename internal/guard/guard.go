// Package guard assigns one named guard to every distinct callee signature.
package guard

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/phobologic/cfiguard/internal/ctype"
	"github.com/phobologic/cfiguard/internal/model"
	"github.com/phobologic/cfiguard/internal/signature"
)

// Descriptor describes one guard.
type Descriptor struct {
	Name string
	// Callee is the canonical function type the guarded call sites invoke.
	Callee *ctype.Type
	Result *ctype.Type
	Params []*ctype.Type
	// Variadic is only set for prototyped callees.
	Variadic bool
	// NoProtoWithArgs marks a callee declared without a parameter list but
	// called with arguments; Params then come from the call site.
	NoProtoWithArgs bool
	Signature       model.Signature
	Sites           int
}

// Describe builds the descriptor of a call through fn with arguments of the
// given types. The result has no name yet.
func Describe(fn *ctype.Type, args []*ctype.Type) Descriptor {
	if fn.Kind == ctype.FunctionNoProto && len(args) > 0 {
		return Descriptor{
			Callee:          fn,
			Result:          fn.Result,
			Params:          lo.Map(args, func(t *ctype.Type, _ int) *ctype.Type { return signature.Decay(t) }),
			NoProtoWithArgs: true,
			Signature:       signature.AtCall(fn.Result, args),
		}
	}
	return Descriptor{
		Callee:    fn,
		Result:    fn.Result,
		Params:    fn.Args(),
		Variadic:  fn.IsVariadic(),
		Signature: signature.Of(fn),
	}
}

// CallbackType returns the function type the guard's callback parameter
// points to. For non-prototyped callees called with arguments it is the
// prototype implied by the call site.
func (d *Descriptor) CallbackType() *ctype.Type {
	if d.NoProtoWithArgs {
		return ctype.Func(d.Result, false, d.Params...)
	}
	return d.Callee
}

// IsVoid reports whether the guard returns nothing.
func (d *Descriptor) IsVoid() bool {
	return d.Result == nil || d.Result.Unqualified().Kind == ctype.Void
}

// Registry deduplicates guards by declaration signature. Names are handed
// out in the order keys are first added, so callers that add sites in
// reverse document order name each guard after its lexically last site.
type Registry struct {
	prefix string
	byDecl map[string]*Descriptor
	guards []*Descriptor
}

// NewRegistry returns an empty registry naming guards prefix1, prefix2, ...
func NewRegistry(prefix string) *Registry {
	return &Registry{prefix: prefix, byDecl: make(map[string]*Descriptor)}
}

// Add returns the guard for d's signature, creating and naming it if the
// signature is new. The second result reports whether it was created.
func (r *Registry) Add(d Descriptor) (*Descriptor, bool) {
	if g, ok := r.byDecl[d.Signature.Decl]; ok {
		g.Sites++
		return g, false
	}
	g := d
	g.Name = fmt.Sprintf("%s%d", r.prefix, len(r.guards)+1)
	g.Sites = 1
	r.byDecl[g.Signature.Decl] = &g
	r.guards = append(r.guards, &g)
	return &g, true
}

// Guards returns every guard in creation order.
func (r *Registry) Guards() []*Descriptor {
	return r.guards
}

// Len returns the number of guards.
func (r *Registry) Len() int {
	return len(r.guards)
}

// Summaries returns the reportable part of every guard.
func (r *Registry) Summaries() []model.GuardSummary {
	return lo.Map(r.guards, func(g *Descriptor, _ int) model.GuardSummary {
		return model.GuardSummary{Name: g.Name, Signature: g.Signature, Sites: g.Sites}
	})
}
