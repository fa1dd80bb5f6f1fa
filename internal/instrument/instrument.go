// Package instrument routes the indirect calls of one translation unit
// through guard trampolines and produces the rewritten source.
package instrument

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/phobologic/cfiguard/internal/ast"
	"github.com/phobologic/cfiguard/internal/codegen"
	"github.com/phobologic/cfiguard/internal/config"
	"github.com/phobologic/cfiguard/internal/ctype"
	"github.com/phobologic/cfiguard/internal/guard"
	"github.com/phobologic/cfiguard/internal/lang"
	"github.com/phobologic/cfiguard/internal/model"
	"github.com/phobologic/cfiguard/internal/resolve"
	"github.com/phobologic/cfiguard/internal/rewrite"
	"github.com/phobologic/cfiguard/internal/scan"
)

// Status values of a Result.
const (
	StatusInstrumented = "instrumented"
	StatusUnchanged    = "unchanged"
	StatusSkipped      = "already-instrumented"
)

// MacroSiteError reports an indirect call whose text comes from a macro
// expansion. Such a call has no byte-exact source span to rewrite.
type MacroSiteError struct {
	File string
	Pos  model.Pos
}

func (e *MacroSiteError) Error() string {
	return fmt.Sprintf("%s:%s: indirect call inside a macro expansion cannot be rewritten", e.File, e.Pos)
}

// Result is the outcome of instrumenting one file.
type Result struct {
	// Output is the complete instrumented file. It is nil unless Changed.
	Output  []byte
	Guards  []model.GuardSummary
	Sites   []model.CallSite
	Changed bool
	// AlreadyInstrumented is set when the input carried the sentinel.
	AlreadyInstrumented bool
}

// Status returns a one-word description of the result.
func (r *Result) Status() string {
	switch {
	case r.AlreadyInstrumented:
		return StatusSkipped
	case r.Changed:
		return StatusInstrumented
	default:
		return StatusUnchanged
	}
}

// Instrument rewrites every indirect call of tu's main file into a call of
// a guard and appends the guard definitions. file names the source in the
// generated banner and in errors.
func Instrument(ctx context.Context, tu *ast.TranslationUnit, file string, cfg config.Config, log *zap.Logger) (*Result, error) {
	log = log.With(zap.String("file", file))
	if codegen.IsInstrumented(tu.Source) {
		log.Info("already instrumented, skipping")
		return &Result{AlreadyInstrumented: true}, nil
	}

	calls := scan.Scan(tu, cfg.Ignored)
	buf := rewrite.NewBuffer(tu.Source)
	p := &pipeline{
		file: file,
		cfg:  cfg,
		log:  log,
		buf:  buf,
		reg:  guard.NewRegistry(cfg.GuardPrefix),
	}
	decls := rewrite.NewDeclStack(buf)
	var sites []model.CallSite

	// Back to front: the lexically last site of a signature names its guard.
	for i := len(calls) - 1; i >= 0; i-- {
		c := calls[i]
		site, err := p.site(c)
		if err != nil {
			return nil, err
		}
		if site == nil {
			continue
		}
		decls.Push(c.Boundary.Extent.Start, c.Statement.Extent.Start, site.decl)
		sites = append(sites, site.CallSite)
	}
	decls.Flush()
	slices.Reverse(sites)

	if p.reg.Len() == 0 {
		log.Debug("no indirect calls to instrument")
		return &Result{}, nil
	}

	body, err := buf.Apply()
	if err != nil {
		return nil, fmt.Errorf("rewriting %s: %w", file, err)
	}
	var out strings.Builder
	if records := codegen.RecordForwardDecls(p.reg.Guards()); records != "" {
		out.WriteString(records)
		out.WriteString("\n")
	}
	out.Write(body)
	out.WriteString("\n\n")
	out.WriteString(codegen.Epilogue(file, p.reg.Guards(), cfg))

	res := &Result{
		Output:  []byte(out.String()),
		Guards:  p.reg.Summaries(),
		Sites:   sites,
		Changed: true,
	}
	if cfg.Verify {
		if err := verify(ctx, tu.Source, res, cfg.GuardPrefix, log); err != nil {
			return nil, err
		}
	}
	log.Info("instrumented",
		zap.Int("guards", len(res.Guards)),
		zap.Int("sites", len(res.Sites)))
	return res, nil
}

type pipeline struct {
	file string
	cfg  config.Config
	log  *zap.Logger
	buf  *rewrite.Buffer
	reg  *guard.Registry
}

type pendingSite struct {
	model.CallSite
	decl string
}

// site records the edits of one call site. It returns nil for calls that
// stay untouched.
func (p *pipeline) site(c scan.Call) (*pendingSite, error) {
	log := p.log
	call := c.Node
	res, err := resolve.Callee(call)
	if err != nil {
		return nil, err
	}
	if res.Direct() {
		log.Debug("direct call", zap.String("callee", res.Decl.Name), zap.Stringer("pos", call.Extent.Start))
		return nil, nil
	}
	fn := res.Function()
	if fn == nil {
		log.Debug("callee is not a function", zap.Stringer("pos", call.Extent.Start))
		return nil, nil
	}

	args := call.Children[1:]
	argTypes := make([]*ctype.Type, len(args))
	for i, a := range args {
		if a.Type == nil {
			return nil, fmt.Errorf("%s:%s: argument %d of call has no type", p.file, call.Extent.Start, i+1)
		}
		argTypes[i] = a.Type
	}
	d := guard.Describe(fn, argTypes)
	if !p.cfg.Allowed(d.Signature.Reduced) {
		log.Debug("signature not in allow list",
			zap.String("signature", d.Signature.Reduced),
			zap.Stringer("pos", call.Extent.Start))
		return nil, nil
	}

	callee := call.Children[0]
	for _, n := range []*ast.Node{call, callee} {
		if n.InMacro || !n.HasExtent() {
			return nil, &MacroSiteError{File: p.file, Pos: n.Extent.Start}
		}
	}
	at, ok := insertionPoint(call, callee, args)
	if !ok {
		return nil, &MacroSiteError{File: p.file, Pos: args[0].Extent.Start}
	}

	g, created := p.reg.Add(d)
	if created {
		log.Debug("new guard", zap.String("guard", g.Name), zap.String("signature", g.Signature.Decl))
	}

	text, err := p.buf.Text(callee.Extent)
	if err != nil {
		return nil, fmt.Errorf("%s:%s: %w", p.file, call.Extent.Start, err)
	}
	text = rewrite.Flatten(text)
	if len(args) > 0 {
		text += ", "
	}
	p.buf.Insert(at, text)
	p.buf.Replace(callee.Extent, g.Name)

	return &pendingSite{
		CallSite: model.CallSite{
			Call:            call.Extent,
			Callee:          callee.Extent,
			Args:            lo.Map(args, func(a *ast.Node, _ int) model.Range { return a.Extent }),
			Boundary:        c.Boundary.Extent,
			NoProtoWithArgs: d.NoProtoWithArgs,
			Guard:           g.Name,
		},
		decl: codegen.Declaration(g),
	}, nil
}

// insertionPoint returns where the callee text goes: before the first
// argument, or just before the closing parenthesis of an empty argument
// list. A first argument that comes from a macro starts at its expansion,
// which is fine as long as that lies between the callee and the closing
// parenthesis of the call.
func insertionPoint(call, callee *ast.Node, args []*ast.Node) (model.Pos, bool) {
	end := call.Extent.End
	if len(args) == 0 {
		return model.Pos{Offset: end.Offset - 1, Line: end.Line, Col: end.Col - 1}, true
	}
	first := args[0]
	if first.File != call.File {
		return model.Pos{}, false
	}
	at := first.Extent.Start
	if at.Offset < callee.Extent.End.Offset || at.Offset >= end.Offset {
		return model.Pos{}, false
	}
	return at, true
}

// verify parses the output with the C grammar and logs syntax errors the
// input did not have, and guard calls that did not make it into the output.
func verify(ctx context.Context, input []byte, res *Result, prefix string, log *zap.Logger) error {
	isGuard := func(name string) bool {
		n := strings.TrimPrefix(name, prefix)
		return n != name && n != "" && strings.Trim(n, "0123456789") == ""
	}
	before, err := lang.Check(ctx, input, isGuard)
	if err != nil {
		return fmt.Errorf("verifying input: %w", err)
	}
	after, err := lang.Check(ctx, res.Output, isGuard)
	if err != nil {
		return fmt.Errorf("verifying output: %w", err)
	}
	if len(after.Errors) > len(before.Errors) {
		log.Warn("output has syntax errors",
			zap.Int("errors", len(after.Errors)-len(before.Errors)),
			zap.Stringer("first", after.Errors[0]))
	}
	if want := before.GuardCalls + len(res.Sites); after.GuardCalls != want {
		log.Warn("guard call count mismatch",
			zap.Int("found", after.GuardCalls),
			zap.Int("want", want))
	}
	return nil
}
