package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/phobologic/cfiguard/internal/ast"
	"github.com/phobologic/cfiguard/internal/config"
	"github.com/phobologic/cfiguard/internal/instrument"
	"github.com/phobologic/cfiguard/internal/parse"
)

type instrumentOptions struct {
	sharedOptions
	includes []string
	defines  []string
	flags    []string
	output   string
	astJSON  string
}

func newInstrumentCmd(g *globalOptions, stderr io.Writer) *cobra.Command {
	o := &instrumentOptions{}
	cmd := &cobra.Command{
		Use:   "instrument [flags] <source> [-- clang flags...]",
		Short: "Instrument the indirect calls of one C source file",
		Long: `Parse one C source file with clang, rewrite its indirect calls into guard
calls and append the guard definitions. The file is overwritten unless -o is
given. A file without indirect calls is left untouched.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, extra := args[0], args[1:]
			if dash := cmd.ArgsLenAtDash(); dash == 0 || dash > 1 || (dash < 0 && len(extra) > 0) {
				return fmt.Errorf("expected one source file, got %d arguments", len(args))
			}
			cfg, err := o.config()
			if err != nil {
				return err
			}
			log := g.logger(stderr)
			defer func() { _ = log.Sync() }()

			var provider ast.Provider = &parse.Clang{
				Path:        cfg.Clang.Path,
				ResourceDir: cfg.Clang.ResourceDir,
				Timeout:     cfg.Clang.Timeout,
			}
			if o.astJSON != "" {
				provider = &parse.File{Path: o.astJSON}
			}
			out := o.output
			if out == "" {
				out = src
			}
			_, err = processFile(cmd.Context(), provider, src, o.clangFlags(extra), out, cfg, log)
			return err
		},
	}
	f := cmd.Flags()
	o.register(f)
	f.StringArrayVarP(&o.includes, "include", "I", nil, "add `dir` to the include search path")
	f.StringArrayVarP(&o.defines, "define", "D", nil, "define `macro`[=value]")
	f.StringArrayVarP(&o.flags, "flag", "F", nil, "pass `flag` to clang verbatim")
	f.StringVarP(&o.output, "output", "o", "", "write the result to `file` instead of the source")
	f.StringVar(&o.astJSON, "ast-json", "", "read a saved `clang -Xclang -ast-dump=json` output instead of running clang")
	return cmd
}

func (o *instrumentOptions) clangFlags(extra []string) []string {
	var flags []string
	for _, dir := range o.includes {
		flags = append(flags, "-I"+dir)
	}
	for _, d := range o.defines {
		flags = append(flags, "-D"+d)
	}
	flags = append(flags, o.flags...)
	return append(flags, extra...)
}

// processFile instruments src and writes the result to out. Nothing is
// written when the file needs no guards.
func processFile(ctx context.Context, provider ast.Provider, src string, flags []string, out string, cfg config.Config, log *zap.Logger) (*instrument.Result, error) {
	tu, err := provider.Parse(ctx, src, flags)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", src, err)
	}
	res, err := instrument.Instrument(ctx, tu, out, cfg, log)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return res, nil
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(out); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(out, res.Output, mode); err != nil {
		return nil, fmt.Errorf("writing %s: %w", out, err)
	}
	return res, nil
}
