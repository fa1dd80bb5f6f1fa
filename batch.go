package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/phobologic/cfiguard/internal/codegen"
	"github.com/phobologic/cfiguard/internal/config"
	"github.com/phobologic/cfiguard/internal/discover"
	"github.com/phobologic/cfiguard/internal/instrument"
	"github.com/phobologic/cfiguard/internal/model"
	"github.com/phobologic/cfiguard/internal/parse"
	"github.com/phobologic/cfiguard/internal/toon"
)

type batchOptions struct {
	sharedOptions
	preprocess      bool
	jobs            int
	exclude         string
	skip            []string
	report          string
	updateCallbacks string
}

func newBatchCmd(g *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	o := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "batch [flags] <compile_commands.json>",
		Short: "Instrument every C source of a compilation database",
		Long: `Instrument each C entry of a compilation database in place, using the
entry's own compiler flags. The first failure stops the batch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.config()
			if err != nil {
				return err
			}
			log := g.logger(stderr)
			defer func() { _ = log.Sync() }()

			rep, err := runBatch(cmd.Context(), args[0], o, cfg, log)
			if err != nil {
				return err
			}
			if o.report != "" {
				if err := os.WriteFile(o.report, []byte(toon.Encode(rep)+"\n"), 0o644); err != nil {
					return fmt.Errorf("writing report: %w", err)
				}
			}
			if o.updateCallbacks != "" {
				if err := updateCallbacks(o.updateCallbacks, reducedSignatures(rep)); err != nil {
					return err
				}
			}
			instrumented := lo.CountBy(rep.Files, func(f model.FileResult) bool { return f.Sites > 0 })
			_, _ = fmt.Fprintf(stdout, "%d of %d files instrumented\n", instrumented, len(rep.Files))
			return nil
		},
	}
	f := cmd.Flags()
	o.register(f)
	f.BoolVarP(&o.preprocess, "preprocess", "E", false, "run each entry through its compiler's preprocessor first")
	f.IntVarP(&o.jobs, "jobs", "j", runtime.GOMAXPROCS(0), "number of files processed in parallel")
	f.StringVar(&o.exclude, "exclude", "", "skip sources matching the gitignore-style patterns in `file`")
	f.StringArrayVar(&o.skip, "skip", nil, "skip sources matching this gitignore-style `pattern` (repeatable)")
	f.StringVar(&o.report, "report", "", "write a TOON summary to `file`")
	f.StringVar(&o.updateCallbacks, "update-callbacks", "", "record the guarded reduced signatures in this callback list `file`")
	return cmd
}

// runBatch instruments every selected entry of the database at dbPath.
func runBatch(ctx context.Context, dbPath string, o *batchOptions, cfg config.Config, log *zap.Logger) (*model.Report, error) {
	dbPath, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("resolving database path: %w", err)
	}
	entries, err := discover.Load(dbPath)
	if err != nil {
		return nil, err
	}
	entries, err = discover.Filter(entries, filepath.Dir(dbPath), o.exclude, o.skip)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no C sources in compilation database")
	}
	log.Info("batch", zap.String("database", dbPath), zap.Int("files", len(entries)))

	results := make([]model.FileResult, len(entries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.jobs, 1))
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			r, err := batchEntry(ctx, e, o.preprocess, cfg, log)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &model.Report{Database: dbPath, Files: results}, nil
}

func batchEntry(ctx context.Context, e discover.Entry, preprocess bool, cfg config.Config, log *zap.Logger) (model.FileResult, error) {
	src := e.Source()
	res := model.FileResult{Path: src}
	flags, err := e.Flags()
	if err != nil {
		return res, err
	}

	// Preprocessing drops comments, sentinel included, so look at the
	// source itself.
	content, err := os.ReadFile(src)
	if err != nil {
		return res, fmt.Errorf("reading %s: %w", src, err)
	}
	if codegen.IsInstrumented(content) {
		log.Info("already instrumented, skipping", zap.String("file", src))
		res.Status = instrument.StatusSkipped
		return res, nil
	}

	input := src
	if preprocess {
		input = src + ".tmp"
		defer os.Remove(input)
		if err := preprocessEntry(ctx, e, flags, input); err != nil {
			return res, err
		}
		// Macros and includes are already expanded.
		flags = nil
	}

	provider := &parse.Clang{
		Path:        cfg.Clang.Path,
		Dir:         e.Directory,
		ResourceDir: cfg.Clang.ResourceDir,
		Timeout:     cfg.Clang.Timeout,
	}
	r, err := processFile(ctx, provider, input, flags, src, cfg, log)
	if err != nil {
		return res, err
	}
	res.Status = r.Status()
	res.Guards = r.Guards
	res.Sites = len(r.Sites)
	return res, nil
}

// preprocessEntry runs the entry's compiler with -E, writing to out.
func preprocessEntry(ctx context.Context, e discover.Entry, flags []string, out string) error {
	cc, err := e.Compiler()
	if err != nil {
		return err
	}
	args := append([]string{"-E", e.Source(), "-o", out}, flags...)
	cmd := exec.CommandContext(ctx, cc, args...)
	cmd.Dir = e.Directory
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("preprocessing %s: %w: %s", e.Source(), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// reducedSignatures returns the distinct reduced signatures guarded anywhere
// in the report, sorted.
func reducedSignatures(r *model.Report) []string {
	var sigs []string
	for _, f := range r.Files {
		for _, g := range f.Guards {
			sigs = append(sigs, g.Signature.Reduced)
		}
	}
	sigs = lo.Uniq(sigs)
	slices.Sort(sigs)
	return sigs
}
