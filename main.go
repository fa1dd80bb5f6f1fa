// cfiguard routes the indirect calls of C sources through generated guard
// trampolines.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/phobologic/cfiguard/internal/config"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

// globalOptions are shared by every subcommand.
type globalOptions struct {
	verbose bool
	quiet   bool
}

func (g *globalOptions) logger(w io.Writer) *zap.Logger {
	level := zapcore.InfoLevel
	switch {
	case g.verbose:
		level = zapcore.DebugLevel
	case g.quiet:
		level = zapcore.WarnLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "cfiguard",
		Short: "Route indirect calls in C sources through guard trampolines",
		Long: `cfiguard rewrites every call made through a function pointer in a C
translation unit into a call of a generated guard. At run time the guard
either calls the target directly or hands it to a cross-domain dispatcher,
depending on which side of the dispatcher's address the target lives.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("cfiguard {{.Version}}\n")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log every call site decision")
	root.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "only log warnings and errors")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	root.AddCommand(
		newInstrumentCmd(g, stderr),
		newBatchCmd(g, stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, _ = fmt.Fprintf(stdout, "cfiguard %s\n", version)
			return nil
		},
	}
}

// sharedOptions configure the pipeline for both instrument and batch.
type sharedOptions struct {
	callbacks   string
	clang       string
	resourceDir string
	ignore      []string
	prefix      string
	noVerify    bool
	timeout     time.Duration
}

func (o *sharedOptions) register(f *pflag.FlagSet) {
	def := config.Default()
	f.StringVarP(&o.callbacks, "callbacks", "c", "", "only instrument reduced signatures listed in this `file`; a file with no signatures leaves every call untouched")
	f.StringVar(&o.clang, "clang", def.Clang.Path, "clang executable used to parse sources")
	f.StringVar(&o.resourceDir, "resource-dir", "", "clang resource `dir`ectory")
	f.StringArrayVar(&o.ignore, "ignore-function", nil, "do not scan the body of this function (repeatable, added to the defaults)")
	f.StringVar(&o.prefix, "guard-prefix", def.GuardPrefix, "prefix of generated symbols")
	f.BoolVar(&o.noVerify, "no-verify", false, "skip the syntax check of generated output")
	f.DurationVar(&o.timeout, "timeout", def.Clang.Timeout, "time limit for parsing one file")
}

func (o *sharedOptions) config() (config.Config, error) {
	cfg := config.Default()
	cfg.IgnoreFunctions = append(cfg.IgnoreFunctions, o.ignore...)
	cfg.GuardPrefix = o.prefix
	cfg.Verify = !o.noVerify
	cfg.Clang.Path = o.clang
	cfg.Clang.ResourceDir = o.resourceDir
	cfg.Clang.Timeout = o.timeout
	if o.callbacks != "" {
		allow, err := config.LoadAllowList(o.callbacks)
		if err != nil {
			return cfg, err
		}
		cfg.AllowList = allow
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
