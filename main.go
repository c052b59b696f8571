package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ardanlabs/ffi-bindgen/bindgen"
	"github.com/ardanlabs/ffi-bindgen/config"
	"github.com/ardanlabs/ffi-bindgen/consistency"
	"github.com/ardanlabs/ffi-bindgen/layout"
	"github.com/ardanlabs/ffi-bindgen/parser"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// unitFlags collects repeated -tu triple=path flags.
type unitFlags map[string]string

func (u unitFlags) String() string {
	pairs := make([]string, 0, len(u))
	for id, path := range u {
		pairs = append(pairs, id+"="+path)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (u unitFlags) Set(v string) error {
	id, path, ok := strings.Cut(v, "=")
	if !ok || id == "" || path == "" {
		return fmt.Errorf("expected triple=path, got %q", v)
	}
	u[id] = path
	return nil
}

func main() {
	units := unitFlags{}

	configPath := flag.String("config", "", "Path to a YAML config file")
	headerPath := flag.String("header", "", "Path to the preprocessed C translation unit used for every triple")
	flag.Var(units, "tu", "Per-triple translation unit as triple=path (repeatable)")
	triples := flag.String("triples", "", "Comma-separated platform triples (e.g. linux/x86_64,windows/x86_64)")
	target := flag.String("target", "go", "Target language: go or wit")
	outputDir := flag.String("output", ".", "Output directory for generated files")
	packageName := flag.String("package", "bindings", "Go package name, or WIT package namespace")
	libName := flag.String("lib", "", "Library name (e.g., 'mylib' for libmylib.so)")
	reportPath := flag.String("report", "", "Write the layout report to this path (.json, .yaml)")
	policy := flag.String("bitfield-policy", "", "Bitfield policy for every triple: itanium, msvc or portable")
	interactive := flag.Bool("i", false, "Browse the layout report interactively")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	bindgen.SetLogger(log)
	parser.SetLogger(log.Named("parser"))
	layout.SetLogger(log.Named("layout"))

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
			os.Exit(1)
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "header":
			cfg.Header = *headerPath
		case "tu":
			if cfg.Units == nil {
				cfg.Units = make(map[string]string)
			}
			for id, path := range units {
				cfg.Units[id] = path
			}
		case "triples":
			cfg.Triples = splitList(*triples)
		case "target":
			cfg.Target = *target
		case "output":
			cfg.Output = *outputDir
		case "package":
			cfg.Package = *packageName
		case "lib":
			cfg.Lib = *libName
		case "report":
			cfg.Report = *reportPath
		case "bitfield-policy":
			cfg.BitfieldPolicy = *policy
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, *interactive); err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintf(os.Stderr, "error: %v\n", e)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, interactive bool) error {
	req, err := cfg.Request()
	if err != nil {
		return err
	}

	out, err := bindgen.Run(ctx, req)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Output, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	names := make([]string, 0, len(out.Files))
	for name := range out.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(cfg.Output, name)
		if err := os.WriteFile(path, []byte(out.Files[name]), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		fmt.Printf("Generated: %s\n", path)
	}

	if cfg.Report != "" {
		if err := writeReport(cfg.Report, out.Report); err != nil {
			return err
		}
		fmt.Printf("Report: %s\n", cfg.Report)
	}

	if interactive {
		return runInteractive(out.Report)
	}

	styled := term.IsTerminal(int(os.Stdout.Fd()))
	fmt.Print(summary(out.Report, styled))

	return nil
}

func writeReport(path string, rep *consistency.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}

	if err := rep.Encode(f, consistency.FormatFor(path)); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func splitList(s string) []string {
	var list []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return list
}
