// Package bindgen runs the whole pipeline: every requested triple is
// extracted and laid out in parallel, the results are checked for
// consistency and the bindings are generated.
package bindgen

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/ardanlabs/ffi-bindgen/consistency"
	bgerrors "github.com/ardanlabs/ffi-bindgen/errors"
	"github.com/ardanlabs/ffi-bindgen/generator"
	"github.com/ardanlabs/ffi-bindgen/layout"
	"github.com/ardanlabs/ffi-bindgen/parser"
	"github.com/ardanlabs/ffi-bindgen/platform"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Request describes one run.
type Request struct {
	// Header is the preprocessed translation unit used for every triple
	// without an entry in Units.
	Header string

	// Units maps a triple identifier to the translation unit preprocessed
	// for it.
	Units map[string]string

	// Triples lists the triples to generate for. When empty the triples of
	// Units are used, and the host triple when Units is empty too.
	Triples []string

	Target  string
	Package string
	Lib     string

	// Policy overrides the bitfield policy of every triple when set.
	Policy platform.BitfieldPolicy

	Options parser.Options
}

// Output is the result of a successful run.
type Output struct {
	Files  map[string]string
	Report *consistency.Report
	Result *consistency.Result
}

// Run executes the pipeline. A fatal error on any triple cancels the others;
// nothing is produced unless every stage succeeds.
func Run(ctx context.Context, req Request) (*Output, error) {
	triples, sources, err := plan(req)
	if err != nil {
		return nil, err
	}

	opts := req.Options
	if len(opts.Visibility.Exported) == 0 && len(opts.Visibility.Internal) == 0 {
		def := parser.DefaultOptions()
		opts.Visibility = def.Visibility
		if opts.SentinelPrefix == "" {
			opts.SentinelPrefix = def.SentinelPrefix
		}
	}

	Logger().Info("starting run",
		zap.Int("triples", len(triples)),
		zap.String("target", req.Target),
		zap.String("policy", string(req.Policy)),
	)

	units := make([]consistency.TripleResult, len(triples))

	g, ctx := errgroup.WithContext(ctx)
	for i, tr := range triples {
		g.Go(func() error {
			u, err := extract(ctx, tr, sources[tr], req.Policy, opts)
			if err != nil {
				return err
			}
			units[i] = u
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		Logger().Error("extraction failed", zap.Error(err))
		return nil, err
	}

	res := consistency.Check(units)
	for _, d := range res.Divergences {
		Logger().Info("declaration diverges",
			zap.String("name", d.Name),
			zap.String("kind", d.Kind),
			zap.String("reason", d.Reason),
		)
	}

	cfg := generator.Config{
		Target:  req.Target,
		Package: req.Package,
		Lib:     req.Lib,
	}
	files, err := generator.New(cfg, res).Generate()
	if err != nil {
		Logger().Error("generation failed", zap.Error(err))
		return nil, err
	}

	Logger().Info("run complete",
		zap.Int("files", len(files)),
		zap.Int("divergences", len(res.Divergences)),
	)

	return &Output{
		Files:  files,
		Report: res.Report(),
		Result: res,
	}, nil
}

// plan resolves the triples of a request and the source path of each.
func plan(req Request) ([]platform.Triple, map[platform.Triple]string, error) {
	sources := make(map[platform.Triple]string, len(req.Units))
	var fromUnits []string

	for id, path := range req.Units {
		tr, err := platform.Resolve(id)
		if err != nil {
			return nil, nil, err
		}
		sources[tr] = path
		fromUnits = append(fromUnits, id)
	}

	ids := req.Triples
	if len(ids) == 0 {
		sort.Strings(fromUnits)
		ids = fromUnits
	}

	var triples []platform.Triple
	if len(ids) == 0 {
		host, err := platform.Host()
		if err != nil {
			return nil, nil, err
		}
		triples = []platform.Triple{host}
	} else {
		var err error
		if triples, err = platform.ResolveAll(ids); err != nil {
			return nil, nil, err
		}
	}

	for _, tr := range triples {
		if _, ok := sources[tr]; ok {
			continue
		}
		if req.Header == "" {
			return nil, nil, bgerrors.InvalidConfig("no translation unit for triple %s", tr.Name())
		}
		sources[tr] = req.Header
	}

	return triples, sources, nil
}

// extract parses and lays out the translation unit of one triple.
func extract(ctx context.Context, tr platform.Triple, path string, policy platform.BitfieldPolicy, opts parser.Options) (consistency.TripleResult, error) {
	log := Logger().With(zap.String("triple", tr.Name()))

	src, err := os.ReadFile(path)
	if err != nil {
		return consistency.TripleResult{}, fmt.Errorf("reading translation unit of %s: %w", tr.Name(), err)
	}

	if err := ctx.Err(); err != nil {
		return consistency.TripleResult{}, err
	}

	tu, err := parser.Parse(string(src), tr, opts)
	if err != nil {
		return consistency.TripleResult{}, err
	}
	log.Debug("parsed", zap.String("path", path), zap.Int("declarations", len(tu.Declarations)))

	if err := ctx.Err(); err != nil {
		return consistency.TripleResult{}, err
	}

	calc := layout.New(tu, policy)
	all, err := calc.All()
	if err != nil {
		return consistency.TripleResult{}, err
	}
	log.Debug("laid out", zap.Int("aggregates", len(all)), zap.String("policy", string(calc.Policy())))

	return consistency.TripleResult{
		Triple:  tr,
		Unit:    tu,
		Layout:  calc,
		Layouts: all,
	}, nil
}
