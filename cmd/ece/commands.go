package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hupe1980/ece"
	"github.com/hupe1980/ece/internal/schedule"
	"github.com/hupe1980/ece/internal/server"
	"github.com/hupe1980/ece/replica"
)

// parse returns false with the exit code when the command must stop.
func parse(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

func runServe(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("serve", stderr)
	addr := fs.String("addr", "", "listen address, overrides the configuration")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	cfg, err := c.load()
	if err != nil {
		return fail(stderr, err)
	}
	logger := cfg.Logger()
	eng, err := ece.Open(ctx, cfg.DataDir, cfg.EngineOptions(logger)...)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("close engine", "error", err)
		}
	}()

	target, err := cfg.ReplicaTarget(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	sched := schedule.New(logger.WithComponent("schedule").Logger)
	if err := sched.AddMaintenance(cfg.Schedule, eng, target); err != nil {
		return fail(stderr, err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	srv := server.New(eng, server.Options{
		Logger:       logger.WithComponent("server").Logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	listen := cfg.Addr()
	if *addr != "" {
		listen = *addr
	}
	shutdown := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if err := srv.ListenAndServe(ctx, listen, shutdown); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runIngest(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("ingest", stderr)
	bucket := fs.String("bucket", "", "target bucket (default \"default\")")
	contentType := fs.String("type", "", "code, prose or log; detected when empty")
	provenance := fs.String("provenance", "", "free-form origin recorded with each compound")
	asJSON := fs.Bool("json", false, "print receipts as JSON")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if fs.NArg() == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: ece ingest [flags] <file|-> ...")
		return 2
	}
	ct, ok := ece.ParseContentType(*contentType)
	if !ok {
		return fail(stderr, fmt.Errorf("unknown content type %q", *contentType))
	}

	compounds := make([]ece.Compound, 0, fs.NArg())
	for _, path := range fs.Args() {
		cmp := ece.Compound{Bucket: *bucket, Path: path, Provenance: *provenance, ContentType: ct}
		if path == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fail(stderr, err)
			}
			cmp.Path = "stdin"
			cmp.Content = data
		}
		compounds = append(compounds, cmp)
	}

	eng, _, err := c.open(ctx, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer eng.Close()

	out, err := eng.IngestAll(ctx, compounds)
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		if err := printJSON(stdout, out); err != nil {
			return fail(stderr, err)
		}
	} else {
		for _, r := range out.Receipts {
			printReceipt(stdout, r)
		}
	}
	if out.Failed > 0 {
		return 1
	}
	return 0
}

func printReceipt(w io.Writer, r ece.Receipt) {
	name := r.Path
	if name == "" {
		name = r.CompoundID
	}
	switch {
	case r.Status == ece.Failed:
		_, _ = fmt.Fprintf(w, "%s: failed: %s\n", name, r.Error)
	case r.Rejected:
		_, _ = fmt.Fprintf(w, "%s: unchanged, %d duplicates\n", name, r.Duplicates)
	default:
		_, _ = fmt.Fprintf(w, "%s: %s/%s %d molecules, %d duplicates\n", name, r.Bucket, r.CompoundID, r.Molecules, r.Duplicates)
	}
	for _, warn := range r.Warnings {
		_, _ = fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}

func runSearch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("search", stderr)
	budget := fs.Int("budget", 0, "molecules to return; 0 uses the configured default")
	buckets := fs.String("buckets", "", "comma-separated buckets to search")
	tags := fs.String("tags", "", "comma-separated tags the planets must carry")
	spans := fs.Bool("spans", false, "print inflated spans instead of hits")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if fs.NArg() == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: ece search [flags] <query>")
		return 2
	}

	eng, _, err := c.open(ctx, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer eng.Close()

	res, err := eng.Search(ctx, ece.Query{
		Text:    strings.Join(fs.Args(), " "),
		Buckets: splitList(*buckets),
		Tags:    splitList(*tags),
		Budget:  *budget,
	})
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		if err := printJSON(stdout, res); err != nil {
			return fail(stderr, err)
		}
		return 0
	}

	if len(res.Hits) == 0 {
		_, _ = fmt.Fprintln(stdout, "No results found")
	}
	if *spans {
		for _, s := range res.Spans {
			_, _ = fmt.Fprintf(stdout, "== %s %s [%d:%d]\n%s\n", s.Bucket, spanName(s.Path, s.CompoundID), s.Start, s.End, s.Text)
		}
	} else {
		for _, h := range res.Hits {
			_, _ = fmt.Fprintf(stdout, "%-6s %.3f %s %s [%d:%d]\n%s\n", h.Phase, h.Score, h.Bucket, spanName(h.Path, h.CompoundID), h.Start, h.End, h.Text)
		}
	}
	for _, warn := range res.Warnings {
		_, _ = fmt.Fprintf(stderr, "warning: %s\n", warn)
	}
	return 0
}

func spanName(path, id string) string {
	if path != "" {
		return path
	}
	return id
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// maintenance runs fn against an engine opened with the shared flags and
// prints its report.
func maintenance(ctx context.Context, name string, args []string, stdout, stderr io.Writer, fn func(context.Context, *ece.Engine) (any, error)) int {
	fs, c := newFlagSet(name, stderr)
	if code, ok := parse(fs, args); !ok {
		return code
	}
	eng, _, err := c.open(ctx, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer eng.Close()

	rep, err := fn(ctx, eng)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, rep); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runRebuild(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return maintenance(ctx, "rebuild", args, stdout, stderr, func(ctx context.Context, eng *ece.Engine) (any, error) {
		return eng.Rebuild(ctx)
	})
}

func runCompact(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return maintenance(ctx, "compact", args, stdout, stderr, func(ctx context.Context, eng *ece.Engine) (any, error) {
		return eng.Compact(ctx)
	})
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return maintenance(ctx, "status", args, stdout, stderr, func(ctx context.Context, eng *ece.Engine) (any, error) {
		return eng.Status(ctx)
	})
}

func runExport(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("export", stderr)
	out := fs.String("out", "-", "archive path; - writes to stdout")
	codecName := fs.String("codec", "zstd", "zstd, lz4 or none")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	codec, err := ece.ParseCodec(*codecName)
	if err != nil {
		return fail(stderr, err)
	}

	eng, _, err := c.open(ctx, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer eng.Close()

	w := stdout
	var file *os.File
	if *out != "-" {
		file, err = os.Create(*out)
		if err != nil {
			return fail(stderr, err)
		}
		defer file.Close()
		w = file
	}
	rep, err := eng.Export(ctx, w, codec)
	if err != nil {
		return fail(stderr, err)
	}
	if file != nil {
		if err := file.Sync(); err != nil {
			return fail(stderr, err)
		}
	}
	_, _ = fmt.Fprintf(stderr, "exported %d files (%d bytes, %s) at generation %d\n", rep.Files, rep.Bytes, rep.Codec, rep.Generation)
	return 0
}

func runImport(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("import", stderr)
	in := fs.String("in", "-", "archive path; - reads stdin")
	if code, ok := parse(fs, args); !ok {
		return code
	}

	var r io.Reader = os.Stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			return fail(stderr, err)
		}
		defer f.Close()
		r = f
	}

	eng, _, err := c.open(ctx, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer eng.Close()

	rep, err := eng.Import(ctx, r)
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintf(stdout, "imported %d files (%d bytes) at generation %d\n", rep.Files, rep.Bytes, rep.Generation)
	return 0
}

func runBackup(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return replicate(ctx, "backup", args, stdout, stderr, (*ece.Engine).Backup)
}

func runRestore(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return replicate(ctx, "restore", args, stdout, stderr, (*ece.Engine).Restore)
}

func replicate(ctx context.Context, name string, args []string, stdout, stderr io.Writer, fn func(*ece.Engine, context.Context, replica.Target) (ece.ReplicaReport, error)) int {
	fs, c := newFlagSet(name, stderr)
	if code, ok := parse(fs, args); !ok {
		return code
	}
	eng, cfg, err := c.open(ctx, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer eng.Close()

	target, err := cfg.ReplicaTarget(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	if target == nil {
		return fail(stderr, errors.New("no replica configured (replica.kind)"))
	}
	rep, err := fn(eng, ctx, target)
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintf(stdout, "%s: %d transferred, %d unchanged, %d bytes, generation %d\n", name, rep.Transferred, rep.Unchanged, rep.Bytes, rep.Generation)
	return 0
}
