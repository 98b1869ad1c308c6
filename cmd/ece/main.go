// Command ece runs and administers a local content memory engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hupe1980/ece"
	"github.com/hupe1980/ece/internal/config"
)

func main() {
	// A .env file is optional.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type command struct {
	name string
	desc string
	run  func(ctx context.Context, args []string, stdout, stderr io.Writer) int
}

var commands = []command{
	{"serve", "Run the HTTP API and scheduled maintenance", runServe},
	{"ingest", "Ingest files (- reads stdin)", runIngest},
	{"search", "Query the engine", runSearch},
	{"rebuild", "Rebuild the index from the mirror", runRebuild},
	{"compact", "Collapse near-duplicate molecules", runCompact},
	{"export", "Write the mirror to an archive", runExport},
	{"import", "Restore the mirror from an archive", runImport},
	{"backup", "Copy the mirror to the configured replica", runBackup},
	{"restore", "Restore the mirror from the configured replica", runRestore},
	{"status", "Show engine status", runStatus},
}

// Run dispatches args[1] and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	switch args[1] {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	}
	for _, c := range commands {
		if c.name == args[1] {
			return c.run(ctx, args[2:], stdout, stderr)
		}
	}
	_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
	printUsage(stderr)
	return 2
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: ece <command> [flags]")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		_, _ = fmt.Fprintf(w, "  %-10s %s\n", c.name, c.desc)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Every command accepts -config and -data. Run 'ece <command> -h' for its flags.")
}

// common holds the flags shared by every command.
type common struct {
	configPath string
	dataDir    string
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet("ece "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &common{}
	fs.StringVar(&c.configPath, "config", os.Getenv("ECE_CONFIG"), "configuration file (.yaml or .json)")
	fs.StringVar(&c.dataDir, "data", "", "data directory, overrides the configuration")
	return fs, c
}

func (c *common) load() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	return cfg, nil
}

// open loads the configuration and opens the engine. Short-lived commands
// keep the index on close so the next invocation can reuse it.
func (c *common) open(ctx context.Context, keepIndex bool) (*ece.Engine, *config.Config, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Logger()
	opts := cfg.EngineOptions(logger)
	if keepIndex {
		opts = append(opts, ece.WithKeepIndex())
	}
	eng, err := ece.Open(ctx, cfg.DataDir, opts...)
	if err != nil {
		return nil, nil, err
	}
	return eng, cfg, nil
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
