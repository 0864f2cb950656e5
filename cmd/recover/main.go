// Command recover runs corruption analysis and recovery over a conversation
// export and prints the JSON report.
//
//	recover -input export.csv
//	recover -s3-key org-1/2026-02-12.jsonl -org org-1 -no-fallback
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wolfman30/conversation-recovery/cmd/mainconfig"
	"github.com/wolfman30/conversation-recovery/internal/app/bootstrap"
	"github.com/wolfman30/conversation-recovery/internal/archive"
	appconfig "github.com/wolfman30/conversation-recovery/internal/config"
	"github.com/wolfman30/conversation-recovery/internal/recovery"
	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/internal/speaker"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

type options struct {
	input       string
	s3Key       string
	format      string
	orgID       string
	profileFile string
	output      string
	concurrency int
	noFallback  bool
	analyzeOnly bool
	pretty      bool
	redact      bool
}

// output is the document written by the command.
type output struct {
	Analysis recovery.Analysis `json:"analysis"`
	Report   *recovery.Report  `json:"report,omitempty"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to read .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], appconfig.Load(), os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.input, "input", "", "local export file (json, jsonl or csv); - reads stdin")
	fs.StringVar(&opts.s3Key, "s3-key", "", "export object key in EXPORT_BUCKET")
	fs.StringVar(&opts.format, "format", "", "input format: json, jsonl or csv (default: detect)")
	fs.StringVar(&opts.orgID, "org", "", "org whose learned speaker profile is applied")
	fs.StringVar(&opts.profileFile, "profile", "", "speaker profile YAML (overrides SPEAKER_PROFILE_FILE)")
	fs.StringVar(&opts.output, "out", "", "write the report to this file instead of stdout")
	fs.IntVar(&opts.concurrency, "concurrency", 0, "rows recovered in parallel (default: RECOVERY_CONCURRENCY or GOMAXPROCS)")
	fs.BoolVar(&opts.noFallback, "no-fallback", false, "never synthesise a timestamp when reconstruction fails")
	fs.BoolVar(&opts.analyzeOnly, "analyze-only", false, "report detected corruption without recovering")
	fs.BoolVar(&opts.pretty, "pretty", false, "indent the JSON output")
	fs.BoolVar(&opts.redact, "redact", false, "mask emails and phone numbers in the output")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if (opts.input == "") == (opts.s3Key == "") {
		return options{}, errors.New("exactly one of -input or -s3-key is required")
	}
	switch archive.Format(strings.ToLower(opts.format)) {
	case archive.FormatAuto, archive.FormatJSON, archive.FormatJSONL, archive.FormatCSV:
	default:
		return options{}, fmt.Errorf("unknown format %q", opts.format)
	}
	return opts, nil
}

func run(ctx context.Context, args []string, cfg *appconfig.Config, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "recover:", err)
		return 2
	}

	if opts.concurrency > 0 {
		cfg.RecoveryConcurrency = opts.concurrency
	}
	if opts.noFallback {
		cfg.DisableFallbackTimestamps = true
	}
	if opts.profileFile != "" {
		cfg.SpeakerProfileFile = opts.profileFile
	}
	logger := logging.NewWithWriter(stderr, cfg.LogLevel)

	rows, err := loadRows(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error("failed to load export", "error", err)
		return 1
	}

	identifier, err := buildIdentifier(ctx, cfg, opts.orgID, logger)
	if err != nil {
		logger.Error("failed to build speaker identifier", "error", err)
		return 1
	}

	engineOpts := append(bootstrap.EngineOptions(cfg, logger, nil),
		recovery.WithIdentifier(identifier),
		recovery.WithLogger(logger),
	)
	engine := recovery.NewEngine(engineOpts...)

	var doc output
	if opts.analyzeOnly {
		doc.Analysis = engine.Analyze(ctx, rows)
	} else {
		analysis, report, err := engine.Run(ctx, rows)
		if err != nil {
			logger.Error("recovery failed", "error", err)
			return 1
		}
		doc.Analysis = analysis
		doc.Report = &report
	}
	if opts.redact {
		redact(&doc)
	}

	if err := writeOutput(doc, opts, stdout); err != nil {
		logger.Error("failed to write report", "error", err)
		return 1
	}
	return 0
}

func loadRows(ctx context.Context, cfg *appconfig.Config, opts options, logger *logging.Logger) ([]row.Raw, error) {
	format := archive.Format(strings.ToLower(opts.format))
	if opts.s3Key != "" {
		if cfg.ExportBucket == "" {
			return nil, errors.New("EXPORT_BUCKET is required with -s3-key")
		}
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		clients := mainconfig.NewClients(awsCfg, cfg)
		return archive.NewStore(clients.S3, cfg.ExportBucket, "", logger).LoadRows(ctx, opts.s3Key)
	}

	var r io.Reader = os.Stdin
	if opts.input != "-" {
		f, err := os.Open(opts.input)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
		if format == archive.FormatAuto {
			format = archive.FormatFromName(filepath.Base(opts.input))
		}
	}
	return archive.ParseRows(r, format)
}

// buildIdentifier applies the configured base profile and, when an org is
// named and a persistent backend is configured, its learned tokens.
func buildIdentifier(ctx context.Context, cfg *appconfig.Config, orgID string, logger *logging.Logger) (*speaker.Identifier, error) {
	base, err := bootstrap.LoadBaseProfile(cfg)
	if err != nil {
		return nil, err
	}
	idOpts := []speaker.IdentifierOption{speaker.WithIdentifierLogger(logger)}
	if orgID == "" || cfg.SpeakerProfileBackend == "" || cfg.SpeakerProfileBackend == appconfig.ProfileBackendMemory {
		return speaker.NewIdentifier(base, idOpts...), nil
	}

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}
	var store speaker.ProfileStore
	if cfg.SpeakerProfileBackend == appconfig.ProfileBackendPostgres {
		pool, err := bootstrap.BuildPostgresPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defer pool.Close()
		store, err = bootstrap.BuildProfileStore(cfg, redisClient, pool, logger)
		if err != nil {
			return nil, err
		}
	} else {
		store, err = bootstrap.BuildProfileStore(cfg, redisClient, nil, logger)
		if err != nil {
			return nil, err
		}
	}
	return speaker.LoadIdentifier(ctx, store, orgID, base, idOpts...)
}

func redact(doc *output) {
	for i := range doc.Analysis.Rows {
		r := &doc.Analysis.Rows[i]
		r.Original = archive.ScrubRow(r.Original)
		r.Issues = archive.ScrubIssues(r.Issues)
	}
	if doc.Report == nil {
		return
	}
	for i, res := range doc.Report.Results {
		doc.Report.Results[i] = archive.ScrubResult(res)
	}
}

func writeOutput(doc output, opts options, stdout io.Writer) error {
	w := stdout
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	if opts.pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(doc)
}
