package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/twinfer/espscan/internal/config"
	"github.com/twinfer/espscan/pkg/formid"
	"github.com/twinfer/espscan/pkg/scan"
	"github.com/twinfer/espscan/pkg/stats"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

func (a *app) scanCmd() *cli.Command {
	var (
		dataDir          string
		workers          int
		recordTypes      []string
		schemaPath       string
		decode           bool
		resolve          bool
		winnersOnly      bool
		maxGroupChildren int
		outputPath       string
		reportPath       string
		reportFormat     string
	)

	return &cli.Command{
		Name:      "scan",
		Usage:     "Scan plugins in load order and write records as JSON lines",
		ArgsUsage: "[plugin ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Usage: "directory plugin names are resolved against", Destination: &dataDir},
			&cli.IntFlag{Name: "workers", Aliases: []string{"j"}, Usage: "files scanned in parallel", Destination: &workers},
			&cli.StringSliceFlag{Name: "record-types", Aliases: []string{"t"}, Usage: "record types to process (default all)", Destination: &recordTypes},
			&cli.StringFlag{Name: "schema", Usage: "field schema YAML replacing the built-in one", Destination: &schemaPath},
			&cli.BoolFlag{Name: "decode", Usage: "decode fields with the schema registry", Destination: &decode},
			&cli.BoolFlag{Name: "resolve", Usage: "decode and rewrite form id fields to global ids", Destination: &resolve},
			&cli.BoolFlag{Name: "winners", Usage: "only write the winning record of each form id", Destination: &winnersOnly},
			&cli.IntFlag{Name: "max-group-children", Usage: "children processed per group (0 = default)", Destination: &maxGroupChildren},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "record output file", Value: "-", Destination: &outputPath},
			&cli.StringFlag{Name: "report", Usage: "report output file (empty = none)", Destination: &reportPath},
			&cli.StringFlag{Name: "report-format", Usage: "yaml or json", Value: "yaml", Destination: &reportFormat},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.IsSet("data-dir") {
				cfg.DataDir = dataDir
			}
			if cmd.IsSet("workers") {
				cfg.Workers = workers
			}
			if cmd.IsSet("record-types") {
				cfg.RecordTypes = recordTypes
			}
			if cmd.IsSet("schema") {
				cfg.SchemaPath = schemaPath
			}
			if cmd.IsSet("max-group-children") {
				cfg.MaxGroupChildren = maxGroupChildren
			}
			cfg.Decode = cfg.Decode || decode
			cfg.ResolveFields = cfg.ResolveFields || resolve
			if err := cfg.Validate(); err != nil {
				return err
			}

			files := filesFromArgs(cmd.Args().Slice(), cfg)
			if len(files) == 0 {
				return errors.New("no plugins given: pass them as arguments or list them under files in the config")
			}
			opts, err := cfg.ScanOptions(logger)
			if err != nil {
				return err
			}
			scanner, err := scan.New(opts...)
			if err != nil {
				return err
			}
			res, err := scanner.Scan(ctx, files)
			if err != nil {
				return err
			}

			records := res.Records
			if winnersOnly {
				records = res.Stack.Winners()
			}
			if err := writeTo(outputPath, a.stdout, func(w io.Writer) error {
				return scan.WriteRecords(w, records)
			}); err != nil {
				return err
			}
			if reportPath == "" {
				return nil
			}
			return writeTo(reportPath, a.stdout, func(w io.Writer) error {
				return writeReport(w, res.Report, reportFormat)
			})
		},
	}
}

// filesFromArgs builds the load order from positional arguments, falling back to the
// config file's list. Argument order is load order.
func filesFromArgs(args []string, cfg config.Config) []formid.FileMeta {
	if len(args) == 0 {
		return cfg.Files
	}
	files := make([]formid.FileMeta, 0, len(args))
	for i, arg := range args {
		f := formid.FileMeta{Name: filepath.Base(arg), LoadOrder: i}
		if filepath.Base(arg) != arg {
			f.Path = arg
		}
		files = append(files, f)
	}
	return files
}

func writeTo(path string, stdout io.Writer, write func(io.Writer) error) error {
	if path == "-" || path == "" {
		return write(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeReport(w io.Writer, report *stats.Report, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}
