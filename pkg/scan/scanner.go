// Package scan coordinates a multi-file plugin scan: one header pass to learn every
// file's masters, a bounded pool of workers that each walk a whole file, and a merge that
// feeds records to the override stack in load order regardless of completion order.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/twinfer/espscan/internal/cel"
	"github.com/twinfer/espscan/pkg/aggregate"
	"github.com/twinfer/espscan/pkg/fieldschema"
	"github.com/twinfer/espscan/pkg/formid"
	"github.com/twinfer/espscan/pkg/record"
	"github.com/twinfer/espscan/pkg/stats"
	"github.com/twinfer/espscan/pkg/walker"
	"golang.org/x/sync/errgroup"
)

// ErrConfig is returned for invalid scanner settings.
var ErrConfig = errors.New("invalid scan configuration")

// Scanner is reusable and safe for concurrent Scan calls.
type Scanner struct {
	opts   options
	walker *walker.Walker
	logger *slog.Logger
}

// Result is the outcome of one Scan.
type Result struct {
	// Records holds every emitted record in load order, with StackOrder set.
	Records []*record.ParsedRecord
	Stack   *aggregate.Stack
	Report  *stats.Report
	// Files is the load order with in-band masters and flags filled in.
	Files []formid.FileMeta
}

// New creates a Scanner with the given options.
func New(opts ...Option) (*Scanner, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers <= 0 {
		return nil, fmt.Errorf("%w: workers must be positive, got %d", ErrConfig, o.workers)
	}
	if o.maxGroupChildren < 0 {
		return nil, fmt.Errorf("%w: max group children must not be negative", ErrConfig)
	}
	if o.loader == nil {
		return nil, fmt.Errorf("%w: no loader", ErrConfig)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.resolveFields {
		o.decode = true
	}
	if o.decode {
		if o.registry == nil {
			reg, err := fieldschema.DefaultRegistry()
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrConfig, err)
			}
			o.registry = reg
		}
		if o.programs == nil {
			pool, err := cel.NewProgramPool()
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrConfig, err)
			}
			o.programs = pool
		}
	}

	return &Scanner{
		opts: o,
		walker: walker.New(walker.Options{
			RecordTypes:      o.recordTypes,
			MaxGroupChildren: o.maxGroupChildren,
			Logger:           o.logger,
		}),
		logger: o.logger,
	}, nil
}

type scanRequest struct {
	index int
	file  formid.FileMeta
}

type scanResponse struct {
	index   int
	records []*record.ParsedRecord
	stats   *stats.FileStats
	err     error
}

// Scan reads every file in files. Only unreadable inputs and an inconsistent load order
// fail the call; problems inside a file end up in the report.
func (s *Scanner) Scan(ctx context.Context, files []formid.FileMeta) (*Result, error) {
	report := stats.NewReport()
	ordered := append([]formid.FileMeta(nil), files...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].LoadOrder < ordered[j].LoadOrder })

	if err := s.readHeaders(ctx, ordered); err != nil {
		return nil, err
	}
	reg, err := formid.NewRegistry(ordered)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	ordered = reg.Files()
	resolver := formid.NewResolver(reg)

	workers := min(s.opts.workers, len(ordered))
	s.logger.InfoContext(ctx, "Starting scan", "run_id", report.RunID, "files", len(ordered), "workers", workers)

	requests := make(chan scanRequest, len(ordered))
	for i, f := range ordered {
		requests <- scanRequest{index: i, file: f}
	}
	close(requests)
	responses := make(chan scanResponse, len(ordered))

	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for req := range requests {
				responses <- s.scanFile(gctx, req, resolver)
			}
			return nil
		})
	}
	_ = g.Wait()
	close(responses)

	slots := make([]*scanResponse, len(ordered))
	for resp := range responses {
		slots[resp.index] = &resp
	}

	stack := aggregate.New(report)
	var records []*record.ParsedRecord
	for i, resp := range slots {
		f := ordered[i]
		if resp.err != nil {
			s.logger.WarnContext(ctx, "File scan failed", "file", f.Name, "error", resp.err)
			report.FileFailed(f.Name, resp.err)
			continue
		}
		report.MergeFile(resp.stats)
		for _, rec := range resp.records {
			records = append(records, stack.Append(rec))
		}
	}
	report.FormIDs = stack.Len()
	report.Overrides = stack.Overrides()
	report.Finish()

	s.logger.InfoContext(ctx, "Scan finished",
		"run_id", report.RunID,
		"records", report.Records,
		"form_ids", report.FormIDs,
		"overrides", report.Overrides,
		"failed_files", len(report.FailedFiles),
		"resolution_failures", report.ResolutionFailures,
		"duration", report.Duration)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Records: records, Stack: stack, Report: report, Files: ordered}, nil
}

// readHeaders fills masters and flags from each file's TES4 record. In-band masters
// replace any the caller supplied.
func (s *Scanner) readHeaders(ctx context.Context, files []formid.FileMeta) error {
	for i := range files {
		f := &files[i]
		var (
			buf []byte
			err error
		)
		if hl, ok := s.opts.loader.(HeaderLoader); ok {
			buf, err = hl.LoadHeader(ctx, *f)
		} else {
			buf, err = s.opts.loader.Load(ctx, *f)
		}
		if err != nil {
			if errors.Is(err, ErrMissingInput) {
				return err
			}
			s.logger.WarnContext(ctx, "Could not read plugin header", "file", f.Name, "error", err)
			continue
		}
		h, err := walker.ReadPluginHeader(buf)
		if err != nil {
			s.logger.WarnContext(ctx, "Could not parse plugin header", "file", f.Name, "error", err)
			continue
		}
		f.Masters = h.Masters
		f.IsLight = f.IsLight || h.IsLight() || strings.EqualFold(filepath.Ext(f.Name), ".esl")
		f.IsLocalized = h.IsLocalized()
		s.logger.DebugContext(ctx, "Read plugin header", "file", f.Name, "masters", len(h.Masters), "light", f.IsLight, "localized", f.IsLocalized)
	}
	return nil
}

// scanFile runs one task. It never panics; any failure is carried in the response.
func (s *Scanner) scanFile(ctx context.Context, req scanRequest, resolver *formid.Resolver) (resp scanResponse) {
	resp.index = req.index
	f := req.file
	defer func() {
		if r := recover(); r != nil {
			resp.records, resp.stats = nil, nil
			resp.err = fmt.Errorf("%w: %v", walker.ErrPanic, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		resp.err = err
		return resp
	}

	buf, err := s.opts.loader.Load(ctx, f)
	if err != nil {
		resp.err = err
		return resp
	}
	res := s.walker.Walk(ctx, buf, f.Name, resolver.Mapper(f.Name))
	resp.stats = res.Stats
	resp.records = res.Records
	if s.opts.decode {
		for i, rec := range res.Records {
			resp.records[i] = s.enrich(rec, f, resolver, res.Stats)
		}
	}
	return resp
}

func (s *Scanner) enrich(rec *record.ParsedRecord, f formid.FileMeta, resolver *formid.Resolver, fs *stats.FileStats) *record.ParsedRecord {
	out := fieldschema.DecodeRecord(s.opts.registry, rec, fieldschema.Options{
		Localized: f.IsLocalized,
		Programs:  s.opts.programs,
		Logger:    s.logger,
	})
	fs.DecodeErrors += int64(len(out.DecodedErrors))
	if !s.opts.resolveFields {
		return out
	}
	resolved, failed := resolver.ResolveValue(out.DecodedData, f.Name)
	fs.ResolutionFailures += int64(failed)
	data, _ := resolved.(map[string]any)
	return out.WithDecoded(data, out.DecodedErrors)
}
