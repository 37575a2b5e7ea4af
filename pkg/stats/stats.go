// Package stats collects processed, skipped, and error counts per record type and per
// source file; at the end of a run they are folded into a single Report.
package stats

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// MaxErrorEntries bounds the number of error messages kept per file. Errors past the bound
// are still counted.
const MaxErrorEntries = 200

// Counts is the processed/skipped/error tally for one key.
type Counts struct {
	Processed int64 `json:"processed" yaml:"processed"`
	Skipped   int64 `json:"skipped" yaml:"skipped"`
	Errors    int64 `json:"errors" yaml:"errors"`
}

func (c *Counts) add(o Counts) {
	c.Processed += o.Processed
	c.Skipped += o.Skipped
	c.Errors += o.Errors
}

// ErrorEntry is one structural or decode problem, positioned where it happened.
type ErrorEntry struct {
	File    string `json:"file" yaml:"file"`
	Type    string `json:"type" yaml:"type"`
	Offset  int    `json:"offset" yaml:"offset"`
	Message string `json:"message" yaml:"message"`
}

// FileStats is the tally for one file scan. It is owned by a single worker and needs no
// locking.
type FileStats struct {
	File               string             `json:"file" yaml:"file"`
	ByType             map[string]*Counts `json:"by_type" yaml:"by_type"`
	Groups             int64              `json:"groups" yaml:"groups"`
	LabelMismatches    int64              `json:"label_mismatches" yaml:"label_mismatches"`
	DecodeErrors       int64              `json:"decode_errors" yaml:"decode_errors"`
	ResolutionFailures int64              `json:"resolution_failures" yaml:"resolution_failures"`
	Errors             []ErrorEntry       `json:"errors,omitempty" yaml:"errors,omitempty"`
	DroppedErrors      int64              `json:"dropped_errors,omitempty" yaml:"dropped_errors,omitempty"`
}

// NewFileStats returns an empty tally for file.
func NewFileStats(file string) *FileStats {
	return &FileStats{File: file, ByType: make(map[string]*Counts)}
}

func (s *FileStats) counts(typ string) *Counts {
	c, ok := s.ByType[typ]
	if !ok {
		c = &Counts{}
		s.ByType[typ] = c
	}
	return c
}

// Processed counts an emitted record of type typ.
func (s *FileStats) Processed(typ string) { s.counts(typ).Processed++ }

// Skipped counts a record filtered out by the type allow-list.
func (s *FileStats) Skipped(typ string) { s.counts(typ).Skipped++ }

// Error counts a problem for typ and keeps its message while under MaxErrorEntries.
func (s *FileStats) Error(typ string, offset int, err error) {
	s.counts(typ).Errors++
	if len(s.Errors) >= MaxErrorEntries {
		s.DroppedErrors++
		return
	}
	s.Errors = append(s.Errors, ErrorEntry{File: s.File, Type: typ, Offset: offset, Message: err.Error()})
}

// Totals sums the per-type counts.
func (s *FileStats) Totals() Counts {
	var total Counts
	for _, c := range s.ByType {
		total.add(*c)
	}
	return total
}

// FailedFile records a scan task that did not produce a result.
type FailedFile struct {
	File  string `json:"file" yaml:"file"`
	Error string `json:"error" yaml:"error"`
}

// Report is the once-per-run statistics artifact.
type Report struct {
	RunID              string             `json:"run_id" yaml:"run_id"`
	StartedAt          time.Time          `json:"started_at" yaml:"started_at"`
	Duration           time.Duration      `json:"duration" yaml:"duration"`
	Files              int                `json:"files" yaml:"files"`
	Records            int64              `json:"records" yaml:"records"`
	FormIDs            int                `json:"form_ids" yaml:"form_ids"`
	Overrides          int                `json:"overrides" yaml:"overrides"`
	ByType             map[string]*Counts `json:"by_type" yaml:"by_type"`
	ByFile             map[string]*Counts `json:"by_file" yaml:"by_file"`
	Groups             int64              `json:"groups" yaml:"groups"`
	LabelMismatches    int64              `json:"label_mismatches" yaml:"label_mismatches"`
	DecodeErrors       int64              `json:"decode_errors" yaml:"decode_errors"`
	ResolutionFailures int64              `json:"resolution_failures" yaml:"resolution_failures"`
	Errors             []ErrorEntry       `json:"errors,omitempty" yaml:"errors,omitempty"`
	DroppedErrors      int64              `json:"dropped_errors,omitempty" yaml:"dropped_errors,omitempty"`
	FailedFiles        []FailedFile       `json:"failed_files,omitempty" yaml:"failed_files,omitempty"`
}

// NewReport starts a report stamped with a fresh run id.
func NewReport() *Report {
	return &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		ByType:    make(map[string]*Counts),
		ByFile:    make(map[string]*Counts),
	}
}

func bucket(m map[string]*Counts, key string) *Counts {
	c, ok := m[key]
	if !ok {
		c = &Counts{}
		m[key] = c
	}
	return c
}

// CountProcessed tallies one record handed to the aggregator.
func (r *Report) CountProcessed(typ, file string) {
	bucket(r.ByType, typ).Processed++
	bucket(r.ByFile, file).Processed++
	r.Records++
}

// MergeFile folds a finished file scan into the report. Processed counts are not taken
// from fs; they arrive one record at a time through CountProcessed.
func (r *Report) MergeFile(fs *FileStats) {
	r.Files++
	file := bucket(r.ByFile, fs.File)
	for typ, c := range fs.ByType {
		t := bucket(r.ByType, typ)
		t.Skipped += c.Skipped
		t.Errors += c.Errors
		file.Skipped += c.Skipped
		file.Errors += c.Errors
	}
	r.Groups += fs.Groups
	r.LabelMismatches += fs.LabelMismatches
	r.DecodeErrors += fs.DecodeErrors
	r.ResolutionFailures += fs.ResolutionFailures
	r.DroppedErrors += fs.DroppedErrors
	for _, e := range fs.Errors {
		if len(r.Errors) >= MaxErrorEntries {
			r.DroppedErrors++
			continue
		}
		r.Errors = append(r.Errors, e)
	}
}

// FileFailed records a failed scan task.
func (r *Report) FileFailed(file string, err error) {
	r.Files++
	bucket(r.ByFile, file).Errors++
	r.FailedFiles = append(r.FailedFiles, FailedFile{File: file, Error: err.Error()})
}

// Finish stamps the run duration.
func (r *Report) Finish() { r.Duration = time.Since(r.StartedAt) }

// Types returns the record types seen, sorted.
func (r *Report) Types() []string {
	types := make([]string, 0, len(r.ByType))
	for t := range r.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
