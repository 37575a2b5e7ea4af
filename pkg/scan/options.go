package scan

import (
	"log/slog"
	"runtime"

	"github.com/twinfer/espscan/internal/cel"
	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/fieldschema"
)

// options holds configuration for the scanner
type options struct {
	workers          int
	recordTypes      []espformat.Tag
	registry         *fieldschema.Registry
	programs         *cel.ProgramPool
	decode           bool
	resolveFields    bool
	maxGroupChildren int
	loader           Loader
	logger           *slog.Logger
}

// Option is a function that configures scanner options
type Option func(*options)

// WithWorkers caps the number of files scanned in parallel.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithRecordTypes restricts processing to the given record types. Other records are
// skipped and counted.
func WithRecordTypes(types ...espformat.Tag) Option {
	return func(o *options) {
		o.recordTypes = append(o.recordTypes, types...)
	}
}

// WithRegistry sets the schema registry used for decoding. Defaults to the embedded one.
func WithRegistry(reg *fieldschema.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithPrograms shares a compiled transform cache between scanners.
func WithPrograms(pool *cel.ProgramPool) Option {
	return func(o *options) {
		o.programs = pool
	}
}

// WithDecode enables field decoding of every emitted record.
func WithDecode(enabled bool) Option {
	return func(o *options) {
		o.decode = enabled
	}
}

// WithResolveFields rewrites decoded form id fields to global ids. Implies WithDecode.
func WithResolveFields(enabled bool) Option {
	return func(o *options) {
		o.resolveFields = enabled
	}
}

// WithMaxGroupChildren caps the children processed per group.
func WithMaxGroupChildren(n int) Option {
	return func(o *options) {
		o.maxGroupChildren = n
	}
}

// WithLoader sets where file contents come from. Defaults to the file system.
func WithLoader(l Loader) Option {
	return func(o *options) {
		o.loader = l
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// defaultOptions returns the default configuration
func defaultOptions() options {
	return options{
		workers: runtime.NumCPU(),
		loader:  FSLoader{},
		logger:  slog.Default(),
	}
}
