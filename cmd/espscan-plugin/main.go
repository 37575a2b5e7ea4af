package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/twinfer/espscan/internal/cel"
	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/fieldschema"
	"github.com/twinfer/espscan/pkg/formid"
	"github.com/twinfer/espscan/pkg/record"
	"github.com/twinfer/espscan/pkg/scan"
)

// ESPScanProcessor is a Benthos batch processor. Each batch is one load order: every
// message holds the bytes of one plugin, and the output is one message per record.
type ESPScanProcessor struct {
	config   ESPScanConfig
	logLevel slog.Level
	schemas  *lru.Cache[string, *fieldschema.Registry]
	programs *cel.ProgramPool
	logger   *service.Logger

	mFiles       *service.MetricCounter
	mRecords     *service.MetricCounter
	mFailed      *service.MetricCounter
	mErrors      *service.MetricCounter
	mCacheHits   *service.MetricCounter
	mCacheMisses *service.MetricCounter
}

// ESPScanConfig contains configuration parameters for the espscan processor.
type ESPScanConfig struct {
	SchemaPath      string   `json:"schema_path" yaml:"schema_path"`
	SchemaMeta      string   `json:"schema_meta" yaml:"schema_meta"`
	SchemaCacheSize int      `json:"schema_cache_size" yaml:"schema_cache_size"`
	RecordTypes     []string `json:"record_types" yaml:"record_types"`
	MaxWorkers      int      `json:"max_workers" yaml:"max_workers"`
	Decode          bool     `json:"decode" yaml:"decode"`
	ResolveFields   bool     `json:"resolve_fields" yaml:"resolve_fields"`
	WinnersOnly     bool     `json:"winners_only" yaml:"winners_only"`
	NameMeta        string   `json:"name_meta" yaml:"name_meta"`
	LoadOrderMeta   string   `json:"load_order_meta" yaml:"load_order_meta"`
	ScanLogLevel    string   `json:"scan_log_level" yaml:"scan_log_level"`
}

// Metadata keys set on every output message.
const (
	MetaRecordType = "esp_record_type"
	MetaFormID     = "esp_form_id"
	MetaSourceFile = "esp_source_file"
	MetaStackOrder = "esp_stack_order"
)

func main() {
	service.RunCLI(context.Background())
}

func init() {
	err := service.RegisterBatchProcessor(
		"espscan",
		espscanProcessorConfig(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchProcessor, error) {
			return newESPScanProcessorFromConfig(conf, mgr)
		},
	)
	if err != nil {
		panic(err)
	}
}

// espscanProcessorConfig returns a config spec for an espscan processor.
func espscanProcessorConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Parses a batch of ESP/ESM/ESL plugins as one load order and emits their records.").
		Description("Each message of a batch carries the raw bytes of one plugin file. The file name is read from metadata and the load order from metadata or the message position. Records are emitted as JSON documents, one message each, in load order.").
		Field(service.NewStringField("schema_path").
			Description("Field schema YAML used for decoding. Empty uses the built-in schema.").
			Default("").
			Example("./schemas/skyrim.yaml")).
		Field(service.NewStringField("schema_meta").
			Description("Metadata key whose value on the first message of a batch overrides schema_path.").
			Default("").
			Advanced()).
		Field(service.NewIntField("schema_cache_size").
			Description("Number of parsed schema files kept in memory.").
			Default(8).
			Advanced()).
		Field(service.NewStringListField("record_types").
			Description("Record types to emit. Empty emits every type.").
			Default([]any{}).
			Example([]any{"WEAP", "ARMO"})).
		Field(service.NewIntField("max_workers").
			Description("Plugins parsed in parallel.").
			Default(4)).
		Field(service.NewBoolField("decode").
			Description("Decode subrecords into fields with the schema.").
			Default(false)).
		Field(service.NewBoolField("resolve_fields").
			Description("Decode and rewrite form id fields to their global ids.").
			Default(false)).
		Field(service.NewBoolField("winners_only").
			Description("Emit only the winning record of every form id.").
			Default(false)).
		Field(service.NewStringField("name_meta").
			Description("Metadata key holding the plugin file name.").
			Default("plugin_name")).
		Field(service.NewStringField("load_order_meta").
			Description("Metadata key holding the load order. When missing the message position in the batch is used.").
			Default("load_order")).
		Field(service.NewStringField("scan_log_level").
			Description("Lowest level of scanner log lines forwarded to the Benthos logger: debug, info, warn or error.").
			Default("warn").
			Advanced()).
		Version("0.1.0")
}

// newESPScanProcessorFromConfig creates a new ESPScanProcessor from a parsed config.
func newESPScanProcessorFromConfig(conf *service.ParsedConfig, mgr *service.Resources) (*ESPScanProcessor, error) {
	var (
		c   ESPScanConfig
		err error
	)
	if c.SchemaPath, err = conf.FieldString("schema_path"); err != nil {
		return nil, err
	}
	if c.SchemaMeta, err = conf.FieldString("schema_meta"); err != nil {
		return nil, err
	}
	if c.SchemaCacheSize, err = conf.FieldInt("schema_cache_size"); err != nil {
		return nil, err
	}
	if c.RecordTypes, err = conf.FieldStringList("record_types"); err != nil {
		return nil, err
	}
	if c.MaxWorkers, err = conf.FieldInt("max_workers"); err != nil {
		return nil, err
	}
	if c.Decode, err = conf.FieldBool("decode"); err != nil {
		return nil, err
	}
	if c.ResolveFields, err = conf.FieldBool("resolve_fields"); err != nil {
		return nil, err
	}
	if c.WinnersOnly, err = conf.FieldBool("winners_only"); err != nil {
		return nil, err
	}
	if c.NameMeta, err = conf.FieldString("name_meta"); err != nil {
		return nil, err
	}
	if c.LoadOrderMeta, err = conf.FieldString("load_order_meta"); err != nil {
		return nil, err
	}
	if c.ScanLogLevel, err = conf.FieldString("scan_log_level"); err != nil {
		return nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.ScanLogLevel)); err != nil {
		return nil, fmt.Errorf("scan_log_level: %w", err)
	}

	if c.MaxWorkers <= 0 {
		return nil, fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.SchemaCacheSize <= 0 {
		return nil, fmt.Errorf("schema_cache_size must be positive, got %d", c.SchemaCacheSize)
	}
	for _, t := range c.RecordTypes {
		if len(t) != espformat.TagSize || !espformat.IsPrintable([]byte(t)) {
			return nil, fmt.Errorf("record type %q is not a four character tag", t)
		}
	}

	schemas, err := lru.New[string, *fieldschema.Registry](c.SchemaCacheSize)
	if err != nil {
		return nil, err
	}
	programs, err := cel.NewProgramPool()
	if err != nil {
		return nil, err
	}

	metrics := mgr.Metrics()
	p := &ESPScanProcessor{
		config:       c,
		logLevel:     level,
		schemas:      schemas,
		programs:     programs,
		logger:       mgr.Logger(),
		mFiles:       metrics.NewCounter("espscan_files"),
		mRecords:     metrics.NewCounter("espscan_records"),
		mFailed:      metrics.NewCounter("espscan_failed_files"),
		mErrors:      metrics.NewCounter("espscan_processing_errors"),
		mCacheHits:   metrics.NewCounter("espscan_schema_cache_hits"),
		mCacheMisses: metrics.NewCounter("espscan_schema_cache_misses"),
	}

	// Fail at startup rather than on the first batch.
	if c.Decode || c.ResolveFields {
		if _, err := p.loadSchema(c.SchemaPath); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ProcessBatch scans the batch as one load order.
func (p *ESPScanProcessor) ProcessBatch(ctx context.Context, batch service.MessageBatch) ([]service.MessageBatch, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	loader := scan.NewMemoryLoader(nil)
	files := make([]formid.FileMeta, 0, len(batch))
	byName := make(map[string]*service.Message, len(batch))
	var rejected service.MessageBatch

	for i, msg := range batch {
		meta, data, err := p.fileFromMessage(i, msg)
		if err != nil {
			p.logger.Errorf("Rejecting message %d: %v", i, err)
			p.mErrors.Incr(1)
			msg.SetError(err)
			rejected = append(rejected, msg)
			continue
		}
		loader.Put(meta.Name, data)
		files = append(files, meta)
		byName[meta.Name] = msg
	}
	if len(files) == 0 {
		return []service.MessageBatch{rejected}, nil
	}

	opts, err := p.scanOptions(batch[0], loader)
	if err != nil {
		p.mErrors.Incr(1)
		return nil, err
	}
	scanner, err := scan.New(opts...)
	if err != nil {
		p.mErrors.Incr(1)
		return nil, err
	}
	res, err := scanner.Scan(ctx, files)
	if err != nil {
		p.mErrors.Incr(1)
		return nil, fmt.Errorf("scanning batch: %w", err)
	}
	p.mFiles.Incr(int64(len(files)))

	records := res.Records
	if p.config.WinnersOnly {
		records = res.Stack.Winners()
	}
	out := make(service.MessageBatch, 0, len(records)+len(res.Report.FailedFiles)+len(rejected))
	for _, rec := range records {
		msg, err := p.recordMessage(rec, byName[rec.Meta.SourceFile])
		if err != nil {
			p.logger.Errorf("Failed to encode %s %s: %v", rec.Meta.Type, rec.Meta.FormID, err)
			p.mErrors.Incr(1)
			continue
		}
		out = append(out, msg)
	}
	p.mRecords.Incr(int64(len(out)))

	for _, failed := range res.Report.FailedFiles {
		p.mFailed.Incr(1)
		if src, ok := byName[failed.File]; ok {
			src.SetError(errors.New(failed.Error))
			out = append(out, src)
		}
	}
	out = append(out, rejected...)

	p.logger.Debugf("Scanned %d plugins into %d records (%d form ids, %d overrides)",
		len(files), len(records), res.Report.FormIDs, res.Report.Overrides)
	return []service.MessageBatch{out}, nil
}

func (p *ESPScanProcessor) fileFromMessage(i int, msg *service.Message) (formid.FileMeta, []byte, error) {
	name, ok := msg.MetaGet(p.config.NameMeta)
	if !ok || name == "" {
		return formid.FileMeta{}, nil, fmt.Errorf("missing %s metadata", p.config.NameMeta)
	}
	meta := formid.FileMeta{Name: filepath.Base(name), LoadOrder: i}
	if v, ok := msg.MetaGet(p.config.LoadOrderMeta); ok && v != "" {
		lo, err := strconv.Atoi(v)
		if err != nil {
			return meta, nil, fmt.Errorf("%s metadata %q: %w", p.config.LoadOrderMeta, v, err)
		}
		meta.LoadOrder = lo
	}
	data, err := msg.AsBytes()
	if err != nil {
		return meta, nil, fmt.Errorf("failed to get plugin bytes: %w", err)
	}
	if len(data) == 0 {
		return meta, nil, fmt.Errorf("empty plugin %s", meta.Name)
	}
	return meta, data, nil
}

func (p *ESPScanProcessor) scanOptions(first *service.Message, loader scan.Loader) ([]scan.Option, error) {
	opts := []scan.Option{
		scan.WithWorkers(p.config.MaxWorkers),
		scan.WithLoader(loader),
		scan.WithDecode(p.config.Decode),
		scan.WithResolveFields(p.config.ResolveFields),
		scan.WithPrograms(p.programs),
		scan.WithLogger(newSlogLogger(p.logger, p.logLevel)),
	}
	if len(p.config.RecordTypes) > 0 {
		types := make([]espformat.Tag, 0, len(p.config.RecordTypes))
		for _, t := range p.config.RecordTypes {
			types = append(types, espformat.Tag(t))
		}
		opts = append(opts, scan.WithRecordTypes(types...))
	}
	if !p.config.Decode && !p.config.ResolveFields {
		return opts, nil
	}

	path := p.config.SchemaPath
	if p.config.SchemaMeta != "" {
		if v, ok := first.MetaGet(p.config.SchemaMeta); ok && v != "" {
			path = v
		}
	}
	reg, err := p.loadSchema(path)
	if err != nil {
		return nil, err
	}
	return append(opts, scan.WithRegistry(reg)), nil
}

// loadSchema returns the registry for path, parsing it on a cache miss. An empty path is
// the built-in schema.
func (p *ESPScanProcessor) loadSchema(path string) (*fieldschema.Registry, error) {
	if reg, ok := p.schemas.Get(path); ok {
		p.logger.Tracef("Schema cache hit for path: %q", path)
		p.mCacheHits.Incr(1)
		return reg, nil
	}

	p.logger.Debugf("Loading schema from path: %q", path)
	p.mCacheMisses.Incr(1)

	var (
		reg *fieldschema.Registry
		err error
	)
	if path == "" {
		reg, err = fieldschema.DefaultRegistry()
	} else {
		reg, err = fieldschema.LoadRegistryFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	p.schemas.Add(path, reg)
	return reg, nil
}

func (p *ESPScanProcessor) recordMessage(rec *record.ParsedRecord, src *service.Message) (*service.Message, error) {
	body, err := scan.MarshalRecord(rec)
	if err != nil {
		return nil, err
	}
	msg := service.NewMessage(body)
	if src != nil {
		_ = src.MetaWalk(func(key, value string) error {
			msg.MetaSet(key, value)
			return nil
		})
	}
	msg.MetaSet(MetaRecordType, string(rec.Meta.Type))
	msg.MetaSet(MetaFormID, rec.Meta.FormID)
	msg.MetaSet(MetaSourceFile, rec.Meta.SourceFile)
	msg.MetaSet(MetaStackOrder, strconv.Itoa(rec.Meta.StackOrder))
	return msg, nil
}

// Close the processor resources
func (p *ESPScanProcessor) Close(ctx context.Context) error {
	p.logger.Debug("Closing espscan processor and clearing schema cache")
	p.schemas.Purge()
	return nil
}
