package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twinfer/espscan/pkg/espformat"
	"github.com/twinfer/espscan/pkg/fieldschema"
	"github.com/twinfer/espscan/pkg/scan"
	"github.com/twinfer/espscan/testutil"
)

func weapon(formID uint32, name string, template uint32) []byte {
	subs := [][]byte{testutil.Subrecord("EDID", testutil.ZString(name))}
	if template != 0 {
		subs = append(subs, testutil.Subrecord("CNAM", testutil.U32(template)))
	}
	return testutil.Record("WEAP", formID, 0, subs...)
}

func pluginMessage(name, loadOrder string, flags uint32, masters []string, records ...[]byte) *service.Message {
	msg := service.NewMessage(testutil.Concat(
		testutil.PluginHeader(flags, masters...),
		testutil.Group("WEAP", 0, records...),
	))
	msg.MetaSet("plugin_name", name)
	if loadOrder != "" {
		msg.MetaSet("load_order", loadOrder)
	}
	return msg
}

func newProcessor(t *testing.T, yamlConf string) *ESPScanProcessor {
	t.Helper()
	pConf, err := espscanProcessorConfig().ParseYAML(yamlConf, nil)
	require.NoError(t, err)
	p, err := newESPScanProcessorFromConfig(pConf, service.MockResources())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func decoded(t *testing.T, msg *service.Message) scan.RecordJSON {
	t.Helper()
	require.NoError(t, msg.GetError())
	raw, err := msg.AsBytes()
	require.NoError(t, err)
	var r scan.RecordJSON
	require.NoError(t, json.Unmarshal(raw, &r))
	return r
}

// loadOrderBatch arrives out of order; load_order metadata decides the stack.
func loadOrderBatch() service.MessageBatch {
	return service.MessageBatch{
		pluginMessage("Patch.esp", "2", 0, []string{"Base.esm", "Mod.esp"},
			weapon(0x00000800, "SwordPatch", 0x01000801)),
		pluginMessage("Base.esm", "0", espformat.FlagMaster, nil,
			weapon(0x00000800, "Sword", 0)),
		pluginMessage("Mod.esp", "1", 0, []string{"Base.esm"},
			weapon(0x00000800, "SwordMod", 0),
			weapon(0x01000801, "Axe", 0)),
	}
}

func TestESPScanProcessor_LoadOrder(t *testing.T) {
	p := newProcessor(t, `
record_types: [WEAP]
max_workers: 3
`)

	batches, err := p.ProcessBatch(context.Background(), loadOrderBatch())
	require.NoError(t, err)
	require.Len(t, batches, 1)
	out := batches[0]
	require.Len(t, out, 4)

	var stack []string
	for _, msg := range out {
		r := decoded(t, msg)
		assert.Equal(t, "WEAP", r.Meta.Type)
		if r.Meta.FormID == "0x00000800" {
			stack = append(stack, r.Meta.SourceFile)
		}
		src, ok := msg.MetaGet(MetaSourceFile)
		require.True(t, ok)
		assert.Equal(t, r.Meta.SourceFile, src)
		name, _ := msg.MetaGet("plugin_name")
		assert.Equal(t, r.Meta.SourceFile, name, "source metadata is carried over")
	}
	assert.Equal(t, []string{"Base.esm", "Mod.esp", "Patch.esp"}, stack)
}

func TestESPScanProcessor_WinnersResolved(t *testing.T) {
	p := newProcessor(t, `
record_types: [WEAP]
winners_only: true
resolve_fields: true
`)

	batches, err := p.ProcessBatch(context.Background(), loadOrderBatch())
	require.NoError(t, err)
	out := batches[0]
	require.Len(t, out, 2)

	byID := map[string]scan.RecordJSON{}
	for _, msg := range out {
		r := decoded(t, msg)
		byID[r.Meta.FormID] = r
	}
	sword := byID["0x00000800"]
	assert.Equal(t, "Patch.esp", sword.Meta.SourceFile)
	assert.Equal(t, 2, sword.Meta.StackOrder)
	assert.Equal(t, "0x01000801", sword.DecodedData["CNAM"])
	assert.Equal(t, "SwordPatch", sword.DecodedData["EDID"])
	assert.Equal(t, "Mod.esp", byID["0x01000801"].Meta.SourceFile)
}

func TestESPScanProcessor_PositionIsDefaultLoadOrder(t *testing.T) {
	p := newProcessor(t, `record_types: [WEAP]`)

	batch := service.MessageBatch{
		pluginMessage("Base.esm", "", espformat.FlagMaster, nil, weapon(0x00000800, "Sword", 0)),
		pluginMessage("Mod.esp", "", 0, []string{"Base.esm"}, weapon(0x00000800, "SwordMod", 0)),
	}
	batches, err := p.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	out := batches[0]
	require.Len(t, out, 2)
	assert.Equal(t, "Base.esm", decoded(t, out[0]).Meta.SourceFile)
	assert.Equal(t, "Mod.esp", decoded(t, out[1]).Meta.SourceFile)
	order, _ := out[1].MetaGet(MetaStackOrder)
	assert.Equal(t, "1", order)
}

func TestESPScanProcessor_RejectsBadMessages(t *testing.T) {
	p := newProcessor(t, `record_types: [WEAP]`)

	noName := service.NewMessage([]byte{1, 2, 3})
	badOrder := pluginMessage("Bad.esp", "first", 0, nil)
	empty := service.NewMessage(nil)
	empty.MetaSet("plugin_name", "Empty.esp")
	good := pluginMessage("Base.esm", "0", espformat.FlagMaster, nil, weapon(0x00000800, "Sword", 0))

	batches, err := p.ProcessBatch(context.Background(), service.MessageBatch{noName, badOrder, empty, good})
	require.NoError(t, err)
	out := batches[0]
	require.Len(t, out, 4)

	assert.Equal(t, "0x00000800", decoded(t, out[0]).Meta.FormID)
	assert.ErrorContains(t, out[1].GetError(), "missing plugin_name metadata")
	assert.ErrorContains(t, out[2].GetError(), "load_order metadata")
	assert.ErrorContains(t, out[3].GetError(), "empty plugin")
}

func TestESPScanProcessor_OnlyRejected(t *testing.T) {
	p := newProcessor(t, `{}`)

	batches, err := p.ProcessBatch(context.Background(), service.MessageBatch{service.NewMessage([]byte("x"))})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Error(t, batches[0][0].GetError())

	batches, err = p.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestESPScanProcessor_DuplicateLoadOrderFailsBatch(t *testing.T) {
	p := newProcessor(t, `{}`)

	batch := service.MessageBatch{
		pluginMessage("A.esp", "3", 0, nil),
		pluginMessage("B.esp", "3", 0, nil),
	}
	_, err := p.ProcessBatch(context.Background(), batch)
	assert.ErrorIs(t, err, scan.ErrConfig)
}

func TestESPScanProcessor_SchemaCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, fieldschema.DefaultRegistryYAML(), 0o644))

	p := newProcessor(t, fmt.Sprintf(`
decode: true
schema_path: %s
schema_meta: schema
`, path))
	assert.Equal(t, 1, p.schemas.Len(), "configured schema is loaded at startup")

	first, err := p.loadSchema(path)
	require.NoError(t, err)
	again, err := p.loadSchema(path)
	require.NoError(t, err)
	assert.Same(t, first, again)

	batch := loadOrderBatch()
	batch[0].MetaSet("schema", "")
	_, err = p.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, p.schemas.Len(), "empty override keeps the configured schema")

	batch = loadOrderBatch()
	batch[0].MetaSet("schema", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = p.ProcessBatch(context.Background(), batch)
	assert.ErrorContains(t, err, "failed to load schema")
}

func TestESPScanProcessor_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		conf string
		want string
	}{
		{"workers", `max_workers: 0`, "max_workers must be positive"},
		{"cache", `schema_cache_size: 0`, "schema_cache_size must be positive"},
		{"record type", `record_types: [WEAPON]`, "not a four character tag"},
		{"schema", `{decode: true, schema_path: /does/not/exist.yaml}`, "failed to load schema"},
		{"log level", `scan_log_level: loud`, "scan_log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pConf, err := espscanProcessorConfig().ParseYAML(tt.conf, nil)
			require.NoError(t, err)
			_, err = newESPScanProcessorFromConfig(pConf, service.MockResources())
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
