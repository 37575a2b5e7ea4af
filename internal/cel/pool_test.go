package cel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramPool_Eval(t *testing.T) {
	pool, err := NewProgramPool()
	require.NoError(t, err)

	tests := []struct {
		name     string
		expr     string
		value    any
		expected any
	}{
		{name: "scale float", expr: "value * 100.0", value: float32(0.5), expected: float64(50)},
		{name: "u16 arithmetic", expr: "value + 1", value: uint16(41), expected: int64(42)},
		{name: "u32 comparison", expr: "value > 10", value: uint32(11), expected: true},
		{name: "mask", expr: "bitAnd(value, 0xFF)", value: uint32(0x1234), expected: int64(0x34)},
		{name: "shift", expr: "bitShiftRight(value, 8)", value: uint32(0x1234), expected: int64(0x12)},
		{name: "has flag", expr: "hasFlag(value, 4)", value: uint8(6), expected: true},
		{name: "missing flag", expr: "hasFlag(value, 8)", value: uint8(6), expected: false},
		{name: "string", expr: "value + '!'", value: "Iron", expected: "Iron!"},
		{name: "list size", expr: "size(value)", value: []any{uint32(1), uint32(2)}, expected: int64(2)},
		{name: "map literal", expr: "{'raw': value}", value: int32(-3), expected: map[string]any{"raw": int64(-3)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := pool.Eval(tc.expr, tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestProgramPool_CompileError(t *testing.T) {
	pool, err := NewProgramPool()
	require.NoError(t, err)

	_, err = pool.Eval("value +", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile")
	assert.Equal(t, 0, pool.Len())
}

func TestProgramPool_EvalError(t *testing.T) {
	pool, err := NewProgramPool()
	require.NoError(t, err)

	_, err = pool.Eval("value / 0", int32(5))
	require.Error(t, err)
}

func TestProgramPool_CachesPrograms(t *testing.T) {
	pool, err := NewProgramPool()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := pool.Eval("value * 2", uint16(i))
			assert.NoError(t, err)
			assert.Equal(t, int64(i*2), got)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, pool.Len())
}

func TestNewProgramPoolWithEnv_Nil(t *testing.T) {
	_, err := NewProgramPoolWithEnv(nil)
	assert.Error(t, err)
}
