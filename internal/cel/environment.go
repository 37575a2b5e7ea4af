// Package cel compiles and evaluates the CEL expressions used as field transforms. An
// expression sees the decoded field as the variable `value`.
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// ValueVar is the name a transform expression uses for the decoded field.
const ValueVar = "value"

// NewEnvironment creates the CEL environment shared by all transform expressions.
func NewEnvironment() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.CustomTypeAdapter(NewFieldTypeAdapter()),
		cel.Variable(ValueVar, cel.DynType),
		cel.StdLib(),
		bitwiseFunctions(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// FieldTypeAdapter extends the default adapter with the fixed-width numeric types the
// field decoder produces.
type FieldTypeAdapter struct {
	types.Adapter
}

// NewFieldTypeAdapter wraps types.DefaultTypeAdapter.
func NewFieldTypeAdapter() *FieldTypeAdapter {
	return &FieldTypeAdapter{Adapter: types.DefaultTypeAdapter}
}

// NativeToValue converts small Go integers and float32 before deferring to the default adapter.
func (a *FieldTypeAdapter) NativeToValue(value any) ref.Val {
	switch v := value.(type) {
	case int8:
		return types.Int(v)
	case int16:
		return types.Int(v)
	case int32:
		return types.Int(v)
	case uint8:
		return types.Int(v)
	case uint16:
		return types.Int(v)
	case uint32:
		return types.Int(v)
	case float32:
		return types.Double(v)
	case []any:
		out := make([]ref.Val, len(v))
		for i, e := range v {
			out[i] = a.NativeToValue(e)
		}
		return types.NewRefValList(a, out)
	default:
		return a.Adapter.NativeToValue(value)
	}
}
