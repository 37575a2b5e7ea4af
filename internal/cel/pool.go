package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// ProgramPool caches compiled transform programs by expression text. It is safe for
// concurrent use; programs are immutable once compiled.
type ProgramPool struct {
	mu       sync.RWMutex
	programs map[string]cel.Program
	env      *cel.Env
}

// NewProgramPool creates a pool over NewEnvironment.
func NewProgramPool() (*ProgramPool, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	return NewProgramPoolWithEnv(env)
}

// NewProgramPoolWithEnv creates a pool over a caller-built environment, which must declare
// ValueVar.
func NewProgramPoolWithEnv(env *cel.Env) (*ProgramPool, error) {
	if env == nil {
		return nil, fmt.Errorf("CEL environment cannot be nil")
	}
	return &ProgramPool{env: env, programs: make(map[string]cel.Program)}, nil
}

// Program returns the compiled program for expr, compiling it on first use.
func (p *ProgramPool) Program(expr string) (cel.Program, error) {
	p.mu.RLock()
	prg, ok := p.programs[expr]
	p.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expr, issues.Err())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %q: %w", expr, err)
	}

	p.mu.Lock()
	if existing, ok := p.programs[expr]; ok {
		prg = existing
	} else {
		p.programs[expr] = prg
	}
	p.mu.Unlock()
	return prg, nil
}

// Eval runs expr with value bound to ValueVar and returns the result as a Go value.
func (p *ProgramPool) Eval(expr string, value any) (any, error) {
	prg, err := p.Program(expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(map[string]any{ValueVar: value})
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expr, err)
	}
	return fromRefVal(out)
}

// Len reports the number of cached programs.
func (p *ProgramPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.programs)
}

func fromRefVal(val ref.Val) (any, error) {
	if val == nil {
		return nil, nil
	}
	if types.IsError(val) {
		return nil, fmt.Errorf("CEL error: %v", val)
	}
	if types.IsUnknown(val) {
		return nil, fmt.Errorf("unknown CEL value")
	}
	return adaptResult(val), nil
}

// adaptResult converts CEL values into plain Go values suitable for JSON output.
func adaptResult(val ref.Val) any {
	switch v := val.(type) {
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.Bool:
		return bool(v)
	case types.String:
		return string(v)
	case types.Bytes:
		return []byte(v)
	case types.Null:
		return nil
	}
	if lister, ok := val.(traits.Lister); ok {
		size := lister.Size().(types.Int)
		out := make([]any, size)
		for i := types.Int(0); i < size; i++ {
			out[i] = adaptResult(lister.Get(i))
		}
		return out
	}
	if mapper, ok := val.(traits.Mapper); ok {
		out := make(map[string]any)
		it := mapper.Iterator()
		for it.HasNext() == types.True {
			key := it.Next()
			name, ok := key.Value().(string)
			if !ok {
				name = fmt.Sprintf("%v", key.Value())
			}
			out[name] = adaptResult(mapper.Get(key))
		}
		return out
	}
	return val.Value()
}
