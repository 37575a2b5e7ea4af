package cel

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// bitwiseFunctions returns CEL declarations for the bit operations field transforms need
// to pick apart packed flag words.
func bitwiseFunctions() cel.EnvOption {
	return cel.Lib(&bitwiseLib{})
}

// toBits promotes a numeric CEL value to uint64.
func toBits(v ref.Val) (uint64, bool) {
	switch n := v.(type) {
	case types.Int:
		return uint64(n), true
	case types.Uint:
		return uint64(n), true
	case types.Double:
		return uint64(n), true
	}
	return 0, false
}

func bitResult(v uint64) ref.Val {
	if v <= uint64(^uint64(0)>>1) {
		return types.Int(v)
	}
	return types.Uint(v)
}

func bitwiseOp(op func(a, b uint64) uint64) func(lhs, rhs ref.Val) ref.Val {
	return func(lhs, rhs ref.Val) ref.Val {
		l, lok := toBits(lhs)
		r, rok := toBits(rhs)
		if !lok || !rok {
			return types.NewErr("bitwise arguments must be numeric, got %T and %T", lhs.Value(), rhs.Value())
		}
		return bitResult(op(l, r))
	}
}

type bitwiseLib struct{}

func (*bitwiseLib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("bitAnd",
			cel.Overload("bitand_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DynType,
				cel.BinaryBinding(bitwiseOp(func(a, b uint64) uint64 { return a & b })),
			),
		),
		cel.Function("bitOr",
			cel.Overload("bitor_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DynType,
				cel.BinaryBinding(bitwiseOp(func(a, b uint64) uint64 { return a | b })),
			),
		),
		cel.Function("bitShiftRight",
			cel.Overload("bitshiftright_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DynType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					n, ok := rhs.(types.Int)
					if !ok || n < 0 {
						return types.NewErr("shift amount must be a non-negative int, got %v", rhs.Value())
					}
					return bitwiseOp(func(a, _ uint64) uint64 { return a >> uint(n) })(lhs, rhs)
				}),
			),
		),
		cel.Function("hasFlag",
			cel.Overload("hasflag_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					l, lok := toBits(lhs)
					r, rok := toBits(rhs)
					if !lok || !rok {
						return types.NewErr("hasFlag arguments must be numeric")
					}
					return types.Bool(r != 0 && l&r == r)
				}),
			),
		),
	}
}

func (*bitwiseLib) ProgramOptions() []cel.ProgramOption {
	return []cel.ProgramOption{}
}
