package oplang

import (
	"fmt"
	"math"
	"sync"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Names of the functions whose implementation depends on the call.
const (
	ReportFunc = "report"
	AtFunc     = "at"
)

// Env is the function table operators are compiled and run against. Named
// layers (type methods, extension functions) sit over the builtin library;
// layers are applied in the order they were first set, so a later layer wins
// on a name clash.
type Env struct {
	mu     sync.RWMutex
	order  []string
	layers map[string]map[string]function.Function
}

// BuiltinLayer is the name of the layer holding the builtin library.
const BuiltinLayer = "builtin"

// NewEnv returns an Env holding the builtin library.
func NewEnv() *Env {
	e := &Env{layers: make(map[string]map[string]function.Function)}
	e.SetLayer(BuiltinLayer, builtinFunctions())
	return e
}

// SetLayer installs or replaces the named layer.
func (e *Env) SetLayer(name string, fns map[string]function.Function) {
	cp := make(map[string]function.Function, len(fns))
	for k, v := range fns {
		cp[k] = v
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.layers[name]; !ok {
		e.order = append(e.order, name)
	}
	e.layers[name] = cp
}

// Functions flattens the table.
func (e *Env) Functions() map[string]function.Function {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]function.Function)
	for _, name := range e.order {
		for k, v := range e.layers[name] {
			out[k] = v
		}
	}
	return out
}

// FunctionNames returns the set of callable names, including the per-call
// functions.
func (e *Env) FunctionNames() map[string]struct{} {
	out := map[string]struct{}{ReportFunc: {}, AtFunc: {}}
	for k := range e.Functions() {
		out[k] = struct{}{}
	}
	return out
}

func builtinFunctions() map[string]function.Function {
	return map[string]function.Function{
		"abs":      stdlib.AbsoluteFunc,
		"ceil":     stdlib.CeilFunc,
		"floor":    stdlib.FloorFunc,
		"max":      stdlib.MaxFunc,
		"min":      stdlib.MinFunc,
		"pow":      stdlib.PowFunc,
		"log":      stdlib.LogFunc,
		"signum":   stdlib.SignumFunc,
		"upper":    stdlib.UpperFunc,
		"lower":    stdlib.LowerFunc,
		"format":   stdlib.FormatFunc,
		"join":     stdlib.JoinFunc,
		"concat":   stdlib.ConcatFunc,
		"length":   stdlib.LengthFunc,
		"coalesce": stdlib.CoalesceFunc,
		"element":  stdlib.ElementFunc,
		"range":    stdlib.RangeFunc,
		"split":    stdlib.SplitFunc,
		"sqrt":     unaryFloat("sqrt", math.Sqrt),
		"sin":      unaryFloat("sin", math.Sin),
		"cos":      unaryFloat("cos", math.Cos),
		"tan":      unaryFloat("tan", math.Tan),
		"clamp":    clampFunc,
	}
}

func unaryFloat(name string, fn func(float64) float64) function.Function {
	return function.New(&function.Spec{
		Description: fmt.Sprintf("Returns %s of the given number.", name),
		Params:      []function.Parameter{{Name: "num", Type: cty.Number}},
		Type:        function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			f, _ := args[0].AsBigFloat().Float64()
			r := fn(f)
			if math.IsNaN(r) {
				return cty.NilVal, function.NewArgErrorf(0, "%s is undefined for %v", name, f)
			}
			return cty.NumberFloatVal(r), nil
		},
	})
}

var clampFunc = function.New(&function.Spec{
	Description: "Limits a number to the closed interval [lo, hi].",
	Params: []function.Parameter{
		{Name: "num", Type: cty.Number},
		{Name: "lo", Type: cty.Number},
		{Name: "hi", Type: cty.Number},
	},
	Type: function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		v, lo, hi := args[0], args[1], args[2]
		if v.LessThan(lo).True() {
			return lo, nil
		}
		if v.GreaterThan(hi).True() {
			return hi, nil
		}
		return v, nil
	},
})

// reportFunc sends its argument to sink and returns it unchanged.
func reportFunc(sink func(string)) function.Function {
	return function.New(&function.Spec{
		Description: "Reports a message to the client's report callback.",
		Params: []function.Parameter{{
			Name:             "message",
			Type:             cty.DynamicPseudoType,
			AllowNull:        true,
			AllowDynamicType: true,
		}},
		Type: func(args []cty.Value) (cty.Type, error) { return args[0].Type(), nil },
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			if sink != nil {
				sink(formatValue(args[0]))
			}
			return args[0], nil
		},
	})
}

// atFunc indexes a list. Guarded calls fail outside the bounds; unguarded
// calls clamp the index.
func atFunc(guarded bool) function.Function {
	return function.New(&function.Spec{
		Description: "Returns the element of a list at an index.",
		Params: []function.Parameter{
			{Name: "list", Type: cty.DynamicPseudoType},
			{Name: "index", Type: cty.Number},
		},
		Type: func(args []cty.Value) (cty.Type, error) {
			ty := args[0].Type()
			switch {
			case ty.IsListType():
				return ty.ElementType(), nil
			case ty.IsTupleType():
				return cty.DynamicPseudoType, nil
			}
			return cty.NilType, function.NewArgErrorf(0, "at() needs a list, got %s", ty.FriendlyName())
		},
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			list := args[0]
			n := list.LengthInt()
			bf := args[1].AsBigFloat()
			idx, _ := bf.Int64()
			if idx < 0 || idx >= int64(n) {
				if guarded || n == 0 {
					return cty.NilVal, dgerr.New(dgerr.SizeMismatch, "at", "index %d out of range [0,%d)", idx, n)
				}
				idx = max(0, min(idx, int64(n-1)))
			}
			return list.Index(cty.NumberIntVal(idx)), nil
		},
	})
}

func formatValue(v cty.Value) string {
	if v.IsNull() {
		return "null"
	}
	if !v.IsKnown() {
		return "(unknown)"
	}
	switch {
	case v.Type() == cty.String:
		return v.AsString()
	case v.Type() == cty.Number:
		return v.AsBigFloat().Text('g', -1)
	case v.Type() == cty.Bool:
		if v.True() {
			return "true"
		}
		return "false"
	}
	b, err := stdlib.JSONEncode(v)
	if err != nil {
		return v.GoString()
	}
	return b.AsString()
}
