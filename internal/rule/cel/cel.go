package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/lsm/batchrules/internal/batch"
	"github.com/lsm/batchrules/internal/rule"
)

// Variable names bound in expressions.
const (
	VarEvent = "event"
	VarBatch = "batch"
)

// Program is a compiled expression evaluated against one variable.
type Program struct {
	expr    string
	varName string
	program cel.Program
}

// Compile compiles expression with varName bound to a dynamic value.
// The environment carries the strings, encoders and math extensions.
func Compile(varName, expression string) (*Program, error) {
	env, err := cel.NewEnv(
		cel.Variable(varName, cel.DynType),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Program{expr: expression, varName: varName, program: prg}, nil
}

// Eval evaluates the program and converts the result to a native Go value.
func (p *Program) Eval(ctx context.Context, value map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}
	out, _, err := p.program.Eval(map[string]any{p.varName: value})
	if err != nil {
		return nil, fmt.Errorf("cel eval %q: %w", p.expr, err)
	}
	return toNative(out), nil
}

// EvalBool evaluates the program and requires a boolean result.
func (p *Program) EvalBool(ctx context.Context, value map[string]any) (bool, error) {
	v, err := p.Eval(ctx, value)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("cel eval %q: expected bool, got %T", p.expr, v)
	}
	return b, nil
}

// DropEventsWhen drops every event for which expression is true.
// Example: event.data.event_name.startsWith("debug_")
func DropEventsWhen(expression string) (rule.EventStep, error) {
	p, err := Compile(VarEvent, expression)
	if err != nil {
		return rule.EventStep{}, err
	}
	return rule.EventStep{
		Name: "celDrop",
		Fn: func(ctx context.Context, e *batch.Event) (rule.Verdict, error) {
			view, err := e.Map()
			if err != nil {
				return rule.Drop, err
			}
			drop, err := p.EvalBool(ctx, view)
			if err != nil {
				return rule.Drop, err
			}
			if drop {
				return rule.Drop, nil
			}
			return rule.Keep, nil
		},
	}, nil
}

// SetAttribute stores the result of expression in custom_attributes[attr].
// Example: double(event.data.custom_attributes.timing) / 1000.0
func SetAttribute(attr, expression string) (rule.EventStep, error) {
	p, err := Compile(VarEvent, expression)
	if err != nil {
		return rule.EventStep{}, err
	}
	return rule.EventStep{
		Name: "celSet",
		Fn: func(ctx context.Context, e *batch.Event) (rule.Verdict, error) {
			view, err := e.Map()
			if err != nil {
				return rule.Drop, err
			}
			v, err := p.Eval(ctx, view)
			if err != nil {
				return rule.Drop, err
			}
			if e.Data.CustomAttributes == nil {
				e.Data.CustomAttributes = make(map[string]any)
			}
			e.Data.CustomAttributes[attr] = v
			return rule.Keep, nil
		},
	}, nil
}

// DropBatchWhen drops the whole batch when expression is true.
// Example: batch.user_attributes["$Country"] == "Canada"
func DropBatchWhen(expression string) (rule.BatchStep, error) {
	p, err := Compile(VarBatch, expression)
	if err != nil {
		return rule.BatchStep{}, err
	}
	return rule.BatchStep{
		Name: "celDrop",
		Fn: func(ctx context.Context, b *batch.Batch) (rule.Verdict, error) {
			view, err := b.Map()
			if err != nil {
				return rule.Keep, err
			}
			drop, err := p.EvalBool(ctx, view)
			if err != nil {
				return rule.Keep, err
			}
			if drop {
				return rule.Drop, nil
			}
			return rule.Keep, nil
		},
	}, nil
}

// toNative recursively converts CEL ref.Val types to native Go types.
func toNative(val ref.Val) any {
	if _, ok := val.(types.Null); ok {
		return nil
	}

	switch v := val.(type) {
	case traits.Mapper:
		it := v.Iterator()
		m := make(map[string]any)
		for it.HasNext() == types.True {
			key := it.Next()
			m[fmt.Sprint(key.Value())] = toNative(v.Get(key))
		}
		return m
	case traits.Lister:
		it := v.Iterator()
		list := []any{}
		for it.HasNext() == types.True {
			list = append(list, toNative(it.Next()))
		}
		return list
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.String:
		return string(v)
	case types.Bool:
		return bool(v)
	default:
		return val.Value()
	}
}
