// Package ruleset turns rule definitions into runnable handlers.
package ruleset

import (
	"fmt"

	"github.com/lsm/batchrules/internal/config"
	"github.com/lsm/batchrules/internal/rule"
	celrule "github.com/lsm/batchrules/internal/rule/cel"
)

// Build converts def into a handler. Options are applied to the rule and,
// when def.Troubleshoot is set, to the troubleshooting wrapper.
func Build(def *config.RuleDefinition, opts ...rule.Option) (rule.Handler, error) {
	if def == nil {
		return nil, fmt.Errorf("nil rule definition")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	eventSteps := make([]rule.EventStep, 0, len(def.Events))
	for i, sc := range def.Events {
		step, err := buildEventStep(sc)
		if err != nil {
			return nil, fmt.Errorf("rule %q events[%d]: %w", def.Name, i, err)
		}
		eventSteps = append(eventSteps, step)
	}

	batchSteps := make([]rule.BatchStep, 0, len(def.Batch))
	for i, sc := range def.Batch {
		step, err := buildBatchStep(sc)
		if err != nil {
			return nil, fmt.Errorf("rule %q batch[%d]: %w", def.Name, i, err)
		}
		batchSteps = append(batchSteps, step)
	}

	ruleOpts := append([]rule.Option{
		rule.WithEventSteps(eventSteps...),
		rule.WithBatchSteps(batchSteps...),
	}, opts...)
	r := rule.New(def.Name, ruleOpts...)

	if def.Troubleshoot {
		return rule.Troubleshoot(r, opts...), nil
	}
	return r, nil
}

func buildEventStep(sc config.EventStepConfig) (rule.EventStep, error) {
	switch {
	case sc.Rename != nil:
		return rule.RenameEvent(sc.Rename.From, sc.Rename.To), nil
	case sc.RenameMapping != nil:
		return rule.RenameEvents(sc.RenameMapping.Mapping, sc.RenameMapping.Strict), nil
	case sc.Scale != nil:
		return rule.ScaleAttribute(sc.Scale.From, sc.Scale.To, sc.Scale.Divisor), nil
	case sc.Drop != nil:
		return rule.DropNames(sc.Drop.Names...), nil
	case sc.RequireAttribute != nil:
		return rule.RequireAttribute(sc.RequireAttribute.Key, sc.RequireAttribute.Value), nil
	case sc.CEL != nil && sc.CEL.Drop != "":
		step, err := celrule.DropEventsWhen(sc.CEL.Drop)
		if err != nil {
			return rule.EventStep{}, fmt.Errorf("cel drop: %w", err)
		}
		return step, nil
	case sc.CEL != nil && sc.CEL.Set != nil:
		step, err := celrule.SetAttribute(sc.CEL.Set.Attribute, sc.CEL.Set.Expr)
		if err != nil {
			return rule.EventStep{}, fmt.Errorf("cel set %s: %w", sc.CEL.Set.Attribute, err)
		}
		return step, nil
	default:
		return rule.EventStep{}, fmt.Errorf("unsupported event step: %q", sc.Kind())
	}
}

func buildBatchStep(sc config.BatchStepConfig) (rule.BatchStep, error) {
	switch {
	case sc.Normalize != nil:
		return rule.NormalizeUserAttribute(sc.Normalize.Attribute, sc.Normalize.Variants, sc.Normalize.Value), nil
	case sc.RequirePlatform != "":
		return rule.RequirePlatform(sc.RequirePlatform), nil
	case sc.Filter != nil:
		return rule.FilterEvents("filter", rule.NameIn(sc.Filter.DropNames...)), nil
	case sc.CEL != nil:
		step, err := celrule.DropBatchWhen(sc.CEL.Drop)
		if err != nil {
			return rule.BatchStep{}, fmt.Errorf("cel drop: %w", err)
		}
		return step, nil
	default:
		return rule.BatchStep{}, fmt.Errorf("unsupported batch step: %q", sc.Kind())
	}
}
