package config

import (
	"errors"
	"fmt"
	"strings"
)

// RuleDefinition describes one batch rule.
type RuleDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Troubleshoot wraps the rule so failures return the original batch
	// with an error message instead of failing.
	Troubleshoot bool              `yaml:"troubleshoot,omitempty"`
	Events       []EventStepConfig `yaml:"events,omitempty"`
	Batch        []BatchStepConfig `yaml:"batch,omitempty"`
}

// EventStepConfig holds exactly one per-event step.
type EventStepConfig struct {
	Rename           *RenameConfig         `yaml:"rename,omitempty"`
	RenameMapping    *RenameMappingConfig  `yaml:"renameMapping,omitempty"`
	Scale            *ScaleConfig          `yaml:"scale,omitempty"`
	Drop             *DropConfig           `yaml:"drop,omitempty"`
	RequireAttribute *AttributeMatchConfig `yaml:"requireAttribute,omitempty"`
	CEL              *EventCELConfig       `yaml:"cel,omitempty"`
}

// BatchStepConfig holds exactly one batch-level step.
type BatchStepConfig struct {
	Normalize       *NormalizeConfig `yaml:"normalize,omitempty"`
	RequirePlatform string           `yaml:"requirePlatform,omitempty"`
	Filter          *FilterConfig    `yaml:"filter,omitempty"`
	CEL             *BatchCELConfig  `yaml:"cel,omitempty"`
}

type RenameConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// RenameMappingConfig maps current event names to the names a downstream
// consumer expects. With Strict, unmapped names exclude the event.
type RenameMappingConfig struct {
	Mapping map[string]string `yaml:"mapping"`
	Strict  bool              `yaml:"strict,omitempty"`
}

// ScaleConfig derives custom_attributes[To] = custom_attributes[From] / Divisor.
type ScaleConfig struct {
	From    string  `yaml:"from"`
	To      string  `yaml:"to"`
	Divisor float64 `yaml:"divisor"`
}

type DropConfig struct {
	Names []string `yaml:"names"`
}

type AttributeMatchConfig struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// EventCELConfig is either a drop predicate or an attribute assignment.
type EventCELConfig struct {
	Drop string        `yaml:"drop,omitempty"`
	Set  *CELSetConfig `yaml:"set,omitempty"`
}

type CELSetConfig struct {
	Attribute string `yaml:"attribute"`
	Expr      string `yaml:"expr"`
}

// NormalizeConfig rewrites a user attribute to Value when it matches one of
// Variants, ignoring case.
type NormalizeConfig struct {
	Attribute string   `yaml:"attribute"`
	Variants  []string `yaml:"variants"`
	Value     string   `yaml:"value"`
}

// FilterConfig removes events by name as a single batch operation.
type FilterConfig struct {
	DropNames []string `yaml:"dropNames"`
}

type BatchCELConfig struct {
	Drop string `yaml:"drop"`
}

// FieldError is a single validation problem.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// Problems returns every validation problem in the definition.
func (d *RuleDefinition) Problems() []*FieldError {
	var errs []*FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(d.Name) == "" {
		add("name", "is required")
	}
	if len(d.Events) == 0 && len(d.Batch) == 0 {
		add("events", "rule has no steps")
	}

	for i, s := range d.Events {
		field := fmt.Sprintf("events[%d]", i)
		kinds := s.kinds()
		if len(kinds) != 1 {
			add(field, "expected exactly one step kind, got %d (%s)", len(kinds), strings.Join(kinds, ", "))
			continue
		}
		switch {
		case s.Rename != nil:
			if s.Rename.From == "" {
				add(field+".rename.from", "is required")
			}
		case s.RenameMapping != nil:
			if len(s.RenameMapping.Mapping) == 0 {
				add(field+".renameMapping.mapping", "cannot be empty")
			}
		case s.Scale != nil:
			if s.Scale.From == "" {
				add(field+".scale.from", "is required")
			}
			if s.Scale.To == "" {
				add(field+".scale.to", "is required")
			}
			if s.Scale.Divisor == 0 {
				add(field+".scale.divisor", "must be non-zero")
			}
		case s.Drop != nil:
			if len(s.Drop.Names) == 0 {
				add(field+".drop.names", "cannot be empty")
			}
		case s.RequireAttribute != nil:
			if s.RequireAttribute.Key == "" {
				add(field+".requireAttribute.key", "is required")
			}
		case s.CEL != nil:
			hasDrop, hasSet := s.CEL.Drop != "", s.CEL.Set != nil
			if hasDrop == hasSet {
				add(field+".cel", "set exactly one of drop or set")
			} else if hasSet && (s.CEL.Set.Attribute == "" || s.CEL.Set.Expr == "") {
				add(field+".cel.set", "attribute and expr are required")
			}
		}
	}

	for i, s := range d.Batch {
		field := fmt.Sprintf("batch[%d]", i)
		kinds := s.kinds()
		if len(kinds) != 1 {
			add(field, "expected exactly one step kind, got %d (%s)", len(kinds), strings.Join(kinds, ", "))
			continue
		}
		switch {
		case s.Normalize != nil:
			if s.Normalize.Attribute == "" {
				add(field+".normalize.attribute", "is required")
			}
			if len(s.Normalize.Variants) == 0 {
				add(field+".normalize.variants", "cannot be empty")
			}
		case s.Filter != nil:
			if len(s.Filter.DropNames) == 0 {
				add(field+".filter.dropNames", "cannot be empty")
			}
		case s.CEL != nil:
			if s.CEL.Drop == "" {
				add(field+".cel.drop", "is required")
			}
		}
	}
	return errs
}

// Validate returns all problems joined, or nil.
func (d *RuleDefinition) Validate() error {
	problems := d.Problems()
	if len(problems) == 0 {
		return nil
	}
	errs := make([]error, len(problems))
	for i, p := range problems {
		errs[i] = p
	}
	return fmt.Errorf("invalid rule %q: %w", d.Name, errors.Join(errs...))
}

// Kind returns the configured step kind.
func (s EventStepConfig) Kind() string {
	if kinds := s.kinds(); len(kinds) == 1 {
		return kinds[0]
	}
	return ""
}

func (s EventStepConfig) kinds() []string {
	var kinds []string
	if s.Rename != nil {
		kinds = append(kinds, "rename")
	}
	if s.RenameMapping != nil {
		kinds = append(kinds, "renameMapping")
	}
	if s.Scale != nil {
		kinds = append(kinds, "scale")
	}
	if s.Drop != nil {
		kinds = append(kinds, "drop")
	}
	if s.RequireAttribute != nil {
		kinds = append(kinds, "requireAttribute")
	}
	if s.CEL != nil {
		kinds = append(kinds, "cel")
	}
	return kinds
}

// Kind returns the configured step kind.
func (s BatchStepConfig) Kind() string {
	if kinds := s.kinds(); len(kinds) == 1 {
		return kinds[0]
	}
	return ""
}

func (s BatchStepConfig) kinds() []string {
	var kinds []string
	if s.Normalize != nil {
		kinds = append(kinds, "normalize")
	}
	if s.RequirePlatform != "" {
		kinds = append(kinds, "requirePlatform")
	}
	if s.Filter != nil {
		kinds = append(kinds, "filter")
	}
	if s.CEL != nil {
		kinds = append(kinds, "cel")
	}
	return kinds
}
