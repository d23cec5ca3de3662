// Package templates provides the reference batch rules: a legacy event
// renamer, a combined example rule and a troubleshooting filter.
package templates

import (
	"github.com/lsm/batchrules/internal/rule"
)

// Rule names.
const (
	LegacyRenamerName   = "legacy-renamer"
	MainExampleName     = "main-example"
	TroubleshootingName = "troubleshooting"
)

// DefaultLegacyMapping maps current event names to the names expected by a
// legacy downstream consumer.
var DefaultLegacyMapping = map[string]string{
	"new_name1": "legacy_name1",
	"new_name2": "legacy_name2",
	"new_name3": "legacy_name3",
}

// DefaultTroubleshootingDrops are the event names removed by Troubleshooting
// when called without arguments.
var DefaultTroubleshootingDrops = []string{"Drop this event", "And this one"}

// LegacyRenamer renames mapped events and leaves everything else alone.
// A nil mapping uses DefaultLegacyMapping.
func LegacyRenamer(mapping map[string]string, opts ...rule.Option) *rule.Rule {
	if mapping == nil {
		mapping = DefaultLegacyMapping
	}
	opts = append([]rule.Option{rule.WithEventSteps(rule.RenameEvents(mapping, false))}, opts...)
	return rule.New(LegacyRenamerName, opts...)
}

// MainExample renames "Test Event" to "Other", derives speed in seconds from
// timing in milliseconds, normalises US country spellings to "USA" and drops
// every batch not coming from iOS.
func MainExample(opts ...rule.Option) *rule.Rule {
	opts = append([]rule.Option{
		rule.WithEventSteps(
			rule.RenameEvent("Test Event", "Other"),
			rule.ScaleAttribute("timing", "speed", 1000),
		),
		rule.WithBatchSteps(
			rule.NormalizeUserAttribute("$Country", []string{"united states", "united states of america"}, "USA"),
			rule.RequirePlatform("iOS"),
		),
	}, opts...)
	return rule.New(MainExampleName, opts...)
}

// Troubleshooting filters out the named events inside a troubleshooting
// wrapper. With no names it uses DefaultTroubleshootingDrops.
func Troubleshooting(dropNames []string, opts ...rule.Option) *rule.Troubleshooter {
	if len(dropNames) == 0 {
		dropNames = DefaultTroubleshootingDrops
	}
	inner := rule.New(TroubleshootingName, append([]rule.Option{
		rule.WithBatchSteps(rule.FilterEvents("filter", rule.NameIn(dropNames...))),
	}, opts...)...)
	return rule.Troubleshoot(inner, opts...)
}

// All returns every reference rule keyed by name.
func All(opts ...rule.Option) map[string]rule.Handler {
	return map[string]rule.Handler{
		LegacyRenamerName:   LegacyRenamer(nil, opts...),
		MainExampleName:     MainExample(opts...),
		TroubleshootingName: Troubleshooting(nil, opts...),
	}
}
