package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lsm/batchrules/internal/config"
	"github.com/lsm/batchrules/internal/ruleset"
)

const defaultRulesDir = "rules"

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate rule files",
		Long: `Validate every rule YAML file in a directory (default: ./rules), or a single
rule file. Each rule is parsed, checked and built, so CEL expressions are
compiled as well.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultRulesDir
			if len(args) > 0 && args[0] != "" {
				path = args[0]
			}
			return a.validate(cmd.OutOrStdout(), cmd.ErrOrStderr(), path)
		},
	}
}

type validationError struct {
	File    string
	Field   string
	Message string
}

func (a *app) validate(out, errOut io.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = config.RuleFiles(path)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", path, err)
		}
		if len(files) == 0 {
			fmt.Fprintf(errOut, "warning: no YAML files found in %s\n", path)
			return nil
		}
	}

	var allErrors []validationError
	seen := make(map[string]string)
	for _, file := range files {
		name, errs := a.validateRuleFile(file)
		if name != "" && len(errs) == 0 {
			if first, dup := seen[name]; dup {
				errs = append(errs, validationError{File: file, Field: "name", Message: fmt.Sprintf("rule %q is also defined in %s", name, first)})
			} else {
				seen[name] = file
			}
		}
		allErrors = append(allErrors, errs...)
	}
	fmt.Fprintf(out, "Validated %d rule file(s) in %s\n", len(files), path)

	if len(allErrors) == 0 {
		fmt.Fprintln(out, "All rules are valid.")
		return nil
	}

	fmt.Fprintf(errOut, "Found %d validation error(s):\n\n", len(allErrors))
	for _, ve := range allErrors {
		fmt.Fprintf(errOut, "  %s\n    field: %s\n    error: %s\n\n", ve.File, ve.Field, ve.Message)
	}
	return fmt.Errorf("%d validation error(s) found", len(allErrors))
}

// validateRuleFile returns the rule name, when it could be read, and every
// problem found in the file.
func (a *app) validateRuleFile(path string) (string, []validationError) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", []validationError{{File: path, Field: "-", Message: fmt.Sprintf("read error: %v", err)}}
	}

	def, err := config.Decode(data)
	if err != nil {
		msg := fmt.Sprintf("YAML parse error: %v", err)
		errMsg := err.Error()
		if strings.Contains(errMsg, "mapping values") || strings.Contains(errMsg, "did not find expected key") {
			msg += "\n\nHint: If a CEL expression contains ':' or '?', quote the entire expression as a string.\n" +
				"Example: change `drop: has(event.data) ? false : true` to `drop: \"has(event.data) ? false : true\"`"
		}
		return "", []validationError{{File: path, Field: "-", Message: msg}}
	}

	var errs []validationError
	for _, p := range def.Problems() {
		errs = append(errs, validationError{File: path, Field: p.Field, Message: p.Message})
	}
	if len(errs) > 0 {
		return def.Name, errs
	}

	if _, err := ruleset.Build(def, a.ruleOptions()...); err != nil {
		errs = append(errs, validationError{File: path, Field: inferField(err.Error()), Message: err.Error()})
	}
	return def.Name, errs
}

// inferField extracts the step reference from a build error such as
// `rule "x" events[1]: cel drop: ...`.
func inferField(msg string) string {
	for _, part := range strings.Fields(msg) {
		part = strings.TrimSuffix(part, ":")
		if strings.HasPrefix(part, "events[") || strings.HasPrefix(part, "batch[") {
			return part
		}
	}
	return "-"
}
