package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lsm/batchrules/internal/batch"
	"github.com/lsm/batchrules/internal/config"
	"github.com/lsm/batchrules/internal/rule"
	"github.com/lsm/batchrules/internal/ruleset"
)

// onErrorPolicy is what the invoking platform does with a batch whose rule
// failed.
type onErrorPolicy string

const (
	onErrorDrop    onErrorPolicy = "drop"
	onErrorForward onErrorPolicy = "forward"
)

func parseOnError(s string) (onErrorPolicy, error) {
	switch p := onErrorPolicy(s); p {
	case onErrorDrop, onErrorForward:
		return p, nil
	default:
		return "", fmt.Errorf("invalid --on-error %q: expected drop or forward", s)
	}
}

func newTestCmd(a *app) *cobra.Command {
	var rulePath, input, onError string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Dry-run one rule against a batch",
		Long: `Run a rule against one batch without any surrounding platform and print
the resulting batch.

The input is inline JSON, a path to a JSON file, or '-' for stdin. For a JSONL
file only the first line is used.

Examples:
  # Test with inline JSON
  batchrules test --rule rules/main-example.yaml --input '{"events":[{"data":{"event_name":"Test Event"}}]}'

  # Test with a JSON file
  batchrules test --rule rules/main-example.yaml --input sample-batch.json

  # Print the unmodified batch when the rule fails
  batchrules test --rule rules/main-example.yaml --input sample-batch.json --on-error forward`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, err := parseOnError(onError)
			if err != nil {
				return err
			}

			def, err := config.ParseFile(rulePath)
			if err != nil {
				return fmt.Errorf("load rule: %w", err)
			}
			h, err := ruleset.Build(def, a.ruleOptions()...)
			if err != nil {
				return fmt.Errorf("build rule: %w", err)
			}

			raw, err := loadInput(input, cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("load input: %w", err)
			}
			b, err := batch.Decode(raw)
			if err != nil {
				return fmt.Errorf("decode input: %w", err)
			}

			var (
				out    *batch.Batch
				runErr error
			)
			rule.Invoke(cmd.Context(), h, b, func(err error, result *batch.Batch) {
				out, runErr = result, err
			})

			w := cmd.OutOrStdout()
			switch {
			case runErr != nil && policy == onErrorForward:
				fmt.Fprintf(cmd.ErrOrStderr(), "rule %s failed, forwarding the unmodified batch: %v\n", def.Name, runErr)
				return printJSON(w, raw)
			case runErr != nil:
				return fmt.Errorf("rule %s failed, batch dropped: %w", def.Name, runErr)
			case out == nil:
				fmt.Fprintf(w, "Batch dropped by rule %s.\n", def.Name)
				return nil
			}

			encoded, err := out.Encode()
			if err != nil {
				return fmt.Errorf("encode output: %w", err)
			}
			return printJSON(w, encoded)
		},
	}

	cmd.Flags().StringVar(&rulePath, "rule", "", "Path to rule YAML file (required)")
	cmd.Flags().StringVar(&input, "input", "", "Input batch as JSON, a file path, or '-' for stdin (required)")
	cmd.Flags().StringVar(&onError, "on-error", string(onErrorDrop), "Platform behaviour when the rule fails: drop or forward")
	_ = cmd.MarkFlagRequired("rule")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// loadInput resolves --input: "-" reads stdin, an existing path reads the
// file's first line, anything else is inline JSON.
func loadInput(input string, stdin io.Reader) ([]byte, error) {
	if input == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}

	if _, err := os.Stat(input); err == nil {
		data, err := os.ReadFile(filepath.Clean(input))
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		if filepath.Ext(input) == ".jsonl" {
			if idx := bytes.IndexByte(data, '\n'); idx != -1 {
				data = data[:idx]
			}
		}
		return data, nil
	}

	return []byte(input), nil
}

func printJSON(w io.Writer, data []byte) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		return fmt.Errorf("format output: %w", err)
	}
	pretty.WriteByte('\n')
	_, err := w.Write(pretty.Bytes())
	return err
}
