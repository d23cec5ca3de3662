package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lsm/batchrules/internal/templates"
)

func newInitCmd(_ *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold the reference rules and a sample batch",
		Long: `Write the reference rules (legacy-renamer, main-example, troubleshooting)
into dir (default: ./rules) and a sample-batch.json next to it. Existing
files are kept unless --force is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := defaultRulesDir
			if len(args) > 0 && args[0] != "" {
				dir = args[0]
			}

			written, err := templates.WriteRules(dir, force)
			if err != nil {
				return err
			}

			samplePath := filepath.Join(filepath.Dir(filepath.Clean(dir)), templates.SampleBatchFile)
			if _, err := os.Stat(samplePath); force || os.IsNotExist(err) {
				if err := os.WriteFile(samplePath, templates.SampleBatch(), 0644); err != nil {
					return fmt.Errorf("write %s: %w", samplePath, err)
				}
				written = append(written, samplePath)
			}

			w := cmd.OutOrStdout()
			if len(written) == 0 {
				fmt.Fprintf(w, "Nothing to do, %s is already initialized.\n", dir)
				return nil
			}
			for _, p := range written {
				fmt.Fprintf(w, "  created %s\n", p)
			}
			fmt.Fprintln(w, "")
			fmt.Fprintln(w, "Next steps:")
			fmt.Fprintf(w, "  batchrules validate %s\n", dir)
			fmt.Fprintf(w, "  batchrules test --rule %s --input %s\n", filepath.Join(dir, "main-example.yaml"), samplePath)
			fmt.Fprintf(w, "  batchrules watch --rules %s --input %s\n", dir, samplePath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	return cmd
}
