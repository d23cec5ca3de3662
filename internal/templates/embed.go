package templates

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// FS holds the reference rules as YAML under rules/ and a sample batch.
//
//go:embed rules/*.yaml sample-batch.json
var FS embed.FS

// SampleBatchFile is the embedded sample batch path.
const SampleBatchFile = "sample-batch.json"

// RuleFiles lists the embedded rule file names in sorted order.
func RuleFiles() ([]string, error) {
	entries, err := fs.ReadDir(FS, "rules")
	if err != nil {
		return nil, fmt.Errorf("read embedded rules: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// RuleYAML returns the embedded YAML for a rule file name.
func RuleYAML(file string) ([]byte, error) {
	data, err := FS.ReadFile("rules/" + file)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s: %w", file, err)
	}
	return data, nil
}

// SampleBatch returns the embedded sample batch JSON.
func SampleBatch() []byte {
	data, _ := FS.ReadFile(SampleBatchFile) // always present
	return data
}

// WriteRules copies the embedded rule files into dir, creating it if needed.
// Existing files are left untouched unless overwrite is set. It returns the
// paths written.
func WriteRules(dir string, overwrite bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	files, err := RuleFiles()
	if err != nil {
		return nil, err
	}
	var written []string
	for _, name := range files {
		outPath := filepath.Join(dir, name)
		if !overwrite {
			if _, err := os.Stat(outPath); err == nil {
				continue
			}
		}
		data, err := RuleYAML(name)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(outPath, data, 0644); err != nil {
			return nil, fmt.Errorf("write %s: %w", outPath, err)
		}
		written = append(written, outPath)
	}
	return written, nil
}
