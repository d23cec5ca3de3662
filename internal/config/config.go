package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads and watches rule definition files.
type Loader struct {
	mu       sync.RWMutex
	rules    map[string]*RuleDefinition
	failed   []string
	dir      string
	logger   *slog.Logger
	onChange func(map[string]*RuleDefinition)
}

// NewLoader creates a new configuration loader for the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		rules:  make(map[string]*RuleDefinition),
		dir:    dir,
		logger: logger,
	}
}

// Dir returns the watched directory.
func (l *Loader) Dir() string {
	return l.dir
}

// OnChange registers a callback that fires when rule files change.
func (l *Loader) OnChange(fn func(map[string]*RuleDefinition)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Load reads all YAML files from the configured directory. Files that fail
// to parse or validate are logged and left out of the result; Failed reports
// their rule names.
func (l *Loader) Load() (map[string]*RuleDefinition, error) {
	paths, err := RuleFiles(l.dir)
	if err != nil {
		return nil, err
	}

	rules := make(map[string]*RuleDefinition)
	var failed []string
	for _, path := range paths {
		def, err := ParseFile(path)
		if err != nil {
			name := failedRuleName(path)
			l.logger.Error("failed to load rule file", "path", path, "rule", name, "error", err)
			failed = append(failed, name)
			continue
		}
		if _, dup := rules[def.Name]; dup {
			l.logger.Warn("duplicate rule name, later file wins", "rule", def.Name, "path", path)
		}
		rules[def.Name] = def
	}
	sort.Strings(failed)

	l.mu.Lock()
	l.rules = rules
	l.failed = failed
	l.mu.Unlock()

	return rules, nil
}

// Failed returns the sorted names of the rules whose files failed to load
// on the last Load.
func (l *Loader) Failed() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.failed...)
}

// failedRuleName names the rule in a file that did not load: the declared
// name when the file still decodes, else the file name without extension.
func failedRuleName(path string) string {
	if data, err := os.ReadFile(filepath.Clean(path)); err == nil {
		if def, err := Decode(data); err == nil && def.Name != "" {
			return def.Name
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Watch starts watching the rule directory for changes. Blocks until done is closed.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close() // intentionally ignoring close error during cleanup
	}()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", l.dir, err)
	}

	l.logger.Info("watching rule directory", "dir", l.dir)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				l.logger.Info("rule change detected", "file", event.Name, "op", event.Op)
				rules, err := l.Load()
				if err != nil {
					l.logger.Error("failed to reload rules", "error", err)
					continue
				}
				l.mu.RLock()
				fn := l.onChange
				l.mu.RUnlock()
				if fn != nil {
					fn(rules)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// GetRules returns a copy of the currently loaded rules.
func (l *Loader) GetRules() map[string]*RuleDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rules := make(map[string]*RuleDefinition, len(l.rules))
	for k, v := range l.rules {
		rules[k] = v
	}
	return rules
}

// RuleFiles lists the .yaml and .yml files directly inside dir.
func RuleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rule dir %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

// ParseFile reads and validates a single rule definition.
func ParseFile(path string) (*RuleDefinition, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes and validates a rule definition.
func Parse(data []byte) (*RuleDefinition, error) {
	def, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Decode decodes a rule definition without validating it. Unknown keys are
// rejected.
func Decode(data []byte) (*RuleDefinition, error) {
	var def RuleDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &def, nil
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
