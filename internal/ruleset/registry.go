package ruleset

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/lsm/batchrules/internal/config"
	"github.com/lsm/batchrules/internal/rule"
)

// Registry holds the built handler for each named rule. A definition that
// fails to build keeps serving its previous handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]rule.Handler
	logger   *slog.Logger
	opts     []rule.Option
}

// NewRegistry creates an empty registry. opts are passed to every Build.
func NewRegistry(logger *slog.Logger, opts ...rule.Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]rule.Handler),
		logger:   logger,
		opts:     append([]rule.Option{rule.WithLogger(logger)}, opts...),
	}
}

// Update rebuilds the registry from defs. Rules absent from defs are
// removed, except those named in unloaded, whose definition files exist but
// failed to load. A rule that fails to build or load keeps its previous
// handler. Update returns the sorted names of both kinds of failure.
func (r *Registry) Update(defs map[string]*config.RuleDefinition, unloaded []string) []string {
	built := make(map[string]rule.Handler, len(defs))
	var failed []string
	for name, def := range defs {
		h, err := Build(def, r.opts...)
		if err != nil {
			failed = append(failed, name)
			r.logger.Error("failed to build rule", "rule", name, "error", err)
			continue
		}
		built[name] = h
	}
	for _, name := range unloaded {
		if _, ok := defs[name]; !ok {
			failed = append(failed, name)
		}
	}

	r.mu.Lock()
	for _, name := range failed {
		if prev, ok := r.handlers[name]; ok {
			built[name] = prev
			r.logger.Warn("keeping previous version of rule", "rule", name)
		}
	}
	r.handlers = built
	r.mu.Unlock()

	sort.Strings(failed)
	r.logger.Info("rules updated", "count", len(built), "failed", len(failed))
	return failed
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (rule.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered rule names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
