// Package routing selects a worker for a task. Selection prefers the
// explicit target when one is set; otherwise it scores the task description
// against per-category keyword tables and picks a registered worker whose
// name carries the winning category tag. Routing is pure with respect to a
// registry snapshot and performs no side effects.
package routing

import (
	"strings"

	"github.com/atlasops/atlas/core"
)

// Method records how a worker was selected.
type Method string

const (
	MethodExplicit Method = "explicit"
	MethodKeyword  Method = "keyword"
	MethodNone     Method = "none"
)

// Selection is the outcome of routing one task.
type Selection struct {
	Worker   string `json:"worker"`
	Category string `json:"category,omitempty"`
	Method   Method `json:"method"`
}

// Router matches tasks to workers using data-driven keyword tables.
// Category order is significant: score ties break in declaration order.
type Router struct {
	categories []core.RoutingCategory
	keywords   []map[string]bool
	logger     core.Logger
}

// RouterOption configures optional dependencies for Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger for routing decisions.
func WithRouterLogger(logger core.Logger) RouterOption {
	return func(r *Router) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			r.logger = cal.WithComponent("routing")
		} else {
			r.logger = logger
		}
	}
}

// NewRouter creates a router from category keyword tables. Passing nil
// categories uses the built-in defaults.
func NewRouter(categories []core.RoutingCategory, opts ...RouterOption) *Router {
	if len(categories) == 0 {
		categories = core.DefaultRoutingCategories()
	}

	r := &Router{
		categories: categories,
		keywords:   make([]map[string]bool, len(categories)),
		logger:     &core.NoOpLogger{},
	}
	for i, cat := range categories {
		set := make(map[string]bool, len(cat.Keywords))
		for _, kw := range cat.Keywords {
			set[strings.ToLower(kw)] = true
		}
		r.keywords[i] = set
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select picks a worker for the task against the registry snapshot.
//
//  1. An explicit target that exists in the registry wins (method=explicit).
//  2. Otherwise the description is tokenized and each category scored by
//     the count of distinct keywords present; the strictly highest-scoring
//     category with at least one matching registered worker wins.
//  3. No match at all yields method=none.
func (r *Router) Select(task *core.Task, registry *core.WorkerRegistry) Selection {
	return r.SelectExcluding(task, registry, "")
}

// SelectExcluding is Select with one worker name removed from
// consideration. The escalation engine uses it to find an alternate worker
// after a failure; an explicit target equal to the excluded name falls
// through to keyword matching.
func (r *Router) SelectExcluding(task *core.Task, registry *core.WorkerRegistry, exclude string) Selection {
	if task.TargetWorker != "" && task.TargetWorker != exclude {
		if _, ok := registry.Get(task.TargetWorker); ok {
			return Selection{Worker: task.TargetWorker, Method: MethodExplicit}
		}
		r.logger.Debug("Explicit target not registered", map[string]interface{}{
			"target": task.TargetWorker,
		})
	}

	tokens := tokenize(task.Description)
	bestScore := 0
	bestIdx := -1
	for i := range r.categories {
		score := 0
		for token := range tokens {
			if r.keywords[i][token] {
				score++
			}
		}
		// Strictly-greater keeps declaration-order tie-breaking.
		if score > bestScore && r.workerForCategory(registry, r.categories[i].Name, exclude) != "" {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return Selection{Method: MethodNone}
	}

	category := r.categories[bestIdx].Name
	worker := r.workerForCategory(registry, category, exclude)
	r.logger.Debug("Keyword match", map[string]interface{}{
		"category": category,
		"worker":   worker,
		"score":    bestScore,
	})
	return Selection{Worker: worker, Category: category, Method: MethodKeyword}
}

// workerForCategory returns the first registered worker (in sorted name
// order) whose name contains the category tag, skipping the excluded name.
func (r *Router) workerForCategory(registry *core.WorkerRegistry, category, exclude string) string {
	for _, name := range registry.List() {
		if name == exclude {
			continue
		}
		if strings.Contains(name, category) {
			return name
		}
	}
	return ""
}

// tokenize lowercases and splits a description into a distinct token set.
func tokenize(description string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.Fields(strings.ToLower(description)) {
		token := strings.Trim(field, ".,;:!?()[]{}\"'")
		if token != "" {
			tokens[token] = true
		}
	}
	return tokens
}
