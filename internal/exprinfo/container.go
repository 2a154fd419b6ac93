// Package exprinfo collects HCL expressions and reports what they reference:
// the variable traversals they read and the functions they call. Operator
// compilation uses it to validate names and the background optimizer uses it
// to record which members an operator actually touches.
package exprinfo

import (
	"sort"
	"sync"

	"github.com/hashicorp/hcl/v2"
)

// Container gathers expressions and caches their analysis. It is safe for
// concurrent use.
type Container struct {
	mu       sync.RWMutex
	analyzed bool

	expressions []hcl.Expression

	references []hcl.Traversal
	calls      []FunctionCall
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{}
}

// Add appends expressions for analysis, skipping nils. Adding invalidates any
// cached result.
func (c *Container) Add(exprs ...hcl.Expression) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.analyzed = false
	for _, expr := range exprs {
		if expr != nil {
			c.expressions = append(c.expressions, expr)
		}
	}
}

// Len returns the number of collected expressions.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.expressions)
}

func (c *Container) analyze() {
	c.mu.RLock()
	done := c.analyzed
	c.mu.RUnlock()
	if done {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.analyzed {
		return
	}
	c.references, c.calls = analyze(c.expressions)
	c.analyzed = true
}

// References returns the unique variable traversals, sorted by key.
func (c *Container) References() []hcl.Traversal {
	c.analyze()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.references
}

// CalledFunctions returns the unique names of called functions, sorted.
func (c *Container) CalledFunctions() []string {
	calls := c.FunctionCalls()
	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.Name
	}
	return names
}

// FunctionCalls returns the first call site of every called function,
// sorted by name.
func (c *Container) FunctionCalls() []FunctionCall {
	c.analyze()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls
}

// RootNames returns the unique root variable names, sorted.
func (c *Container) RootNames() []string {
	seen := make(map[string]struct{})
	for _, tr := range c.References() {
		seen[tr.RootName()] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
