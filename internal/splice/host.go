// Package splice is a convenience layer over internal/core. A Host owns one
// Client; its Nodes wrap core Nodes and add named Ports bound to members,
// port connections, operators attached by name and whole-node persistence.
package splice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/vk/dgsplice/internal/core"
	"github.com/vk/dgsplice/internal/ctxlog"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
)

// copyOperator moves a whole member array from an upstream node into a
// downstream one. Connections install it at the front of the downstream
// node's bindings.
const (
	copyOperator = "__splice_copy"
	copySource   = `
operator "__splice_copy" {
  parameter "source" { mode = "in" }
  parameter "target" { mode = "out" }
  result {
    target = source
  }
}
`
)

// HostOptions configure the Client a Host owns.
type HostOptions struct {
	Guarded      bool
	Optimization core.Optimization
	Extensions   []string
	ReportFunc   core.ReportFunc
	StatusFunc   core.StatusFunc
	// LogWarnings passes compile warnings on to the process compiler
	// error callback.
	LogWarnings bool
}

type operatorInfo struct {
	op       core.Operator
	filePath string
}

// Host is the set of splice nodes and operators sharing one Client.
type Host struct {
	client *core.Client
	logger *slog.Logger

	mu        sync.Mutex
	nodes     map[string]*Node
	operators map[string]*operatorInfo
	copyOp    core.Operator
	pending   []pendingLink
}

// NewHost creates a Client on proc and a Host around it.
func NewHost(ctx context.Context, proc *core.Process, opts HostOptions) (*Host, error) {
	client, err := proc.NewClient(ctx, core.ClientOptions{
		Guarded:      opts.Guarded,
		Optimization: opts.Optimization,
		Extensions:   opts.Extensions,
		ReportFunc:   opts.ReportFunc,
		StatusFunc:   opts.StatusFunc,
	})
	if err != nil {
		return nil, err
	}
	client.SetLogWarnings(opts.LogWarnings)
	h := &Host{
		client:    client,
		logger:    ctxlog.FromContext(ctx).With("host", client.ContextID()),
		nodes:     make(map[string]*Node),
		operators: make(map[string]*operatorInfo),
	}
	h.copyOp, err = client.NewOperator(copyOperator, copyOperator, copySource)
	if err != nil {
		client.Release()
		return nil, fmt.Errorf("failed to create the connection operator: %w", err)
	}
	return h, nil
}

// Client returns the Client the host owns.
func (h *Host) Client() *core.Client { return h.client }

// Close releases the host's Client. Every node of the host becomes invalid.
func (h *Host) Close() {
	h.mu.Lock()
	h.nodes = map[string]*Node{}
	h.operators = map[string]*operatorInfo{}
	h.pending = nil
	h.mu.Unlock()
	h.client.Release()
}

// NewNode creates an empty node.
func (h *Host) NewNode(name string) (*Node, error) {
	dg, err := h.client.NewNode(name)
	if err != nil {
		return nil, err
	}
	n := &Node{host: h, dg: dg, ports: make(map[string]*Port)}
	h.mu.Lock()
	h.nodes[name] = n
	h.mu.Unlock()
	h.logger.Debug("Splice node created.", "node", name)
	return n, nil
}

// Node looks up a node by name.
func (h *Host) Node(name string) (*Node, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[name]
	if !ok {
		return nil, dgerr.New(dgerr.NotFound, "host.Node", "no node named '%s'", name)
	}
	return n, nil
}

// NodeNames returns the node names in sorted order.
func (h *Host) NodeNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.nodes))
	for name := range h.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Operators returns the names of every operator constructed through the
// host, in sorted order.
func (h *Host) Operators() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.operators))
	for name := range h.operators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Host) renameNode(n *Node, oldName, newName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nodes[oldName] == n {
		delete(h.nodes, oldName)
	}
	h.nodes[newName] = n
}

func (h *Host) forgetNode(name string, n *Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nodes[name] == n {
		delete(h.nodes, name)
	}
}

func (h *Host) operator(op, name string) (*operatorInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.operators[name]
	if !ok {
		return nil, dgerr.New(dgerr.NotFound, op, "no operator named '%s'", name)
	}
	return info, nil
}

// defineOperator creates the operator or replaces its source. The entry
// point is the operator name.
func (h *Host) defineOperator(name, source string) (*operatorInfo, error) {
	h.mu.Lock()
	if info, ok := h.operators[name]; ok {
		h.mu.Unlock()
		if err := info.op.SetSourceCode(source); err != nil {
			return nil, err
		}
		return info, h.sourceChanged(name, info)
	}
	defer h.mu.Unlock()
	op, err := h.client.NewOperator(name, name, source)
	if err != nil {
		return nil, err
	}
	info := &operatorInfo{op: op}
	h.operators[name] = info
	return info, nil
}

// sourceChanged re-derives the layout of every node the operator is
// attached to, so parameters keep binding to the members they name.
func (h *Host) sourceChanged(name string, info *operatorInfo) error {
	h.mu.Lock()
	nodes := make([]*Node, 0, len(h.nodes))
	for _, n := range h.nodes {
		nodes = append(nodes, n)
	}
	h.mu.Unlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name() < nodes[j].Name() })

	ctx := ctxlog.WithLogger(context.Background(), h.logger)
	for _, n := range nodes {
		if err := n.relayout(ctx, name, info); err != nil {
			return fmt.Errorf("failed to rebind operator '%s' on node '%s': %w", name, n.Name(), err)
		}
	}
	return nil
}

// CheckErrors compiles every host operator and checks the bindings of every
// node. The report is a Dict {operators: {name: errors}, nodes: {name:
// errors}} listing only entries that have errors; ok is true when the report
// is empty.
func (h *Host) CheckErrors(ctx context.Context) (ok bool, report variant.Variant, err error) {
	h.mu.Lock()
	ops := make(map[string]core.Operator, len(h.operators))
	for name, info := range h.operators {
		ops[name] = info.op
	}
	nodes := make(map[string]*Node, len(h.nodes))
	for name, n := range h.nodes {
		nodes[name] = n
	}
	h.mu.Unlock()

	logger := ctxlog.FromContext(ctx)
	opErrs := variant.NewDict()
	for _, name := range sortedKeys(ops) {
		errs, err := ops[name].Errors(ctx)
		if err != nil {
			return false, variant.Variant{}, fmt.Errorf("failed to check operator '%s': %w", name, err)
		}
		if errs.Len() > 0 {
			logger.Warn("Operator has errors.", "operator", name, "count", errs.Len())
			if err := opErrs.SetField(name, errs); err != nil {
				return false, variant.Variant{}, err
			}
		}
	}
	nodeErrs := variant.NewDict()
	for _, name := range sortedKeys(nodes) {
		errs, err := nodes[name].Errors(ctx)
		if err != nil {
			return false, variant.Variant{}, fmt.Errorf("failed to check node '%s': %w", name, err)
		}
		if errs.Len() > 0 {
			logger.Warn("Node has errors.", "node", name, "count", errs.Len())
			if err := nodeErrs.SetField(name, errs); err != nil {
				return false, variant.Variant{}, err
			}
		}
	}

	report = variant.NewDict()
	if err := report.SetField("operators", opErrs); err != nil {
		return false, variant.Variant{}, err
	}
	if err := report.SetField("nodes", nodeErrs); err != nil {
		return false, variant.Variant{}, err
	}
	return opErrs.Len() == 0 && nodeErrs.Len() == 0, report, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OperatorSource returns the source of a host operator.
func (h *Host) OperatorSource(name string) (string, error) {
	info, err := h.operator("host.OperatorSource", name)
	if err != nil {
		return "", err
	}
	return info.op.SourceCode()
}

// SetOperatorSource replaces the source of a host operator and rebinds
// every node using it to the new parameter names.
func (h *Host) SetOperatorSource(name, source string) error {
	info, err := h.operator("host.SetOperatorSource", name)
	if err != nil {
		return err
	}
	if err := info.op.SetSourceCode(source); err != nil {
		return err
	}
	return h.sourceChanged(name, info)
}

// LoadOperatorSource reads the operator's source from path and remembers
// the path for persistence.
func (h *Host) LoadOperatorSource(name, path string) error {
	info, err := h.operator("host.LoadOperatorSource", name)
	if err != nil {
		return err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read operator source %s: %w", path, err)
	}
	if err := info.op.SetSourceCode(string(src)); err != nil {
		return err
	}
	if err := info.op.SetFilename(path); err != nil {
		return err
	}
	h.mu.Lock()
	info.filePath = path
	h.mu.Unlock()
	return h.sourceChanged(name, info)
}

// SaveOperatorSource writes the operator's source to path.
func (h *Host) SaveOperatorSource(name, path string) error {
	info, err := h.operator("host.SaveOperatorSource", name)
	if err != nil {
		return err
	}
	src, err := info.op.SourceCode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		return fmt.Errorf("failed to write operator source %s: %w", path, err)
	}
	return nil
}

// SetOperatorFilePath records the file an operator's source belongs to
// without reading it.
func (h *Host) SetOperatorFilePath(name, path string) error {
	info, err := h.operator("host.SetOperatorFilePath", name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	info.filePath = path
	h.mu.Unlock()
	return nil
}

// OperatorFilePath returns the recorded file of an operator, if any.
func (h *Host) OperatorFilePath(name string) (string, error) {
	info, err := h.operator("host.OperatorFilePath", name)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return info.filePath, nil
}

// ReloadOperatorFiles re-reads the source of every operator that has a
// recorded file and returns the names of those whose source changed.
func (h *Host) ReloadOperatorFiles() ([]string, error) {
	h.mu.Lock()
	type entry struct {
		name string
		info *operatorInfo
	}
	var entries []entry
	for name, info := range h.operators {
		if info.filePath != "" {
			entries = append(entries, entry{name, info})
		}
	}
	h.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var changed []string
	for _, e := range entries {
		src, err := os.ReadFile(e.info.filePath)
		if err != nil {
			return changed, fmt.Errorf("failed to read operator source %s: %w", e.info.filePath, err)
		}
		old, err := e.info.op.SourceCode()
		if err != nil {
			return changed, err
		}
		if old == string(src) {
			continue
		}
		if err := e.info.op.SetSourceCode(string(src)); err != nil {
			return changed, err
		}
		changed = append(changed, e.name)
		if err := h.sourceChanged(e.name, e.info); err != nil {
			return changed, err
		}
	}
	return changed, nil
}
