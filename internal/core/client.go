package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vk/dgsplice/internal/ctxlog"
	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/extension"
	"github.com/vk/dgsplice/internal/oplang"
	"github.com/vk/dgsplice/internal/rt"
	"github.com/vk/dgsplice/internal/variant"
)

// Optimization selects when operator programs are analyzed.
type Optimization int

const (
	// OptimizeBackground queues analysis for the background worker.
	OptimizeBackground Optimization = iota
	// OptimizeSynchronous analyzes during PrepareForExecution.
	OptimizeSynchronous
	// OptimizeNone never analyzes.
	OptimizeNone
)

func (o Optimization) String() string {
	switch o {
	case OptimizeSynchronous:
		return "synchronous"
	case OptimizeNone:
		return "none"
	}
	return "background"
}

// ParseOptimization accepts the names produced by Optimization.String.
func ParseOptimization(s string) (Optimization, error) {
	switch s {
	case "", "background":
		return OptimizeBackground, nil
	case "synchronous", "sync":
		return OptimizeSynchronous, nil
	case "none":
		return OptimizeNone, nil
	}
	return OptimizeBackground, fmt.Errorf("invalid optimization type '%s': must be 'background', 'synchronous' or 'none'", s)
}

// ReportFunc receives the messages operators send with report().
type ReportFunc func(message string)

// StatusFunc receives queued (topic, message) status events.
type StatusFunc func(topic, message string)

// ClientOptions configure NewClient.
type ClientOptions struct {
	// Guarded makes out-of-range narrowing and indexing fail the operator
	// call. It cannot be changed later.
	Guarded      bool
	Optimization Optimization
	// Extensions are loaded before NewClient returns.
	Extensions []string
	ReportFunc ReportFunc
	StatusFunc StatusFunc
}

type statusMessage struct {
	topic   string
	message string
}

// Client is the root namespace for registered types, operators and graph
// objects.
type Client struct {
	proc   *Process
	id     string
	logger *slog.Logger
	refs   atomic.Int64
	arena  atomic.Pointer[arena]

	guarded      bool
	optimization Optimization

	reg     *rt.Registry
	env     *oplang.Env
	catalog *extension.Catalog

	mu         sync.Mutex
	reportFunc ReportFunc
	statusFunc StatusFunc
	status     []statusMessage
	pending    error
	loaded     map[string]struct{}

	logWarnings atomic.Bool
	instr       instrumentation

	bg *worker
}

func newClient(ctx context.Context, p *Process, opts ClientOptions) (*Client, error) {
	logger := ctxlog.FromContext(ctx)
	rtFolders, extFolders, rtFilter, extFilter := p.snapshotFolders()
	catalog, err := extension.Load(ctx, rtFolders, extFolders, rtFilter, extFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to load type and extension folders: %w", err)
	}

	c := &Client{
		proc:         p,
		id:           uuid.NewString(),
		guarded:      opts.Guarded,
		optimization: opts.Optimization,
		reg:          rt.NewRegistry(),
		env:          oplang.NewEnv(),
		catalog:      catalog,
		reportFunc:   opts.ReportFunc,
		statusFunc:   opts.StatusFunc,
		loaded:       make(map[string]struct{}),
	}
	c.logger = logger.With("client", c.id)
	c.refs.Store(1)
	c.arena.Store(newArena())
	c.bg = newWorker(c)

	if err := catalog.ApplyTypes(c.reg, c.env); err != nil {
		return nil, fmt.Errorf("failed to register folder types: %w", err)
	}
	for _, kv := range p.sortedAliases() {
		if err := c.reg.RegisterAlias(kv[0], kv[1]); err != nil {
			c.logger.Warn("Skipping type alias.", "alias", kv[0], "target", kv[1], "error", err)
		}
	}
	for _, name := range opts.Extensions {
		if err := c.LoadExtension(name); err != nil {
			return nil, err
		}
	}
	if err := p.register(c); err != nil {
		return nil, err
	}
	c.logger.Debug("Client created.", "guarded", c.guarded, "optimization", c.optimization.String())
	return c, nil
}

func (c *Client) objects() *arena { return c.arena.Load() }

func (c *Client) check(op string) error {
	if c == nil || c.objects() == nil {
		return dgerr.New(dgerr.InvalidHandle, op, "client has been destroyed")
	}
	return nil
}

// ContextID identifies the client for BindClient.
func (c *Client) ContextID() string { return c.id }

// IsValid reports whether the client is still alive.
func (c *Client) IsValid() bool { return c.check("client.IsValid") == nil }

// Guarded reports the guard setting chosen at creation.
func (c *Client) Guarded() bool { return c.guarded }

// Optimization reports the optimization type chosen at creation.
func (c *Client) Optimization() Optimization { return c.optimization }

// Retain adds a reference to the client. It returns false when the client
// is already gone.
func (c *Client) Retain() bool {
	if c == nil {
		return false
	}
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference and destroys the client with the last one.
func (c *Client) Release() {
	if c == nil || c.refs.Load() <= 0 {
		return
	}
	if c.refs.Add(-1) == 0 {
		c.destroy()
	}
}

func (c *Client) destroy() {
	if c.arena.Swap(nil) == nil {
		return
	}
	c.refs.Store(0)
	c.bg.stop()
	c.proc.unregister(c)
	c.logger.Debug("Client destroyed.")
}

// SetReportCallback replaces the report callback. nil removes it.
func (c *Client) SetReportCallback(fn ReportFunc) {
	c.mu.Lock()
	c.reportFunc = fn
	c.mu.Unlock()
}

// SetStatusCallback replaces the status callback. nil removes it.
func (c *Client) SetStatusCallback(fn StatusFunc) {
	c.mu.Lock()
	c.statusFunc = fn
	c.mu.Unlock()
}

func (c *Client) report(msg string) {
	c.mu.Lock()
	fn := c.reportFunc
	c.mu.Unlock()
	c.proc.log(msg)
	if fn != nil {
		start := time.Now()
		fn(msg)
		c.recordExternal(time.Since(start))
		return
	}
	c.logger.Info(msg)
}

// SetLogWarnings controls whether compile warnings reach the process
// compiler error callback. Errors always do. Warnings are off by default.
func (c *Client) SetLogWarnings(on bool) {
	c.logWarnings.Store(on)
}

// LogWarnings reports the SetLogWarnings setting.
func (c *Client) LogWarnings() bool { return c.logWarnings.Load() }

func (c *Client) compilerDiagnostic(d dgerr.Diagnostic) {
	if d.Severity != "error" && !c.logWarnings.Load() {
		return
	}
	c.proc.compilerError(d)
}

// QueueStatusMessage queues a status event for delivery by Idle.
func (c *Client) QueueStatusMessage(topic, message string) error {
	if err := c.check("client.QueueStatusMessage"); err != nil {
		return err
	}
	c.mu.Lock()
	c.status = append(c.status, statusMessage{topic: topic, message: message})
	c.mu.Unlock()
	return nil
}

// Idle delivers queued status messages to the status callback and returns
// how many were delivered. Messages queued without a callback are dropped.
func (c *Client) Idle() int {
	c.mu.Lock()
	queue := c.status
	c.status = nil
	fn := c.statusFunc
	c.mu.Unlock()

	if fn == nil {
		return 0
	}
	for _, m := range queue {
		fn(m.topic, m.message)
	}
	return len(queue)
}

func (c *Client) setPendingError(err error) {
	c.mu.Lock()
	if c.pending == nil {
		c.pending = err
	}
	c.mu.Unlock()
	c.proc.logError(err.Error())
}

// TakePendingError returns the error raised by background work since the
// last call, and clears it.
func (c *Client) TakePendingError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.pending
	c.pending = nil
	return err
}

// EnableBackgroundTasks lets the background worker run. Work queued before
// this call waits until then.
func (c *Client) EnableBackgroundTasks() error {
	if err := c.check("client.EnableBackgroundTasks"); err != nil {
		return err
	}
	c.bg.enable()
	return nil
}

// IsBackgroundOptimizationInProgress reports whether queued or running
// analysis work remains.
func (c *Client) IsBackgroundOptimizationInProgress() bool { return c.bg.busy() }

type mainThreadKey struct{}

// MainThread marks ctx as running on the client's main thread. Operators
// flagged main-thread-only only run under such a context.
func (c *Client) MainThread(ctx context.Context) context.Context {
	return context.WithValue(ctx, mainThreadKey{}, c.id)
}

func (c *Client) onMainThread(ctx context.Context) bool {
	id, _ := ctx.Value(mainThreadKey{}).(string)
	return id == c.id
}

// LoadExtension loads a named extension from the process extension folders.
// Loading an extension twice is a no-op.
func (c *Client) LoadExtension(name string) error {
	if err := c.check("client.LoadExtension"); err != nil {
		return err
	}
	c.mu.Lock()
	_, done := c.loaded[name]
	c.mu.Unlock()
	if done {
		return nil
	}
	ext, err := c.catalog.ApplyExtension(name, c.reg, c.env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.loaded[name] = struct{}{}
	c.mu.Unlock()
	c.logger.Debug("Extension loaded.", "extension", name, "version", ext.Version, "file", ext.File)
	return nil
}

// RegisterStruct registers a struct type from (name, type) member pairs.
func (c *Client) RegisterStruct(name string, members []rt.MemberSpec) error {
	if err := c.check("client.RegisterStruct"); err != nil {
		return err
	}
	_, err := c.reg.RegisterStruct(name, members)
	return err
}

// RegisterObject registers an object type from (name, type) member pairs.
// Object values behave like struct values in operators but have no byte
// layout.
func (c *Client) RegisterObject(name string, members []rt.MemberSpec) error {
	if err := c.check("client.RegisterObject"); err != nil {
		return err
	}
	_, err := c.reg.RegisterObject(name, members)
	return err
}

// RegisterAlias makes alias resolve to an existing type.
func (c *Client) RegisterAlias(alias, target string) error {
	if err := c.check("client.RegisterAlias"); err != nil {
		return err
	}
	return c.reg.RegisterAlias(alias, target)
}

// RegisterMethod attaches an expression method to a struct type. The body
// sees the receiver as `this` and each named parameter.
func (c *Client) RegisterMethod(typeName, method string, params []string, body string) error {
	if err := c.check("client.RegisterMethod"); err != nil {
		return err
	}
	t, err := c.reg.Lookup(typeName)
	if err != nil {
		return err
	}
	fn, err := oplang.ExprMethod(c.env, t.Cty, params, body, typeName+"."+method)
	if err != nil {
		return err
	}
	if err := c.reg.AddMethod(typeName, method, fn); err != nil {
		return err
	}
	c.env.SetLayer(extension.MethodLayer, c.reg.MethodFunctions())
	return nil
}

// RTSize is the byte size of one value of a shallow type, 0 otherwise.
func (c *Client) RTSize(name string) (int, error) {
	t, err := c.lookupType("client.RTSize", name)
	if err != nil {
		return 0, err
	}
	return t.Size, nil
}

// RTIsShallow reports whether values of the type have a fixed byte layout.
func (c *Client) RTIsShallow(name string) (bool, error) {
	t, err := c.lookupType("client.RTIsShallow", name)
	if err != nil {
		return false, err
	}
	return t.Shallow, nil
}

func (c *Client) lookupType(op, name string) (*rt.Type, error) {
	if err := c.check(op); err != nil {
		return nil, err
	}
	return c.reg.Lookup(name)
}

// RegisteredTypes describes every registered type as a dict keyed by name.
// Structs list their members in order; aliases name their target.
func (c *Client) RegisteredTypes() (variant.Variant, error) {
	if err := c.check("client.RegisteredTypes"); err != nil {
		return variant.Variant{}, err
	}
	out := variant.NewDict()
	for _, name := range c.reg.Names() {
		t, err := c.reg.Lookup(name)
		if err != nil {
			return variant.Variant{}, err
		}
		desc := variant.NewDict()
		_ = desc.SetField("size", variant.NewUInt64(uint64(t.Size)))
		_ = desc.SetField("shallow", variant.NewBool(t.Shallow))
		if t.Object {
			_ = desc.SetField("object", variant.NewBool(true))
		}
		if t.IsStruct() {
			members := variant.NewArray()
			for _, m := range t.Members {
				md := variant.NewDict()
				_ = md.SetField("name", variant.NewString(m.Name))
				_ = md.SetField("type", variant.NewString(m.Type.Name))
				_ = members.AppendTake(&md)
			}
			putField(&desc, "members", members)
		}
		putField(&out, name, desc)
	}
	for alias, target := range c.reg.Aliases() {
		desc := variant.NewDict()
		_ = desc.SetField("alias", variant.NewString(target))
		_ = out.SetField(alias, desc)
	}
	return out, nil
}

// MemoryUsage reports the number of live objects per kind.
func (c *Client) MemoryUsage() (variant.Variant, error) {
	if err := c.check("client.MemoryUsage"); err != nil {
		return variant.Variant{}, err
	}
	counts := c.objectCounts()
	out := variant.NewDict()
	total := 0
	for _, k := range []objectKind{kindOperator, kindBinding, kindBindingList, kindNode, kindEvent, kindEventHandler} {
		_ = out.SetField(k.String(), variant.NewUInt64(uint64(counts[k])))
		total += counts[k]
	}
	_ = out.SetField("total", variant.NewUInt64(uint64(total)))
	return out, nil
}

// putField moves val into dict under name.
func putField(dict *variant.Variant, name string, val variant.Variant) {
	key := variant.NewString(name)
	_ = dict.SetTakeBoth(&key, &val)
}
