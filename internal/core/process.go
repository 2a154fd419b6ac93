// Package core is the dependency-graph object model: a Process holding the
// process-wide settings, Clients owning registered types and graph objects,
// and the reference-counted handles to those objects (Operators, Bindings,
// BindingLists, Containers, Nodes, Events and EventHandlers).
//
// Handles are small values of the form (client, index, generation). The zero
// value of every handle type is the null reference: Retain and Release on it
// are no-ops and every other operation fails with dgerr.InvalidHandle, as do
// operations on a handle whose object has been destroyed.
//
// Structural changes to graph objects are not synchronized. Callers serialize
// them against Evaluate and Fire; only reference counts are atomic.
package core

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/extension"
)

// LoggingFunc receives engine log lines.
type LoggingFunc func(message string)

// CompilerErrorFunc receives every compile diagnostic of every client.
type CompilerErrorFunc func(d dgerr.Diagnostic)

// ProcessConfig is the process-wide state handed to Initialize.
type ProcessConfig struct {
	Logger            *slog.Logger
	LoggingFunc       LoggingFunc
	LogErrorFunc      LoggingFunc
	CompilerErrorFunc CompilerErrorFunc

	RTFolders  []string
	ExtFolders []string
	RTFilter   extension.FilterFunc
	ExtFilter  extension.FilterFunc

	// TypeAliases are registered into every client created afterwards.
	TypeAliases map[string]string

	// RequireLicense makes NewClient fail with LicenseInvalid until a
	// license has been set.
	RequireLicense bool
}

// Process holds the settings shared by every Client between Initialize and
// Finalize.
type Process struct {
	mu        sync.RWMutex
	finalized bool

	logger        *slog.Logger
	logFunc       LoggingFunc
	logErrorFunc  LoggingFunc
	compilerFunc  CompilerErrorFunc
	rtFolders     []string
	extFolders    []string
	rtFilter      extension.FilterFunc
	extFilter     extension.FilterFunc
	aliases       map[string]string
	requireLic    bool
	licenseServer string
	standalone    string

	clients map[string]*Client
}

// Initialize creates the process context.
func Initialize(cfg ProcessConfig) (*Process, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Process{
		logger:       logger,
		logFunc:      cfg.LoggingFunc,
		logErrorFunc: cfg.LogErrorFunc,
		compilerFunc: cfg.CompilerErrorFunc,
		rtFolders:    append([]string(nil), cfg.RTFolders...),
		extFolders:   append([]string(nil), cfg.ExtFolders...),
		rtFilter:     cfg.RTFilter,
		extFilter:    cfg.ExtFilter,
		aliases:      make(map[string]string),
		requireLic:   cfg.RequireLicense,
		clients:      make(map[string]*Client),
	}
	for k, v := range cfg.TypeAliases {
		p.aliases[k] = v
	}
	logger.Debug("Process initialized.", "rt_folders", p.rtFolders, "ext_folders", p.extFolders)
	return p, nil
}

// Finalize tears the process down. Clients still alive are destroyed and
// every later call on the process fails with InvalidHandle.
func (p *Process) Finalize() {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return
	}
	p.finalized = true
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = map[string]*Client{}
	p.mu.Unlock()

	for _, c := range clients {
		c.destroy()
	}
	p.logger.Debug("Process finalized.", "clients_destroyed", len(clients))
}

func (p *Process) check(op string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.finalized {
		return dgerr.New(dgerr.InvalidHandle, op, "process has been finalized")
	}
	return nil
}

// SetLoggingFunc replaces the log callback. nil removes it.
func (p *Process) SetLoggingFunc(fn LoggingFunc) {
	p.mu.Lock()
	p.logFunc = fn
	p.mu.Unlock()
}

// SetLogErrorFunc replaces the error log callback. nil removes it.
func (p *Process) SetLogErrorFunc(fn LoggingFunc) {
	p.mu.Lock()
	p.logErrorFunc = fn
	p.mu.Unlock()
}

// SetCompilerErrorFunc replaces the compile diagnostic callback.
func (p *Process) SetCompilerErrorFunc(fn CompilerErrorFunc) {
	p.mu.Lock()
	p.compilerFunc = fn
	p.mu.Unlock()
}

func (p *Process) log(msg string) {
	p.mu.RLock()
	fn := p.logFunc
	p.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (p *Process) logError(msg string) {
	p.mu.RLock()
	fn := p.logErrorFunc
	p.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (p *Process) compilerError(d dgerr.Diagnostic) {
	p.mu.RLock()
	fn := p.compilerFunc
	p.mu.RUnlock()
	if fn != nil {
		fn(d)
	}
}

// AddRTFolder adds a folder of type definitions for clients created later.
func (p *Process) AddRTFolder(path string) error {
	if err := p.check("process.AddRTFolder"); err != nil {
		return err
	}
	p.mu.Lock()
	p.rtFolders = append(p.rtFolders, path)
	p.mu.Unlock()
	return nil
}

// AddExtFolder adds a folder of extensions for clients created later.
func (p *Process) AddExtFolder(path string) error {
	if err := p.check("process.AddExtFolder"); err != nil {
		return err
	}
	p.mu.Lock()
	p.extFolders = append(p.extFolders, path)
	p.mu.Unlock()
	return nil
}

// SetRTFilter restricts which folder types are visible to new clients.
func (p *Process) SetRTFilter(fn extension.FilterFunc) {
	p.mu.Lock()
	p.rtFilter = fn
	p.mu.Unlock()
}

// SetExtFilter restricts which extensions are visible to new clients.
func (p *Process) SetExtFilter(fn extension.FilterFunc) {
	p.mu.Lock()
	p.extFilter = fn
	p.mu.Unlock()
}

// SetTypeAlias makes alias resolve to target in clients created afterwards.
func (p *Process) SetTypeAlias(alias, target string) error {
	if err := p.check("process.SetTypeAlias"); err != nil {
		return err
	}
	if alias == "" || target == "" {
		return dgerr.New(dgerr.Unsupported, "process.SetTypeAlias", "alias and target must not be empty")
	}
	p.mu.Lock()
	p.aliases[alias] = target
	p.mu.Unlock()
	return nil
}

// TypeAlias returns the target of alias, or "" when there is none.
func (p *Process) TypeAlias(alias string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.aliases[alias]
}

func (p *Process) sortedAliases() [][2]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([][2]string, 0, len(p.aliases))
	for k, v := range p.aliases {
		out = append(out, [2]string{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// SetLicenseServer points the process at a license server.
func (p *Process) SetLicenseServer(addr string) error {
	if err := p.check("process.SetLicenseServer"); err != nil {
		return err
	}
	if strings.TrimSpace(addr) == "" {
		return dgerr.New(dgerr.LicenseInvalid, "process.SetLicenseServer", "license server address is empty")
	}
	p.mu.Lock()
	p.licenseServer = addr
	p.mu.Unlock()
	return nil
}

// SetStandaloneLicense installs a node-locked license text.
func (p *Process) SetStandaloneLicense(text string) error {
	if err := p.check("process.SetStandaloneLicense"); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return dgerr.New(dgerr.LicenseInvalid, "process.SetStandaloneLicense", "license text is empty")
	}
	p.mu.Lock()
	p.standalone = text
	p.mu.Unlock()
	return nil
}

// IsLicenseValid reports whether clients may be created.
func (p *Process) IsLicenseValid() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.requireLic || p.licenseServer != "" || p.standalone != ""
}

func (p *Process) snapshotFolders() (rt, ext []string, rtFilter, extFilter extension.FilterFunc) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.rtFolders...), append([]string(nil), p.extFolders...), p.rtFilter, p.extFilter
}

// BindClient returns the live client with the given context ID, retained for
// the caller.
func (p *Process) BindClient(contextID string) (*Client, error) {
	if err := p.check("process.BindClient"); err != nil {
		return nil, err
	}
	p.mu.RLock()
	c, ok := p.clients[contextID]
	p.mu.RUnlock()
	if !ok || !c.Retain() {
		return nil, dgerr.New(dgerr.NotFound, "process.BindClient", "no client with context ID '%s'", contextID)
	}
	return c, nil
}

func (p *Process) register(c *Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return dgerr.New(dgerr.InvalidHandle, "process.NewClient", "process has been finalized")
	}
	p.clients[c.id] = c
	return nil
}

func (p *Process) unregister(c *Client) {
	p.mu.Lock()
	delete(p.clients, c.id)
	p.mu.Unlock()
}

// NewClient creates a client. See ClientOptions.
func (p *Process) NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	if err := p.check("process.NewClient"); err != nil {
		return nil, err
	}
	if !p.IsLicenseValid() {
		return nil, dgerr.New(dgerr.LicenseInvalid, "process.NewClient", "no valid license has been set")
	}
	return newClient(ctx, p, opts)
}
