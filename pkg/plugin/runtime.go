package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"PluginRuntime/pkg/hook"
)

// Runtime discovers plugins, activates them in dependency order and gates
// what they contribute behind the permission model. Lifecycle operations are
// serialised internally; a plugin must not call Enable, Disable or Uninstall
// from inside its own lifecycle hooks.
type Runtime struct {
	cfg Config

	opMu    sync.Mutex
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	loader    Loader
	options   OptionStore
	counters  CounterStore
	router    Router
	hooks     *hook.Bus
	now       func() time.Time
	logger    *slog.Logger
	audit     *slog.Logger
	resolver  Resolver
	policy    *CapabilityPolicy
	resources map[string]any

	meter  *Meter
	permMu sync.Mutex
	perms  map[string]*permState

	// routeOwners maps "METHOD /path" to the slug whose handler is mounted.
	routeOwners map[string]string
}

type entry struct {
	meta             Metadata
	instance         Plugin
	state            State
	menus            []MenuEntry
	routes           []RouteInfo
	routesRegistered bool
	activatedAt      time.Time
}

// Option customises a Runtime.
type Option func(*Runtime)

// WithLoader overrides the loader used to instantiate plugins.
func WithLoader(loader Loader) Option {
	return func(r *Runtime) {
		if loader != nil {
			r.loader = loader
		}
	}
}

// WithOptionStore sets the persistence collaborator.
func WithOptionStore(store OptionStore) Option {
	return func(r *Runtime) {
		if store != nil {
			r.options = store
		}
	}
}

// WithCounterStore sets the store backing permission metering.
func WithCounterStore(store CounterStore) Option {
	return func(r *Runtime) { r.counters = store }
}

// WithRouter sets the router plugin routes are mounted into.
func WithRouter(router Router) Option {
	return func(r *Runtime) { r.router = router }
}

// WithHooks shares an existing bus with the runtime.
func WithHooks(bus *hook.Bus) Option {
	return func(r *Runtime) {
		if bus != nil {
			r.hooks = bus
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAuditLogger sets the logger receiving lifecycle and permission audit records.
func WithAuditLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.audit = logger
		}
	}
}

// WithEnvironment declares subsystem versions plugins may require.
func WithEnvironment(env map[string]string) Option {
	return func(r *Runtime) {
		r.resolver.Environment = make(map[string]string, len(env))
		for k, v := range env {
			r.resolver.Environment[Slugify(k)] = v
		}
	}
}

// WithPolicy replaces the default capability policy from the configuration.
func WithPolicy(policy CapabilityPolicy) Option {
	return func(r *Runtime) { r.policy = &policy }
}

// WithResource registers a shared resource accessible to plugins.
func WithResource(name string, value any) Option {
	return func(r *Runtime) {
		if name == "" {
			return
		}
		r.resources[name] = value
	}
}

// NewRuntime constructs a runtime using the supplied configuration and options.
func NewRuntime(cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:       cfg.withDefaults(),
		entries:   make(map[string]*entry),
		loader:    GoPluginLoader{},
		options:   NewMemoryOptions(),
		now:       time.Now,
		logger:    slog.Default(),
		resources: make(map[string]any),
		perms:     make(map[string]*permState),

		routeOwners: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.audit == nil {
		r.audit = r.logger
	}
	if r.hooks == nil {
		r.hooks = hook.New(hook.WithLogger(r.logger))
	}
	r.meter = NewMeter(r.counters, r.now, r.logger)
	return r, nil
}

// Hooks returns the bus shared with plugins.
func (r *Runtime) Hooks() *hook.Bus { return r.hooks }

// Meter returns the permission meter.
func (r *Runtime) Meter() *Meter { return r.meter }

// Scan indexes every plugin directory below the configured root. Known slugs
// keep their state and instance; only their metadata is refreshed.
func (r *Runtime) Scan(ctx context.Context) ([]Metadata, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	dirs, err := os.ReadDir(r.cfg.PluginDir)
	if err != nil {
		return nil, fmt.Errorf("read plugin directory: %w", err)
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name() < dirs[j].Name() })

	found := make(map[string]Metadata, len(dirs))
	order := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(r.cfg.PluginDir, d.Name())
		meta, err := ParseDir(dir, r.cfg.EntryFiles)
		if err != nil {
			r.logger.Warn("skip plugin candidate", "dir", dir, "error", err)
			continue
		}
		if prev, dup := found[meta.Slug]; dup {
			r.logger.Warn("duplicate plugin slug", "slug", meta.Slug, "kept", prev.Dir, "ignored", dir)
			continue
		}
		found[meta.Slug] = meta
		order = append(order, meta.Slug)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for slug, e := range r.entries {
		if _, still := found[slug]; still {
			continue
		}
		if e.instance == nil {
			delete(r.entries, slug)
			continue
		}
		// instantiated plugins stay addressable until the process ends
		order = append(order, slug)
	}
	metas := make([]Metadata, 0, len(found))
	for _, slug := range order {
		meta, ok := found[slug]
		if !ok {
			continue
		}
		if e, known := r.entries[slug]; known {
			e.meta = meta
		} else {
			r.entries[slug] = &entry{meta: meta, state: StateDiscovered}
		}
		metas = append(metas, meta)
	}
	r.order = order
	r.logger.Info("plugin scan complete", "dir", r.cfg.PluginDir, "plugins", len(metas))
	return metas, nil
}

// LoadEnabled activates the persisted enabled set in dependency order.
func (r *Runtime) LoadEnabled(ctx context.Context) ([]Result, error) {
	enabled, err := r.Enabled(ctx)
	if err != nil {
		return nil, err
	}
	return r.EnableAll(ctx, enabled)
}

// EnableAll resolves slugs as one set and activates them in order. A
// dependency error aborts the batch before anything is activated; a failing
// plugin is recorded in its Result and the batch continues.
func (r *Runtime) EnableAll(ctx context.Context, slugs []string) ([]Result, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	results := make([]Result, 0, len(slugs))
	known := make([]string, 0, len(slugs))
	r.mu.RLock()
	for _, slug := range slugs {
		if _, ok := r.entries[slug]; !ok {
			results = append(results, Result{Slug: slug, Err: ErrNotFound})
			continue
		}
		known = append(known, slug)
	}
	r.mu.RUnlock()

	order, err := r.resolver.Resolve(r.metadataIndex(), known)
	if err != nil {
		r.logger.Error("resolve enabled plugins", "error", err)
		return results, err
	}
	for _, slug := range order {
		if err := r.dependenciesActive(slug); err != nil {
			r.logger.Warn("skip plugin with inactive dependency", "slug", slug, "error", err)
			results = append(results, Result{Slug: slug, Err: err})
			continue
		}
		ok, err := r.enable(ctx, slug)
		results = append(results, Result{Slug: slug, Enabled: ok, Err: err})
	}
	return results, nil
}

// dependenciesActive reports the first plugin dependency of slug that is not
// activated, e.g. because it failed earlier in the same batch.
func (r *Runtime) dependenciesActive(slug string) error {
	e := r.lookup(slug)
	if e == nil {
		return ErrNotFound
	}
	r.mu.RLock()
	meta := e.meta
	r.mu.RUnlock()
	for _, dep := range r.resolver.Dependencies(meta) {
		if r.State(dep) != StateActivated {
			return &DependencyError{Kind: DependencyMissing, Slug: slug, Dependency: dep, Constraint: meta.Requires[dep]}
		}
	}
	return nil
}

// Enable activates a single plugin. Unknown slugs report (false, nil).
func (r *Runtime) Enable(ctx context.Context, slug string) (bool, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	e := r.lookup(slug)
	if e == nil {
		return false, nil
	}
	if e.state == StateUninstalled {
		return false, ErrUninstalled
	}
	if e.state == StateActivated {
		return true, nil
	}
	enabled, err := r.Enabled(ctx)
	if err != nil {
		return false, err
	}
	if _, err := r.resolver.Resolve(r.metadataIndex(), r.closure(slug, enabled)); err != nil {
		return false, err
	}
	return r.enable(ctx, slug)
}

// closure returns slug plus the transitive dependencies reachable through
// the enabled set, which is what an isolated Enable must validate.
func (r *Runtime) closure(slug string, enabled []string) []string {
	allowed := make(map[string]bool, len(enabled))
	for _, s := range enabled {
		allowed[s] = true
	}
	index := r.metadataIndex()
	out := []string{slug}
	seen := map[string]bool{slug: true}
	for i := 0; i < len(out); i++ {
		for _, dep := range r.resolver.Dependencies(index[out[i]]) {
			if seen[dep] || !allowed[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
		}
	}
	return out
}

func (r *Runtime) enable(ctx context.Context, slug string) (bool, error) {
	e := r.lookup(slug)
	if e == nil {
		return false, ErrNotFound
	}
	r.mu.RLock()
	state, meta, inst := e.state, e.meta, e.instance
	r.mu.RUnlock()
	switch state {
	case StateUninstalled:
		return false, ErrUninstalled
	case StateActivated:
		return true, nil
	}

	policy := MergePolicies(r.defaultPolicy(), r.cfg.Plugins[slug].Policy)
	if err := policy.Validate(meta); err != nil {
		r.logger.Warn("plugin rejected by capability policy", "slug", slug, "error", err)
		return false, err
	}

	if inst == nil {
		var err error
		inst, err = r.instantiate(meta)
		if err != nil {
			r.logger.Error("instantiate plugin", "slug", slug, "error", err)
			return false, err
		}
		r.mu.Lock()
		e.instance = inst
		e.state = StateInstantiated
		r.mu.Unlock()
	}

	execCtx := r.execContext(ctx, slug)
	if err := r.runVersionHooks(ctx, execCtx, inst, meta); err != nil {
		r.logger.Error("plugin version hook failed", "slug", slug, "error", err)
		return false, err
	}

	for _, perm := range meta.Permissions {
		if !r.isGranted(ctx, slug, perm) {
			r.markPending(ctx, slug, perm)
		}
	}

	end := r.hooks.BeginRegistration(slug)
	err := safeCall(slug, "activate", func() error { return inst.Activate(execCtx.Clone()) })
	end()
	if err != nil {
		r.hooks.RemoveOwner(slug)
		r.logger.Error("activate plugin", "slug", slug, "error", err)
		return false, err
	}

	menus := r.collectMenus(ctx, slug, inst)
	r.mu.Lock()
	e.menus = menus
	registerRoutes := !e.routesRegistered
	r.mu.Unlock()
	if registerRoutes {
		routes := r.collectRoutes(ctx, slug, inst)
		r.mu.Lock()
		e.routes = routes
		e.routesRegistered = true
		r.mu.Unlock()
	}

	r.mu.Lock()
	e.state = StateActivated
	e.activatedAt = r.now()
	r.mu.Unlock()

	r.persistEnabled(ctx, slug, true)
	if err := storeJSON(ctx, r.options, r.key("version:"+slug), meta.Version); err != nil {
		r.logger.Warn("persist plugin version", "slug", slug, "error", err)
	}
	r.audit.Info("plugin activated", "slug", slug, "version", meta.Version)
	r.hooks.DoAction(ActionActivated, slug, meta.Version)
	return true, nil
}

func (r *Runtime) instantiate(meta Metadata) (Plugin, error) {
	var inst Plugin
	err := safeCall(meta.Slug, "instantiate", func() error {
		p, err := r.loader.Load(meta)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrNotPlugin
		}
		inst = p
		return nil
	})
	return inst, err
}

func (r *Runtime) runVersionHooks(ctx context.Context, execCtx *ExecutionContext, inst Plugin, meta Metadata) error {
	var previous *string
	found, err := loadJSON(ctx, r.options, r.key("version:"+meta.Slug), &previous)
	if err != nil {
		r.logger.Warn("read installed version", "slug", meta.Slug, "error", err)
	}
	if !found || previous == nil {
		if installer, ok := inst.(Installer); ok {
			if err := safeCall(meta.Slug, "install", func() error { return installer.OnInstall(execCtx.Clone()) }); err != nil {
				return err
			}
		}
		r.audit.Info("plugin installed", "slug", meta.Slug, "version", meta.Version)
		r.hooks.DoAction(ActionInstalled, meta.Slug, meta.Version)
		return nil
	}
	if *previous == meta.Version {
		return nil
	}
	if upgrader, ok := inst.(Upgrader); ok {
		old := *previous
		if err := safeCall(meta.Slug, "upgrade", func() error { return upgrader.OnUpgrade(execCtx.Clone(), old, meta.Version) }); err != nil {
			return err
		}
	}
	r.audit.Info("plugin upgraded", "slug", meta.Slug, "from", *previous, "to", meta.Version)
	r.hooks.DoAction(ActionUpgraded, meta.Slug, *previous, meta.Version)
	return nil
}

// Disable deactivates a plugin. Deactivation errors are logged and the
// plugin is disabled regardless.
func (r *Runtime) Disable(ctx context.Context, slug string) (bool, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	e := r.lookup(slug)
	if e == nil {
		return false, nil
	}
	r.mu.RLock()
	state := e.state
	r.mu.RUnlock()
	if state == StateUninstalled {
		return false, ErrUninstalled
	}
	r.disable(ctx, e)
	return true, nil
}

func (r *Runtime) disable(ctx context.Context, e *entry) {
	r.mu.RLock()
	slug, inst, state := e.meta.Slug, e.instance, e.state
	r.mu.RUnlock()

	if inst != nil && state != StateDeactivated {
		execCtx := r.execContext(ctx, slug)
		if err := safeCall(slug, "deactivate", func() error { return inst.Deactivate(execCtx) }); err != nil {
			r.logger.Warn("deactivate plugin", "slug", slug, "error", err)
		}
	}
	removed := r.hooks.RemoveOwner(slug)
	r.persistEnabled(ctx, slug, false)

	r.mu.Lock()
	e.menus = nil
	e.routesRegistered = false
	if e.instance != nil {
		e.state = StateDeactivated
	}
	r.mu.Unlock()

	r.audit.Info("plugin deactivated", "slug", slug, "hooks_removed", removed)
	r.hooks.DoAction(ActionDeactivated, slug)
}

// Uninstall runs the plugin's uninstall hook, disables it and marks it
// uninstalled for the rest of the process.
func (r *Runtime) Uninstall(ctx context.Context, slug string) (bool, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	e := r.lookup(slug)
	if e == nil {
		return false, nil
	}
	r.mu.RLock()
	inst, state := e.instance, e.state
	r.mu.RUnlock()
	if state == StateUninstalled {
		return false, ErrUninstalled
	}
	if inst != nil {
		execCtx := r.execContext(ctx, slug)
		if err := safeCall(slug, "uninstall", func() error { return inst.Uninstall(execCtx) }); err != nil {
			r.logger.Warn("uninstall plugin", "slug", slug, "error", err)
		}
	}
	r.disable(ctx, e)

	r.mu.Lock()
	e.state = StateUninstalled
	r.mu.Unlock()
	if err := r.options.Set(ctx, r.key("version:"+slug), "null"); err != nil {
		r.logger.Warn("clear plugin version", "slug", slug, "error", err)
	}
	r.audit.Info("plugin uninstalled", "slug", slug)
	r.hooks.DoAction(ActionUninstalled, slug)
	return true, nil
}

// Enabled returns the persisted enabled list.
func (r *Runtime) Enabled(ctx context.Context) ([]string, error) {
	var enabled []string
	if _, err := loadJSON(ctx, r.options, r.key("enabled"), &enabled); err != nil {
		return nil, fmt.Errorf("read enabled plugins: %w", err)
	}
	return enabled, nil
}

func (r *Runtime) persistEnabled(ctx context.Context, slug string, on bool) {
	enabled, err := r.Enabled(ctx)
	if err != nil {
		r.logger.Warn("persist enabled plugins", "slug", slug, "error", err)
		return
	}
	has := slices.Contains(enabled, slug)
	switch {
	case on && !has:
		enabled = append(enabled, slug)
	case !on && has:
		enabled = slices.DeleteFunc(enabled, func(s string) bool { return s == slug })
	default:
		return
	}
	if enabled == nil {
		enabled = []string{}
	}
	if err := storeJSON(ctx, r.options, r.key("enabled"), enabled); err != nil {
		r.logger.Warn("persist enabled plugins", "slug", slug, "error", err)
	}
}

// Get returns the registry entry for slug.
func (r *Runtime) Get(slug string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[slug]
	if !ok {
		return Entry{}, false
	}
	return e.view(), true
}

// List returns every indexed plugin in scan order.
func (r *Runtime) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, slug := range r.order {
		if e, ok := r.entries[slug]; ok {
			out = append(out, e.view())
		}
	}
	return out
}

// State returns the lifecycle state of slug, or "" when unknown.
func (r *Runtime) State(slug string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[slug]; ok {
		return e.state
	}
	return ""
}

func (e *entry) view() Entry {
	return Entry{Metadata: e.meta, State: e.state, Instantiated: e.instance != nil, ActivatedAt: e.activatedAt}
}

func (r *Runtime) lookup(slug string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[slug]
}

func (r *Runtime) metadataIndex() map[string]Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	index := make(map[string]Metadata, len(r.entries))
	for slug, e := range r.entries {
		index[slug] = e.meta
	}
	return index
}

func (r *Runtime) defaultPolicy() CapabilityPolicy {
	if r.policy != nil {
		return *r.policy
	}
	return r.cfg.Defaults
}

func (r *Runtime) execContext(ctx context.Context, slug string) *ExecutionContext {
	return &ExecutionContext{
		C:           ctx,
		Slug:        slug,
		Hooks:       r.hooks,
		Permissions: r,
		Config:      cloneConfig(r.cfg.Plugins[slug].Config),
		Resources:   r.resources,
	}
}

func (r *Runtime) key(suffix string) string {
	return r.cfg.KeyPrefix + suffix
}

// safeCall runs a plugin entry point and turns errors and panics into a
// *RuntimeError.
func safeCall(slug, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &RuntimeError{Slug: slug, Op: op, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if err := fn(); err != nil {
		var rt *RuntimeError
		if errors.As(err, &rt) {
			return err
		}
		return &RuntimeError{Slug: slug, Op: op, Err: err}
	}
	return nil
}
