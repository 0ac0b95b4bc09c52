package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"PluginRuntime/pkg/hook"
)

type fakePlugin struct {
	mu          sync.Mutex
	activations int
	deactivated int
	uninstalled int
	installs    int
	upgrades    [][2]string

	activateErr   error
	activatePanic bool
	onActivate    func(ctx *ExecutionContext)
	menu          *MenuDescriptor
	sharedMenu    bool
	routes        []RouteDescriptor
	journal       *[]string
	slug          string
}

func (p *fakePlugin) Activate(ctx *ExecutionContext) error {
	p.mu.Lock()
	p.activations++
	p.mu.Unlock()
	if p.journal != nil {
		*p.journal = append(*p.journal, p.slug)
	}
	if p.activatePanic {
		panic("boom")
	}
	if p.onActivate != nil {
		p.onActivate(ctx)
	}
	return p.activateErr
}

func (p *fakePlugin) Deactivate(*ExecutionContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deactivated++
	return errors.New("deactivate always complains")
}

func (p *fakePlugin) Uninstall(*ExecutionContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uninstalled++
	return nil
}

func (p *fakePlugin) OnInstall(*ExecutionContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installs++
	return nil
}

func (p *fakePlugin) OnUpgrade(_ *ExecutionContext, oldVersion, newVersion string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upgrades = append(p.upgrades, [2]string{oldVersion, newVersion})
	return nil
}

func (p *fakePlugin) RegisterMenu(surface string) *MenuDescriptor {
	if p.menu == nil || surface != DefaultSurface {
		return nil
	}
	if p.sharedMenu {
		return p.menu
	}
	m := *p.menu
	return &m
}

func (p *fakePlugin) RegisterRoutes(string) []RouteDescriptor { return p.routes }

type fakeRouter struct {
	mu       sync.Mutex
	handlers map[string]http.Handler
	calls    map[string]int
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{handlers: map[string]http.Handler{}, calls: map[string]int{}}
}

func (r *fakeRouter) Handle(method, pattern string, h http.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := method + " " + pattern
	r.handlers[key] = h
	r.calls[key]++
	return nil
}

func (r *fakeRouter) serve(t *testing.T, method, pattern string) *httptest.ResponseRecorder {
	t.Helper()
	r.mu.Lock()
	h, ok := r.handlers[method+" "+pattern]
	r.mu.Unlock()
	if !ok {
		t.Fatalf("route %s %s not registered", method, pattern)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, pattern, nil))
	return rec
}

type pluginSpec struct {
	dir     string
	version string
	header  []string
	sidecar string
}

func writePlugins(t *testing.T, root string, specs ...pluginSpec) {
	t.Helper()
	for _, s := range specs {
		var b strings.Builder
		fmt.Fprintf(&b, "// Plugin Name: %s\n", s.dir)
		if s.version != "" {
			fmt.Fprintf(&b, "// Version: %s\n", s.version)
		}
		for _, line := range s.header {
			fmt.Fprintf(&b, "// %s\n", line)
		}
		b.WriteString("package main\n")
		writeFile(t, filepath.Join(root, s.dir, "plugin.go"), b.String())
		if s.sidecar != "" {
			writeFile(t, filepath.Join(root, s.dir, "plugin.yaml"), s.sidecar)
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	root    string
	runtime *Runtime
	plugins map[string]*fakePlugin
	router  *fakeRouter
	options *MemoryOptions
}

func newHarness(t *testing.T, root string, options *MemoryOptions, plugins map[string]*fakePlugin, opts ...Option) *harness {
	t.Helper()
	registry := NewRegistry()
	for slug, p := range plugins {
		p := p
		p.slug = slug
		registry.MustRegister(slug, func() (Plugin, error) { return p, nil })
	}
	if options == nil {
		options = NewMemoryOptions()
	}
	router := newFakeRouter()
	base := []Option{
		WithLoader(registry),
		WithOptionStore(options),
		WithRouter(router),
		WithLogger(quietLogger()),
	}
	rt, err := NewRuntime(Config{PluginDir: root}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if _, err := rt.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return &harness{root: root, runtime: rt, plugins: plugins, router: router, options: options}
}

func TestEnableUnknownPlugin(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil, nil)
	ok, err := h.runtime.Enable(context.Background(), "ghost")
	if ok || err != nil {
		t.Fatalf("unknown slug should be a no-op: %v %v", ok, err)
	}
}

func TestInstallThenUpgrade(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	options := NewMemoryOptions()
	writePlugins(t, root, pluginSpec{dir: "p2", version: "1.0.0"})

	first := &fakePlugin{}
	h := newHarness(t, root, options, map[string]*fakePlugin{"p2": first})
	if ok, err := h.runtime.Enable(ctx, "p2"); !ok || err != nil {
		t.Fatalf("enable: %v %v", ok, err)
	}
	if first.installs != 1 || len(first.upgrades) != 0 {
		t.Fatalf("expected install hook only: installs=%d upgrades=%v", first.installs, first.upgrades)
	}

	writePlugins(t, root, pluginSpec{dir: "p2", version: "1.1.0"})
	second := &fakePlugin{}
	h2 := newHarness(t, root, options, map[string]*fakePlugin{"p2": second})
	results, err := h2.runtime.LoadEnabled(ctx)
	if err != nil {
		t.Fatalf("load enabled: %v", err)
	}
	if len(results) != 1 || !results[0].Enabled {
		t.Fatalf("unexpected results: %+v", results)
	}
	if second.installs != 0 {
		t.Fatalf("install hook must not run on upgrade")
	}
	if want := [][2]string{{"1.0.0", "1.1.0"}}; !reflect.DeepEqual(second.upgrades, want) {
		t.Fatalf("unexpected upgrades: %v", second.upgrades)
	}
	raw, _, _ := options.Get(ctx, "plugin:version:p2")
	if raw != `"1.1.0"` {
		t.Fatalf("persisted version not updated: %s", raw)
	}
}

func TestEnableAllActivatesInDependencyOrder(t *testing.T) {
	root := t.TempDir()
	writePlugins(t, root,
		pluginSpec{dir: "a", version: "2.3.0"},
		pluginSpec{dir: "b", version: "1.2.0", header: []string{"Requires A: ^2.0"}},
		pluginSpec{dir: "c", version: "0.1.0", header: []string{"Requires B: >=1.0"}},
	)
	var journal []string
	plugins := map[string]*fakePlugin{
		"a": {journal: &journal}, "b": {journal: &journal}, "c": {journal: &journal},
	}
	h := newHarness(t, root, nil, plugins)

	results, err := h.runtime.EnableAll(context.Background(), []string{"c", "b", "a", "ghost"})
	if err != nil {
		t.Fatalf("enable all: %v", err)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(journal, want) {
		t.Fatalf("activation order: got %v want %v", journal, want)
	}
	if !errors.Is(results[0].Err, ErrNotFound) || results[0].Slug != "ghost" {
		t.Fatalf("unknown slug should be reported first: %+v", results[0])
	}
	enabled, _ := h.runtime.Enabled(context.Background())
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(enabled, want) {
		t.Fatalf("persisted enabled list: %v", enabled)
	}
}

func TestEnableAllAbortsOnCycle(t *testing.T) {
	root := t.TempDir()
	writePlugins(t, root,
		pluginSpec{dir: "a", header: []string{"Requires B: *"}},
		pluginSpec{dir: "b", header: []string{"Requires A: *"}},
		pluginSpec{dir: "free"},
	)
	plugins := map[string]*fakePlugin{"a": {}, "b": {}, "free": {}}
	h := newHarness(t, root, nil, plugins)

	_, err := h.runtime.EnableAll(context.Background(), []string{"free", "a", "b"})
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	for slug, p := range plugins {
		if p.activations != 0 {
			t.Fatalf("%s activated despite cycle", slug)
		}
	}
}

func TestEnableAllContainsActivationFailures(t *testing.T) {
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "one"}, pluginSpec{dir: "two"}, pluginSpec{dir: "three"})
	plugins := map[string]*fakePlugin{
		"one":   {activateErr: errors.New("no database")},
		"two":   {activatePanic: true},
		"three": {},
	}
	h := newHarness(t, root, nil, plugins)

	results, err := h.runtime.EnableAll(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("batch must not fail: %v", err)
	}
	var rtErr *RuntimeError
	if results[0].Enabled || !errors.As(results[0].Err, &rtErr) || rtErr.Op != "activate" {
		t.Fatalf("unexpected result for one: %+v", results[0])
	}
	if results[1].Enabled || results[1].Err == nil {
		t.Fatalf("panic should be contained: %+v", results[1])
	}
	if !results[2].Enabled || results[2].Err != nil {
		t.Fatalf("three should be enabled: %+v", results[2])
	}
	if got := h.runtime.State("one"); got != StateInstantiated {
		t.Fatalf("failed activation should leave the plugin instantiated, got %s", got)
	}
	enabled, _ := h.runtime.Enabled(context.Background())
	if want := []string{"three"}; !reflect.DeepEqual(enabled, want) {
		t.Fatalf("only successful plugins are persisted: %v", enabled)
	}
}

func TestEnableValidatesDependencies(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root,
		pluginSpec{dir: "base", version: "1.0.0"},
		pluginSpec{dir: "addon", header: []string{"Requires Base: >=1.0"}},
	)
	h := newHarness(t, root, nil, map[string]*fakePlugin{"base": {}, "addon": {}})

	if _, err := h.runtime.Enable(ctx, "addon"); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected missing dependency, got %v", err)
	}
	if ok, err := h.runtime.Enable(ctx, "base"); !ok || err != nil {
		t.Fatalf("enable base: %v", err)
	}
	if ok, err := h.runtime.Enable(ctx, "addon"); !ok || err != nil {
		t.Fatalf("enable addon after base: %v", err)
	}
	if ok, err := h.runtime.Enable(ctx, "addon"); !ok || err != nil {
		t.Fatalf("enable should be idempotent: %v", err)
	}
	if n := h.plugins["addon"].activations; n != 1 {
		t.Fatalf("addon activated %d times", n)
	}
}

func TestCapabilityPolicyRejectsPlugin(t *testing.T) {
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "miner", sidecar: "capabilities: [crypto-mining]\n"})
	p := &fakePlugin{}
	h := newHarness(t, root, nil, map[string]*fakePlugin{"miner": p},
		WithPolicy(CapabilityPolicy{DeniedCapabilities: []string{"crypto-mining"}}))

	if _, err := h.runtime.Enable(context.Background(), "miner"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("expected capability denial, got %v", err)
	}
	if p.activations != 0 {
		t.Fatalf("rejected plugin must not activate")
	}
}

func TestPermissionDefaultDeny(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "p1"})
	h := newHarness(t, root, nil, map[string]*fakePlugin{"p1": {}})

	var denied []string
	h.runtime.Hooks().AddAction(ActionPermissionDenied, func(args ...any) error {
		denied = append(denied, args[0].(string)+"/"+args[1].(string))
		return nil
	}, hook.WithArity(2))

	for i := 0; i < 3; i++ {
		if h.runtime.EnsurePermission(ctx, "p1", "files:write") {
			t.Fatalf("ungranted permission must be denied")
		}
	}
	if want := []string{"files:write"}; !reflect.DeepEqual(h.runtime.Pending(ctx, "p1"), want) {
		t.Fatalf("pending should hold the permission once: %v", h.runtime.Pending(ctx, "p1"))
	}
	usage := h.runtime.Usage(ctx, "p1", "files:write")
	if usage.Calls != 3 || usage.Denied != 3 || usage.CallsHour != 3 || usage.DeniedDay != 3 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if len(denied) != 3 || denied[0] != "p1/files:write" {
		t.Fatalf("denial action not published: %v", denied)
	}
	raw, _, _ := h.options.Get(ctx, "plugin:pending:p1")
	if raw != `["files:write"]` {
		t.Fatalf("pending not persisted: %s", raw)
	}
}

func TestWildcardGrant(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "p1"})
	h := newHarness(t, root, nil, map[string]*fakePlugin{"p1": {}})

	h.runtime.EnsurePermission(ctx, "p1", "billing:charge")
	if err := h.runtime.Grant(ctx, "p1", "billing:*"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !h.runtime.EnsurePermission(ctx, "p1", "billing:charge") {
		t.Fatalf("wildcard grant should cover billing:charge")
	}
	if h.runtime.EnsurePermission(ctx, "p1", "shipping:create") {
		t.Fatalf("wildcard grant must not cover shipping:create")
	}

	if err := h.runtime.Grant(ctx, "p1", "shipping:create"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if pending := h.runtime.Pending(ctx, "p1"); len(pending) != 1 || pending[0] != "billing:charge" {
		t.Fatalf("granting should clear only its own pending entry: %v", pending)
	}
	if usage := h.runtime.Usage(ctx, "p1", "shipping:create"); usage != (Usage{}) {
		t.Fatalf("grant should reset counters: %+v", usage)
	}
	if err := h.runtime.Revoke(ctx, "p1", "billing:*"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if h.runtime.EnsurePermission(ctx, "p1", "billing:charge") {
		t.Fatalf("revoked wildcard still grants")
	}
	if err := h.runtime.Grant(ctx, "ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("granting to an unknown plugin should fail, got %v", err)
	}
}

func TestSeedGrantsDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "p1"}, pluginSpec{dir: "p2"})
	options := NewMemoryOptions()
	_ = options.Set(ctx, "plugin:granted:p2", `["kept"]`)

	rt, err := NewRuntime(Config{
		PluginDir: root,
		Plugins: map[string]PluginConfig{
			"p1": {Grants: []string{"mail:send"}},
			"p2": {Grants: []string{"ignored"}},
		},
	}, WithOptionStore(options), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if err := rt.SeedGrants(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if got := rt.Granted(ctx, "p1"); !reflect.DeepEqual(got, []string{"mail:send"}) {
		t.Fatalf("p1 grants: %v", got)
	}
	if got := rt.Granted(ctx, "p2"); !reflect.DeepEqual(got, []string{"kept"}) {
		t.Fatalf("p2 grants must not be overwritten: %v", got)
	}
}

func TestRoutesRegisterDespiteMissingGrant(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "reports"})
	served := 0
	p := &fakePlugin{routes: []RouteDescriptor{
		{Method: "get", Path: "reports/summary", Permission: "reports:view", Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			served++
			w.WriteHeader(http.StatusOK)
		})},
		{Method: MethodPost, Path: "/reports/ping", Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})},
	}}
	h := newHarness(t, root, nil, map[string]*fakePlugin{"reports": p})
	if _, err := h.runtime.Enable(ctx, "reports"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	// registration is fail-open: the gated route is mounted anyway
	routes := h.runtime.Routes()
	if len(routes) != 2 || !routes[0].Gated || routes[0].Path != "/reports/summary" || routes[0].Method != MethodGet {
		t.Fatalf("unexpected routes: %+v", routes)
	}

	// invocation is fail-closed
	rec := h.router.serve(t, MethodGet, "/reports/summary")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var denial Denial
	if err := json.Unmarshal(rec.Body.Bytes(), &denial); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if denial.Code != DeniedCode || denial.Plugin != "reports" || denial.Permission != "reports:view" {
		t.Fatalf("unexpected denial payload: %+v", denial)
	}
	if served != 0 {
		t.Fatalf("denied request reached the plugin handler")
	}
	if rec := h.router.serve(t, MethodPost, "/reports/ping"); rec.Code != http.StatusNoContent {
		t.Fatalf("ungated route should pass, got %d", rec.Code)
	}

	if err := h.runtime.Grant(ctx, "reports", "reports:view"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if rec := h.router.serve(t, MethodGet, "/reports/summary"); rec.Code != http.StatusOK || served != 1 {
		t.Fatalf("granted request should reach the handler: %d", rec.Code)
	}
}

func TestReenableReregistersRoutes(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "hello"})
	p := &fakePlugin{routes: []RouteDescriptor{{Path: "/hello", Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "hi")
	})}}}
	h := newHarness(t, root, nil, map[string]*fakePlugin{"hello": p})

	if _, err := h.runtime.Enable(ctx, "hello"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if ok, err := h.runtime.Disable(ctx, "hello"); !ok || err != nil {
		t.Fatalf("disable: %v %v", ok, err)
	}
	if p.deactivated != 1 {
		t.Fatalf("deactivate hook not called")
	}
	if rec := h.router.serve(t, MethodGet, "/hello"); rec.Code != http.StatusNotFound {
		t.Fatalf("inactive plugin route should 404, got %d", rec.Code)
	}
	if _, err := h.runtime.Enable(ctx, "hello"); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if n := h.router.calls["GET /hello"]; n != 2 {
		t.Fatalf("route should be registered again after re-enable, registrations=%d", n)
	}
	if rec := h.router.serve(t, MethodGet, "/hello"); rec.Body.String() != "hi" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestDisableRemovesOwnedHooks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "listener"})
	calls := 0
	p := &fakePlugin{onActivate: func(ec *ExecutionContext) {
		ec.Hooks.AddAction("content.saved", func(...any) error {
			calls++
			return nil
		})
	}}
	h := newHarness(t, root, nil, map[string]*fakePlugin{"listener": p})
	bus := h.runtime.Hooks()

	if _, err := h.runtime.Enable(ctx, "listener"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	bus.DoAction("content.saved", 1)
	if _, err := h.runtime.Disable(ctx, "listener"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	bus.DoAction("content.saved", 2)
	if calls != 1 {
		t.Fatalf("disabled plugin hooks still fire: calls=%d", calls)
	}
	if bus.HasAction("content.saved") {
		t.Fatalf("owned subscription should be removed")
	}
}

func TestUninstallIsTerminal(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "gone", version: "3.0.0"})
	p := &fakePlugin{}
	h := newHarness(t, root, nil, map[string]*fakePlugin{"gone": p})

	if _, err := h.runtime.Enable(ctx, "gone"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if ok, err := h.runtime.Uninstall(ctx, "gone"); !ok || err != nil {
		t.Fatalf("uninstall: %v %v", ok, err)
	}
	if p.uninstalled != 1 || p.deactivated != 1 {
		t.Fatalf("uninstall should run uninstall then deactivate: %d %d", p.uninstalled, p.deactivated)
	}
	if h.runtime.State("gone") != StateUninstalled {
		t.Fatalf("unexpected state %s", h.runtime.State("gone"))
	}
	if _, err := h.runtime.Enable(ctx, "gone"); !errors.Is(err, ErrUninstalled) {
		t.Fatalf("uninstalled plugins cannot be re-enabled, got %v", err)
	}
	if _, err := h.runtime.Disable(ctx, "gone"); !errors.Is(err, ErrUninstalled) {
		t.Fatalf("disable after uninstall should report uninstalled, got %v", err)
	}
	raw, _, _ := h.options.Get(ctx, "plugin:version:gone")
	if raw != "null" {
		t.Fatalf("installed version should be cleared, got %s", raw)
	}
}

func TestMenusAreGatedAndFiltered(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "alpha"}, pluginSpec{dir: "beta"})
	plugins := map[string]*fakePlugin{
		"alpha": {menu: &MenuDescriptor{ID: "alpha", Label: "Alpha", Order: 20}},
		"beta":  {menu: &MenuDescriptor{ID: "beta", Label: "Beta", Order: 10, Permission: "beta:admin"}},
	}
	h := newHarness(t, root, nil, plugins)
	if _, err := h.runtime.EnableAll(ctx, []string{"alpha", "beta"}); err != nil {
		t.Fatalf("enable: %v", err)
	}

	menus := h.runtime.Menus(DefaultSurface)
	if len(menus) != 2 || menus[0].Slug != "beta" || !menus[0].Gated || menus[1].Gated {
		t.Fatalf("unexpected menus: %+v", menus)
	}
	if pending := h.runtime.Pending(ctx, "beta"); len(pending) != 1 || pending[0] != "beta:admin" {
		t.Fatalf("gated menu permission should be pending: %v", pending)
	}

	h.runtime.Hooks().AddFilter(FilterMenus, func(args ...any) (any, error) {
		var visible []MenuEntry
		for _, m := range args[0].([]MenuEntry) {
			if !m.Gated {
				visible = append(visible, m)
			}
		}
		return visible, nil
	})
	if menus := h.runtime.Menus(DefaultSurface); len(menus) != 1 || menus[0].Slug != "alpha" {
		t.Fatalf("filter should hide gated menus: %+v", menus)
	}
	if menus := h.runtime.Menus("frontend"); len(menus) != 0 {
		t.Fatalf("no menus expected on other surfaces: %+v", menus)
	}
}

func TestScanSkipsInvalidAndKeepsState(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "good", version: "1.0.0"})
	writeFile(t, filepath.Join(root, "broken", "plugin.go"), "package broken\n")
	writeFile(t, filepath.Join(root, "twin", "plugin.go"), "// Plugin Name: Good\n// Slug: good\npackage twin\n")
	writeFile(t, filepath.Join(root, "README.md"), "not a plugin directory\n")

	h := newHarness(t, root, nil, map[string]*fakePlugin{"good": {}})
	list := h.runtime.List()
	if len(list) != 1 || list[0].Metadata.Slug != "good" || list[0].Metadata.Dir != filepath.Join(root, "good") {
		t.Fatalf("unexpected scan result: %+v", list)
	}
	if _, err := h.runtime.Enable(ctx, "good"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	writePlugins(t, root, pluginSpec{dir: "good", version: "1.0.1"})
	if _, err := h.runtime.Scan(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	entry, ok := h.runtime.Get("good")
	if !ok || entry.State != StateActivated || entry.Metadata.Version != "1.0.1" || !entry.Instantiated {
		t.Fatalf("rescan should refresh metadata and keep state: %+v", entry)
	}
}

func TestEnableAllSkipsDependentsOfFailedPlugins(t *testing.T) {
	root := t.TempDir()
	writePlugins(t, root,
		pluginSpec{dir: "store", version: "1.0.0"},
		pluginSpec{dir: "shop", header: []string{"Requires Store: >=1.0"}},
	)
	plugins := map[string]*fakePlugin{
		"store": {activateErr: errors.New("no database")},
		"shop":  {},
	}
	h := newHarness(t, root, nil, plugins)

	results, err := h.runtime.EnableAll(context.Background(), []string{"shop", "store"})
	if err != nil {
		t.Fatalf("batch must not fail: %v", err)
	}
	if len(results) != 2 || results[0].Slug != "store" || results[0].Err == nil {
		t.Fatalf("unexpected results: %+v", results)
	}
	var depErr *DependencyError
	if results[1].Slug != "shop" || results[1].Enabled || !errors.As(results[1].Err, &depErr) || depErr.Dependency != "store" {
		t.Fatalf("shop should report its inactive dependency: %+v", results[1])
	}
	if !errors.Is(results[1].Err, ErrMissingDependency) || depErr.Constraint != ">=1.0" {
		t.Fatalf("unexpected dependency error: %v", results[1].Err)
	}
	if n := plugins["shop"].activations; n != 0 {
		t.Fatalf("shop must not be activated without store, activations=%d", n)
	}
	if got := h.runtime.State("shop"); got == StateActivated {
		t.Fatalf("shop should not be active")
	}
}

func TestCachedMenuDescriptorIsNotWrappedTwice(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "stats"})
	page := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	p := &fakePlugin{
		sharedMenu: true,
		menu:       &MenuDescriptor{ID: "stats", Label: "Stats", Permission: "stats:view", Handler: page},
	}
	h := newHarness(t, root, nil, map[string]*fakePlugin{"stats": p})

	for i := 0; i < 3; i++ {
		if _, err := h.runtime.Enable(ctx, "stats"); err != nil {
			t.Fatalf("enable: %v", err)
		}
		if _, err := h.runtime.Disable(ctx, "stats"); err != nil {
			t.Fatalf("disable: %v", err)
		}
	}
	if _, err := h.runtime.Enable(ctx, "stats"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	if err := h.runtime.Grant(ctx, "stats", "stats:view"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	menus := h.runtime.Menus(DefaultSurface)
	if len(menus) != 1 || menus[0].Menu.Handler == nil {
		t.Fatalf("unexpected menus: %+v", menus)
	}
	rec := httptest.NewRecorder()
	menus[0].Menu.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("granted menu page should render, got %d", rec.Code)
	}
	if usage := h.runtime.Usage(ctx, "stats", "stats:view"); usage.Calls != 1 || usage.Denied != 0 {
		t.Fatalf("one request should be metered once: %+v", usage)
	}
	if reflect.ValueOf(p.menu.Handler).Pointer() != reflect.ValueOf(page).Pointer() {
		t.Fatalf("plugin descriptor should keep its own handler")
	}
}

func TestRouteStaysWithActiveOwner(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugins(t, root, pluginSpec{dir: "alpha"}, pluginSpec{dir: "beta"})
	route := func(body string) []RouteDescriptor {
		return []RouteDescriptor{{Path: "/dup", Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, body)
		})}}
	}
	plugins := map[string]*fakePlugin{"alpha": {routes: route("alpha")}, "beta": {routes: route("beta")}}
	h := newHarness(t, root, nil, plugins)

	if _, err := h.runtime.EnableAll(ctx, []string{"alpha", "beta"}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if rec := h.router.serve(t, MethodGet, "/dup"); rec.Body.String() != "alpha" {
		t.Fatalf("second plugin must not replace the route, got %q", rec.Body.String())
	}
	if n := h.router.calls["GET /dup"]; n != 1 {
		t.Fatalf("conflicting route should not reach the router, registrations=%d", n)
	}
	if routes := h.runtime.Routes(); len(routes) != 1 || routes[0].Slug != "alpha" {
		t.Fatalf("only the owner lists the route: %+v", routes)
	}

	if _, err := h.runtime.Disable(ctx, "beta"); err != nil {
		t.Fatalf("disable beta: %v", err)
	}
	if rec := h.router.serve(t, MethodGet, "/dup"); rec.Code != http.StatusOK || rec.Body.String() != "alpha" {
		t.Fatalf("alpha is still active: %d %q", rec.Code, rec.Body.String())
	}

	// an inactive owner gives the route up
	if _, err := h.runtime.Disable(ctx, "alpha"); err != nil {
		t.Fatalf("disable alpha: %v", err)
	}
	if _, err := h.runtime.Enable(ctx, "beta"); err != nil {
		t.Fatalf("enable beta: %v", err)
	}
	if rec := h.router.serve(t, MethodGet, "/dup"); rec.Body.String() != "beta" {
		t.Fatalf("beta should own the route now, got %q", rec.Body.String())
	}
	if _, err := h.runtime.Enable(ctx, "alpha"); err != nil {
		t.Fatalf("enable alpha: %v", err)
	}
	if rec := h.router.serve(t, MethodGet, "/dup"); rec.Body.String() != "beta" {
		t.Fatalf("alpha must not take the route back from active beta, got %q", rec.Body.String())
	}
}
