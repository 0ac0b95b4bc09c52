package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"PluginRuntime/pkg/plugin"
)

// slot 持有可替换的处理器，插件重新启用时只替换处理器而不重复注册路由。
type slot struct {
	handler atomic.Value
}

func (s *slot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.Load().(http.Handler).ServeHTTP(w, r)
}

// PluginRouter 实现 plugin.Router，承载插件贡献的 HTTP 路由。
type PluginRouter struct {
	mu    sync.RWMutex
	mux   *chi.Mux
	slots map[string]*slot
}

var _ plugin.Router = (*PluginRouter)(nil)

// NewPluginRouter 创建空的插件路由器。
func NewPluginRouter() *PluginRouter {
	mux := chi.NewRouter()
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no plugin route matches "+r.URL.Path)
	})
	return &PluginRouter{mux: mux, slots: make(map[string]*slot)}
}

// Handle 注册或替换插件路由。
func (p *PluginRouter) Handle(method, pattern string, h http.Handler) (err error) {
	if h == nil {
		return fmt.Errorf("handler for %s %s cannot be nil", method, pattern)
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	switch method {
	case plugin.MethodGet, plugin.MethodPost, plugin.MethodPut, plugin.MethodPatch, plugin.MethodDelete, plugin.MethodAny:
	default:
		return fmt.Errorf("unsupported method %q", method)
	}
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("pattern %q must start with /", pattern)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	key := method + " " + pattern
	if s, ok := p.slots[key]; ok {
		s.handler.Store(h)
		return nil
	}
	s := &slot{}
	s.handler.Store(h)

	// chi 对非法模式直接 panic，这里转换为错误。
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("register %s: %v", key, rec)
		}
	}()
	if method == plugin.MethodAny {
		p.mux.Handle(pattern, s)
	} else {
		p.mux.Method(method, pattern, s)
	}
	p.slots[key] = s
	return nil
}

// Patterns 返回已注册的路由键，格式为 "METHOD /pattern"。
func (p *PluginRouter) Patterns() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.slots))
	for key := range p.slots {
		out = append(out, key)
	}
	return out
}

// ServeHTTP 实现 http.Handler。
func (p *PluginRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.mux.ServeHTTP(w, r)
}
