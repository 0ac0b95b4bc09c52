package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

// PluginView 是单个插件的详情响应。
type PluginView struct {
	plugin.Entry
	Granted []string `json:"granted"`
	Pending []string `json:"pending"`
}

// ResultView 是批量启用中单个插件的结果。
type ResultView struct {
	Slug    string        `json:"slug"`
	Enabled bool          `json:"enabled"`
	Error   *xerrors.Body `json:"error,omitempty"`
}

// PermissionsView 汇总插件的授权、待审批和计量信息。
type PermissionsView struct {
	Slug     string                  `json:"slug"`
	Declared []string                `json:"declared"`
	Granted  []string                `json:"granted"`
	Pending  []string                `json:"pending"`
	Usage    map[string]plugin.Usage `json:"usage"`
}

// EnableRequest 是批量启用的请求体。
type EnableRequest struct {
	Plugins []string `json:"plugins"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for _, c := range s.checks {
		if err := c.fn(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			checks[c.name] = err.Error()
			continue
		}
		checks[c.name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plugins": s.runtime.List()})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	metas, err := s.runtime.Scan(r.Context())
	if err != nil {
		xerrors.WriteHTTP(w, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描插件目录失败"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": metas})
}

func (s *Server) handleEnableBatch(w http.ResponseWriter, r *http.Request) {
	var req EnableRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		xerrors.WriteHTTP(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if len(req.Plugins) == 0 {
		xerrors.WriteHTTP(w, xerrors.New(xerrors.CodeInvalidArgument, "plugins 不能为空"))
		return
	}
	results, err := s.runtime.EnableAll(r.Context(), req.Plugins)
	if err != nil {
		xerrors.WriteHTTP(w, xerrors.FromPlugin(err))
		return
	}
	views := make([]ResultView, 0, len(results))
	for _, res := range results {
		view := ResultView{Slug: res.Slug, Enabled: res.Enabled}
		if res.Err != nil {
			e := xerrors.FromPlugin(res.Err)
			view.Error = &xerrors.Body{Code: e.Code(), Message: e.Message(), Metadata: e.Metadata()}
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": views})
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	entry, ok := s.runtime.Get(slug)
	if !ok {
		writeNotFound(w, slug)
		return
	}
	writeJSON(w, http.StatusOK, PluginView{
		Entry:   entry,
		Granted: s.runtime.Granted(r.Context(), slug),
		Pending: s.runtime.Pending(r.Context(), slug),
	})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.runtime.Enable)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.runtime.Disable)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.runtime.Uninstall)
}

// lifecycle 执行单个插件的状态变更，返回 (false, nil) 表示插件不存在。
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, slug string) (bool, error)) {
	slug := chi.URLParam(r, "slug")
	ok, err := op(r.Context(), slug)
	if err != nil {
		xerrors.WriteHTTP(w, xerrors.FromPlugin(err))
		return
	}
	if !ok {
		writeNotFound(w, slug)
		return
	}
	entry, _ := s.runtime.Get(slug)
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	entry, ok := s.runtime.Get(slug)
	if !ok {
		writeNotFound(w, slug)
		return
	}
	ctx := r.Context()
	view := PermissionsView{
		Slug:     slug,
		Declared: nonNil(entry.Metadata.Permissions),
		Granted:  nonNil(s.runtime.Granted(ctx, slug)),
		Pending:  nonNil(s.runtime.Pending(ctx, slug)),
		Usage:    make(map[string]plugin.Usage),
	}
	seen := make(map[string]bool)
	for _, list := range [][]string{view.Declared, view.Granted, view.Pending} {
		for _, perm := range list {
			if seen[perm] || strings.HasSuffix(perm, "*") {
				continue
			}
			seen[perm] = true
			view.Usage[perm] = s.runtime.Usage(ctx, slug, perm)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	s.permission(w, r, s.runtime.Grant)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.permission(w, r, s.runtime.Revoke)
}

func (s *Server) permission(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, slug, permission string) error) {
	slug := chi.URLParam(r, "slug")
	perm, err := url.PathUnescape(chi.URLParam(r, "permission"))
	if err != nil || strings.TrimSpace(perm) == "" {
		xerrors.WriteHTTP(w, xerrors.New(xerrors.CodeInvalidArgument, "权限名称无效"))
		return
	}
	if _, ok := s.runtime.Get(slug); !ok {
		writeNotFound(w, slug)
		return
	}
	if err := op(r.Context(), slug, perm); err != nil {
		xerrors.WriteHTTP(w, xerrors.FromPlugin(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slug":    slug,
		"granted": nonNil(s.runtime.Granted(r.Context(), slug)),
		"pending": nonNil(s.runtime.Pending(r.Context(), slug)),
	})
}

func (s *Server) handleMenus(w http.ResponseWriter, r *http.Request) {
	surface := chi.URLParam(r, "surface")
	writeJSON(w, http.StatusOK, map[string]any{"surface": surface, "menus": nonNilMenus(s.runtime.Menus(surface))})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.runtime.Routes()
	if routes == nil {
		routes = []plugin.RouteInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

func (s *Server) handleHookStats(w http.ResponseWriter, r *http.Request) {
	stats := s.runtime.Hooks().Stats()
	channels := make([]string, 0, len(stats.Channels))
	for name := range stats.Channels {
		channels = append(channels, name)
	}
	sort.Strings(channels)
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats, "channels": channels})
}

func writeNotFound(w http.ResponseWriter, slug string) {
	xerrors.WriteHTTP(w, xerrors.New(xerrors.CodePluginNotFound, "插件不存在: "+slug,
		xerrors.WithMetadata("plugin", slug)))
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilMenus(in []plugin.MenuEntry) []plugin.MenuEntry {
	if in == nil {
		return []plugin.MenuEntry{}
	}
	return in
}
