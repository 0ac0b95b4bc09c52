package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// DeniedCode is the code field of the access-denied payload returned by
// gated plugin handlers.
const DeniedCode = "ACCESS_DENIED"

// Denial is the fixed response body of a gated handler whose permission is
// not granted.
type Denial struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Plugin     string `json:"plugin"`
	Permission string `json:"permission"`
}

func writeDenied(w http.ResponseWriter, slug, permission string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(Denial{
		Code:       DeniedCode,
		Message:    fmt.Sprintf("plugin %s is not permitted to use %s", slug, permission),
		Plugin:     slug,
		Permission: permission,
	})
}

// gate wraps a plugin handler. The handler answers 404 while the plugin is
// not active, and every request re-checks permission so a grant or revoke
// applies without re-registration.
func (r *Runtime) gate(slug, permission string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.State(slug) != StateActivated {
			http.NotFound(w, req)
			return
		}
		if permission != "" && !r.EnsurePermission(req.Context(), slug, permission) {
			writeDenied(w, slug, permission)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Runtime) collectMenus(ctx context.Context, slug string, inst Plugin) []MenuEntry {
	provider, ok := inst.(MenuProvider)
	if !ok {
		return nil
	}
	var menus []MenuEntry
	for _, surface := range r.cfg.Surfaces {
		var menu *MenuDescriptor
		err := safeCall(slug, "register menu", func() error {
			menu = provider.RegisterMenu(surface)
			return nil
		})
		if err != nil {
			r.logger.Warn("collect plugin menu", "slug", slug, "surface", surface, "error", err)
			continue
		}
		if menu == nil {
			continue
		}
		// the plugin may hand back a cached descriptor; wrap a copy
		item := *menu
		gated := false
		if item.Permission != "" && !r.isGranted(ctx, slug, item.Permission) {
			gated = true
			r.markPending(ctx, slug, item.Permission)
		}
		if item.Handler != nil {
			item.Handler = r.gate(slug, item.Permission, item.Handler)
		}
		menus = append(menus, MenuEntry{Slug: slug, Surface: surface, Menu: item, Gated: gated})
	}
	return menus
}

// collectRoutes registers every route of the plugin. Routes whose permission
// is not granted are still mounted; their handler denies at request time.
func (r *Runtime) collectRoutes(ctx context.Context, slug string, inst Plugin) []RouteInfo {
	provider, ok := inst.(RouteProvider)
	if !ok {
		return nil
	}
	var descriptors []RouteDescriptor
	err := safeCall(slug, "register routes", func() error {
		descriptors = provider.RegisterRoutes(slug)
		return nil
	})
	if err != nil {
		r.logger.Warn("collect plugin routes", "slug", slug, "error", err)
		return nil
	}
	routes := make([]RouteInfo, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Handler == nil {
			r.logger.Warn("plugin route without handler", "slug", slug, "path", d.Path)
			continue
		}
		method := strings.ToUpper(strings.TrimSpace(d.Method))
		if method == "" {
			method = MethodGet
		}
		path := "/" + strings.TrimLeft(d.Path, "/")
		gated := false
		if d.Permission != "" && !r.isGranted(ctx, slug, d.Permission) {
			gated = true
			r.markPending(ctx, slug, d.Permission)
		}
		if r.router != nil {
			key := method + " " + path
			if owner, ok := r.claimRoute(key, slug); !ok {
				r.logger.Warn("register plugin route", "slug", slug, "method", method, "path", path,
					"owner", owner, "error", ErrRouteConflict)
				continue
			}
			if err := r.router.Handle(method, path, r.gate(slug, d.Permission, d.Handler)); err != nil {
				r.logger.Warn("register plugin route", "slug", slug, "method", method, "path", path, "error", err)
				continue
			}
		}
		routes = append(routes, RouteInfo{Slug: slug, Method: method, Path: path, Permission: d.Permission, Gated: gated})
	}
	return routes
}

// Menus returns the menus active plugins contribute to surface, ordered by
// Order then slug and passed through the plugin.menus filter.
func (r *Runtime) Menus(surface string) []MenuEntry {
	r.mu.RLock()
	var menus []MenuEntry
	for _, slug := range r.order {
		e, ok := r.entries[slug]
		if !ok || e.state != StateActivated {
			continue
		}
		for _, m := range e.menus {
			if m.Surface == surface {
				menus = append(menus, m)
			}
		}
	}
	r.mu.RUnlock()
	sort.SliceStable(menus, func(i, j int) bool {
		if menus[i].Menu.Order != menus[j].Menu.Order {
			return menus[i].Menu.Order < menus[j].Menu.Order
		}
		return menus[i].Slug < menus[j].Slug
	})
	if filtered, ok := r.hooks.ApplyFilters(FilterMenus, menus, surface).([]MenuEntry); ok {
		return filtered
	}
	return menus
}

// Routes lists the routes registered by active plugins.
func (r *Runtime) Routes() []RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var routes []RouteInfo
	for _, slug := range r.order {
		e, ok := r.entries[slug]
		if !ok || e.state != StateActivated {
			continue
		}
		routes = append(routes, e.routes...)
	}
	return routes
}

// claimRoute records slug as the owner of key. A route stays with its owner
// while the owner is active; an inactive owner's route may be taken over.
func (r *Runtime) claimRoute(key, slug string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.routeOwners[key]; ok && owner != slug {
		if e := r.entries[owner]; e != nil && e.state == StateActivated {
			return owner, false
		}
	}
	r.routeOwners[key] = slug
	return slug, true
}
