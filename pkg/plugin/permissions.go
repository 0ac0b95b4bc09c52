package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

type permState struct {
	granted []string
	pending []string
}

// EnsurePermission is the single enforcement point for sensitive plugin
// operations. Every call is metered; a permission is allowed only when it is
// granted exactly or through a granted "prefix*" wildcard. A denied
// permission is moved to the pending set the first time it is seen.
func (r *Runtime) EnsurePermission(ctx context.Context, slug, permission string) bool {
	allowed := permission != "" && r.isGranted(ctx, slug, permission)
	r.meter.Record(ctx, slug, permission, !allowed)
	if allowed {
		return true
	}
	if r.lookup(slug) != nil {
		r.markPending(ctx, slug, permission)
	}
	r.audit.Warn("plugin permission denied", "slug", slug, "permission", permission)
	r.hooks.DoAction(ActionPermissionDenied, slug, permission)
	return false
}

// Grant approves permission for slug, removes it from the pending set and
// resets its metering history.
func (r *Runtime) Grant(ctx context.Context, slug, permission string) error {
	if err := r.checkPermissionTarget(slug, permission); err != nil {
		return err
	}
	r.permMu.Lock()
	st, err := r.permStateLocked(ctx, slug)
	if err != nil {
		r.permMu.Unlock()
		return err
	}
	if !slices.Contains(st.granted, permission) {
		st.granted = append(st.granted, permission)
		sort.Strings(st.granted)
	}
	st.pending = slices.DeleteFunc(st.pending, func(p string) bool { return p == permission })
	granted, pending := slices.Clone(st.granted), slices.Clone(st.pending)
	r.permMu.Unlock()

	if err := storeJSON(ctx, r.options, r.key("granted:"+slug), granted); err != nil {
		return fmt.Errorf("persist grants for %s: %w", slug, err)
	}
	if err := storeJSON(ctx, r.options, r.key("pending:"+slug), nonNil(pending)); err != nil {
		r.logger.Warn("persist pending permissions", "slug", slug, "error", err)
	}
	r.meter.Reset(ctx, slug, permission)
	r.audit.Info("plugin permission granted", "slug", slug, "permission", permission)
	return nil
}

// Revoke withdraws permission from slug and resets its metering history.
func (r *Runtime) Revoke(ctx context.Context, slug, permission string) error {
	if err := r.checkPermissionTarget(slug, permission); err != nil {
		return err
	}
	r.permMu.Lock()
	st, err := r.permStateLocked(ctx, slug)
	if err != nil {
		r.permMu.Unlock()
		return err
	}
	st.granted = slices.DeleteFunc(st.granted, func(p string) bool { return p == permission })
	granted := slices.Clone(st.granted)
	r.permMu.Unlock()

	if err := storeJSON(ctx, r.options, r.key("granted:"+slug), nonNil(granted)); err != nil {
		return fmt.Errorf("persist grants for %s: %w", slug, err)
	}
	r.meter.Reset(ctx, slug, permission)
	r.audit.Info("plugin permission revoked", "slug", slug, "permission", permission)
	return nil
}

// SeedGrants applies the grants listed in the configuration to plugins that
// have no persisted grant record yet. Existing decisions are never overwritten.
func (r *Runtime) SeedGrants(ctx context.Context) error {
	slugs := make([]string, 0, len(r.cfg.Plugins))
	for slug := range r.cfg.Plugins {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	for _, slug := range slugs {
		grants := r.cfg.Plugins[slug].Grants
		if len(grants) == 0 {
			continue
		}
		_, exists, err := r.options.Get(ctx, r.key("granted:"+slug))
		if err != nil {
			return fmt.Errorf("read grants for %s: %w", slug, err)
		}
		if exists {
			continue
		}
		seeded := cleanList(grants)
		sort.Strings(seeded)
		if err := storeJSON(ctx, r.options, r.key("granted:"+slug), seeded); err != nil {
			return fmt.Errorf("seed grants for %s: %w", slug, err)
		}
		r.permMu.Lock()
		delete(r.perms, slug)
		r.permMu.Unlock()
		r.audit.Info("plugin grants seeded", "slug", slug, "permissions", seeded)
	}
	return nil
}

// Granted lists the permissions approved for slug.
func (r *Runtime) Granted(ctx context.Context, slug string) []string {
	r.permMu.Lock()
	defer r.permMu.Unlock()
	st, err := r.permStateLocked(ctx, slug)
	if err != nil {
		return nil
	}
	return slices.Clone(st.granted)
}

// Pending lists the permissions slug tried to use without a grant.
func (r *Runtime) Pending(ctx context.Context, slug string) []string {
	r.permMu.Lock()
	defer r.permMu.Unlock()
	st, err := r.permStateLocked(ctx, slug)
	if err != nil {
		return nil
	}
	return slices.Clone(st.pending)
}

// Usage returns the metering counters of a (slug, permission) pair.
func (r *Runtime) Usage(ctx context.Context, slug, permission string) Usage {
	return r.meter.Usage(ctx, slug, permission)
}

func (r *Runtime) checkPermissionTarget(slug, permission string) error {
	if strings.TrimSpace(permission) == "" {
		return errors.New("permission cannot be empty")
	}
	if r.lookup(slug) == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	return nil
}

func (r *Runtime) isGranted(ctx context.Context, slug, permission string) bool {
	r.permMu.Lock()
	defer r.permMu.Unlock()
	st, err := r.permStateLocked(ctx, slug)
	if err != nil {
		return false
	}
	return matchesGrant(st.granted, permission)
}

func matchesGrant(granted []string, permission string) bool {
	for _, g := range granted {
		if g == permission {
			return true
		}
		if prefix, ok := strings.CutSuffix(g, "*"); ok && strings.HasPrefix(permission, prefix) {
			return true
		}
	}
	return false
}

func (r *Runtime) markPending(ctx context.Context, slug, permission string) {
	r.permMu.Lock()
	st, err := r.permStateLocked(ctx, slug)
	if err != nil || slices.Contains(st.pending, permission) {
		r.permMu.Unlock()
		return
	}
	st.pending = append(st.pending, permission)
	pending := slices.Clone(st.pending)
	r.permMu.Unlock()

	if err := storeJSON(ctx, r.options, r.key("pending:"+slug), pending); err != nil {
		r.logger.Warn("persist pending permissions", "slug", slug, "error", err)
	}
	r.audit.Info("plugin permission pending", "slug", slug, "permission", permission)
}

// permStateLocked loads the permission record of slug on first use. A store
// failure is returned without caching so the next call retries, and callers
// treat it as "nothing granted".
func (r *Runtime) permStateLocked(ctx context.Context, slug string) (*permState, error) {
	if st, ok := r.perms[slug]; ok {
		return st, nil
	}
	st := &permState{}
	if _, err := loadJSON(ctx, r.options, r.key("granted:"+slug), &st.granted); err != nil {
		r.logger.Warn("read granted permissions", "slug", slug, "error", err)
		return nil, err
	}
	if _, err := loadJSON(ctx, r.options, r.key("pending:"+slug), &st.pending); err != nil {
		r.logger.Warn("read pending permissions", "slug", slug, "error", err)
		return nil, err
	}
	r.perms[slug] = st
	return st, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
