package plugin

import (
	"context"

	"PluginRuntime/pkg/hook"
)

// Plugin defines the lifecycle hooks every plugin implementation must satisfy.
type Plugin interface {
	// Activate wires the plugin into the host, typically by subscribing to hooks.
	Activate(ctx *ExecutionContext) error
	// Deactivate undoes Activate. Errors are logged and ignored.
	Deactivate(ctx *ExecutionContext) error
	// Uninstall removes any data the plugin created. Errors are logged and ignored.
	Uninstall(ctx *ExecutionContext) error
}

// Installer is implemented by plugins that need a one-time setup step the
// first time they are activated.
type Installer interface {
	OnInstall(ctx *ExecutionContext) error
}

// Upgrader is implemented by plugins that migrate their data when the
// installed version changes.
type Upgrader interface {
	OnUpgrade(ctx *ExecutionContext, oldVersion, newVersion string) error
}

// MenuProvider contributes admin navigation. A nil descriptor means no menu
// for that surface.
type MenuProvider interface {
	RegisterMenu(surface string) *MenuDescriptor
}

// RouteProvider contributes HTTP routes.
type RouteProvider interface {
	RegisterRoutes(slug string) []RouteDescriptor
}

// PermissionChecker is the enforcement point plugins call before any
// sensitive operation.
type PermissionChecker interface {
	EnsurePermission(ctx context.Context, slug, permission string) bool
}

// ExecutionContext is passed to plugins for every lifecycle stage.
type ExecutionContext struct {
	// C is the underlying context for cancellation and deadlines.
	C context.Context
	// Slug identifies the plugin the context was built for.
	Slug string
	// Hooks is the shared action/filter bus.
	Hooks *hook.Bus
	// Permissions checks and meters sensitive operations.
	Permissions PermissionChecker
	// Config is the plugin specific configuration block from the policy file.
	Config map[string]any
	// Resources exposes shared services supplied by the host application.
	Resources map[string]any
}

// Allowed is shorthand for Permissions.EnsurePermission on the context's own slug.
// Without a checker every permission is denied.
func (c *ExecutionContext) Allowed(permission string) bool {
	if c == nil || c.Permissions == nil {
		return false
	}
	ctx := c.C
	if ctx == nil {
		ctx = context.Background()
	}
	return c.Permissions.EnsurePermission(ctx, c.Slug, permission)
}

// Clone returns a shallow copy of the execution context so plugins can safely mutate maps.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Config != nil {
		dup.Config = make(map[string]any, len(c.Config))
		for k, v := range c.Config {
			dup.Config[k] = v
		}
	}
	if c.Resources != nil {
		dup.Resources = make(map[string]any, len(c.Resources))
		for k, v := range c.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}
