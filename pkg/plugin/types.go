package plugin

import (
	"net/http"
	"time"
)

// Metadata describes one discoverable plugin. It is parsed once at scan time
// and never mutated afterwards; a rescan produces fresh values.
type Metadata struct {
	Slug         string            `json:"slug"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description,omitempty"`
	Author       string            `json:"author,omitempty"`
	Requires     map[string]string `json:"requires,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Permissions  []string          `json:"permissions,omitempty"`
	Dir          string            `json:"dir"`
	EntryFile    string            `json:"entry_file"`
}

// State represents the lifecycle position of a plugin.
type State string

const (
	StateDiscovered   State = "discovered"
	StateInstantiated State = "instantiated"
	StateActivated    State = "activated"
	StateDeactivated  State = "deactivated"
	StateUninstalled  State = "uninstalled"
)

// Entry is a read-only view of one registry entry.
type Entry struct {
	Metadata     Metadata  `json:"metadata"`
	State        State     `json:"state"`
	Instantiated bool      `json:"instantiated"`
	ActivatedAt  time.Time `json:"activated_at,omitempty"`
}

// Result reports the outcome of one plugin in a batch operation.
type Result struct {
	Slug    string `json:"slug"`
	Enabled bool   `json:"enabled"`
	Err     error  `json:"-"`
}

// MenuDescriptor is the admin navigation entry a plugin contributes.
type MenuDescriptor struct {
	ID         string           `json:"id"`
	Label      string           `json:"label"`
	Path       string           `json:"path"`
	Icon       string           `json:"icon,omitempty"`
	Order      int              `json:"order,omitempty"`
	Permission string           `json:"permission,omitempty"`
	Children   []MenuDescriptor `json:"children,omitempty"`
	// Handler renders the page behind the menu entry.
	Handler http.Handler `json:"-"`
}

// MenuEntry is a collected menu contribution.
type MenuEntry struct {
	Slug    string         `json:"slug"`
	Surface string         `json:"surface"`
	Menu    MenuDescriptor `json:"menu"`
	// Gated is true when the menu's permission was not granted at
	// registration time.
	Gated bool `json:"gated"`
}

// RouteDescriptor is an HTTP route a plugin wants mounted.
type RouteDescriptor struct {
	Method      string       `json:"method"`
	Path        string       `json:"path"`
	Permission  string       `json:"permission,omitempty"`
	Description string       `json:"description,omitempty"`
	Handler     http.Handler `json:"-"`
}

// RouteInfo is a registered route as seen by the host.
type RouteInfo struct {
	Slug       string `json:"slug"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Permission string `json:"permission,omitempty"`
	Gated      bool   `json:"gated"`
}

// HTTP methods accepted by Router implementations.
const (
	MethodGet    = http.MethodGet
	MethodPost   = http.MethodPost
	MethodPut    = http.MethodPut
	MethodPatch  = http.MethodPatch
	MethodDelete = http.MethodDelete
	MethodAny    = "ANY"
)

// Hook channels published by the runtime.
const (
	ActionInstalled        = "plugin.installed"
	ActionUpgraded         = "plugin.upgraded"
	ActionActivated        = "plugin.activated"
	ActionDeactivated      = "plugin.deactivated"
	ActionUninstalled      = "plugin.uninstalled"
	ActionPermissionDenied = "plugin.permission_denied"
	FilterMenus            = "plugin.menus"
)
