package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for slugs that were never scanned.
	ErrNotFound = errors.New("plugin not found")
	// ErrUninstalled is returned when enabling a plugin uninstalled in this process.
	ErrUninstalled = errors.New("plugin has been uninstalled")
	// ErrInvalidMetadata matches every *ValidationError.
	ErrInvalidMetadata = errors.New("invalid plugin metadata")
	// ErrCapabilityDenied is returned when the capability policy rejects a plugin.
	ErrCapabilityDenied = errors.New("capability not permitted")
	// ErrNotPlugin is returned when an entry point yields something that does
	// not implement Plugin.
	ErrNotPlugin = errors.New("entry point does not implement the plugin contract")
	// ErrNoFactory is returned by loaders that have nothing for a plugin.
	ErrNoFactory = errors.New("no factory registered")
	// ErrRouteConflict is reported when a route is already mounted by another
	// active plugin.
	ErrRouteConflict = errors.New("route owned by another plugin")

	// ErrDependency matches every *DependencyError.
	ErrDependency = errors.New("dependency resolution failed")
	// ErrMissingDependency matches missing dependency errors.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrVersionMismatch matches unsatisfied version constraints.
	ErrVersionMismatch = errors.New("dependency version mismatch")
	// ErrDependencyCycle matches cyclic dependency errors.
	ErrDependencyCycle = errors.New("cyclic dependency")
)

// ValidationError reports malformed plugin metadata. The candidate is skipped.
type ValidationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid plugin at %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidMetadata }

// DependencyKind distinguishes the three dependency failures.
type DependencyKind string

const (
	DependencyMissing         DependencyKind = "missing"
	DependencyVersionMismatch DependencyKind = "version_mismatch"
	DependencyCycle           DependencyKind = "cycle"
)

// DependencyError aborts resolution of a whole enabled set.
type DependencyError struct {
	Kind       DependencyKind
	Slug       string
	Dependency string
	Constraint string
	Installed  string
	Cycle      []string
}

func (e *DependencyError) Error() string {
	switch e.Kind {
	case DependencyMissing:
		if e.Dependency == e.Slug {
			return fmt.Sprintf("plugin %q is not installed", e.Slug)
		}
		return fmt.Sprintf("plugin %q requires %q (%s) which is not enabled", e.Slug, e.Dependency, constraintText(e.Constraint))
	case DependencyVersionMismatch:
		installed := e.Installed
		if installed == "" {
			installed = "an unversioned release"
		}
		return fmt.Sprintf("plugin %q requires %q %s but %s is installed", e.Slug, e.Dependency, constraintText(e.Constraint), installed)
	case DependencyCycle:
		return fmt.Sprintf("cyclic dependency among plugins: %s", strings.Join(e.Cycle, ", "))
	default:
		return ErrDependency.Error()
	}
}

func (e *DependencyError) Is(target error) bool {
	switch target {
	case ErrDependency:
		return true
	case ErrMissingDependency:
		return e.Kind == DependencyMissing
	case ErrVersionMismatch:
		return e.Kind == DependencyVersionMismatch
	case ErrDependencyCycle:
		return e.Kind == DependencyCycle
	}
	return false
}

func constraintText(c string) string {
	if strings.TrimSpace(c) == "" {
		return "any version"
	}
	return c
}

// RuntimeError reports a failing plugin entry point. It is contained to the
// plugin it names.
type RuntimeError struct {
	Slug string
	Op   string
	Err  error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s plugin %s: %v", e.Op, e.Slug, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
