package errors

import (
	stdErrors "errors"
	"strings"

	"PluginRuntime/pkg/plugin"
)

// FromPlugin 将 pkg/plugin 返回的错误映射为统一错误码，便于 API 层输出。
func FromPlugin(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := From(err); ok {
		return e
	}

	var depErr *plugin.DependencyError
	if stdErrors.As(err, &depErr) {
		code := CodeDependencyMissing
		switch depErr.Kind {
		case plugin.DependencyVersionMismatch:
			code = CodeDependencyMismatch
		case plugin.DependencyCycle:
			code = CodeDependencyCycle
		}
		opts := []Option{WithMetadata("plugin", depErr.Slug)}
		if depErr.Dependency != "" {
			opts = append(opts, WithMetadata("dependency", depErr.Dependency))
		}
		if depErr.Constraint != "" {
			opts = append(opts, WithMetadata("constraint", depErr.Constraint))
		}
		if depErr.Installed != "" {
			opts = append(opts, WithMetadata("installed", depErr.Installed))
		}
		if len(depErr.Cycle) > 0 {
			opts = append(opts, WithMetadata("cycle", strings.Join(depErr.Cycle, ",")))
		}
		return Wrap(code, err, depErr.Error(), opts...)
	}

	var rtErr *plugin.RuntimeError
	if stdErrors.As(err, &rtErr) {
		return Wrap(CodePluginRuntimeFailure, err, "",
			WithMetadata("plugin", rtErr.Slug),
			WithMetadata("op", rtErr.Op))
	}

	switch {
	case stdErrors.Is(err, plugin.ErrInvalidMetadata):
		return Wrap(CodeValidationFailed, err, "")
	case stdErrors.Is(err, plugin.ErrNotFound):
		return Wrap(CodePluginNotFound, err, "")
	case stdErrors.Is(err, plugin.ErrUninstalled):
		return Wrap(CodePluginUninstalled, err, "")
	case stdErrors.Is(err, plugin.ErrCapabilityDenied):
		return Wrap(CodeCapabilityDenied, err, "")
	case stdErrors.Is(err, plugin.ErrNoFactory), stdErrors.Is(err, plugin.ErrNotPlugin):
		return Wrap(CodePluginRuntimeFailure, err, "")
	}
	return Wrap(CodeUnknown, err, "")
}
