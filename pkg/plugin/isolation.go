package plugin

import (
	"fmt"
	"slices"
)

// CapabilityPolicy restricts which declared capabilities a plugin may claim.
// An empty allow list allows everything not explicitly denied.
type CapabilityPolicy struct {
	AllowedCapabilities []string `yaml:"allowedCapabilities"`
	DeniedCapabilities  []string `yaml:"deniedCapabilities"`
}

// Merge returns a new policy using values from other when not present.
func (p CapabilityPolicy) Merge(other CapabilityPolicy) CapabilityPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// Validate ensures the plugin's declared capabilities are allowed.
func (p CapabilityPolicy) Validate(meta Metadata) error {
	for _, c := range meta.Capabilities {
		if slices.Contains(p.DeniedCapabilities, c) {
			return fmt.Errorf("%w: %s declares denied capability %s", ErrCapabilityDenied, meta.Slug, c)
		}
	}
	if len(p.AllowedCapabilities) == 0 {
		return nil
	}
	for _, c := range meta.Capabilities {
		if !slices.Contains(p.AllowedCapabilities, c) {
			return fmt.Errorf("%w: %s declares capability %s outside the allow list", ErrCapabilityDenied, meta.Slug, c)
		}
	}
	return nil
}

// MergePolicies combines the default and plugin specific policies.
func MergePolicies(defaults CapabilityPolicy, plugin *CapabilityPolicy) CapabilityPolicy {
	if plugin == nil {
		return defaults
	}
	return plugin.Merge(defaults)
}
