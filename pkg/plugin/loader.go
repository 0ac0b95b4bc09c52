package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"
	"sync"
)

// Loader turns scanned metadata into a live Plugin instance.
type Loader interface {
	Load(meta Metadata) (Plugin, error)
}

// Factory builds a fresh plugin instance. It is the Go form of an entry
// point: the host never inspects types reflectively.
type Factory func() (Plugin, error)

// Registry is a Loader backed by factories compiled into the host binary.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a plugin slug.
func (r *Registry) Register(slug string, factory Factory) error {
	slug = Slugify(slug)
	if slug == "" {
		return errors.New("factory slug cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for %s cannot be nil", slug)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[slug]; exists {
		return fmt.Errorf("factory for %s already registered", slug)
	}
	r.factories[slug] = factory
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (r *Registry) MustRegister(slug string, factory Factory) {
	if err := r.Register(slug, factory); err != nil {
		panic(err)
	}
}

// Load looks the factory up by slug, falling back to the directory name.
func (r *Registry) Load(meta Metadata) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[meta.Slug]
	if !ok && meta.Dir != "" {
		factory, ok = r.factories[Slugify(filepath.Base(meta.Dir))]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoFactory, meta.Slug)
	}
	p, err := factory()
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotPlugin
	}
	return p, nil
}

// GoPluginLoader uses the Go standard library plugin mechanism to open
// <dir>/<slug>.so next to the entry file.
type GoPluginLoader struct{}

// Load opens the shared object and searches for a `Plugin` symbol or a `New` factory.
func (GoPluginLoader) Load(meta Metadata) (Plugin, error) {
	path := filepath.Join(meta.Dir, meta.Slug+".so")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w for %s", ErrNoFactory, meta.Slug)
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	if symbol, err := so.Lookup("Plugin"); err == nil {
		return asPlugin(symbol)
	}
	symbol, err := so.Lookup("New")
	if err != nil {
		return nil, fmt.Errorf("%s exports neither Plugin nor New: %w", path, ErrNotPlugin)
	}
	return asPlugin(symbol)
}

func asPlugin(symbol any) (Plugin, error) {
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		if inst := p(); inst != nil {
			return inst, nil
		}
		return nil, ErrNotPlugin
	case func() (Plugin, error):
		inst, err := p()
		if err != nil {
			return nil, err
		}
		if inst == nil {
			return nil, ErrNotPlugin
		}
		return inst, nil
	default:
		return nil, ErrNotPlugin
	}
}

// ChainLoader tries each loader in order until one has a factory.
type ChainLoader []Loader

// Load implements Loader.
func (c ChainLoader) Load(meta Metadata) (Plugin, error) {
	for _, l := range c {
		if l == nil {
			continue
		}
		p, err := l.Load(meta)
		if errors.Is(err, ErrNoFactory) {
			continue
		}
		return p, err
	}
	return nil, fmt.Errorf("%w for %s", ErrNoFactory, meta.Slug)
}
