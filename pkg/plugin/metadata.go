package plugin

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SidecarFiles are the manifest names looked up next to the entry file, in order.
var SidecarFiles = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// DefaultEntryFiles are the conventional entry file names. "{dir}" is
// replaced by the plugin directory name.
var DefaultEntryFiles = []string{"plugin.go", "{dir}.go", "main.go"}

// maxHeaderBytes bounds how much of a file is read when looking for a header.
const maxHeaderBytes = 8 << 10

// header holds the fields found in an entry file comment block.
type header struct {
	Name        string
	Slug        string
	Version     string
	Description string
	Author      string
	Requires    map[string]string
}

// manifest mirrors the sidecar file.
type manifest struct {
	Name         string            `yaml:"name"`
	Slug         string            `yaml:"slug"`
	Version      string            `yaml:"version"`
	Description  string            `yaml:"description"`
	Author       string            `yaml:"author"`
	Entry        string            `yaml:"entry"`
	Requires     map[string]string `yaml:"requires"`
	Capabilities []string          `yaml:"capabilities"`
	Permissions  []string          `yaml:"permissions"`
}

// Slugify lowercases s and collapses every run of non-alphanumeric
// characters into a single hyphen.
func Slugify(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// parseHeader extracts the Label: value block at the top of an entry file.
// It reports false when no plugin name was found.
func parseHeader(content []byte) (header, bool) {
	h := header{Requires: map[string]string{}}
	scanner := bufio.NewScanner(bytes.NewReader(content))
	inBlock := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		text, isComment := stripComment(line, &inBlock)
		if !isComment {
			break
		}
		label, value, ok := strings.Cut(text, ":")
		if !ok {
			continue
		}
		label = strings.ToLower(strings.TrimSpace(label))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch {
		case label == "plugin name" || label == "name":
			h.Name = value
		case label == "slug":
			h.Slug = value
		case label == "version":
			h.Version = value
		case label == "description":
			h.Description = value
		case label == "author":
			h.Author = value
		case strings.HasPrefix(label, "requires "):
			if key := Slugify(strings.TrimPrefix(label, "requires ")); key != "" {
				h.Requires[key] = value
			}
		}
	}
	return h, h.Name != ""
}

// stripComment removes comment markers from line and reports whether the
// line belongs to a comment.
func stripComment(line string, inBlock *bool) (string, bool) {
	if *inBlock {
		if idx := strings.Index(line, "*/"); idx >= 0 {
			*inBlock = false
			line = line[:idx]
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "*")), true
	}
	switch {
	case strings.HasPrefix(line, "//"):
		return strings.TrimSpace(strings.TrimPrefix(line, "//")), true
	case strings.HasPrefix(line, "#"):
		return strings.TrimSpace(strings.TrimLeft(line, "#")), true
	case strings.HasPrefix(line, "/*"):
		rest := strings.TrimPrefix(line, "/*")
		rest = strings.TrimPrefix(rest, "*")
		if idx := strings.Index(rest, "*/"); idx >= 0 {
			rest = rest[:idx]
		} else {
			*inBlock = true
		}
		return strings.TrimSpace(rest), true
	}
	return "", false
}

// ParseDir reads the plugin located in dir. entryFiles lists the
// conventional entry names tried before falling back to the first file whose
// header parses.
func ParseDir(dir string, entryFiles []string) (Metadata, error) {
	if len(entryFiles) == 0 {
		entryFiles = DefaultEntryFiles
	}
	base := filepath.Base(dir)

	side, sidePath, err := readSidecar(dir)
	if err != nil {
		return Metadata{}, &ValidationError{Path: sidePath, Reason: "malformed manifest", Err: err}
	}

	entry, h, err := locateEntry(dir, base, entryFiles, side)
	if err != nil {
		return Metadata{}, err
	}

	meta := Metadata{
		Name:        h.Name,
		Version:     h.Version,
		Description: h.Description,
		Author:      h.Author,
		Requires:    map[string]string{},
		Dir:         dir,
		EntryFile:   entry,
	}
	for k, v := range h.Requires {
		meta.Requires[k] = v
	}
	slug := h.Slug
	if side != nil {
		meta.Name = override(meta.Name, side.Name)
		meta.Version = override(meta.Version, side.Version)
		meta.Description = override(meta.Description, side.Description)
		meta.Author = override(meta.Author, side.Author)
		slug = override(slug, side.Slug)
		for k, v := range side.Requires {
			if key := Slugify(k); key != "" {
				meta.Requires[key] = strings.TrimSpace(v)
			}
		}
		meta.Capabilities = cleanList(side.Capabilities)
		meta.Permissions = cleanList(side.Permissions)
	}
	if slug == "" {
		slug = base
	}
	meta.Slug = Slugify(slug)

	if meta.Name == "" {
		return Metadata{}, &ValidationError{Path: dir, Reason: "plugin name is missing"}
	}
	if meta.Slug == "" {
		return Metadata{}, &ValidationError{Path: dir, Reason: fmt.Sprintf("cannot derive slug from %q", slug)}
	}
	if _, ok := meta.Requires[meta.Slug]; ok {
		return Metadata{}, &ValidationError{Path: dir, Reason: "plugin requires itself"}
	}
	if len(meta.Requires) == 0 {
		meta.Requires = nil
	}
	return meta, nil
}

func override(current, next string) string {
	if next = strings.TrimSpace(next); next != "" {
		return next
	}
	return current
}

func cleanList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func readSidecar(dir string) (*manifest, string, error) {
	for _, name := range SidecarFiles {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, path, err
		}
		var m manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return nil, path, err
		}
		return &m, path, nil
	}
	return nil, "", nil
}

func locateEntry(dir, base string, entryFiles []string, side *manifest) (string, header, error) {
	if side != nil && strings.TrimSpace(side.Entry) != "" {
		rel := filepath.Clean(strings.TrimSpace(side.Entry))
		if !filepath.IsLocal(rel) {
			return "", header{}, &ValidationError{Path: dir, Reason: fmt.Sprintf("entry %q is outside the plugin directory", side.Entry)}
		}
		path := filepath.Join(dir, rel)
		h, err := readHeader(path)
		if err != nil {
			return "", header{}, &ValidationError{Path: path, Reason: "entry file unreadable", Err: err}
		}
		return path, h, nil
	}

	for _, name := range entryFiles {
		path := filepath.Join(dir, strings.ReplaceAll(name, "{dir}", base))
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		h, err := readHeader(path)
		if err != nil {
			return "", header{}, &ValidationError{Path: path, Reason: "entry file unreadable", Err: err}
		}
		return path, h, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", header{}, &ValidationError{Path: dir, Reason: "directory unreadable", Err: err}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if !entry.Type().IsRegular() || isSidecar(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		h, err := readHeader(path)
		if err != nil {
			continue
		}
		if h.Name != "" {
			return path, h, nil
		}
	}
	return "", header{}, &ValidationError{Path: dir, Reason: "no entry file with a plugin header"}
}

func readHeader(path string) (header, error) {
	f, err := os.Open(path)
	if err != nil {
		return header{}, err
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxHeaderBytes))
	if err != nil {
		return header{}, err
	}
	h, _ := parseHeader(raw)
	return h, nil
}

func isSidecar(name string) bool {
	for _, s := range SidecarFiles {
		if name == s {
			return true
		}
	}
	return false
}
