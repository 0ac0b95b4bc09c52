package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Hello World":     "hello-world",
		"  --A_b--  ":     "a-b",
		"Billing2Go!!!v3": "billing2go-v3",
		"???":             "",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Fatalf("Slugify(%q) = %q want %q", in, got, want)
		}
	}
}

func TestParseDirReadsHeader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Hello World")
	writeFile(t, filepath.Join(dir, "plugin.go"), `// Plugin Name: Hello World
// Version: 1.2.0
// Description: says hello
// Author: Jane
// Requires Base Kit: >=1.0
// Requires Go: >=1.22
package hello
// Slug: ignored-after-code
`)

	meta, err := ParseDir(dir, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if meta.Slug != "hello-world" {
		t.Fatalf("slug derived from directory: got %q", meta.Slug)
	}
	if meta.Name != "Hello World" || meta.Version != "1.2.0" || meta.Author != "Jane" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if meta.Requires["base-kit"] != ">=1.0" || meta.Requires["go"] != ">=1.22" {
		t.Fatalf("unexpected requires: %v", meta.Requires)
	}
	if meta.EntryFile != filepath.Join(dir, "plugin.go") {
		t.Fatalf("unexpected entry file %s", meta.EntryFile)
	}
}

func TestParseDirBlockComment(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "block")
	writeFile(t, filepath.Join(dir, "main.go"), `/*
 * Plugin Name: Block
 * Slug: Custom Slug
 */
package main
`)
	meta, err := ParseDir(dir, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if meta.Slug != "custom-slug" || meta.Name != "Block" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestParseDirSidecarTakesPrecedence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	writeFile(t, filepath.Join(dir, "reports.go"), "// Plugin Name: Reports\n// Version: 1.0.0\npackage reports\n")
	writeFile(t, filepath.Join(dir, "plugin.yaml"), `name: Reports Pro
version: 2.0.0
requires:
  Core Kit: ^1.0
capabilities: [reports, reports, export]
permissions:
  - reports:view
  - " "
`)
	meta, err := ParseDir(dir, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if meta.Name != "Reports Pro" || meta.Version != "2.0.0" {
		t.Fatalf("sidecar did not override header: %+v", meta)
	}
	if meta.Requires["core-kit"] != "^1.0" {
		t.Fatalf("unexpected requires: %v", meta.Requires)
	}
	if len(meta.Capabilities) != 2 || len(meta.Permissions) != 1 || meta.Permissions[0] != "reports:view" {
		t.Fatalf("unexpected lists: %v %v", meta.Capabilities, meta.Permissions)
	}
}

func TestParseDirFallsBackToFirstHeader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "odd")
	writeFile(t, filepath.Join(dir, "a.txt"), "no header here\n")
	writeFile(t, filepath.Join(dir, "b.go"), "// Plugin Name: Odd One\npackage odd\n")
	meta, err := ParseDir(dir, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if filepath.Base(meta.EntryFile) != "b.go" {
		t.Fatalf("expected b.go as entry, got %s", meta.EntryFile)
	}
}

func TestParseDirRejectsInvalid(t *testing.T) {
	root := t.TempDir()

	noName := filepath.Join(root, "noname")
	writeFile(t, filepath.Join(noName, "plugin.go"), "// Version: 1.0.0\npackage x\n")
	if _, err := ParseDir(noName, nil); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected validation error, got %v", err)
	}

	self := filepath.Join(root, "self")
	writeFile(t, filepath.Join(self, "plugin.go"), "// Plugin Name: Self\n// Requires Self: *\npackage x\n")
	if _, err := ParseDir(self, nil); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected self requirement to be rejected, got %v", err)
	}

	writeFile(t, filepath.Join(root, "outside.go"), "// Plugin Name: Outside\npackage x\n")
	for _, entry := range []string{"../outside.go", "../../etc/passwd", filepath.Join(root, "outside.go")} {
		escape := filepath.Join(root, "escape")
		writeFile(t, filepath.Join(escape, "plugin.yaml"), fmt.Sprintf("name: Escape\nentry: %q\n", entry))
		if _, err := ParseDir(escape, nil); !errors.Is(err, ErrInvalidMetadata) {
			t.Fatalf("entry %s should be rejected, got %v", entry, err)
		}
	}

	broken := filepath.Join(root, "broken")
	writeFile(t, filepath.Join(broken, "plugin.go"), "// Plugin Name: Broken\npackage x\n")
	writeFile(t, filepath.Join(broken, "plugin.yaml"), "name: [unterminated\n")
	var verr *ValidationError
	if _, err := ParseDir(broken, nil); !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError for malformed sidecar, got %v", err)
	}
}
