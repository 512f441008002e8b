package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewRootCommandSubcommands(t *testing.T) {
	cmd := newRootCommand(nil)
	want := map[string]bool{
		"serve": false, "run": false, "enqueue": false,
		"reap": false, "status": false, "lock": false,
	}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q missing", name)
		}
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	manifest := `batch_id: page-42
units:
  - index: 0
    fragments:
      - seq: 0
        body: "# Heading"
        source: page.wiki
      - seq: 1
        body: "First paragraph."
  - index: 1
    fragments:
      - seq: 0
        body: "Second paragraph."
`
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	units, batchID, err := loadManifest(path)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}
	if batchID != "page-42" {
		t.Fatalf("batch id = %q", batchID)
	}
	if len(units) != 2 {
		t.Fatalf("units = %d, want 2", len(units))
	}
	if len(units[0].Fragments) != 2 || units[0].Fragments[0].Body != "# Heading" {
		t.Fatalf("unit 0 = %+v", units[0])
	}
	if units[1].Index != 1 || units[1].BatchID != "page-42" {
		t.Fatalf("unit 1 = %+v", units[1])
	}
}

func TestLoadManifestRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing-batch-id.yaml": "units:\n  - index: 0\n    fragments:\n      - body: x\n",
		"no-units.yaml":         "batch_id: page-1\n",
		"bad-yaml.yaml":         "batch_id: [unterminated\n",
		"duplicate-index.yaml": "batch_id: page-1\nunits:\n" +
			"  - index: 3\n    fragments:\n      - body: x\n" +
			"  - index: 3\n    fragments:\n      - body: y\n",
		"negative-index.yaml": "batch_id: page-1\nunits:\n" +
			"  - index: -1\n    fragments:\n      - body: x\n",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, _, err := loadManifest(path); err == nil {
			t.Errorf("loadManifest(%s) accepted invalid manifest", name)
		}
	}
}

func TestLoadManifestNumbersOmittedIndexesByPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	manifest := `batch_id: page-7
units:
  - fragments:
      - body: first
  - fragments:
      - body: second
  - fragments:
      - body: third
`
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	units, _, err := loadManifest(path)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}
	for i, unit := range units {
		if unit.Index != i {
			t.Fatalf("unit %d has index %d", i, unit.Index)
		}
	}
}

func TestUnitsFromFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "intro.md")
	second := filepath.Join(dir, "body.md")
	if err := os.WriteFile(first, []byte("# Intro\n\nWelcome."), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(second, []byte("One paragraph only."), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	units, err := unitsFromFiles("page-42", []string{first, second})
	if err != nil {
		t.Fatalf("unitsFromFiles: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if units[0].Index != 0 || units[1].Index != 1 {
		t.Fatalf("indexes = %d, %d; want 0, 1", units[0].Index, units[1].Index)
	}
	if len(units[0].Fragments) != 2 {
		t.Fatalf("first unit has %d fragments, want 2", len(units[0].Fragments))
	}
	if units[0].Fragments[0].Source != "intro.md" {
		t.Fatalf("Source = %q, want intro.md", units[0].Fragments[0].Source)
	}
	if units[1].Fragments[0].Body != "One paragraph only." {
		t.Fatalf("body = %q", units[1].Fragments[0].Body)
	}
}

func TestUnitsFromFilesRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.md")
	if err := os.WriteFile(path, []byte("\n\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := unitsFromFiles("page-42", []string{path}); err == nil {
		t.Fatal("expected error for file without content")
	}
}
