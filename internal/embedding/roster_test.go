package embedding

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")

	content := `
Zed:
  - zed/1.png
Alice:
  - alice/1.png
  - https://example.com/alice-2.jpg
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	roster, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}

	if len(roster) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(roster))
	}
	if roster[0].Label != "Zed" || roster[1].Label != "Alice" {
		t.Errorf("Expected file order and case preserved, got %q, %q", roster[0].Label, roster[1].Label)
	}
	if roster[0].Images[0] != filepath.Join(dir, "zed/1.png") {
		t.Errorf("Expected relative path resolved, got %q", roster[0].Images[0])
	}
	if roster[1].Images[1] != "https://example.com/alice-2.jpg" {
		t.Errorf("Expected URL kept, got %q", roster[1].Images[1])
	}
}

func TestLoadRosterDir(t *testing.T) {
	dir := t.TempDir()
	writeSolidPNG(t, dir, "Bob/1.png", 1)
	writeSolidPNG(t, dir, "Alice/10.png", 1)
	writeSolidPNG(t, dir, "Alice/2.png", 1)
	writeSolidPNG(t, dir, "Empty/notes.txt.png", 1)
	if err := os.WriteFile(filepath.Join(dir, "Alice", "readme.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "Nobody"), 0755); err != nil {
		t.Fatal(err)
	}

	roster, err := LoadRosterDir(dir)
	if err != nil {
		t.Fatalf("LoadRosterDir failed: %v", err)
	}

	if len(roster) != 3 {
		t.Fatalf("Expected 3 labels, got %+v", roster)
	}
	alice := roster[0]
	if alice.Label != "Alice" || len(alice.Images) != 2 {
		t.Fatalf("Unexpected first entry: %+v", alice)
	}
	if filepath.Base(alice.Images[0]) != "2.png" || filepath.Base(alice.Images[1]) != "10.png" {
		t.Errorf("Expected numeric ordering, got %v", alice.Images)
	}
}

func TestMergeRosters(t *testing.T) {
	a := []RosterEntry{{Label: "a", Images: []string{"1"}}}
	b := []RosterEntry{{Label: "b", Images: []string{"2"}}}

	merged, err := MergeRosters(a, b)
	if err != nil {
		t.Fatalf("MergeRosters failed: %v", err)
	}
	if len(merged) != 2 || merged[1].Label != "b" {
		t.Errorf("Unexpected merge: %+v", merged)
	}

	var enrollErr *EnrollmentError
	if _, err := MergeRosters(a, a); !errors.As(err, &enrollErr) {
		t.Errorf("Expected duplicate label error, got %v", err)
	}
}
