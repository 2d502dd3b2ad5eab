package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_LoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	content := `
governance:
  workingSet:
    enforcementEnabled: true
    project:
      - src
      - lib/core
editor:
  theme: dark
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(nil)
	if err := store.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	snap := store.Snapshot()
	if !snap.Bool("governance.workingSet.enforcementEnabled") {
		t.Error("enforcementEnabled = false, want true")
	}
	if got := snap.String("editor.theme"); got != "dark" {
		t.Errorf("editor.theme = %q, want %q", got, "dark")
	}
	folders, ok := snap.StringSlice("governance.workingSet.project")
	if !ok || len(folders) != 2 || folders[0] != "src" || folders[1] != "lib/core" {
		t.Errorf("project = %v, %v, want [src lib/core], true", folders, ok)
	}
}

func TestStore_LoadFile_Missing(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	if err := store.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
		t.Errorf("LoadFile(missing) error = %v, want nil", err)
	}
}

func TestStore_LoadFile_Malformed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("a: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := NewStore(nil).LoadFile(path); err == nil {
		t.Error("LoadFile(malformed) error = nil, want parse error")
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	store.Set("a.b", 1)

	if v, ok := store.Get("a.b"); !ok || v != 1 {
		t.Errorf("Get(a.b) = %v, %v", v, ok)
	}
	store.Delete("a.b")
	if _, ok := store.Get("a.b"); ok {
		t.Error("Get(a.b) after Delete still present")
	}
	store.Delete("a.b") // no-op
}

func TestSnapshot_IsolatedFromStore(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	store.Set("k", "before")
	snap := store.Snapshot()
	store.Set("k", "after")

	if got := snap.String("k"); got != "before" {
		t.Errorf("snapshot k = %q, want %q (snapshots must not track live config)", got, "before")
	}
}

func TestSnapshot_StringSlice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		value  any
		want   []string
		wantOK bool
	}{
		{"string slice", []string{"a"}, []string{"a"}, true},
		{"any slice of strings", []any{"a", "b"}, []string{"a", "b"}, true},
		{"present but empty", []any{}, []string{}, true},
		{"mixed types", []any{"a", 1}, nil, false},
		{"not a slice", "a", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			snap := Snapshot{"k": tt.value}
			got, ok := snap.StringSlice("k")
			if ok != tt.wantOK || len(got) != len(tt.want) {
				t.Errorf("StringSlice() = %v, %v, want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if _, ok := (Snapshot{}).StringSlice("absent"); ok {
		t.Error("StringSlice(absent) ok = true, want false")
	}
}
