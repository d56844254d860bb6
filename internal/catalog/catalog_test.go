package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func seedStore(t *testing.T) *MemStore {
	t.Helper()
	s := NewMemStore()
	ctx := context.Background()
	if _, err := s.Insert(ctx, CategoryGroupKind, Record{
		FieldCategoryGroupID: "sports",
		FieldDisplayName:     "Sports",
		FieldIdentifiers:     []Identifier{{Field: "category_name", Value: "Sports"}},
		FieldInclude:         true,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.Insert(ctx, ChannelKind, Record{
		FieldMetaChannelID:   "bbc_one",
		FieldCategoryGroupID: "sports",
		FieldDisplayName:     "BBC One",
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return s
}

func TestSaveLoad_roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	s := seedStore(t)
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2 := NewMemStore()
	if err := s2.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx := context.Background()
	got, err := s2.Get(ctx, CategoryGroupKind, Predicate{FieldCategoryGroupID: "sports"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.String(FieldDisplayName) != "Sports" || got[FieldInclude] != true {
		t.Errorf("category group: %+v", got)
	}
	ids := got.Identifiers()
	if len(ids) != 1 || ids[0].Field != "category_name" || ids[0].Value != "Sports" {
		t.Errorf("identifiers: %+v", ids)
	}
	// Row ids keep increasing after a reload.
	id, err := s2.Insert(ctx, StreamKind, Record{FieldURL: "http://x/1"})
	if err != nil {
		t.Fatal(err)
	}
	if id != 3 {
		t.Errorf("next id after load = %d, want 3", id)
	}
}

func TestSave_atomic_noPartialFile(t *testing.T) {
	// After a successful save, no temp files remain in the directory.
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	if err := seedStore(t).Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "catalog.json" {
			t.Errorf("unexpected file left in dir: %s", e.Name())
		}
	}
}

func TestSave_permissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	if err := NewMemStore().Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("file mode = %o, want 0600", mode)
	}
}

func TestLoad_missingFile(t *testing.T) {
	s := NewMemStore()
	if err := s.Load(filepath.Join(t.TempDir(), "nonexistent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_invalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := NewMemStore().Load(path); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
