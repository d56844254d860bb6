package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// MemStore is an in-memory Store with optional JSON snapshot persistence.
// Records are cloned to JSON types on write and on read so callers never share
// maps with the store.
type MemStore struct {
	mu     sync.RWMutex
	tables map[string][]memRow
	nextID int64
}

type memRow struct {
	ID   int64  `json:"id"`
	Data Record `json:"data"`
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{tables: make(map[string][]memRow)}
}

func (s *MemStore) Get(ctx context.Context, category string, p Predicate) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "get", Category: category, Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.tables[category] {
		if p.Matches(row.Data) {
			return row.Data.Clone(), nil
		}
	}
	return nil, &NotFoundError{Category: category, Predicate: p}
}

func (s *MemStore) Search(ctx context.Context, category string, p Predicate) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "search", Category: category, Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, row := range s.tables[category] {
		if p.Matches(row.Data) {
			out = append(out, row.Data.Clone())
		}
	}
	return out, nil
}

func (s *MemStore) Insert(ctx context.Context, category string, rec Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &StoreError{Op: "insert", Category: category, Err: err}
	}
	data := rec.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.tables[category] = append(s.tables[category], memRow{ID: s.nextID, Data: data})
	return s.nextID, nil
}

func (s *MemStore) Update(ctx context.Context, category string, fields Record, p Predicate) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &StoreError{Op: "update", Category: category, Err: err}
	}
	patch := fields.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	rows := s.tables[category]
	for i := range rows {
		if !p.Matches(rows[i].Data) {
			continue
		}
		for k, v := range patch {
			rows[i].Data[k] = v
		}
		n++
	}
	return n, nil
}

func (s *MemStore) Remove(ctx context.Context, category string, p Predicate) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &StoreError{Op: "remove", Category: category, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[category]
	kept := rows[:0]
	n := 0
	for _, row := range rows {
		if p.Matches(row.Data) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	s.tables[category] = kept
	return n, nil
}

// FindMatch implements Matcher by scanning the category in insertion order.
func (s *MemStore) FindMatch(ctx context.Context, category string, q MatchQuery) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "match", Category: category, Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.tables[category] {
		if MatchRecord(row.Data, q) {
			return row.Data.Clone(), nil
		}
	}
	return nil, &NotFoundError{Category: category}
}

// Count returns the number of rows per category.
func (s *MemStore) Count() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.tables))
	for k, rows := range s.tables {
		out[k] = len(rows)
	}
	return out
}

type memSnapshot struct {
	NextID int64               `json:"next_id"`
	Tables map[string][]memRow `json:"tables"`
}

// Save writes the store to path as JSON using a temp-file-then-rename strategy
// so readers never see a partially-written file (atomic on most Unix filesystems).
func (s *MemStore) Save(path string) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(memSnapshot{NextID: s.nextID, Tables: s.tables}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".catalog-*.json.tmp")
	if err != nil {
		return fmt.Errorf("catalog save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("catalog save: write: %w", writeErr)
		}
		return fmt.Errorf("catalog save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: rename: %w", err)
	}
	return nil
}

// Load replaces the store contents with the snapshot at path.
func (s *MemStore) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap memSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.Tables == nil {
		snap.Tables = make(map[string][]memRow)
	}
	maxID := snap.NextID
	for cat, rows := range snap.Tables {
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
		for _, r := range rows {
			if r.ID > maxID {
				maxID = r.ID
			}
		}
		snap.Tables[cat] = rows
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = snap.Tables
	s.nextID = maxID
	return nil
}
