// Package sqlitestore is the persistent catalog.Store: one records table
// holding each record as a JSON document tagged with its category. Predicates
// are pushed down as json_extract comparisons and identifier matching runs
// over json_each, so dedup lookups never load a whole category.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/snapetech/xcdiscovery/internal/catalog"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose keeps its FS and dialect in package globals.
var migrateMu sync.Mutex

// Store implements catalog.Store and catalog.Matcher on SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var (
	_ catalog.Store   = (*Store)(nil)
	_ catalog.Matcher = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies pending
// migrations. path may be ":memory:".
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlitestore: create directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("sqlitestore: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return nil
}

// Version returns the applied migration version.
func (s *Store) Version(ctx context.Context) (int64, error) {
	migrateMu.Lock()
	defer migrateMu.Unlock()
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, s.db)
}

// Path is the database file the store was opened on.
func (s *Store) Path() string { return s.path }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, category string, p catalog.Predicate) (catalog.Record, error) {
	cond, args, err := where(category, p)
	if err != nil {
		return nil, &catalog.StoreError{Op: "get", Category: category, Err: err}
	}
	recs, err := s.query(ctx, "get", category, cond+" ORDER BY id LIMIT 1", args)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &catalog.NotFoundError{Category: category, Predicate: p}
	}
	return recs[0], nil
}

func (s *Store) Search(ctx context.Context, category string, p catalog.Predicate) ([]catalog.Record, error) {
	cond, args, err := where(category, p)
	if err != nil {
		return nil, &catalog.StoreError{Op: "search", Category: category, Err: err}
	}
	return s.query(ctx, "search", category, cond+" ORDER BY id", args)
}

func (s *Store) Insert(ctx context.Context, category string, rec catalog.Record) (int64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, &catalog.StoreError{Op: "insert", Category: category, Err: err}
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO records (category, data) VALUES (?, ?)`, category, string(data))
	if err != nil {
		return 0, &catalog.StoreError{Op: "insert", Category: category, Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &catalog.StoreError{Op: "insert", Category: category, Err: err}
	}
	return id, nil
}

// Update sets each field of fields on every matching record with json_set.
func (s *Store) Update(ctx context.Context, category string, fields catalog.Record, p catalog.Predicate) (int, error) {
	cond, args, err := where(category, p)
	if err != nil {
		return 0, &catalog.StoreError{Op: "update", Category: category, Err: err}
	}
	if len(fields) == 0 {
		recs, err := s.query(ctx, "update", category, cond, args)
		return len(recs), err
	}
	set := make([]string, 0, len(fields))
	setArgs := make([]any, 0, 2*len(fields))
	for _, f := range sortedKeys(fields) {
		v, err := json.Marshal(fields[f])
		if err != nil {
			return 0, &catalog.StoreError{Op: "update", Category: category, Err: fmt.Errorf("field %s: %w", f, err)}
		}
		set = append(set, "?, json(?)")
		setArgs = append(setArgs, jsonPath(f), string(v))
	}
	q := "UPDATE records SET data = json_set(data, " + strings.Join(set, ", ") + ") WHERE " + cond
	res, err := s.db.ExecContext(ctx, q, append(setArgs, args...)...)
	if err != nil {
		return 0, &catalog.StoreError{Op: "update", Category: category, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &catalog.StoreError{Op: "update", Category: category, Err: err}
	}
	return int(n), nil
}

func (s *Store) Remove(ctx context.Context, category string, p catalog.Predicate) (int, error) {
	cond, args, err := where(category, p)
	if err != nil {
		return 0, &catalog.StoreError{Op: "remove", Category: category, Err: err}
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE "+cond, args...)
	if err != nil {
		return 0, &catalog.StoreError{Op: "remove", Category: category, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &catalog.StoreError{Op: "remove", Category: category, Err: err}
	}
	return int(n), nil
}

// FindMatch narrows the category in SQL and confirms each row with
// catalog.MatchRecord, returning the oldest match. SQLite's lower() only folds
// ASCII, so a query carrying non-ASCII values scans the whole category.
func (s *Store) FindMatch(ctx context.Context, category string, q catalog.MatchQuery) (catalog.Record, error) {
	if q.Empty() {
		return nil, &catalog.NotFoundError{Category: category}
	}
	cond, args, ascii := matchClause(q)
	query := "category = ?"
	qargs := []any{category}
	if ascii {
		query += " AND (" + cond + ")"
		qargs = append(qargs, args...)
	}
	recs, err := s.query(ctx, "match", category, query+" ORDER BY id", qargs)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if catalog.MatchRecord(rec, q) {
			return rec, nil
		}
	}
	return nil, &catalog.NotFoundError{Category: category}
}

// Count returns the number of records per category.
func (s *Store) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM records GROUP BY category`)
	if err != nil {
		return nil, &catalog.StoreError{Op: "count", Err: err}
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, &catalog.StoreError{Op: "count", Err: err}
		}
		out[cat] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &catalog.StoreError{Op: "count", Err: err}
	}
	return out, nil
}

func (s *Store) query(ctx context.Context, op, category, cond string, args []any) ([]catalog.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM records WHERE "+cond, args...)
	if err != nil {
		return nil, &catalog.StoreError{Op: op, Category: category, Err: err}
	}
	defer rows.Close()
	var out []catalog.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &catalog.StoreError{Op: op, Category: category, Err: err}
		}
		var rec catalog.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, &catalog.StoreError{Op: op, Category: category, Err: fmt.Errorf("decode record: %w", err)}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &catalog.StoreError{Op: op, Category: category, Err: err}
	}
	return out, nil
}

// where renders p as a WHERE clause over records of category. Values compare
// the way catalog.Predicate.Matches does: nil matches absent or null, booleans
// by JSON type, objects and arrays by their JSON encoding.
func where(category string, p catalog.Predicate) (string, []any, error) {
	var b strings.Builder
	b.WriteString("category = ?")
	args := []any{category}
	for _, f := range sortedKeys(p) {
		path := jsonPath(f)
		switch v := p[f].(type) {
		case nil:
			b.WriteString(" AND json_extract(data, ?) IS NULL")
			args = append(args, path)
		case bool:
			b.WriteString(" AND json_type(data, ?) = ?")
			args = append(args, path, fmt.Sprint(v))
		case string:
			b.WriteString(" AND json_type(data, ?) = 'text' AND json_extract(data, ?) = ?")
			args = append(args, path, path, v)
		case int, int32, int64, float32, float64:
			b.WriteString(" AND json_type(data, ?) IN ('integer', 'real') AND json_extract(data, ?) = ?")
			args = append(args, path, path, v)
		default:
			enc, err := json.Marshal(v)
			if err != nil {
				return "", nil, fmt.Errorf("predicate %s: %w", f, err)
			}
			b.WriteString(" AND json(json_extract(data, ?)) = json(?)")
			args = append(args, path, string(enc))
		}
	}
	return b.String(), args, nil
}

// norm mirrors catalog.NormValue for ASCII text.
const norm = "lower(trim(%s, char(32, 9, 10, 11, 12, 13)))"

// matchClause renders q as an OR of field and identifier tests. ascii is false
// when some value needs Unicode case folding that SQLite cannot do.
func matchClause(q catalog.MatchQuery) (cond string, args []any, ascii bool) {
	ascii = true
	var parts []string
	for _, f := range sortedKeys(q.Fields) {
		nv := catalog.NormValue(q.Fields[f])
		if nv == "" {
			continue
		}
		ascii = ascii && isASCII(nv)
		parts = append(parts, fmt.Sprintf(norm, "json_extract(data, ?)")+" = ?")
		args = append(args, jsonPath(f), nv)
	}
	for _, id := range q.Identifiers {
		nv := catalog.NormValue(id.Value)
		if nv == "" {
			continue
		}
		ascii = ascii && isASCII(nv)
		c := "EXISTS (SELECT 1 FROM json_each(records.data, '$.identifiers') AS je WHERE " +
			fmt.Sprintf(norm, "json_extract(je.value, '$.value')") + " = ?"
		args = append(args, nv)
		if q.Pairs {
			nf := catalog.NormValue(id.Field)
			ascii = ascii && isASCII(nf)
			c += " AND " + fmt.Sprintf(norm, "json_extract(je.value, '$.field')") + " = ?"
			args = append(args, nf)
		}
		parts = append(parts, c+")")
	}
	return strings.Join(parts, " OR "), args, ascii
}

func jsonPath(field string) string {
	return `$."` + field + `"`
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
