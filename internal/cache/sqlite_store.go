package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/any-hub/offline-hub/internal/cache/migrations"
)

const (
	sqliteFileName = "cache.db"
	migrationTable = "schema_migrations"
)

// NewSQLiteProvider 在 basePath/cache.db 打开 SQLite 缓存并执行内置迁移。
func NewSQLiteProvider(basePath string) (Provider, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := filepath.Join(abs, sqliteFileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写入，规避 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &sqliteProvider{db: db}, nil
}

type sqliteProvider struct {
	db *sql.DB
}

func (p *sqliteProvider) Storage(site string) (Storage, error) {
	if err := ValidateName(site); err != nil {
		return nil, err
	}
	return &sqliteStorage{db: p.db, site: site}, nil
}

func (p *sqliteProvider) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

type sqliteStorage struct {
	db   *sql.DB
	site string
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_stores (site, name, created_at) VALUES (?, ?, ?)`,
		s.site, name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache store %s: %w", name, err)
	}
	return &sqliteStore{db: s.db, site: s.site, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	return storeExists(ctx, s.db, s.site, name)
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM cache_stores WHERE site = ? ORDER BY name`, s.site)
	if err != nil {
		return nil, fmt.Errorf("list cache stores: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM cache_stores WHERE site = ? AND name = ?`, s.site, name)
	if err != nil {
		return false, fmt.Errorf("remove cache store %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE site = ? AND store = ?`, s.site, name); err != nil {
		return false, fmt.Errorf("remove cache entries %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Match(ctx context.Context, name, key string) (*Response, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	store := &sqliteStore{db: s.db, site: s.site, name: name}
	return store.Match(ctx, key)
}

func (s *sqliteStorage) Stats(ctx context.Context, name string) (Stats, error) {
	if err := ValidateName(name); err != nil {
		return Stats{}, err
	}
	exists, err := storeExists(ctx, s.db, s.site, name)
	if err != nil {
		return Stats{}, err
	}
	if !exists {
		return Stats{}, ErrNotFound
	}
	store := &sqliteStore{db: s.db, site: s.site, name: name}
	return store.Stats(ctx)
}

type sqliteStore struct {
	db   *sql.DB
	site string
	name string
}

func (s *sqliteStore) Name() string { return s.name }

func (s *sqliteStore) Match(ctx context.Context, key string) (*Response, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE site = ? AND store = ? AND key = ?`,
		s.site, s.name, key,
	).Scan(&status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	resp := &Response{
		Status:   status,
		Header:   make(map[string][]string),
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	return resp, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, resp *Response) error {
	return s.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (s *sqliteStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	exists, err := storeExists(ctx, tx, s.site, s.name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrStoreMissing
	}

	for _, entry := range entries {
		if entry.Response == nil {
			return fmt.Errorf("nil response for %s", entry.Key)
		}
		header, err := json.Marshal(cloneHeader(entry.Response.Header))
		if err != nil {
			return fmt.Errorf("encode cached header: %w", err)
		}
		storedAt := entry.Response.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now().UTC()
		}
		body := entry.Response.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO cache_entries (site, store, key, status, header, body, stored_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.site, s.name, entry.Key, entry.Response.Status, string(header), body, storedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("write cache entry %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE site = ? AND store = ?`, s.site, s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// SQLite 的 ORDER BY 受 collation 影响，这里统一按 Go 字符串序排列。
	sort.Strings(keys)
	return keys, nil
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(body)), 0) FROM cache_entries WHERE site = ? AND store = ?`,
		s.site, s.name,
	).Scan(&stats.Entries, &stats.SizeBytes)
	return stats, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func storeExists(ctx context.Context, q queryer, site, name string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_stores WHERE site = ? AND name = ?`, site, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyMigrations 按文件名顺序执行内置 SQL，每个文件至多执行一次。
func applyMigrations(db *sql.DB, migrationFS fs.FS) error {
	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`, migrationTable)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var count int
		if err := db.QueryRow(
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE name = ?`, migrationTable), file,
		).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if count > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			fmt.Sprintf(`INSERT INTO %s (name, applied_at) VALUES (?, ?)`, migrationTable),
			file, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
