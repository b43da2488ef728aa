package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewFSProvider 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFSProvider(basePath string) (Provider, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fsProvider{
		basePath: abs,
		locks:    newLockTable(),
	}, nil
}

type fsProvider struct {
	basePath string
	locks    *lockTable
}

func (p *fsProvider) Storage(site string) (Storage, error) {
	if err := ValidateName(site); err != nil {
		return nil, err
	}
	root := filepath.Join(p.basePath, site)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create site storage: %w", err)
	}
	return &fsStorage{root: root, locks: p.locks}, nil
}

func (p *fsProvider) Close() error { return nil }

// fsStorage 对应 <StoragePath>/<site>/，每个子目录是一个 Store。
type fsStorage struct {
	root  string
	locks *lockTable
}

func (s *fsStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache store %s: %w", name, err)
	}
	return &fsStore{name: name, dir: dir, locks: s.locks}, nil
}

func (s *fsStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fsStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fsStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}
	dir := filepath.Join(s.root, name)
	unlock := s.locks.lock(dir)
	defer unlock()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove cache store %s: %w", name, err)
	}
	return true, nil
}

func (s *fsStorage) Match(ctx context.Context, name, key string) (*Response, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	store := &fsStore{name: name, dir: filepath.Join(s.root, name), locks: s.locks}
	return store.Match(ctx, key)
}

func (s *fsStorage) Stats(ctx context.Context, name string) (Stats, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return Stats{}, err
	}
	if !exists {
		return Stats{}, ErrNotFound
	}
	store := &fsStore{name: name, dir: filepath.Join(s.root, name), locks: s.locks}
	return store.Stats(ctx)
}

// fsStore 通过 lockTable 避免同一条目并发写入；正文与元数据分别落盘。
type fsStore struct {
	name  string
	dir   string
	locks *lockTable
}

// entryMeta 是 .meta 文件的 JSON 结构，保存原始 key 便于 Keys 还原。
type entryMeta struct {
	Key      string              `json:"key"`
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header"`
	Size     int64               `json:"size"`
	StoredAt time.Time           `json:"stored_at"`
}

func (s *fsStore) Name() string { return s.name }

func (s *fsStore) Match(ctx context.Context, key string) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	base := s.entryPath(key)
	// 与 PutAll 共用条目锁，保证 meta 与正文来自同一次写入。
	unlock := s.locks.lock(base)
	defer unlock()

	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	// 哈希碰撞或残留文件时以 meta 中的原始 key 为准。
	if meta.Key != key {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Response{
		Status:   meta.Status,
		Header:   cloneHeader(meta.Header),
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (s *fsStore) Put(ctx context.Context, key string, resp *Response) error {
	return s.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (s *fsStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	unlock := s.lockEntries(entries)
	defer unlock()

	storeUnlock := s.locks.lock(s.dir)
	defer storeUnlock()

	staged := make([]stagedEntry, 0, len(entries))
	cleanup := func() {
		for _, item := range staged {
			os.Remove(item.tempBody)
			os.Remove(item.tempMeta)
		}
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		item, err := s.stage(entry)
		if err != nil {
			cleanup()
			return err
		}
		staged = append(staged, item)
	}

	for i, item := range staged {
		if err := os.Rename(item.tempBody, item.base+bodySuffix); err != nil {
			cleanupFrom(staged[i:])
			return err
		}
		if err := os.Rename(item.tempMeta, item.base+metaSuffix); err != nil {
			os.Remove(item.tempMeta)
			cleanupFrom(staged[i+1:])
			return err
		}
	}
	return nil
}

func (s *fsStore) Keys(ctx context.Context) ([]string, error) {
	metas, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(metas))
	for _, meta := range metas {
		keys = append(keys, meta.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fsStore) Stats(ctx context.Context) (Stats, error) {
	metas, err := s.scan(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Entries: len(metas)}
	for _, meta := range metas {
		stats.SizeBytes += meta.Size
	}
	return stats, nil
}

func (s *fsStore) scan(ctx context.Context) ([]entryMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	metas := make([]entryMeta, 0, len(files)/2)
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(s.dir, name))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

type stagedEntry struct {
	base     string
	tempBody string
	tempMeta string
}

func (s *fsStore) stage(entry Entry) (stagedEntry, error) {
	if entry.Response == nil {
		return stagedEntry{}, fmt.Errorf("nil response for %s", entry.Key)
	}
	base := s.entryPath(entry.Key)

	tempBody, err := writeTemp(s.dir, entry.Response.Body)
	if err != nil {
		return stagedEntry{}, err
	}

	storedAt := entry.Response.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entryMeta{
		Key:      entry.Key,
		Status:   entry.Response.Status,
		Header:   cloneHeader(entry.Response.Header),
		Size:     int64(len(entry.Response.Body)),
		StoredAt: storedAt,
	})
	if err != nil {
		os.Remove(tempBody)
		return stagedEntry{}, fmt.Errorf("encode cache meta: %w", err)
	}
	tempMeta, err := writeTemp(s.dir, meta)
	if err != nil {
		os.Remove(tempBody)
		return stagedEntry{}, err
	}

	return stagedEntry{base: base, tempBody: tempBody, tempMeta: tempMeta}, nil
}

func (s *fsStore) lockEntries(entries []Entry) func() {
	keys := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		base := s.entryPath(entry.Key)
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		keys = append(keys, base)
	}
	// 固定加锁顺序，避免两个 PutAll 交叉持锁。
	sort.Strings(keys)

	unlocks := make([]func(), 0, len(keys))
	for _, key := range keys {
		unlocks = append(unlocks, s.locks.lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (s *fsStore) entryPath(key string) string {
	return filepath.Join(s.dir, hashKey(key))
}

func hashKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func readMeta(path string) (entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode cache meta %s: %w", filepath.Base(path), err)
	}
	return meta, nil
}

func writeTemp(dir string, data []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrStoreMissing
		}
		return "", err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func cleanupFrom(items []stagedEntry) {
	for _, item := range items {
		os.Remove(item.tempBody)
		os.Remove(item.tempMeta)
	}
}

// lockTable 按路径提供引用计数互斥锁，用完即回收。
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*entryLock)}
}

func (t *lockTable) lock(key string) func() {
	t.mu.Lock()
	l := t.locks[key]
	if l == nil {
		l = &entryLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}
