package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// DriverFS 将缓存写入本地目录，默认驱动。
	DriverFS = "fs"
	// DriverSQLite 将缓存写入单个 SQLite 数据库。
	DriverSQLite = "sqlite"
)

// Provider 按站点划分缓存命名空间，进程内共享一份实例。
type Provider interface {
	// Storage 返回指定站点的 Storage，站点名必须是合法的路径片段。
	Storage(site string) (Storage, error)
	// Close 释放底层资源（如数据库连接）。
	Close() error
}

// Storage 管理单个站点下的所有命名缓存（每个版本一个 Store）。
type Storage interface {
	// Open 打开指定名称的 Store，不存在时创建。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断 Store 是否存在，不会触发创建。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回按名称排序的全部 Store 名称。
	Keys(ctx context.Context) ([]string, error)

	// Delete 整体删除 Store 及其全部条目；返回值表示是否真的删除了内容。
	Delete(ctx context.Context, name string) (bool, error)

	// Match 在指定 Store 中查找 key，Store 或条目不存在时返回 ErrNotFound。
	Match(ctx context.Context, name, key string) (*Response, error)

	// Stats 统计指定 Store 的体量，只读不创建；Store 不存在时返回 ErrNotFound。
	Stats(ctx context.Context, name string) (Stats, error)
}

// Store 保存 request key → Response 的映射。
type Store interface {
	Name() string

	// Match 返回 key 对应的响应副本，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入单个条目，同 key 覆盖旧值。
	Put(ctx context.Context, key string, resp *Response) error

	// PutAll 写入一组条目：要么全部可见，要么返回错误。实现需先暂存全部数据，
	// 暂存成功后才对外发布。
	PutAll(ctx context.Context, entries []Entry) error

	// Keys 返回已缓存的 request key，按字典序排列。
	Keys(ctx context.Context) ([]string, error)

	// Stats 汇总条目数量与正文字节数，供诊断接口使用。
	Stats(ctx context.Context) (Stats, error)
}

// Entry 表示 PutAll 的单个待写入条目。
type Entry struct {
	Key      string
	Response *Response
}

// Response 是缓存中保存的响应快照，Header 已剔除 hop-by-hop 字段。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Stats 描述 Store 的体量。
type Stats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

var (
	// ErrNotFound 表示缓存条目或 Store 不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreMissing 表示写入目标 Store 已被删除。
	ErrStoreMissing = errors.New("cache store does not exist")
	// ErrInvalidName 表示 Store/站点名称不是合法的单段名称。
	ErrInvalidName = errors.New("invalid cache name")
)

// NewProvider 根据驱动名称构建 Provider，basePath 为目录（fs）或数据库所在目录（sqlite）。
func NewProvider(driver, basePath string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFSProvider(basePath)
	case DriverSQLite:
		return NewSQLiteProvider(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// ValidateName 校验 Store/站点名称：非空、不含路径分隔符且不是 . 或 ..。
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	return nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
