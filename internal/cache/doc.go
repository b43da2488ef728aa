// Package cache defines the cache storage that backs every site worker. A
// Provider hands out one Storage per site; a Storage manages named stores
// (one per version tag) and each Store maps request keys to captured
// responses. Two drivers exist: "fs" lays stores out as directories under
// StoragePath/<site>/<store>/ with hashed entry files written through temp
// file + rename, and "sqlite" keeps stores and entries in a single
// modernc.org/sqlite database. Lifecycle code depends only on the interfaces
// in store.go so both drivers are interchangeable.
package cache
