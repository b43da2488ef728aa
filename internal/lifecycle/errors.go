package lifecycle

import (
	"errors"
	"fmt"
)

// ErrNotControlling 表示 worker 尚未接管客户端，请求应直接走网络。
var ErrNotControlling = errors.New("worker is not controlling clients")

// AssetFetchError 表示 install 阶段某个静态资源无法获取（网络错误或非 2xx）。
type AssetFetchError struct {
	Path   string
	Status int
	Err    error
}

func (e *AssetFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch asset %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("fetch asset %s: unexpected status %d", e.Path, e.Status)
}

func (e *AssetFetchError) Unwrap() error { return e.Err }

// StoreDeletionError 表示 activate 阶段某个过期 Store 删除失败。
type StoreDeletionError struct {
	Name string
	Err  error
}

func (e *StoreDeletionError) Error() string {
	return fmt.Sprintf("delete cache store %s: %v", e.Name, e.Err)
}

func (e *StoreDeletionError) Unwrap() error { return e.Err }

// NetworkFetchError 表示请求转发到网络时发生传输层错误（HTTP 错误码不算失败）。
type NetworkFetchError struct {
	URL string
	Err error
}

func (e *NetworkFetchError) Error() string {
	return fmt.Sprintf("network fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkFetchError) Unwrap() error { return e.Err }
