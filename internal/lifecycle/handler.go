package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/server"
)

// maxConcurrentFetches 限制 install 阶段同时发往源站的请求数。
const maxConcurrentFetches = 8

// DestinationDocument 表示顶层导航请求，只有它会触发离线文档回退。
const DestinationDocument = "document"

// Source 标记响应来源，写入 X-Offline-Hub-Source 头并计入指标。
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
	SourceBypass   Source = "bypass"
)

// Options 是处理器的不可变配置，构造后不再修改。
type Options struct {
	CacheName         string
	StaticAssets      []string
	APIPrefix         string
	OfflineFallback   string
	FallbackOnFailure bool
	// Origin 是站点源站地址，静态资源按其解析。
	Origin *url.URL
}

// Network 抽象网络访问，*http.Client 即满足该接口。
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// Clients 代表 worker 的客户端集合，Claim 之后 worker 开始接管请求。
type Clients interface {
	Claim(ctx context.Context) error
}

// Extendable 是支持延迟完成的事件。
type Extendable interface {
	WaitUntil(fn func(ctx context.Context) error) error
}

// InstallEvent 是处理器看到的 install 事件。
type InstallEvent interface {
	Extendable
	SkipWaiting()
}

// ActivateEvent 是处理器看到的 activate 事件。
type ActivateEvent interface {
	Extendable
	SetReport(report *ActivateReport)
}

// FetchEvent 是处理器看到的 fetch 事件。
type FetchEvent interface {
	Request() *Request
	RespondWith(fn func(ctx context.Context) (*Response, error)) error
}

// Request 描述一次被拦截的请求。
type Request struct {
	Method string
	// Path 是清理后的路径，不含查询串。
	Path string
	// Key 是缓存匹配键：路径加查询串。
	Key         string
	Destination string
	// Forward 是已经构造好的源站请求，网络路径直接发送它。
	Forward *http.Request
}

// Response 是处理器给出的响应，调用方负责关闭 Body。
type Response struct {
	Status        int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	Source        Source
	CacheName     string
}

// ActivateReport 记录一次过期缓存清理的逐项结果。
type ActivateReport struct {
	Retained string
	Deleted  []string
	Failures []StoreDeletionError
}

// Handler 实现 install / activate / fetch 三个生命周期处理器。
type Handler struct {
	opts    Options
	storage cache.Storage
	network Network
	clients Clients
	logger  *logrus.Logger
}

// NewHandler 构造处理器；Options 会被复制，调用方后续修改不影响处理器。
func NewHandler(opts Options, storage cache.Storage, network Network, clients Clients, logger *logrus.Logger) *Handler {
	opts.StaticAssets = append([]string(nil), opts.StaticAssets...)
	if opts.Origin != nil {
		origin := *opts.Origin
		opts.Origin = &origin
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		opts:    opts,
		storage: storage,
		network: network,
		clients: clients,
		logger:  logger,
	}
}

// Options 返回处理器配置的副本。
func (h *Handler) Options() Options {
	opts := h.opts
	opts.StaticAssets = append([]string(nil), h.opts.StaticAssets...)
	return opts
}

// OnInstall 请求跳过等待，并把预缓存登记为延迟操作。
func (h *Handler) OnInstall(ev InstallEvent) error {
	ev.SkipWaiting()
	return ev.WaitUntil(h.Install)
}

// OnActivate 登记两个相互独立的延迟操作：清理过期缓存与接管客户端。
// 清理失败不会阻止接管。
func (h *Handler) OnActivate(ev ActivateEvent) error {
	if err := ev.WaitUntil(func(ctx context.Context) error {
		report, err := h.Purge(ctx)
		ev.SetReport(report)
		return err
	}); err != nil {
		return err
	}
	return ev.WaitUntil(h.Claim)
}

// OnFetch 接管请求的响应。
func (h *Handler) OnFetch(ev FetchEvent) error {
	req := ev.Request()
	return ev.RespondWith(func(ctx context.Context) (*Response, error) {
		return h.Fetch(ctx, req)
	})
}

// Install 拉取全部静态资源并整体写入当前版本的 Store。
// 任一资源失败则整体失败，本次新建的 Store 会被删除。
func (h *Handler) Install(ctx context.Context) error {
	name := h.opts.CacheName
	existed, err := h.storage.Has(ctx, name)
	if err != nil {
		return fmt.Errorf("install %s: %w", name, err)
	}

	store, err := h.storage.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("install %s: open store: %w", name, err)
	}

	entries, err := h.fetchAssets(ctx)
	if err == nil {
		err = store.PutAll(ctx, entries)
	}
	if err == nil {
		return nil
	}

	if !existed {
		if _, delErr := h.storage.Delete(context.WithoutCancel(ctx), name); delErr != nil {
			err = multierr.Append(err, fmt.Errorf("discard partial store: %w", delErr))
		}
	}
	return fmt.Errorf("install %s: %w", name, err)
}

// Installed 判断当前版本的 Store 是否已经持有全部静态资源。
func (h *Handler) Installed(ctx context.Context) (bool, error) {
	exists, err := h.storage.Has(ctx, h.opts.CacheName)
	if err != nil || !exists {
		return false, err
	}
	for _, asset := range h.opts.StaticAssets {
		if _, err := h.storage.Match(ctx, h.opts.CacheName, asset); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

func (h *Handler) fetchAssets(ctx context.Context) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(h.opts.StaticAssets))
	errs := make([]error, len(h.opts.StaticAssets))

	p := pool.New().WithMaxGoroutines(maxConcurrentFetches)
	for i, asset := range h.opts.StaticAssets {
		p.Go(func() {
			resp, err := h.fetchAsset(ctx, asset)
			if err != nil {
				errs[i] = err
				return
			}
			entries[i] = cache.Entry{Key: asset, Response: resp}
		})
	}
	p.Wait()

	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}
	return entries, nil
}

func (h *Handler) fetchAsset(ctx context.Context, asset string) (*cache.Response, error) {
	target := h.resolve(asset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &AssetFetchError{Path: asset, Err: err}
	}
	resp, err := h.network.Do(req)
	if err != nil {
		return nil, &AssetFetchError{Path: asset, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &AssetFetchError{Path: asset, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AssetFetchError{Path: asset, Status: resp.StatusCode, Err: err}
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	return &cache.Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Purge 删除当前版本以外的全部 Store，并发执行并逐项记录结果。
func (h *Handler) Purge(ctx context.Context) (*ActivateReport, error) {
	keys, err := h.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cache stores: %w", err)
	}

	report := &ActivateReport{Retained: h.opts.CacheName}
	stale := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != h.opts.CacheName {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return report, nil
	}

	deleted := make([]bool, len(stale))
	failures := make([]error, len(stale))
	p := pool.New().WithMaxGoroutines(maxConcurrentFetches)
	for i, name := range stale {
		p.Go(func() {
			removed, err := h.storage.Delete(ctx, name)
			if err != nil {
				failures[i] = &StoreDeletionError{Name: name, Err: err}
				return
			}
			deleted[i] = removed
		})
	}
	p.Wait()

	for i, name := range stale {
		if failures[i] != nil {
			var delErr *StoreDeletionError
			if errors.As(failures[i], &delErr) {
				report.Failures = append(report.Failures, *delErr)
			}
			continue
		}
		if deleted[i] {
			report.Deleted = append(report.Deleted, name)
		}
	}
	sort.Strings(report.Deleted)
	return report, multierr.Combine(failures...)
}

// Claim 接管客户端。
func (h *Handler) Claim(ctx context.Context) error {
	if h.clients == nil {
		return nil
	}
	if err := h.clients.Claim(ctx); err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}
	return nil
}

// Activate 依次清理过期缓存并接管客户端，清理失败不影响接管。
func (h *Handler) Activate(ctx context.Context) (*ActivateReport, error) {
	report, purgeErr := h.Purge(ctx)
	claimErr := h.Claim(ctx)
	return report, multierr.Append(purgeErr, claimErr)
}

// Fetch 按缓存优先策略应答请求，API 路径始终走网络且不触碰缓存。
func (h *Handler) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if h.isAPI(req.Path) {
		return h.Forward(ctx, req, SourceBypass)
	}

	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		if resp, ok := h.match(ctx, req.Key); ok {
			return resp, nil
		}
	}

	resp, err := h.Forward(ctx, req, SourceNetwork)
	if err == nil {
		return resp, nil
	}

	if h.opts.FallbackOnFailure && req.Destination == DestinationDocument && h.opts.OfflineFallback != "" {
		if fallback, ok := h.match(ctx, h.opts.OfflineFallback); ok {
			fallback.Source = SourceFallback
			h.logger.WithFields(logrus.Fields{
				"action":     "offline_fallback",
				"cache_name": h.opts.CacheName,
				"path":       req.Path,
			}).WithError(err).Warn("network_failed_serving_fallback")
			return fallback, nil
		}
	}
	return nil, err
}

// Forward 把请求原样发往网络；传输层失败返回 NetworkFetchError，任何 HTTP 状态都视为成功。
func (h *Handler) Forward(ctx context.Context, req *Request, source Source) (*Response, error) {
	return Forward(ctx, h.network, h.opts.Origin, req, source)
}

// Forward 供未接管客户端的 worker 直接走网络使用。
func Forward(ctx context.Context, network Network, origin *url.URL, req *Request, source Source) (*Response, error) {
	outbound, err := outboundRequest(ctx, origin, req)
	if err != nil {
		return nil, &NetworkFetchError{URL: req.Key, Err: err}
	}
	resp, err := network.Do(outbound)
	if err != nil {
		return nil, &NetworkFetchError{URL: outbound.URL.String(), Err: err}
	}
	return &Response{
		Status:        resp.StatusCode,
		Header:        resp.Header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		Source:        source,
	}, nil
}

func outboundRequest(ctx context.Context, origin *url.URL, req *Request) (*http.Request, error) {
	if req.Forward != nil {
		if ctx == nil {
			return req.Forward, nil
		}
		return req.Forward.WithContext(ctx), nil
	}
	if origin == nil {
		return nil, errors.New("no origin configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	ref, err := url.Parse(req.Key)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, method, origin.ResolveReference(ref).String(), nil)
}

func (h *Handler) match(ctx context.Context, key string) (*Response, bool) {
	cached, err := h.storage.Match(ctx, h.opts.CacheName, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			h.logger.WithFields(logrus.Fields{
				"action":     "cache_match",
				"cache_name": h.opts.CacheName,
				"key":        key,
			}).WithError(err).Warn("cache_match_failed")
		}
		return nil, false
	}
	return &Response{
		Status:        cached.Status,
		Header:        cached.Header,
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		ContentLength: int64(len(cached.Body)),
		Source:        SourceCache,
		CacheName:     h.opts.CacheName,
	}, true
}

func (h *Handler) isAPI(path string) bool {
	return h.opts.APIPrefix != "" && strings.HasPrefix(path, h.opts.APIPrefix)
}

func (h *Handler) resolve(asset string) string {
	if h.opts.Origin == nil {
		return asset
	}
	ref, err := url.Parse(asset)
	if err != nil {
		return h.opts.Origin.String() + asset
	}
	return h.opts.Origin.ResolveReference(ref).String()
}
