package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/worker"
)

// hubStack 按 CLI 的启动顺序组装完整服务，便于端到端断言。
type hubStack struct {
	app      *fiber.App
	manager  *worker.Manager
	provider cache.Provider
	recorder *metrics.Recorder
	cfg      *config.Config
}

// loadConfig 将 TOML 写入临时文件并通过真实加载器解析。
func loadConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := config.Load(file)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	return cfg
}

// siteConfigTOML 渲染单站点配置。
func siteConfigTOML(driver, storage, upstream, version, strategyKey string, assets ...string) string {
	quoted := make([]string, len(assets))
	for i, asset := range assets {
		quoted[i] = fmt.Sprintf("%q", asset)
	}
	return fmt.Sprintf(`
ListenPort = 5000
LogLevel = "error"
StorageDriver = %q
StoragePath = %q
UpstreamTimeout = "2s"
LifecycleTimeout = "5s"

[[Site]]
Name = "compteurs"
Domain = "compteurs.local"
Upstream = %q
Version = %q
StaticAssets = [%s]
APIPrefix = "/api"
Strategy = %q
`, driver, storage, upstream, version, strings.Join(quoted, ", "), strategyKey)
}

// newHubStack 以共享的 provider 启动所有 worker 并构建 Fiber 应用。
func newHubStack(t *testing.T, cfg *config.Config, provider cache.Provider) *hubStack {
	t.Helper()
	return buildHubStack(t, cfg, provider, false)
}

// newHubStackAllowingFailures 与 newHubStack 相同，但容忍生命周期失败（与 CLI 启动一致）。
func newHubStackAllowingFailures(t *testing.T, cfg *config.Config, provider cache.Provider) *hubStack {
	t.Helper()
	return buildHubStack(t, cfg, provider, true)
}

func buildHubStack(t *testing.T, cfg *config.Config, provider cache.Provider, allowFailures bool) *hubStack {
	t.Helper()
	logger := logging.NewDiscardLogger()
	recorder := metrics.NewRecorder()

	manager, err := worker.NewManager(cfg, provider, server.NewUpstreamClient(cfg), logger, recorder)
	if err != nil {
		t.Fatalf("构建 worker 失败: %v", err)
	}
	if err := manager.StartAll(context.Background()); err != nil && !allowFailures {
		t.Fatalf("worker 启动失败: %v", err)
	}

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("构建注册表失败: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(manager, logger), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("构建应用失败: %v", err)
	}
	routes.RegisterSiteRoutes(app, manager)
	routes.RegisterMetricsRoute(app, recorder)
	t.Cleanup(func() { _ = app.Shutdown() })

	return &hubStack{
		app:      app,
		manager:  manager,
		provider: provider,
		recorder: recorder,
		cfg:      cfg,
	}
}

func newProvider(t *testing.T, driver, path string) cache.Provider {
	t.Helper()
	provider, err := cache.NewProvider(driver, path)
	if err != nil {
		t.Fatalf("初始化缓存存储失败: %v", err)
	}
	t.Cleanup(func() { _ = provider.Close() })
	return provider
}

func (s *hubStack) request(t *testing.T, method, host, target string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+host+target, nil)
	req.Host = host
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取响应失败: %v", err)
	}
	return resp, string(body)
}

func (s *hubStack) storeNames(t *testing.T, site string) []string {
	t.Helper()
	storage, err := s.provider.Storage(site)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	return names
}
