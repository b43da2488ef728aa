package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/metrics"
)

// State 是 worker 的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

const defaultLifecycleTimeout = 60 * time.Second

// Options 汇总 worker 的可选依赖。
type Options struct {
	LifecycleTimeout time.Duration
	Logger           *logrus.Logger
	Recorder         *metrics.Recorder
}

// Worker 托管单个站点的生命周期处理器，负责派发事件并维护状态机。
type Worker struct {
	site     config.SiteConfig
	origin   *url.URL
	storage  cache.Storage
	network  lifecycle.Network
	handler  *lifecycle.Handler
	logger   *logrus.Logger
	recorder *metrics.Recorder
	timeout  time.Duration

	mu          sync.RWMutex
	state       State
	controlling bool
	skipWaiting bool
	lastErr     error
	lastReport  *lifecycle.ActivateReport
	installedAt time.Time
	activatedAt time.Time
}

// New 根据站点配置构建 worker，处理器以 worker 自身作为客户端控制器。
func New(site config.SiteConfig, storage cache.Storage, network lifecycle.Network, opts Options) (*Worker, error) {
	if storage == nil {
		return nil, errors.New("worker requires a cache storage")
	}
	if network == nil {
		return nil, errors.New("worker requires a network client")
	}
	origin, err := url.Parse(site.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for site %s: %w", site.Name, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.LifecycleTimeout
	if timeout <= 0 {
		timeout = defaultLifecycleTimeout
	}

	w := &Worker{
		site:     site,
		origin:   origin,
		storage:  storage,
		network:  network,
		logger:   logger,
		recorder: opts.Recorder,
		timeout:  timeout,
		state:    StateParsed,
	}

	profile := site.StrategyProfile()
	w.handler = lifecycle.NewHandler(lifecycle.Options{
		CacheName:         site.CacheName(),
		StaticAssets:      site.StaticAssets,
		APIPrefix:         site.APIPrefix,
		OfflineFallback:   profile.FallbackDocument,
		FallbackOnFailure: profile.FallbackOnFailure,
		Origin:            origin,
	}, storage, network, w, logger)
	return w, nil
}

// Name 返回站点名称。
func (w *Worker) Name() string { return w.site.Name }

// Site 返回站点配置副本。
func (w *Worker) Site() config.SiteConfig { return w.site }

// CacheName 返回当前版本的缓存名。
func (w *Worker) CacheName() string { return w.site.CacheName() }

// Start 走完一次完整的注册流程：已安装的版本直接激活，否则先安装；
// 安装请求了 skip-waiting 时立即激活。
func (w *Worker) Start(ctx context.Context) error {
	installed, err := w.handler.Installed(ctx)
	if err != nil {
		w.logger.WithFields(w.fields("install")).WithError(err).Warn("installed_check_failed")
	}

	if installed {
		w.mu.Lock()
		w.state = StateWaiting
		w.skipWaiting = true
		w.mu.Unlock()
		w.recorder.ObserveLifecycle(w.site.Name, metrics.EventInstall, metrics.ResultSkipped)
		w.logger.WithFields(w.fields("install")).Info("install_skipped_already_cached")
	} else if err := w.Install(ctx); err != nil {
		return err
	}

	w.mu.RLock()
	proceed := w.state == StateWaiting && w.skipWaiting
	w.mu.RUnlock()
	if !proceed {
		return nil
	}
	return w.Activate(ctx)
}

// Install 派发 install 事件并等待其延迟操作完成；失败时 worker 变为 redundant。
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateParsed && w.state != StateRedundant {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("cannot install worker %s in state %s", w.site.Name, state)
	}
	w.state = StateInstalling
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	ev := NewInstallEvent(ctx)
	err := w.handler.OnInstall(ev)
	if err == nil {
		err = ev.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	fields := w.fields("install")
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		w.state = StateRedundant
		w.lastErr = err
		w.recorder.ObserveLifecycle(w.site.Name, metrics.EventInstall, metrics.ResultFailure)
		w.logger.WithFields(fields).WithError(err).Error("install_failed")
		return err
	}
	w.state = StateWaiting
	w.skipWaiting = ev.SkipWaitingRequested()
	w.lastErr = nil
	w.installedAt = time.Now().UTC()
	w.recorder.ObserveLifecycle(w.site.Name, metrics.EventInstall, metrics.ResultSuccess)
	w.logger.WithFields(fields).Info("install_complete")
	return nil
}

// Activate 派发 activate 事件：清理过期缓存与接管客户端并行执行，
// 即使清理失败 worker 仍进入 active，错误记录在诊断信息中。
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateWaiting && w.state != StateActive {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("cannot activate worker %s in state %s", w.site.Name, state)
	}
	w.state = StateActivating
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	ev := NewActivateEvent(ctx)
	err := w.handler.OnActivate(ev)
	if err == nil {
		err = ev.Wait()
	}
	report := ev.Report()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateActive
	w.activatedAt = time.Now().UTC()
	if report != nil {
		w.lastReport = report
		w.recorder.ObservePurged(w.site.Name, len(report.Deleted))
	}

	fields := w.fields("activate")
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if report != nil {
		fields["deleted"] = report.Deleted
	}
	if err != nil {
		w.lastErr = err
		w.recorder.ObserveLifecycle(w.site.Name, metrics.EventActivate, metrics.ResultFailure)
		w.logger.WithFields(fields).WithError(err).Warn("activate_incomplete")
		return err
	}
	w.lastErr = nil
	w.recorder.ObserveLifecycle(w.site.Name, metrics.EventActivate, metrics.ResultSuccess)
	w.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// Claim 实现 lifecycle.Clients：之后的请求交给处理器应答。
func (w *Worker) Claim(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	w.controlling = true
	w.mu.Unlock()
	return nil
}

// Controlling 报告 worker 是否已接管客户端。
func (w *Worker) Controlling() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.controlling && w.state != StateRedundant
}

// State 返回当前状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Fetch 派发 fetch 事件；worker 尚未接管客户端时请求直接走网络。
func (w *Worker) Fetch(ctx context.Context, req *lifecycle.Request) (*lifecycle.Response, error) {
	resp, err := w.fetch(ctx, req)
	if err != nil {
		w.recorder.ObserveFetchFailure(w.site.Name)
		return nil, err
	}
	w.recorder.ObserveFetch(w.site.Name, string(resp.Source))
	return resp, nil
}

func (w *Worker) fetch(ctx context.Context, req *lifecycle.Request) (*lifecycle.Response, error) {
	if !w.Controlling() {
		return lifecycle.Forward(ctx, w.network, w.origin, req, lifecycle.SourceNetwork)
	}
	ev := NewFetchEvent(ctx, req)
	if err := w.handler.OnFetch(ev); err != nil {
		return nil, err
	}
	resp, handled, err := ev.respond()
	if !handled {
		return lifecycle.Forward(ctx, w.network, w.origin, req, lifecycle.SourceNetwork)
	}
	return resp, err
}

func (w *Worker) fields(event string) logrus.Fields {
	fields := logging.SiteFields(w.site.Name, w.site.CacheName())
	fields["action"] = "lifecycle"
	fields["event"] = event
	return fields
}
