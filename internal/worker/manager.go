package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/metrics"
)

// Manager 持有全部站点 worker，按配置顺序保存。
type Manager struct {
	workers []*Worker
	byName  map[string]*Worker
	logger  *logrus.Logger
}

// NewManager 为每个 [[Site]] 构建 worker，站点之间的缓存命名空间互相隔离。
func NewManager(cfg *config.Config, provider cache.Provider, network lifecycle.Network, logger *logrus.Logger, recorder *metrics.Recorder) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if provider == nil {
		return nil, errors.New("cache provider is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	m := &Manager{
		byName: make(map[string]*Worker, len(cfg.Sites)),
		logger: logger,
	}
	for _, site := range cfg.Sites {
		storage, err := provider.Storage(site.Name)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", site.Name, err)
		}
		w, err := New(site, storage, network, Options{
			LifecycleTimeout: cfg.Global.LifecycleTimeout.DurationValue(),
			Logger:           logger,
			Recorder:         recorder,
		})
		if err != nil {
			return nil, err
		}
		if _, exists := m.byName[site.Name]; exists {
			return nil, fmt.Errorf("duplicate site %s", site.Name)
		}
		m.byName[site.Name] = w
		m.workers = append(m.workers, w)
	}
	return m, nil
}

// StartAll 并行启动全部 worker；单个站点失败不影响其他站点，错误汇总返回。
func (m *Manager) StartAll(ctx context.Context) error {
	errs := make([]error, len(m.workers))
	p := pool.New()
	for i, w := range m.workers {
		p.Go(func() {
			if err := w.Start(ctx); err != nil {
				errs[i] = fmt.Errorf("site %s: %w", w.Name(), err)
			}
		})
	}
	p.Wait()
	return multierr.Combine(errs...)
}

// Lookup 按站点名查找 worker。
func (m *Manager) Lookup(name string) (*Worker, bool) {
	w, ok := m.byName[name]
	return w, ok
}

// List 按配置顺序返回全部 worker。
func (m *Manager) List() []*Worker {
	return append([]*Worker(nil), m.workers...)
}

// Snapshot 返回全部 worker 的状态快照。
func (m *Manager) Snapshot() []Snapshot {
	result := make([]Snapshot, 0, len(m.workers))
	for _, w := range m.workers {
		result = append(result, w.Snapshot())
	}
	return result
}
