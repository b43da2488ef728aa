package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Snapshot 是 worker 状态的只读快照，供诊断接口序列化。
type Snapshot struct {
	Name        string    `json:"name"`
	Domain      string    `json:"domain"`
	Upstream    string    `json:"upstream"`
	Version     string    `json:"version"`
	CacheName   string    `json:"cache_name"`
	Strategy    string    `json:"strategy"`
	State       State     `json:"state"`
	Controlling bool      `json:"controlling"`
	LastError   string    `json:"last_error,omitempty"`
	InstalledAt time.Time `json:"installed_at,omitzero"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
	Purged      []string  `json:"purged,omitempty"`
}

// Inspection 在快照基础上附带 Store 列表与当前 Store 的体量。
type Inspection struct {
	Snapshot
	Stores  []string    `json:"stores"`
	Current cache.Stats `json:"current"`
}

// Snapshot 返回当前状态快照。
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := Snapshot{
		Name:        w.site.Name,
		Domain:      w.site.Domain,
		Upstream:    w.site.Upstream,
		Version:     w.site.Version,
		CacheName:   w.site.CacheName(),
		Strategy:    w.site.Strategy,
		State:       w.state,
		Controlling: w.controlling && w.state != StateRedundant,
		InstalledAt: w.installedAt,
		ActivatedAt: w.activatedAt,
	}
	if w.lastErr != nil {
		snap.LastError = w.lastErr.Error()
	}
	if w.lastReport != nil {
		snap.Purged = append([]string(nil), w.lastReport.Deleted...)
	}
	return snap
}

// Inspect 读取存储层信息；当前 Store 不存在时 Current 为零值。
func (w *Worker) Inspect(ctx context.Context) (Inspection, error) {
	inspection := Inspection{Snapshot: w.Snapshot()}

	stores, err := w.storage.Keys(ctx)
	if err != nil {
		return inspection, fmt.Errorf("list stores: %w", err)
	}
	inspection.Stores = stores

	stats, err := w.storage.Stats(ctx, w.CacheName())
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return inspection, nil
		}
		return inspection, fmt.Errorf("stat store %s: %w", w.CacheName(), err)
	}
	inspection.Current = stats
	return inspection, nil
}
