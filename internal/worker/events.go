package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/any-hub/offline-hub/internal/lifecycle"
)

var (
	// ErrEventSettled 表示事件已经 Wait 结束，不能再追加延迟操作。
	ErrEventSettled = errors.New("event already settled")
	// ErrAlreadyResponded 表示 fetch 事件已经登记过响应。
	ErrAlreadyResponded = errors.New("fetch event already has a response")
)

// ExtendableEvent 实现“延迟完成”：WaitUntil 登记的操作并发执行，
// Wait 等待全部结束并汇总错误，任何一个失败都会让事件整体失败。
type ExtendableEvent struct {
	ctx  context.Context
	pool *pool.Pool

	mu      sync.Mutex
	errs    []error
	settled bool
	once    sync.Once
	result  error
}

func newExtendableEvent(ctx context.Context) *ExtendableEvent {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ExtendableEvent{ctx: ctx, pool: pool.New()}
}

// Context 返回事件的上下文，延迟操作应在其取消后尽快退出。
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil 登记一个延迟操作；事件结束后再调用会返回 ErrEventSettled。
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled {
		return ErrEventSettled
	}
	e.pool.Go(func() {
		if err := fn(e.ctx); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	})
	return nil
}

// Wait 阻塞直到所有延迟操作完成，多次调用返回同一结果。
func (e *ExtendableEvent) Wait() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.settled = true
		e.mu.Unlock()

		e.pool.Wait()

		e.mu.Lock()
		e.result = multierr.Combine(e.errs...)
		e.mu.Unlock()
	})
	return e.result
}

// InstallEvent 在 ExtendableEvent 基础上支持 SkipWaiting。
type InstallEvent struct {
	*ExtendableEvent
	skipWaiting atomic.Bool
}

// NewInstallEvent 创建 install 事件。
func NewInstallEvent(ctx context.Context) *InstallEvent {
	return &InstallEvent{ExtendableEvent: newExtendableEvent(ctx)}
}

// SkipWaiting 请求安装成功后立即激活，不等待旧版本释放客户端。
func (e *InstallEvent) SkipWaiting() {
	e.skipWaiting.Store(true)
}

// SkipWaitingRequested 返回处理器是否请求了 SkipWaiting。
func (e *InstallEvent) SkipWaitingRequested() bool {
	return e.skipWaiting.Load()
}

// ActivateEvent 在 ExtendableEvent 基础上携带清理报告。
type ActivateEvent struct {
	*ExtendableEvent

	reportMu sync.Mutex
	report   *lifecycle.ActivateReport
}

// NewActivateEvent 创建 activate 事件。
func NewActivateEvent(ctx context.Context) *ActivateEvent {
	return &ActivateEvent{ExtendableEvent: newExtendableEvent(ctx)}
}

// SetReport 由处理器在清理结束后调用。
func (e *ActivateEvent) SetReport(report *lifecycle.ActivateReport) {
	e.reportMu.Lock()
	e.report = report
	e.reportMu.Unlock()
}

// Report 返回过期缓存清理报告；清理尚未完成时为 nil。
func (e *ActivateEvent) Report() *lifecycle.ActivateReport {
	e.reportMu.Lock()
	defer e.reportMu.Unlock()
	return e.report
}

// FetchEvent 携带被拦截的请求，处理器通过 RespondWith 接管响应。
type FetchEvent struct {
	ctx     context.Context
	request *lifecycle.Request

	mu        sync.Mutex
	responder func(ctx context.Context) (*lifecycle.Response, error)
}

// NewFetchEvent 创建 fetch 事件。
func NewFetchEvent(ctx context.Context, req *lifecycle.Request) *FetchEvent {
	if ctx == nil {
		ctx = context.Background()
	}
	return &FetchEvent{ctx: ctx, request: req}
}

// Request 返回被拦截的请求。
func (e *FetchEvent) Request() *lifecycle.Request {
	return e.request
}

// RespondWith 登记响应函数，每个事件只能登记一次。
func (e *FetchEvent) RespondWith(fn func(ctx context.Context) (*lifecycle.Response, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responder != nil {
		return ErrAlreadyResponded
	}
	e.responder = fn
	return nil
}

// respond 执行登记的响应函数；未登记时 handled 为 false，由调用方走默认网络路径。
func (e *FetchEvent) respond() (resp *lifecycle.Response, handled bool, err error) {
	e.mu.Lock()
	fn := e.responder
	e.mu.Unlock()
	if fn == nil {
		return nil, false, nil
	}
	resp, err = fn(e.ctx)
	return resp, true, err
}
