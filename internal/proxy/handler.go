package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// Workers 按站点名查找 worker，*worker.Manager 即满足该接口。
type Workers interface {
	Lookup(name string) (*worker.Worker, bool)
}

// Handler 把每个请求转换为站点 worker 上的一次 fetch 事件，并把结果写回客户端。
type Handler struct {
	workers Workers
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler backed by the site workers.
func NewHandler(workers Workers, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		workers: workers,
		logger:  logger,
	}
}

// Handle 派发 fetch 事件并 streaming 响应，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	w, ok := h.workers.Lookup(route.Config.Name)
	if !ok {
		h.logResult(route, requestID, "", 0, started, errors.New("site worker missing"))
		return h.writeError(c, fiber.StatusServiceUnavailable, "site_worker_missing")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildFetchRequest(ctx, c, route)
	if err != nil {
		h.logResult(route, requestID, "", 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	resp, err := w.Fetch(ctx, req)
	if err != nil {
		h.logResult(route, requestID, "", 0, started, err)
		var netErr *lifecycle.NetworkFetchError
		if errors.As(err, &netErr) {
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
		return h.writeError(c, fiber.StatusInternalServerError, "fetch_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Offline-Hub-Source", string(resp.Source))
	if resp.CacheName != "" {
		c.Set("X-Offline-Hub-Cache", resp.CacheName)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	if req.Method == http.MethodHead {
		if resp.ContentLength >= 0 {
			c.Response().Header.SetContentLength(int(resp.ContentLength))
		}
		h.logResult(route, requestID, resp.Source, resp.Status, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, requestID, resp.Source, resp.Status, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	requestID string,
	source lifecycle.Source,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Strategy.Key,
		route.CacheName,
		string(source),
	)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
