package routes

import (
	"context"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/worker"
)

const inspectTimeout = 5 * time.Second

// SiteWorkers 提供诊断接口所需的 worker 查询能力，*worker.Manager 即满足该接口。
type SiteWorkers interface {
	List() []*worker.Worker
	Lookup(name string) (*worker.Worker, bool)
}

// RegisterSiteRoutes 暴露 /-/sites 诊断接口，供 SRE 查询各站点 worker 的生命周期与缓存状态。
func RegisterSiteRoutes(app *fiber.App, workers SiteWorkers) {
	if app == nil || workers == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		list := workers.List()
		payload := make([]worker.Snapshot, 0, len(list))
		for _, w := range list {
			payload = append(payload, w.Snapshot())
		}
		return c.JSON(fiber.Map{"sites": payload})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "site_name_required"})
		}
		w, ok := workers.Lookup(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}

		ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
		defer cancel()
		inspection, err := w.Inspect(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "inspect_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(encodeInspection(inspection))
	})
}

type sitePayload struct {
	worker.Snapshot
	Stores       []string `json:"stores"`
	Entries      int      `json:"entries"`
	SizeBytes    int64    `json:"size_bytes"`
	SizeReadable string   `json:"size"`
}

func encodeInspection(in worker.Inspection) sitePayload {
	stores := in.Stores
	if stores == nil {
		stores = []string{}
	}
	size := in.Current.SizeBytes
	if size < 0 {
		size = 0
	}
	return sitePayload{
		Snapshot:     in.Snapshot,
		Stores:       stores,
		Entries:      in.Current.Entries,
		SizeBytes:    in.Current.SizeBytes,
		SizeReadable: humanize.IBytes(uint64(size)),
	}
}
