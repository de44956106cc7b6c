// Package routes 在 Fiber app 上注册页面到 worker 的控制接口与诊断端点。
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/verenigd-amsterdam/va-cache-router/internal/server"
	"github.com/verenigd-amsterdam/va-cache-router/internal/worker"
)

// Controller 是控制路由依赖的 worker 能力。
type Controller interface {
	OnMessage(ctx context.Context, msg worker.Message) (any, error)
	OnPeriodicSync(ctx context.Context, tag string) (int, error)
	Status(ctx context.Context) (worker.Status, error)
}

// RegisterControlRoutes 暴露 /-/sw/message、/-/sw/status 与 /-/sw/sync/:tag。
func RegisterControlRoutes(app *fiber.App, ctrl Controller, logger *logrus.Logger) {
	if app == nil || ctrl == nil {
		return
	}

	app.Post("/-/sw/message", func(c fiber.Ctx) error {
		var msg worker.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil || strings.TrimSpace(msg.Type) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		reply, err := ctrl.OnMessage(requestContext(c), msg)
		if err != nil {
			if errors.Is(err, worker.ErrUnknownMessage) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
			}
			logControlError(logger, c, "message", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
		}
		if reply == nil {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.JSON(reply)
	})

	app.Get("/-/sw/status", func(c fiber.Ctx) error {
		status, err := ctrl.Status(requestContext(c))
		if err != nil {
			logControlError(logger, c, "status", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(status)
	})

	app.Post("/-/sw/sync/:tag", func(c fiber.Ctx) error {
		tag := strings.TrimSpace(c.Params("tag"))
		refreshed, err := ctrl.OnPeriodicSync(requestContext(c), tag)
		if err != nil {
			if errors.Is(err, worker.ErrUnknownSyncTag) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_sync_tag"})
			}
			logControlError(logger, c, "periodic_sync", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_failed"})
		}
		return c.JSON(fiber.Map{"tag": tag, "refreshed": refreshed})
	})
}

// RegisterMetricsRoute 通过 adaptor 挂载 prometheus handler。
func RegisterMetricsRoute(app *fiber.App, handler http.Handler) {
	if app == nil || handler == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(handler))
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logControlError(logger *logrus.Logger, c fiber.Ctx, action string, err error) {
	if logger == nil {
		return
	}
	logger.WithError(err).WithFields(logrus.Fields{
		"action":     action,
		"request_id": server.RequestID(c),
	}).Error("control_failed")
}
