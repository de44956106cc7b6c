package proxy

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
)

// forward 处理 worker 不拦截的请求：跨域、非 http(s) 或尚未接管客户端时，
// 按默认行为直接回源，不读写缓存。
func (h *Handler) forward(c fiber.Ctx, req *http.Request, requestID string, started time.Time) error {
	if h.fetcher == nil {
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	resp, err := h.fetcher.Fetch(req.Context(), req)
	if err != nil {
		h.logResult(req, "", cacheBypass, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	writeResponse(c, resp)
	c.Set(HeaderCache, cacheBypass)
	h.logResult(req, "", cacheBypass, requestID, resp.Status, started, nil)
	return nil
}
