package strategy

import (
	"context"
	"net/http"

	"github.com/verenigd-amsterdam/va-cache-router/internal/logging"
	"github.com/verenigd-amsterdam/va-cache-router/internal/routing"
)

func init() {
	MustRegister(Metadata{
		Key:         routing.StrategyNetworkOnly,
		Description: "Always fetch from network; never touches cache storage",
		Fallback:    "none",
	})
}

// NetworkOnly 直接请求网络，失败原样返回。
func (e *Engine) NetworkOnly(ctx context.Context, r *http.Request) (Result, error) {
	resp, err := e.fetch(ctx, r)
	if err != nil {
		e.logger.WithError(err).
			WithFields(logging.RequestFields("route", string(routing.StrategyNetworkOnly), "", r.URL.String())).
			Warn("network_only_failed")
		return Result{}, err
	}
	return Result{Response: resp, Source: SourceNetwork}, nil
}
