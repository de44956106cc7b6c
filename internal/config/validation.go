package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
)

var supportedBackends = map[string]struct{}{
	cache.BackendMemory: {},
	cache.BackendDisk:   {},
	cache.BackendSQLite: {},
}

const supportedBackendList = "memory|disk|sqlite"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.StorageBackend != cache.BackendMemory && g.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if g.MaxObjectBytes <= 0 {
		return newFieldError("MaxObjectBytes", "必须大于 0")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Origin: %w", err)
	}
	if err := validateOrigin(g.SiteOrigin); err != nil {
		return fmt.Errorf("SiteOrigin: %w", err)
	}
	if strings.TrimSpace(g.CachePrefix) == "" {
		return newFieldError("CachePrefix", "不能为空")
	}
	if strings.TrimSpace(g.CacheVersion) == "" {
		return newFieldError("CacheVersion", "不能为空")
	}
	if strings.ContainsAny(g.CachePrefix+g.CacheVersion, `/\ `) {
		return newFieldError("CacheVersion", "命名空间名称不允许包含斜杠或空格")
	}
	if g.NetworkTimeout.DurationValue() <= 0 {
		return newFieldError("NetworkTimeout", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if !strings.HasPrefix(g.OfflinePage, "/") {
		return newFieldError("OfflinePage", "必须以 / 开头")
	}
	if g.PrecacheConcurrency <= 0 {
		return newFieldError("PrecacheConcurrency", "必须大于 0")
	}
	if g.PeriodicSyncInterval.DurationValue() < 0 {
		return newFieldError("PeriodicSyncInterval", "不能为负数")
	}
	if g.PeriodicSyncInterval.DurationValue() > 0 && strings.TrimSpace(g.PeriodicSyncTag) == "" {
		return newFieldError("PeriodicSyncTag", "启用周期刷新时不能为空")
	}
	if err := validatePaths("Precache", g.Precache); err != nil {
		return err
	}

	for field, age := range map[string]Duration{
		"MaxAge.Static":  c.MaxAge.Static,
		"MaxAge.Dynamic": c.MaxAge.Dynamic,
		"MaxAge.Images":  c.MaxAge.Images,
		"MaxAge.Fonts":   c.MaxAge.Fonts,
	} {
		if age.DurationValue() <= 0 {
			return newFieldError(field, "必须大于 0")
		}
	}

	routes := []struct {
		field    string
		patterns []string
	}{
		{"Routes.NetworkOnly", c.Routes.NetworkOnly},
		{"Routes.NetworkFirst", c.Routes.NetworkFirst},
		{"Routes.CacheFirst", c.Routes.CacheFirst},
		{"Routes.StaleWhileRevalidate", c.Routes.StaleWhileRevalidate},
	}
	for _, route := range routes {
		if err := validatePaths(route.field, route.patterns); err != nil {
			return err
		}
	}

	return nil
}

func validatePaths(field string, paths []string) error {
	for idx, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return newFieldError(indexField(field, idx), "必须以 / 开头")
		}
		if strings.ContainsAny(p, " ?#") {
			return newFieldError(indexField(field, idx), "不允许包含空格、查询串或片段")
		}
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少站点地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("不允许包含路径: %s", raw)
	}
	return nil
}
