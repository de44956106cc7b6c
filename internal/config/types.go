package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/routing"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StorageBackend string `mapstructure:"StorageBackend"`
	StoragePath    string `mapstructure:"StoragePath"`
	MaxObjectBytes int64  `mapstructure:"MaxObjectBytes"`

	// Origin 是真实站点的上游地址；SiteOrigin 是客户端看到的公开地址，用于同源判断。
	Origin     string `mapstructure:"Origin"`
	SiteOrigin string `mapstructure:"SiteOrigin"`

	CachePrefix          string   `mapstructure:"CachePrefix"`
	CacheVersion         string   `mapstructure:"CacheVersion"`
	NetworkTimeout       Duration `mapstructure:"NetworkTimeout"`
	UpstreamTimeout      Duration `mapstructure:"UpstreamTimeout"`
	OfflinePage          string   `mapstructure:"OfflinePage"`
	SkipWaiting          bool     `mapstructure:"SkipWaiting"`
	PrecacheConcurrency  int      `mapstructure:"PrecacheConcurrency"`
	PrecacheDiscover     bool     `mapstructure:"PrecacheDiscover"`
	PeriodicSyncTag      string   `mapstructure:"PeriodicSyncTag"`
	PeriodicSyncInterval Duration `mapstructure:"PeriodicSyncInterval"`
	Precache             []string `mapstructure:"Precache"`
}

// MaxAgeConfig 是各类命名空间条目的最长新鲜期。
type MaxAgeConfig struct {
	Static  Duration `mapstructure:"Static"`
	Dynamic Duration `mapstructure:"Dynamic"`
	Images  Duration `mapstructure:"Images"`
	Fonts   Duration `mapstructure:"Fonts"`
}

// RoutesConfig 是按优先级排列的四组路径前缀。
type RoutesConfig struct {
	NetworkOnly          []string `mapstructure:"NetworkOnly"`
	NetworkFirst         []string `mapstructure:"NetworkFirst"`
	CacheFirst           []string `mapstructure:"CacheFirst"`
	StaleWhileRevalidate []string `mapstructure:"StaleWhileRevalidate"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	MaxAge MaxAgeConfig `mapstructure:"MaxAge"`
	Routes RoutesConfig `mapstructure:"Routes"`
}

// CacheNames 返回当前版本的四个命名空间名称。
func (c *Config) CacheNames() cache.Names {
	return cache.NewNames(c.Global.CachePrefix, c.Global.CacheVersion)
}

// MaxAges 转换为缓存层使用的 maxAge 表。
func (c *Config) MaxAges() cache.MaxAge {
	return cache.MaxAge{
		Static:  c.MaxAge.Static.DurationValue(),
		Dynamic: c.MaxAge.Dynamic.DurationValue(),
		Images:  c.MaxAge.Images.DurationValue(),
		Fonts:   c.MaxAge.Fonts.DurationValue(),
	}
}

// RoutingRules 转换为路由层的规则表。
func (c *Config) RoutingRules() routing.Rules {
	return routing.Rules{
		NetworkOnly:          append([]string(nil), c.Routes.NetworkOnly...),
		NetworkFirst:         append([]string(nil), c.Routes.NetworkFirst...),
		CacheFirst:           append([]string(nil), c.Routes.CacheFirst...),
		StaleWhileRevalidate: append([]string(nil), c.Routes.StaleWhileRevalidate...),
	}
}

// SiteURL 将站内路径解析为公开站点下的绝对 URL。
func (c *Config) SiteURL(p string) string {
	return strings.TrimRight(c.Global.SiteOrigin, "/") + "/" + strings.TrimLeft(p, "/")
}

// OfflineURL 返回离线兜底页的绝对 URL。
func (c *Config) OfflineURL() string {
	return c.SiteURL(c.Global.OfflinePage)
}

// PrecacheURLs 返回预缓存列表的绝对 URL。
func (c *Config) PrecacheURLs() []string {
	urls := make([]string, 0, len(c.Global.Precache))
	for _, p := range c.Global.Precache {
		urls = append(urls, c.SiteURL(p))
	}
	return urls
}
