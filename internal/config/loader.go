package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/routing"
)

// 默认值与站点原始缓存配置保持一致。
const (
	DefaultCachePrefix  = "va-"
	DefaultCacheVersion = "2024.12.15.001"
	DefaultOfflinePage  = "/offline.html"
	DefaultSyncTag      = "update-cache"
)

// DefaultPrecache 是安装阶段写入 static 命名空间的关键资源。
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/styles.css",
	"/script.js",
	"/manifest.json",
	"/offline.html",
	"/images/verenigd-amsterdam-politiek-2025-logo_small.png",
	"/favicon/favicon.ico",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageBackend != cache.BackendMemory {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageBackend", cache.BackendDisk)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MaxObjectBytes", cache.DefaultMaxObjectBytes)
	v.SetDefault("CachePrefix", DefaultCachePrefix)
	v.SetDefault("CacheVersion", DefaultCacheVersion)
	v.SetDefault("NetworkTimeout", "5s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("OfflinePage", DefaultOfflinePage)
	v.SetDefault("SkipWaiting", true)
	v.SetDefault("PrecacheConcurrency", 4)
	v.SetDefault("PrecacheDiscover", false)
	v.SetDefault("PeriodicSyncTag", DefaultSyncTag)
	v.SetDefault("PeriodicSyncInterval", 0)
	v.SetDefault("Precache", DefaultPrecache)

	maxAge := cache.DefaultMaxAge()
	v.SetDefault("MaxAge.Static", int(maxAge.Static/time.Second))
	v.SetDefault("MaxAge.Dynamic", int(maxAge.Dynamic/time.Second))
	v.SetDefault("MaxAge.Images", int(maxAge.Images/time.Second))
	v.SetDefault("MaxAge.Fonts", int(maxAge.Fonts/time.Second))

	rules := routing.DefaultRules()
	v.SetDefault("Routes.NetworkOnly", rules.NetworkOnly)
	v.SetDefault("Routes.NetworkFirst", rules.NetworkFirst)
	v.SetDefault("Routes.CacheFirst", rules.CacheFirst)
	v.SetDefault("Routes.StaleWhileRevalidate", rules.StaleWhileRevalidate)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = cache.BackendDisk
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
	g.SiteOrigin = strings.TrimRight(strings.TrimSpace(g.SiteOrigin), "/")
	if g.SiteOrigin == "" {
		g.SiteOrigin = g.Origin
	}
	if g.NetworkTimeout.DurationValue() == 0 {
		g.NetworkTimeout = Duration(5 * time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if strings.TrimSpace(g.OfflinePage) == "" {
		g.OfflinePage = DefaultOfflinePage
	}
	if g.PrecacheConcurrency == 0 {
		g.PrecacheConcurrency = 4
	}
	if g.MaxObjectBytes == 0 {
		g.MaxObjectBytes = cache.DefaultMaxObjectBytes
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
