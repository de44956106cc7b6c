package config

import "testing"

func TestLoadFailsWithMissingFile(t *testing.T) {
	if _, err := Load(fixturePath("absent.toml")); err == nil {
		t.Fatalf("不存在的配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
Origin = "https://verenigdamsterdam.nl"
StorageBackend = "memory"
NetworkTimeout = "boom"
`
	path := writeSiteConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsSecondsForDurations(t *testing.T) {
	cfg := `
Origin = "https://verenigdamsterdam.nl"
StorageBackend = "memory"
PeriodicSyncInterval = 3600

[MaxAge]
Static = "12h"
`
	loaded, err := Load(writeSiteConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Global.PeriodicSyncInterval.DurationValue().Hours(); got != 1 {
		t.Fatalf("整数秒应解析为 1h, got %vh", got)
	}
	if got := loaded.MaxAge.Static.DurationValue().Hours(); got != 12 {
		t.Fatalf("MaxAge.Static 应为 12h, got %vh", got)
	}
}

func TestLoadMinimalConfigUsesDefaults(t *testing.T) {
	cfg, err := Load(writeSiteConfig(t, ""))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	g := cfg.Global
	if g.CacheVersion != DefaultCacheVersion || g.PeriodicSyncTag != DefaultSyncTag || g.PrecacheDiscover {
		t.Fatalf("默认值不符合预期: %+v", g)
	}
	if !g.SkipWaiting || g.PrecacheConcurrency != 4 {
		t.Fatalf("SkipWaiting/PrecacheConcurrency 默认值错误: %+v", g)
	}
	if len(cfg.PrecacheURLs()) != len(DefaultPrecache) {
		t.Fatalf("默认预缓存列表未生效: %v", cfg.PrecacheURLs())
	}
}
