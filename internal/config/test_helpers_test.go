package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// siteBase 是最小可用配置；测试内容未声明 Origin 时自动补上。
const siteBase = `Origin = "https://verenigdamsterdam.nl"
StorageBackend = "memory"
`

func fixturePath(name string) string {
	return filepath.Join("testdata", name)
}

func writeSiteConfig(t *testing.T, body string) string {
	t.Helper()
	if !strings.Contains(body, "Origin") {
		body = siteBase + body
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
