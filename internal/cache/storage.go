package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// 支持的存储后端。
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "cache.db"

// NewStorage 根据配置的后端名称构建 Storage。
func NewStorage(ctx context.Context, backend, basePath string, maxObjectBytes int64) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return NewMemoryStorage(maxObjectBytes), nil
	case "", BackendDisk:
		return NewDiskStorage(basePath, maxObjectBytes)
	case BackendSQLite:
		if basePath == "" {
			return nil, fmt.Errorf("storage path required")
		}
		if err := os.MkdirAll(basePath, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		return NewSQLiteStorage(ctx, filepath.Join(basePath, SQLiteFileName), maxObjectBytes)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
