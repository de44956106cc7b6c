package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Storage 描述宿主环境提供的缓存存储能力：按名称打开/删除命名空间并列出现有命名空间。
//
// 实现必须支持并发读写，同一 key 的并发写入以最后一次为准。
type Storage interface {
	// Open 返回指定名称的命名空间，不存在时自动创建。
	Open(ctx context.Context, name string) (Namespace, error)

	// Delete 删除整个命名空间，返回该命名空间此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序返回所有命名空间名称。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放底层资源（文件句柄、数据库连接）。
	Close() error
}

// Namespace 是单个命名空间内的条目读写接口。
type Namespace interface {
	Name() string

	// Match 返回 key 对应的缓存副本，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 覆盖写入 key 对应的响应，仅支持 GET 请求。
	Put(ctx context.Context, key Key, resp *Response) error
}

// Key 唯一标识一个缓存条目：HTTP 方法 + 绝对 URL。
type Key struct {
	Method string
	URL    string
}

// KeyFor 根据请求构造缓存 key。
func KeyFor(r *http.Request) Key {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: strings.ToUpper(method), URL: r.URL.String()}
}

// GetKey 构造 GET 请求的缓存 key，用于预缓存与离线页。
func GetKey(rawURL string) Key {
	return Key{Method: http.MethodGet, URL: rawURL}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Cacheable 表示该 key 是否允许写入缓存（浏览器 Cache API 仅接受 GET）。
func (k Key) Cacheable() bool {
	return k.Method == http.MethodGet && k.URL != ""
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotCacheable 表示非 GET 请求尝试写入缓存。
	ErrMethodNotCacheable = errors.New("request method is not cacheable")
	// ErrEntryTooLarge 表示响应体超过单条目上限。
	ErrEntryTooLarge = errors.New("cache entry exceeds max object bytes")
	// ErrInvalidNamespace 表示命名空间名称为空或包含非法字符。
	ErrInvalidNamespace = errors.New("invalid namespace name")
)

// StorageError 记录一次失败的存储操作。缓存只是尽力而为的优化，
// 策略层只记录此类错误，不会向调用方返回。
type StorageError struct {
	Op        string
	Namespace string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Namespace, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DefaultMaxObjectBytes 是单条目的默认大小上限。
const DefaultMaxObjectBytes int64 = 50 * 1024 * 1024

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidNamespace
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return ErrInvalidNamespace
	}
	return nil
}

func checkPut(key Key, resp *Response, maxObjectBytes int64) error {
	if !key.Cacheable() {
		return ErrMethodNotCacheable
	}
	if resp == nil {
		return errors.New("nil response")
	}
	if maxObjectBytes > 0 && int64(len(resp.Body)) > maxObjectBytes {
		return ErrEntryTooLarge
	}
	return nil
}
