package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 磁盘布局：
//
//	<StoragePath>/<namespace>/.created        # 创建时间（UnixNano），用于 Keys 排序
//	<StoragePath>/<namespace>/<sha1(key)>.entry  # gob 编码的 diskRecord
const (
	createdMarker = ".created"
	entrySuffix   = ".entry"
)

// NewDiskStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewDiskStorage(basePath string, maxObjectBytes int64) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}

	return &diskStorage{
		basePath:       abs,
		maxObjectBytes: maxObjectBytes,
		locks:          make(map[string]*entryLock),
	}, nil
}

// diskStorage 通过 entryLock 避免同一条目并发写入，命名空间级操作由 nsMu 串行化；
// 写入条目持有 nsMu 读锁，保证不会与 Delete 交错。
type diskStorage struct {
	basePath       string
	maxObjectBytes int64

	nsMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type diskRecord struct {
	Key    string
	Status int
	Header http.Header
	Body   []byte
}

func (s *diskStorage) Open(ctx context.Context, name string) (Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	dir := s.namespaceDir(name)
	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	marker := filepath.Join(dir, createdMarker)
	if _, err := os.Stat(marker); errors.Is(err, fs.ErrNotExist) {
		stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := writeAtomic(marker, []byte(stamp)); err != nil {
			return nil, err
		}
	}
	return &diskNamespace{storage: s, name: name, dir: dir}, nil
}

func (s *diskStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, nil
	}

	dir := s.namespaceDir(name)
	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *diskStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	type namedStamp struct {
		name  string
		stamp int64
	}
	items := make([]namedStamp, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, entry.Name(), createdMarker))
		if err != nil {
			continue
		}
		stamp, _ := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		items = append(items, namedStamp{name: entry.Name(), stamp: stamp})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].stamp == items[j].stamp {
			return items[i].name < items[j].name
		}
		return items[i].stamp < items[j].stamp
	})

	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.name
	}
	return names, nil
}

func (s *diskStorage) Close() error {
	return nil
}

func (s *diskStorage) namespaceDir(name string) string {
	return filepath.Join(s.basePath, name)
}

func (s *diskStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type diskNamespace struct {
	storage *diskStorage
	name    string
	dir     string
}

func (n *diskNamespace) Name() string {
	return n.name
}

func (n *diskNamespace) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !key.Cacheable() {
		return nil, ErrNotFound
	}

	filePath := n.entryPath(key)
	unlock := n.storage.lockEntry(filePath)
	defer unlock()

	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var record diskRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if record.Key != key.String() {
		// sha1 冲突或外部篡改，按未命中处理
		return nil, ErrNotFound
	}
	header := record.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{Status: record.Status, Header: header, Body: record.Body}, nil
}

func (n *diskNamespace) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPut(key, resp, n.storage.maxObjectBytes); err != nil {
		return err
	}

	var buf bytes.Buffer
	record := diskRecord{
		Key:    key.String(),
		Status: resp.Status,
		Header: resp.Header,
		Body:   resp.Body,
	}
	if err := gob.NewEncoder(&buf).Encode(record); err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	filePath := n.entryPath(key)
	unlock := n.storage.lockEntry(filePath)
	defer unlock()

	n.storage.nsMu.RLock()
	defer n.storage.nsMu.RUnlock()
	// 命名空间已被删除时丢弃写入，不重新创建目录。
	if _, err := os.Stat(filepath.Join(n.dir, createdMarker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return writeAtomic(filePath, buf.Bytes())
}

func (n *diskNamespace) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(n.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeAtomic(filePath string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
