package cache

import (
	"context"
	"sync"
)

// memoryStorage 是进程内存储，主要用于测试以及无需跨进程保留缓存的部署。
type memoryStorage struct {
	maxObjectBytes int64

	mu     sync.RWMutex
	order  []string
	spaces map[string]*memoryNamespace
}

// NewMemoryStorage 构建内存存储，maxObjectBytes<=0 时使用 DefaultMaxObjectBytes。
func NewMemoryStorage(maxObjectBytes int64) Storage {
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}
	return &memoryStorage{
		maxObjectBytes: maxObjectBytes,
		spaces:         make(map[string]*memoryNamespace),
	}
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.spaces[name]
	if !ok {
		ns = &memoryNamespace{
			name:           name,
			maxObjectBytes: s.maxObjectBytes,
			entries:        make(map[string]*Response),
		}
		s.spaces[name] = ns
		s.order = append(s.order, name)
	}
	return ns, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[name]; !ok {
		return false, nil
	}
	delete(s.spaces, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) Close() error {
	return nil
}

type memoryNamespace struct {
	name           string
	maxObjectBytes int64

	mu      sync.RWMutex
	entries map[string]*Response
}

func (n *memoryNamespace) Name() string {
	return n.name
}

func (n *memoryNamespace) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !key.Cacheable() {
		return nil, ErrNotFound
	}
	n.mu.RLock()
	resp, ok := n.entries[key.String()]
	n.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (n *memoryNamespace) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPut(key, resp, n.maxObjectBytes); err != nil {
		return err
	}
	stored := resp.Clone()
	n.mu.Lock()
	n.entries[key.String()] = stored
	n.mu.Unlock()
	return nil
}
