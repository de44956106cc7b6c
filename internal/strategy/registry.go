package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/verenigd-amsterdam/va-cache-router/internal/routing"
)

// Metadata 记录策略的静态描述，供诊断端展示。
type Metadata struct {
	Key         routing.Strategy `json:"key"`
	Description string           `json:"description"`
	ReadsCache  bool             `json:"reads_cache"`
	WritesCache bool             `json:"writes_cache"`
	Fallback    string           `json:"fallback,omitempty"`
}

var globalRegistry = newRegistry()

type registry struct {
	mu    sync.RWMutex
	items map[routing.Strategy]Metadata
}

func newRegistry() *registry {
	return &registry{items: make(map[routing.Strategy]Metadata)}
}

// Register 将策略元数据加入全局注册表，重复键会返回错误。
func Register(meta Metadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(meta Metadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定策略的元数据。
func Resolve(key routing.Strategy) (Metadata, bool) {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	meta, ok := globalRegistry.items[key]
	return meta, ok
}

// List 返回按键排序的策略元数据。
func List() []Metadata {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	result := make([]Metadata, 0, len(globalRegistry.items))
	for _, meta := range globalRegistry.items {
		result = append(result, meta)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result
}

func (r *registry) register(meta Metadata) error {
	if meta.Key == routing.StrategyNone {
		return fmt.Errorf("strategy key is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[meta.Key]; exists {
		return fmt.Errorf("strategy %s already registered", meta.Key)
	}
	r.items[meta.Key] = meta
	return nil
}
