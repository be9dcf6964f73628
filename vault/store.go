package vault

import (
	"context"
	"errors"
	"sync"

	"github.com/dormoron/aegis/internal/errs"
)

// ErrNotFound 表示键不存在
var ErrNotFound = errors.New("vault: key not found")

// Store 是存储层的通用接口，安全层和降级层都实现该接口
type Store interface {
	// Get 获取值，键不存在时返回ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set 设置键值对
	Set(ctx context.Context, key string, value []byte) error
	// Del 删除键，键不存在不是错误
	Del(ctx context.Context, keys ...string) error
	// Close 关闭存储
	Close() error
}

// MemoryStore 内存存储实现，适用于测试和临时会话
type MemoryStore struct {
	data   map[string][]byte
	closed bool
	mu     sync.RWMutex
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get 实现Store.Get
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errs.ErrStoreClosed()
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	// 返回副本，避免调用方修改内部数据
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set 实现Store.Set
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.ErrStoreClosed()
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
	return nil
}

// Del 实现Store.Del
func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.ErrStoreClosed()
	}
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

// Keys 返回当前所有键，主要用于测试
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Close 实现Store.Close
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
