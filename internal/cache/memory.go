package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memoryEntry は値と絶対期限を保持する。
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache はミューテックスで保護されたプロセス内キャッシュ。
// 単一インスタンス構成向け。期限切れエントリはGet時に遅延削除されるため、
// バックグラウンド掃除だけに依存しない。
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	stopCh  chan struct{}
}

// NewMemoryCache は新しいMemoryCacheを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		stopCh:  make(chan struct{}),
	}

	go c.cleanupLoop(5 * time.Minute)

	return c
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (c *MemoryCache) Stop() {
	close(c.stopCh)
}

// Get はキーに対応する値を返す。期限切れエントリはミス扱いで削除する。
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		// 遅延削除
		delete(c.entries, key)
		return nil, false, nil
	}

	return entry.value, true, nil
}

// Put は値をTTL付きで保存する。
func (c *MemoryCache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: ttl must be positive, got %v", ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Take は値を取得すると同時に削除する。
func (c *MemoryCache) Take(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	delete(c.entries, key)

	if time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}

	return entry.value, true, nil
}

// Invalidate はキーを削除する。
func (c *MemoryCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// cleanupLoop は定期的に期限切れエントリを削除する。
func (c *MemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCh:
			return
		}
	}
}

// removeExpired は期限切れエントリを一括削除する。
func (c *MemoryCache) removeExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// compile-time interface check
var _ Cache = (*MemoryCache)(nil)
