package tile_proxy

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TileCache 已下载瓦片的读取缓存
type TileCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewTileCache 创建瓦片缓存
func NewTileCache(maxSize int, ttl time.Duration) *TileCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &TileCache{
		lru: expirable.NewLRU[string, []byte](maxSize, nil, ttl),
	}
}

// TileKey 缓存键
func TileKey(z, x, y int) string {
	return fmt.Sprintf("%d/%d/%d", z, x, y)
}

// Get 获取缓存
func (c *TileCache) Get(key string) ([]byte, bool) {
	return c.lru.Get(key)
}

// Set 设置缓存
func (c *TileCache) Set(key string, data []byte) {
	c.lru.Add(key, data)
}

// Remove 删除缓存项
func (c *TileCache) Remove(key string) {
	c.lru.Remove(key)
}

// Clear 清空缓存
func (c *TileCache) Clear() {
	c.lru.Purge()
}

// Size 获取缓存大小
func (c *TileCache) Size() int {
	return c.lru.Len()
}
