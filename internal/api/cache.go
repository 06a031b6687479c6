package api

import (
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/pfcoder/lcd-core/internal/miner"
)

const bufferItems = 64

// TelemetryCache keeps the most recent snapshot per device ip so the
// dashboard does not have to hit the database for live values.
type TelemetryCache struct {
	cache *ristretto.Cache
}

// NewTelemetryCache sizes the cache for roughly maxItems devices.
func NewTelemetryCache(maxItems int64) (*TelemetryCache, error) {
	if maxItems <= 0 {
		maxItems = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry cache: %w", err)
	}
	return &TelemetryCache{cache: cache}, nil
}

// Put stores snapshots and waits until they are visible to Get.
func (c *TelemetryCache) Put(infos ...*miner.MachineInfo) {
	for _, info := range infos {
		if info == nil || info.IP == "" {
			continue
		}
		c.cache.Set(info.IP, info, 1)
	}
	c.cache.Wait()
}

// Get returns the latest snapshot for ip.
func (c *TelemetryCache) Get(ip string) (*miner.MachineInfo, bool) {
	val, found := c.cache.Get(ip)
	if !found {
		return nil, false
	}
	info, ok := val.(*miner.MachineInfo)
	return info, ok
}

func (c *TelemetryCache) Close() {
	c.cache.Close()
}
