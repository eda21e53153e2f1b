package cache

import (
	"github.com/hashicorp/golang-lru/v2/expirable"
)

func init() {
	Register("memory", newMemory)
}

type memory struct {
	lru *expirable.LRU[string, []byte]
}

func newMemory(cfg Config) (Cache, error) {
	return &memory{lru: expirable.NewLRU[string, []byte](cfg.Size, nil, cfg.TTL)}, nil
}

func (m *memory) Get(key string) ([]byte, bool) { return m.lru.Get(key) }
func (m *memory) Set(key string, value []byte) { m.lru.Add(key, value) }
func (m *memory) Len() int                     { return m.lru.Len() }
func (m *memory) Close() error                 { return nil }
