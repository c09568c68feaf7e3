// Package cmap provides a sharded concurrent map.
//
// Keys are spread over a power-of-two number of shards by their murmur3
// hash; every shard has its own RWMutex, so operations on different keys
// rarely contend.
//
//	tasks := cmap.New[string, *domain.ServiceTask]()
//	tasks.Set("Lobby", task)
//	t, ok := tasks.Get("Lobby")
//
// Single-key operations are atomic. Range, Keys and Values lock one shard
// at a time and may not observe a consistent snapshot of the whole map.
package cmap
