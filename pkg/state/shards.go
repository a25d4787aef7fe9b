package state

import "hash/fnv"

// Shared mutable state is partitioned by key so that operations on different
// users or rooms never contend on a single lock. 32 shards is plenty for a
// single-process deployment.
const shardCount = 32

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
