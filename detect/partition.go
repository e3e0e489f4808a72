package detect

import (
	"encoding/binary"

	"hostguard/core"

	"github.com/cespare/xxhash/v2"
)

// hashKey hashes a process key. All per-process state (workers, table
// shards, windows, suppression) is partitioned by this value, so events
// for one process always land on the same shard.
func hashKey(key core.ProcessKey) uint64 {
	var pid [4]byte
	binary.LittleEndian.PutUint32(pid[:], key.PID)

	d := xxhash.New()
	_, _ = d.WriteString(key.HostID)
	_, _ = d.Write(pid[:])
	return d.Sum64()
}

func shardFor(key core.ProcessKey, n int) int {
	if n <= 1 {
		return 0
	}
	return int(hashKey(key) % uint64(n))
}
