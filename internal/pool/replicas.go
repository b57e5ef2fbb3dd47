package pool

import (
	"hash/fnv"
	"slices"
	"strconv"
	"time"
)

// replicaList holds the channels of one shard (or of the head pool) in
// insertion order and hands them out round-robin.
type replicaList struct {
	channels []*channel
	cursor   int
}

func (l *replicaList) has(address string) bool {
	return l.index(address) >= 0
}

func (l *replicaList) index(address string) int {
	return slices.IndexFunc(l.channels, func(c *channel) bool { return c.address == address })
}

func (l *replicaList) add(c *channel) bool {
	if l.has(c.address) {
		return false
	}
	l.channels = append(l.channels, c)
	return true
}

func (l *replicaList) remove(address string) (*channel, bool) {
	i := l.index(address)
	if i < 0 {
		return nil, false
	}
	c := l.channels[i]
	l.channels = slices.Delete(l.channels, i, i+1)
	if i < l.cursor {
		l.cursor--
	}
	if l.cursor >= len(l.channels) {
		l.cursor = 0
	}
	return c, true
}

func (l *replicaList) empty() bool { return len(l.channels) == 0 }

// next returns the first selectable channel at or after the cursor, skipping
// addresses in skip, and advances the cursor past it.
func (l *replicaList) next(now time.Time, skip map[string]struct{}) *channel {
	n := len(l.channels)
	for i := 0; i < n; i++ {
		idx := (l.cursor + i) % n
		c := l.channels[idx]
		if _, tried := skip[c.address]; tried {
			continue
		}
		if c.selectable(now) {
			l.cursor = (idx + 1) % n
			return c
		}
	}
	return nil
}

// ShardIndex maps a shard key onto [0, shards). Decimal keys select their
// shard modulo shards, other keys hash with FNV-1a, and an empty key means shard 0.
func ShardIndex(key string, shards int) int {
	if shards <= 1 || key == "" {
		return 0
	}
	if n, err := strconv.ParseUint(key, 10, 64); err == nil {
		return int(n % uint64(shards))
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}
