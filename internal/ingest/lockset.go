package ingest

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// lockset serializes work per record id. Ids hash onto a fixed set of
// mutexes, so unrelated ids only contend on a stripe collision.
type lockset struct {
	stripes [lockStripes]sync.Mutex
}

func (l *lockset) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
