package scheduler

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// EntryID is an opaque key for the scheduler's post-send callback arena
// (spec.md §4.4 "post-send actions"), generalising the teacher's approach of
// closing over *TPDO/*RPDO directly in timer callbacks (pkg/pdo/tpdo.go) into
// a value key that outlives any one callback closure, per DESIGN NOTES §9.
type EntryID [16]byte

// idGenerator hands out EntryID values that are unique within one process
// lifetime: the high 8 bytes are a random per-process seed (so IDs from two
// processes, or two runs, never collide even if compared by accident), the
// low 8 bytes a monotonically increasing counter.
type idGenerator struct {
	seed    uint64
	counter uint64
}

func newIDGenerator() *idGenerator {
	var seedBuf [8]byte
	if _, err := rand.Read(seedBuf[:]); err != nil {
		// crypto/rand failure on a real OS is not something callers can
		// recover from meaningfully; fall back to a fixed seed rather than
		// panicking the whole scheduler over non-uniqueness within a
		// single process (the counter alone is still unique per process).
		seedBuf = [8]byte{}
	}
	return &idGenerator{seed: binary.BigEndian.Uint64(seedBuf[:])}
}

func (g *idGenerator) next() EntryID {
	n := atomic.AddUint64(&g.counter, 1)
	var id EntryID
	binary.BigEndian.PutUint64(id[0:8], g.seed)
	binary.BigEndian.PutUint64(id[8:16], n)
	return id
}
