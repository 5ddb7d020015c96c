package orchestrator

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

// lockShards is the size of the conversation lock table. A collision only
// means two leads serialize against each other.
const lockShards = 64

// leadLocks serializes conversation mutations per lead. The table is fixed
// size so a busy gateway never grows an unbounded lock map, and locks are
// never held across provider or model calls.
type leadLocks struct {
	shards [lockShards]sync.Mutex
}

// of returns the mutex guarding the given lead's conversation state.
func (l *leadLocks) of(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &l.shards[h.Sum32()%lockShards]
}
