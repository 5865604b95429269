// Package matchmaking holds the two collections behind pairing: the FIFO
// Queue of waiting sessions and the symmetric Pairs registry.
//
// Neither type is safe for concurrent use. The orchestrator owns both and
// mutates them under a single lock so that a step touching two sessions is
// never observed half-applied.
package matchmaking

import (
	"github.com/samber/lo"

	"github.com/dkeye/Strangers/internal/core"
)

// Queue is an ordered set of sessions awaiting a partner.
type Queue struct {
	ids []core.SessionID
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push appends sid unless it is already queued.
func (q *Queue) Push(sid core.SessionID) bool {
	if lo.Contains(q.ids, sid) {
		return false
	}
	q.ids = append(q.ids, sid)
	return true
}

// PopPair removes and returns the two oldest entries.
func (q *Queue) PopPair() (core.SessionID, core.SessionID, bool) {
	if len(q.ids) < 2 {
		return "", "", false
	}
	a, b := q.ids[0], q.ids[1]
	q.ids = q.ids[2:]
	return a, b, true
}

func (q *Queue) Remove(sid core.SessionID) bool {
	if !lo.Contains(q.ids, sid) {
		return false
	}
	q.ids = lo.Without(q.ids, sid)
	return true
}

func (q *Queue) Contains(sid core.SessionID) bool {
	return lo.Contains(q.ids, sid)
}

func (q *Queue) Len() int { return len(q.ids) }

func (q *Queue) Snapshot() []core.SessionID {
	out := make([]core.SessionID, len(q.ids))
	copy(out, q.ids)
	return out
}
