package bridge

import (
	"sync"

	"wxbridge/internal/domain"
)

// SessionKey returns the gateway session key of a sender. The same
// sender on the same channel always maps to the same agent session.
func SessionKey(agentID, channel, senderID string) string {
	return "agent:" + agentID + ":" + channel + ":" + senderID
}

// sessionQueue holds, per session key, the messages waiting behind the
// one being processed. Only the head of a session occupies a worker.
type sessionQueue struct {
	mu sync.Mutex
	// A present key is busy; its slice is the backlog in arrival order.
	pending map[string][]domain.NormalizedMessage
}

func newSessionQueue() *sessionQueue {
	return &sessionQueue{pending: make(map[string][]domain.NormalizedMessage)}
}

// enqueue reports whether msg should start now. If key is already busy
// msg joins its backlog and false is returned.
func (q *sessionQueue) enqueue(key string, msg domain.NormalizedMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if backlog, busy := q.pending[key]; busy {
		q.pending[key] = append(backlog, msg)
		return false
	}
	q.pending[key] = nil
	return true
}

// next pops the oldest waiting message of key. When there is none the
// key becomes idle and false is returned.
func (q *sessionQueue) next(key string) (domain.NormalizedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	backlog := q.pending[key]
	if len(backlog) == 0 {
		delete(q.pending, key)
		return domain.NormalizedMessage{}, false
	}
	msg := backlog[0]
	backlog[0] = domain.NormalizedMessage{}
	q.pending[key] = backlog[1:]
	return msg, true
}

// drop discards the backlog of key and marks it idle. It returns the
// number of discarded messages.
func (q *sessionQueue) drop(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending[key])
	delete(q.pending, key)
	return n
}

// len returns the number of busy session keys.
func (q *sessionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
