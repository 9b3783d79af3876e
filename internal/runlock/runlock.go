// Package runlock provides the per-conversation FIFO mutex that serializes
// interactive turns and scheduled task runs.
package runlock

import (
	"context"
	"fmt"
	"sync"
)

// DeadlockError is returned when a holder re-acquires the conversation it
// already holds. Both the agent and the scheduler release before re-entering,
// so this is never expected in practice.
type DeadlockError struct {
	ConversationID string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("run lock re-entered for conversation %s", e.ConversationID)
}

type holderKey struct{}

// waiter is one queued acquire.
type waiter struct {
	ready chan struct{}
	token *holderToken
}

type holderToken struct {
	conversationID string
}

type lockState struct {
	holder *holderToken
	queue  []*waiter // FIFO
}

// Lock is the in-process run-lock map. The zero value is not usable; call New.
type Lock struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

// New creates an empty run-lock map.
func New() *Lock {
	return &Lock{locks: make(map[string]*lockState)}
}

// Acquire blocks until the conversation lock is free, honoring FIFO order
// among waiters. It returns a release function (safe to call once; each
// acquire gets its own) and a context carrying the holder identity so nested
// acquires of the same id are caught as deadlocks.
func (l *Lock) Acquire(ctx context.Context, conversationID string) (context.Context, func(), error) {
	if tok, ok := ctx.Value(holderKey{}).(*holderToken); ok && tok.conversationID == conversationID {
		return nil, nil, &DeadlockError{ConversationID: conversationID}
	}

	tok := &holderToken{conversationID: conversationID}

	l.mu.Lock()
	st, ok := l.locks[conversationID]
	if !ok {
		st = &lockState{}
		l.locks[conversationID] = st
	}
	if st.holder == nil {
		st.holder = tok
		l.mu.Unlock()
		return context.WithValue(ctx, holderKey{}, tok), l.releaseFunc(conversationID, tok), nil
	}

	w := &waiter{ready: make(chan struct{}), token: tok}
	st.queue = append(st.queue, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return context.WithValue(ctx, holderKey{}, tok), l.releaseFunc(conversationID, tok), nil
	case <-ctx.Done():
		l.abandon(conversationID, w)
		return nil, nil, ctx.Err()
	}
}

// releaseFunc builds the one-shot release for a specific holder token.
func (l *Lock) releaseFunc(conversationID string, tok *holderToken) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			st, ok := l.locks[conversationID]
			if !ok || st.holder != tok {
				return // stale release; a later holder owns the lock
			}
			if len(st.queue) == 0 {
				delete(l.locks, conversationID)
				return
			}
			next := st.queue[0]
			st.queue = st.queue[1:]
			st.holder = next.token
			close(next.ready)
		})
	}
}

// abandon removes a cancelled waiter from the queue. If the waiter was
// promoted concurrently with cancellation, the lock is released on its behalf.
func (l *Lock) abandon(conversationID string, w *waiter) {
	l.mu.Lock()
	st, ok := l.locks[conversationID]
	if !ok {
		l.mu.Unlock()
		return
	}
	for i, q := range st.queue {
		if q == w {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			l.mu.Unlock()
			return
		}
	}
	promoted := st.holder == w.token
	l.mu.Unlock()
	if promoted {
		l.releaseFunc(conversationID, w.token)()
	}
}

// IsLocked reports whether the conversation currently has a holder.
func (l *Lock) IsLocked(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[conversationID]
	return ok && st.holder != nil
}

// ActiveConversationIDs lists every conversation with a holder or waiters.
func (l *Lock) ActiveConversationIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.locks))
	for id := range l.locks {
		out = append(out, id)
	}
	return out
}
