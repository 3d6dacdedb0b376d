package client

import (
	"sync"
	"time"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// result carries the outcome of one in-flight request.
type result struct {
	pkt *protocol.Packet
	err error
}

// waiter is one registered request awaiting the response that echoes its seq.
type waiter struct {
	ch    chan result
	timer *time.Timer
}

// pendingTable pairs client-initiated requests with server responses by seq.
// Every entry owns a timer; a request that outlives the timeout is rejected
// with ErrRequestTimeout, and a connection loss rejects every entry at once.
type pendingTable struct {
	timeout time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter
}

func newPendingTable(timeout time.Duration) *pendingTable {
	return &pendingTable{
		timeout: timeout,
		waiters: make(map[string]*waiter),
	}
}

// add registers seq and returns the channel its outcome will arrive on. The
// channel is buffered so a resolve never blocks on an abandoned caller.
func (t *pendingTable) add(seq string) <-chan result {
	w := &waiter{ch: make(chan result, 1)}
	w.timer = time.AfterFunc(t.timeout, func() {
		t.fail(seq, ErrRequestTimeout)
	})

	t.mu.Lock()
	t.waiters[seq] = w
	t.mu.Unlock()
	return w.ch
}

// resolve completes the request registered under seq with a response packet.
// It reports false when no such request is pending, which happens for
// responses arriving after their timeout.
func (t *pendingTable) resolve(seq string, pkt *protocol.Packet) bool {
	w := t.remove(seq)
	if w == nil {
		return false
	}
	w.ch <- result{pkt: pkt}
	return true
}

// fail rejects the request registered under seq.
func (t *pendingTable) fail(seq string, err error) bool {
	w := t.remove(seq)
	if w == nil {
		return false
	}
	w.ch <- result{err: err}
	return true
}

// failAll rejects every pending request, used when the connection drops.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = make(map[string]*waiter)
	t.mu.Unlock()

	for _, w := range waiters {
		w.timer.Stop()
		w.ch <- result{err: err}
	}
}

func (t *pendingTable) remove(seq string) *waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.waiters[seq]
	if !ok {
		return nil
	}
	delete(t.waiters, seq)
	w.timer.Stop()
	return w
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
