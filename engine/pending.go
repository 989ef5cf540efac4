package engine

import (
	"context"
	"strconv"
	"sync"
	"time"
)

var (
	nonceMu   sync.Mutex
	lastNonce int64
)

// Nonce returns a monotonically increasing request id derived from the
// current time in milliseconds. Two calls never return the same value.
func Nonce() string {
	nonceMu.Lock()
	defer nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= lastNonce {
		n = lastNonce + 1
	}
	lastNonce = n
	return strconv.FormatInt(n, 10)
}

type pendingOp struct {
	result chan error
}

// pendingRegistry bridges push-style acknowledgement delivery to pull-style
// waits. Each operation resolves at most once: resolve removes the slot
// under the lock, so duplicate or late acknowledgements find nothing.
type pendingRegistry struct {
	mu  sync.Mutex
	ops map[string]*pendingOp
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{ops: make(map[string]*pendingOp)}
}

func (r *pendingRegistry) register(requestID string) *pendingOp {
	op := &pendingOp{result: make(chan error, 1)}
	r.mu.Lock()
	r.ops[requestID] = op
	r.mu.Unlock()
	return op
}

// resolve completes a pending operation. Returns false when no operation is
// waiting under that id (already resolved, timed out, or never registered).
func (r *pendingRegistry) resolve(requestID string, err error) bool {
	r.mu.Lock()
	op, ok := r.ops[requestID]
	if ok {
		delete(r.ops, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	op.result <- err
	return true
}

// wait blocks until the operation resolves, the timeout elapses, or ctx is
// done. On timeout or cancellation the slot is removed so a late
// acknowledgement is a no-op.
func (r *pendingRegistry) wait(ctx context.Context, requestID string, op *pendingOp, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-op.result:
		return err
	case <-timer.C:
		r.drop(requestID)
		return ErrTimeout
	case <-ctx.Done():
		r.drop(requestID)
		return ctx.Err()
	}
}

func (r *pendingRegistry) drop(requestID string) {
	r.mu.Lock()
	delete(r.ops, requestID)
	r.mu.Unlock()
}

// failAll resolves every outstanding operation with err. Used on shutdown.
func (r *pendingRegistry) failAll(err error) {
	r.mu.Lock()
	ops := r.ops
	r.ops = make(map[string]*pendingOp)
	r.mu.Unlock()
	for _, op := range ops {
		op.result <- err
	}
}
