package jobboard

import (
	"context"
	"sync"
	"time"
)

// Notifier wakes local waiters when jobs are posted or released.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewNotifier creates a notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

// Notify wakes every current waiter.
func (n *Notifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

// C returns a channel closed on the next Notify.
func (n *Notifier) C() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

// WaitFor blocks until probe reports available work, timeout elapses or ctx
// is done. Between probes it sleeps until notified or until poll elapses, so
// jobs posted by other processes are still picked up.
func WaitFor(ctx context.Context, timeout, poll time.Duration, n *Notifier, probe func(context.Context) (bool, error)) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		wake := n.C()
		ok, err := probe(ctx)
		if err != nil || ok {
			return ok, err
		}

		tick := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			tick.Stop()
			return false, ctx.Err()
		case <-deadline.C:
			tick.Stop()
			return false, nil
		case <-wake:
		case <-tick.C:
		}
		tick.Stop()
	}
}
