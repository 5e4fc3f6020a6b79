package offline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/beeker1121/goque"
)

// TriggerQueue is the durable list of sync categories waiting for replay.
// It survives restarts, so a category registered before a crash is replayed
// once the worker is back online.
type TriggerQueue struct {
	mu     sync.Mutex
	q      *goque.Queue
	signal chan struct{}
}

// OpenTriggerQueue opens or creates the queue in dir.
func OpenTriggerQueue(dir string) (*TriggerQueue, error) {
	q, err := goque.OpenQueue(dir)
	if err != nil {
		return nil, fmt.Errorf("open trigger queue %s: %w", dir, err)
	}
	t := &TriggerQueue{q: q, signal: make(chan struct{}, 1)}
	if q.Length() > 0 {
		t.notify()
	}
	return t, nil
}

// Register queues category for replay and wakes the replay loop.
func (t *TriggerQueue) Register(category string) error {
	if err := t.requeue(category); err != nil {
		return err
	}
	t.notify()
	return nil
}

// requeue queues category without waking the replay loop.
func (t *TriggerQueue) requeue(category string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.q.EnqueueString(category); err != nil {
		return fmt.Errorf("register %s: %w", category, err)
	}
	return nil
}

func (t *TriggerQueue) notify() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Signal fires after Register.
func (t *TriggerQueue) Signal() <-chan struct{} { return t.signal }

// Drain removes every queued registration and returns the distinct
// categories in first-registered order.
func (t *TriggerQueue) Drain() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for {
		item, err := t.q.Dequeue()
		if errors.Is(err, goque.ErrEmpty) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("drain trigger queue: %w", err)
		}
		category := item.ToString()
		if !seen[category] {
			seen[category] = true
			out = append(out, category)
		}
	}
}

// Pending returns the number of queued registrations, duplicates included.
func (t *TriggerQueue) Pending() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.q.Length()
}

// Close closes the underlying database.
func (t *TriggerQueue) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.q.Close()
}
