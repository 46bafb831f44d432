package plugin

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Timer is the timer capability. Callbacks run on their own goroutines and
// every pending timer is cancelled when the owning bundle is closed.
type Timer struct {
	plugin string
	audit  *slog.Logger

	mu     sync.Mutex
	nextID int
	active map[int]func()
	closed bool
}

func newTimer(plugin string, audit *slog.Logger) *Timer {
	return &Timer{plugin: plugin, audit: audit, active: make(map[int]func())}
}

// SetTimeout runs fn once after d and returns an id for ClearTimeout. It
// returns 0 once the timer capability has been closed.
func (t *Timer) SetTimeout(d time.Duration, fn func()) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0
	}
	t.nextID++
	id := t.nextID
	timer := time.AfterFunc(d, func() {
		t.mu.Lock()
		_, live := t.active[id]
		delete(t.active, id)
		t.mu.Unlock()
		if live {
			fn()
		}
	})
	t.active[id] = func() { timer.Stop() }
	t.record("setTimeout", id, d)
	return id
}

// ClearTimeout cancels a pending timeout. Unknown ids are ignored.
func (t *Timer) ClearTimeout(id int) {
	t.clear("clearTimeout", id)
}

// SetInterval runs fn every d until cleared and returns its id.
func (t *Timer) SetInterval(d time.Duration, fn func()) int {
	if d <= 0 {
		d = time.Millisecond
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0
	}
	t.nextID++
	id := t.nextID
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	var once sync.Once
	t.active[id] = func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
	t.record("setInterval", id, d)
	return id
}

// ClearInterval stops an interval. Unknown ids are ignored.
func (t *Timer) ClearInterval(id int) {
	t.clear("clearInterval", id)
}

// Pending returns the number of live timers.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Close cancels every pending timer.
func (t *Timer) Close() {
	t.mu.Lock()
	cancels := make([]func(), 0, len(t.active))
	for id, cancel := range t.active {
		cancels = append(cancels, cancel)
		delete(t.active, id)
	}
	t.closed = true
	t.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (t *Timer) clear(op string, id int) {
	t.mu.Lock()
	cancel, ok := t.active[id]
	delete(t.active, id)
	t.mu.Unlock()
	if ok {
		cancel()
		t.record(op, id, 0)
	}
}

func (t *Timer) record(op string, id int, d time.Duration) {
	t.audit.LogAttrs(context.Background(), slog.LevelInfo, "capability invoked",
		slog.String("plugin", t.plugin),
		slog.String("capability", "timer"),
		slog.String("op", op),
		slog.Int("id", id),
		slog.Duration("delay", d),
	)
}
