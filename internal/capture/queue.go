package capture

import "time"

// eventQueue hands events from a backend's OS delivery thread to the
// driver's wait loop. Bounded; when the consumer lags, the oldest pending
// event is dropped so the newest surface always wins. Single producer,
// single consumer.
type eventQueue struct {
	ch      chan Event
	closed  chan struct{}
	dropped uint64
}

func newEventQueue(depth int) *eventQueue {
	if depth < 2 {
		depth = 2
	}
	return &eventQueue{
		ch:     make(chan Event, depth),
		closed: make(chan struct{}),
	}
}

// push enqueues without blocking the OS thread. A full queue evicts the
// oldest event; evicted surfaces are released immediately so backend
// buffers recycle even when the consumer stalls.
func (q *eventQueue) push(ev Event) {
	for {
		select {
		case <-q.closed:
			if ev.Surface != nil {
				ev.Surface.Release()
			}
			return
		case q.ch <- ev:
			return
		default:
		}
		select {
		case old := <-q.ch:
			q.dropped++
			if old.Surface != nil {
				old.Surface.Release()
			}
		default:
		}
	}
}

// wait blocks up to timeout for the next event. ok is false on timeout or
// after close.
func (q *eventQueue) wait(timeout time.Duration) (Event, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-q.ch:
		return ev, true
	case <-q.closed:
		return Event{}, false
	case <-timer.C:
		return Event{}, false
	}
}

// close wakes the consumer and releases any pending surfaces.
func (q *eventQueue) close() {
	select {
	case <-q.closed:
		return
	default:
	}
	close(q.closed)
	for {
		select {
		case ev := <-q.ch:
			if ev.Surface != nil {
				ev.Surface.Release()
			}
		default:
			return
		}
	}
}
