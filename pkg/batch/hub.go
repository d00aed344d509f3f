package batch

import (
	"sync"
)

// Subscription receives a job's events on C until the terminal event or
// Unsubscribe, after which C is closed.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	jobID string
	once  sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// hub fans events out to subscribers. Sends never block: a subscriber too
// slow to drain its buffer loses progress events, never the terminal one.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *hub) subscribe(jobID string, buffer int) *Subscription {
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, jobID: jobID}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscription]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	return sub
}

func (h *hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[sub.jobID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.jobID)
		}
	}
	sub.close()
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[ev.JobID]
	for sub := range subs {
		deliver(sub.ch, ev)
		if ev.Type == EventTerminal {
			sub.close()
		}
	}
	if ev.Type == EventTerminal {
		delete(h.subs, ev.JobID)
	}
}

func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	if ev.Type != EventTerminal {
		return
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

func (h *hub) count(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
