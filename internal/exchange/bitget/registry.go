package bitget

import (
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"bitget-futures/internal/core"
)

// Message is one data push delivered to a channel handler.
type Message struct {
	Arg    core.ChannelID
	Action string
	Data   []json.RawMessage
}

// Handler runs on the stream's read goroutine and must not block.
type Handler func(Message)

// Registry is the desired subscription set. It survives reconnects and is replayed onto every new session.
type Registry struct {
	mu       sync.RWMutex
	max      int
	handlers map[core.ChannelID]Handler
}

func NewRegistry(max int) *Registry {
	if max < 1 {
		max = 50
	}
	return &Registry{
		max:      max,
		handlers: make(map[core.ChannelID]Handler),
	}
}

// Add binds handler to every channel. It fails without modifying the registry when
// the union of existing and new channels would exceed the limit. The returned slice
// lists the channels that were not registered before. undo drops those channels and
// rebinds every replaced channel to its previous handler.
func (r *Registry) Add(channels []core.ChannelID, handler Handler) (fresh []core.ChannelID, undo func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fresh = make([]core.ChannelID, 0, len(channels))
	prev := make(map[core.ChannelID]Handler, len(channels))
	seen := make(map[core.ChannelID]struct{}, len(channels))
	for _, ch := range channels {
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		if h, ok := r.handlers[ch]; ok {
			prev[ch] = h
		} else {
			fresh = append(fresh, ch)
		}
	}
	if len(r.handlers)+len(fresh) > r.max {
		return nil, nil, &CapacityError{Have: len(r.handlers), Requested: len(fresh), Max: r.max}
	}
	for ch := range seen {
		r.handlers[ch] = handler
	}
	undo = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, ch := range fresh {
			delete(r.handlers, ch)
		}
		for ch, h := range prev {
			r.handlers[ch] = h
		}
	}
	return fresh, undo, nil
}

func (r *Registry) Remove(channels []core.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		delete(r.handlers, ch)
	}
}

func (r *Registry) Lookup(ch core.ChannelID) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[ch]
	return h, ok
}

// Snapshot returns the registered channels in a stable order.
func (r *Registry) Snapshot() []core.ChannelID {
	r.mu.RLock()
	out := make([]core.ChannelID, 0, len(r.handlers))
	for ch := range r.handlers {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstType != out[j].InstType {
			return out[i].InstType < out[j].InstType
		}
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].InstID < out[j].InstID
	})
	if len(out) > r.max {
		out = out[:r.max]
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

func (r *Registry) Max() int { return r.max }
