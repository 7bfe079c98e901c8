package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Message is one rendered outbound message.
//
// Routing carries the assignment's optional routing parameter; channel
// implementations are free to ignore it.
type Message struct {
	To       string
	Text     string
	ImageRef string
	Routing  string
}

// Channel is an outbound delivery surface capable of sending one message to
// one address. Implementations own their own transport timeouts; the engine
// only relies on Send returning.
type Channel interface {
	ID() string
	Send(ctx context.Context, msg Message) error
	Ping(ctx context.Context) error
}

// SendError is the typed failure a channel reports for one recipient.
type SendError struct {
	ChannelID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("channel %s: send failed: %v", e.ChannelID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Registry holds the channels configured for this process and answers
// assignment-validation queries.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: map[string]Channel{}}
}

func (r *Registry) Add(ch Channel) error {
	if ch == nil || ch.ID() == "" {
		return fmt.Errorf("channel must have an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[ch.ID()]; ok {
		return fmt.Errorf("duplicate channel id %q", ch.ID())
	}
	r.channels[ch.ID()] = ch
	return nil
}

func (r *Registry) Get(id string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Valid reports whether the identifier names a configured channel.
func (r *Registry) Valid(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
