package network

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// PacketListener handles packets of one channel id.
type PacketListener interface {
	HandlePacket(ch Channel, p *Packet) error
}

// PacketListenerFunc adapts a function to PacketListener.
type PacketListenerFunc func(ch Channel, p *Packet) error

// HandlePacket implements PacketListener.
func (f PacketListenerFunc) HandlePacket(ch Channel, p *Packet) error {
	return f(ch, p)
}

// ListenerRegistry maps packet channel ids to ordered listener lists. A
// registry may have a parent; HandlePacket consults the registry itself
// first and then the parent chain.
type ListenerRegistry struct {
	parent *ListenerRegistry
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[int32][]PacketListener
	inline    map[int32][]PacketListener
}

// NewListenerRegistry creates a registry. parent may be nil.
func NewListenerRegistry(parent *ListenerRegistry, logger *slog.Logger) *ListenerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListenerRegistry{
		parent:    parent,
		logger:    logger,
		listeners: make(map[int32][]PacketListener),
		inline:    make(map[int32][]PacketListener),
	}
}

// Parent returns the registry consulted after this one.
func (r *ListenerRegistry) Parent() *ListenerRegistry {
	return r.parent
}

// AddListener appends listeners for channelID. Registering the same
// listener twice makes it run twice.
func (r *ListenerRegistry) AddListener(channelID int32, listeners ...PacketListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := slices.Clone(r.listeners[channelID])
	r.listeners[channelID] = append(list, listeners...)
}

// AddInlineListener registers listeners that run on the channel's read
// goroutine before dispatch. A packet taken by an inline listener never
// reaches the regular listeners. Inline listeners must not block.
func (r *ListenerRegistry) AddInlineListener(channelID int32, listeners ...PacketListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := slices.Clone(r.inline[channelID])
	r.inline[channelID] = append(list, listeners...)
}

// HandleInline runs the inline listeners for the packet's channel id, here
// and in the parent chain, and reports whether any ran.
func (r *ListenerRegistry) HandleInline(ch Channel, p *Packet) bool {
	handled := false
	for reg := r; reg != nil; reg = reg.parent {
		reg.mu.RLock()
		list := reg.inline[p.Channel()]
		reg.mu.RUnlock()

		for _, l := range list {
			handled = true
			if err := reg.invoke(l, ch, p); err != nil {
				reg.logger.Warn("inline packet listener failed",
					"channel_id", p.Channel(),
					"remote", ch.ClientAddress().String(),
					"error", err)
			}
		}
	}
	return handled
}

// RemoveListener removes every registration of listener for channelID.
// Listeners are compared with ==, so func adapters cannot be removed this
// way; use RemoveListeners for them.
func (r *ListenerRegistry) RemoveListener(channelID int32, listener PacketListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := slices.DeleteFunc(slices.Clone(r.listeners[channelID]), func(l PacketListener) bool {
		return comparableListener(l) && l == listener
	})
	if len(list) == 0 {
		delete(r.listeners, channelID)
		return
	}
	r.listeners[channelID] = list
}

// RemoveListeners removes all listeners of channelID.
func (r *ListenerRegistry) RemoveListeners(channelID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, channelID)
	delete(r.inline, channelID)
}

// HasListeners reports whether this registry (not its parent) has listeners
// for channelID.
func (r *ListenerRegistry) HasListeners(channelID int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[channelID]) > 0 || len(r.inline[channelID]) > 0
}

// Channels returns the channel ids with at least one listener.
func (r *ListenerRegistry) Channels() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int32, 0, len(r.listeners)+len(r.inline))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	for id := range r.inline {
		if _, ok := r.listeners[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// HandlePacket runs every listener registered for the packet's channel id,
// here and in the parent chain. It returns the number of listeners that ran.
// A failing or panicking listener is logged and does not stop the others.
func (r *ListenerRegistry) HandlePacket(ch Channel, p *Packet) int {
	handled := 0
	for reg := r; reg != nil; reg = reg.parent {
		reg.mu.RLock()
		list := reg.listeners[p.Channel()]
		reg.mu.RUnlock()

		for _, l := range list {
			handled++
			if err := reg.invoke(l, ch, p); err != nil {
				reg.logger.Warn("packet listener failed",
					"channel_id", p.Channel(),
					"remote", ch.ClientAddress().String(),
					"error", err)
			}
		}
	}
	return handled
}

func (r *ListenerRegistry) invoke(l PacketListener, ch Channel, p *Packet) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panicked: %v", rec)
		}
	}()
	return l.HandlePacket(ch, p)
}

func comparableListener(l PacketListener) bool {
	switch l.(type) {
	case PacketListenerFunc:
		return false
	default:
		return true
	}
}
