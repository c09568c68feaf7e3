package datasync

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/network"
	"github.com/iknow13/CloudNet-v3/internal/network/codec"
)

// Peers yields the channels of every connected node.
type Peers interface {
	Channels() []network.Channel
}

// Metrics receives data sync counters.
type Metrics interface {
	SyncApplied(key string, records int)
	SyncUnknownKey(key string)
	SyncBroadcast(key string, peers int)
}

type nopMetrics struct{}

func (nopMetrics) SyncApplied(string, int)   {}
func (nopMetrics) SyncUnknownKey(string)     {}
func (nopMetrics) SyncBroadcast(string, int) {}

// Options configures a Registry.
type Options struct {
	Serializer codec.Serializer
	Peers      Peers
	Logger     *slog.Logger
	Metrics    Metrics
}

// Registry holds the sync handlers of a node and moves their records
// between nodes: a full sync when a peer connects and single-record deltas
// when a record changes locally.
type Registry struct {
	ser     codec.Serializer
	peers   Peers
	logger  *slog.Logger
	metrics Metrics

	mu       sync.RWMutex
	handlers map[string]SyncHandler
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Serializer == nil {
		opts.Serializer = codec.DefaultSerializer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Registry{
		ser:      opts.Serializer,
		peers:    opts.Peers,
		logger:   opts.Logger.With("component", "datasync"),
		metrics:  opts.Metrics,
		handlers: make(map[string]SyncHandler),
	}
}

// RegisterHandler adds h, replacing any handler with the same key.
func (r *Registry) RegisterHandler(h SyncHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Key()] = h
}

// Unregister removes the handler of key.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key)
}

// Handler returns the handler of key.
func (r *Registry) Handler(key string) (SyncHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Bind registers the full sync and delta listeners on reg.
func (r *Registry) Bind(reg *network.ListenerRegistry) {
	reg.AddListener(network.ChannelSyncFull, network.PacketListenerFunc(func(_ network.Channel, p *network.Packet) error {
		return r.ApplyFullSync(p.Payload())
	}))
	reg.AddListener(network.ChannelSyncDelta, network.PacketListenerFunc(func(_ network.Channel, p *network.Packet) error {
		return r.applyDelta(p.Payload())
	}))
}

// PrepareFullSync serializes the records of every handler:
//
//	[varint handlers]([string key][varint records][bytes record]...)...
func (r *Registry) PrepareFullSync() ([]byte, error) {
	r.mu.RLock()
	handlers := make([]SyncHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()
	slices.SortFunc(handlers, func(a, b SyncHandler) int {
		return cmp.Compare(a.Key(), b.Key())
	})

	buf := codec.NewBuffer(r.ser).WriteVarInt(int32(len(handlers)))
	for _, h := range handlers {
		records, err := h.collect(r.ser)
		if err != nil {
			return nil, err
		}
		buf.WriteString(h.Key()).WriteVarInt(int32(len(records)))
		for _, rec := range records {
			buf.WriteBytes(rec)
		}
	}
	return buf.Bytes(), nil
}

// SendFullSync sends every local record to ch.
func (r *Registry) SendFullSync(ch network.Channel) error {
	payload, err := r.PrepareFullSync()
	if err != nil {
		return err
	}
	ch.SendPacket(network.NewPacket(network.ChannelSyncFull, payload))
	return nil
}

// ApplyFullSync writes every record of payload that differs from the local
// one. Records of unknown keys are logged and skipped.
func (r *Registry) ApplyFullSync(payload []byte) error {
	buf := codec.WrapBuffer(payload, r.ser)
	groups, err := buf.ReadVarInt()
	if err != nil {
		return err
	}
	if groups < 0 {
		return domain.ErrMalformedFrame.WithDetailsf("negative group count %d", groups)
	}

	for i := int32(0); i < groups; i++ {
		key, err := buf.ReadString()
		if err != nil {
			return err
		}
		n, err := buf.ReadVarInt()
		if err != nil {
			return err
		}
		if n < 0 {
			return domain.ErrMalformedFrame.WithDetailsf("negative record count %d", n)
		}

		h, known := r.Handler(key)
		if !known {
			r.unknownKey(key)
		}
		applied := 0
		for j := int32(0); j < n; j++ {
			data, err := buf.ReadBytes()
			if err != nil {
				return err
			}
			if !known {
				continue
			}
			if r.applyRecord(h, data) {
				applied++
			}
		}
		if known {
			r.metrics.SyncApplied(key, applied)
			r.logger.Debug("applied full sync", "key", key, "records", n, "written", applied)
		}
	}
	return nil
}

// Broadcast sends record as a delta to every connected node. Receivers
// write it through their handler and do not forward it.
func (r *Registry) Broadcast(key string, record any) error {
	payload, err := r.encodeDelta(key, record)
	if err != nil {
		return err
	}
	channels := r.channels()
	for _, ch := range channels {
		ch.SendPacket(network.NewPacket(network.ChannelSyncDelta, payload))
	}
	r.metrics.SyncBroadcast(key, len(channels))
	return nil
}

// BroadcastSync is Broadcast that waits until the delta was written to
// every connected node.
func (r *Registry) BroadcastSync(ctx context.Context, key string, record any) error {
	payload, err := r.encodeDelta(key, record)
	if err != nil {
		return err
	}

	channels := r.channels()
	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		g.Go(func() error {
			return ch.SendPacketSync(ctx, network.NewPacket(network.ChannelSyncDelta, payload))
		})
	}
	r.metrics.SyncBroadcast(key, len(channels))
	return g.Wait()
}

func (r *Registry) encodeDelta(key string, record any) ([]byte, error) {
	buf := codec.NewBuffer(r.ser).WriteString(key)
	if err := buf.WriteObject(record); err != nil {
		return nil, fmt.Errorf("serialize %s delta: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (r *Registry) applyDelta(payload []byte) error {
	buf := codec.WrapBuffer(payload, r.ser)
	key, err := buf.ReadString()
	if err != nil {
		return err
	}
	data, err := buf.ReadBytes()
	if err != nil {
		return err
	}

	h, ok := r.Handler(key)
	if !ok {
		r.unknownKey(key)
		return nil
	}
	applied := 0
	if r.applyRecord(h, data) {
		applied = 1
	}
	r.metrics.SyncApplied(key, applied)
	return nil
}

func (r *Registry) applyRecord(h SyncHandler, data []byte) bool {
	written, err := h.apply(r.ser, data)
	if err != nil {
		r.logger.Warn("failed to apply synced record",
			"key", h.Key(), "name", h.name(r.ser, data), "error", err)
		return false
	}
	return written
}

func (r *Registry) unknownKey(key string) {
	r.metrics.SyncUnknownKey(key)
	r.logger.Warn("dropping data sync entry",
		"key", key, "error", domain.ErrUnknownSyncKey.WithDetails(key))
}

func (r *Registry) channels() []network.Channel {
	if r.peers == nil {
		return nil
	}
	return r.peers.Channels()
}
