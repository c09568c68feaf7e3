package datasync

import (
	"bytes"
	"fmt"

	"github.com/iknow13/CloudNet-v3/internal/network/codec"
)

// SyncHandler is one registered kind of synchronized record. Build it with
// NewHandler.
type SyncHandler interface {
	Key() string

	collect(ser codec.Serializer) ([][]byte, error)
	apply(ser codec.Serializer, data []byte) (bool, error)
	name(ser codec.Serializer, data []byte) string
}

// HandlerFuncs are the callbacks of a Handler.
type HandlerFuncs[T any] struct {
	// Name identifies a record within its key, for logging.
	Name func(T) string

	// Write stores a record received from a peer. It must not broadcast.
	Write func(T) error

	// Collect returns every local record for a full sync.
	Collect func() []T

	// Current returns the local record with the same identity, if any.
	// Records equal to the current one are not written again.
	Current func(T) (T, bool)
}

// Handler adapts typed callbacks to SyncHandler. Records are converted from
// payloads with the registry's serializer.
type Handler[T any] struct {
	key string
	fns HandlerFuncs[T]
}

// NewHandler creates a handler for records of type T stored under key.
func NewHandler[T any](key string, fns HandlerFuncs[T]) *Handler[T] {
	return &Handler[T]{key: key, fns: fns}
}

// Key implements SyncHandler.
func (h *Handler[T]) Key() string {
	return h.key
}

func (h *Handler[T]) collect(ser codec.Serializer) ([][]byte, error) {
	if h.fns.Collect == nil {
		return nil, nil
	}
	records := h.fns.Collect()
	out := make([][]byte, 0, len(records))
	for _, rec := range records {
		data, err := ser.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("serialize %s record: %w", h.key, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// apply writes data unless it matches the current record. It reports
// whether the writer ran.
func (h *Handler[T]) apply(ser codec.Serializer, data []byte) (bool, error) {
	rec, err := h.convert(ser, data)
	if err != nil {
		return false, err
	}

	if h.fns.Current != nil {
		if cur, ok := h.fns.Current(rec); ok {
			if curData, err := ser.Marshal(cur); err == nil && bytes.Equal(curData, data) {
				return false, nil
			}
		}
	}

	if h.fns.Write == nil {
		return false, nil
	}
	if err := h.fns.Write(rec); err != nil {
		return false, fmt.Errorf("write %s record: %w", h.key, err)
	}
	return true, nil
}

func (h *Handler[T]) name(ser codec.Serializer, data []byte) string {
	if h.fns.Name == nil {
		return ""
	}
	rec, err := h.convert(ser, data)
	if err != nil {
		return ""
	}
	return h.fns.Name(rec)
}

func (h *Handler[T]) convert(ser codec.Serializer, data []byte) (T, error) {
	var rec T
	if err := ser.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode %s record: %w", h.key, err)
	}
	return rec, nil
}
