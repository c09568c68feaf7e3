package rpc

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/iknow13/CloudNet-v3/internal/network"
	"github.com/iknow13/CloudNet-v3/internal/network/codec"
)

// HandlerFunc executes one invocation. args are the serialized arguments in
// shape order; the returned bytes are sent back as the result.
type HandlerFunc func(ctx context.Context, args [][]byte) ([]byte, error)

type handlerKey struct {
	contract string
	method   string
	shape    string
}

func keyOf(contract, method string, shape []string) handlerKey {
	return handlerKey{contract: contract, method: method, shape: strings.Join(shape, ",")}
}

// HandlerRegistry maps (contract, method, argument shape) to handlers.
// Overloads with different shapes coexist.
type HandlerRegistry struct {
	ser codec.Serializer

	mu       sync.RWMutex
	handlers map[handlerKey]HandlerFunc
}

// NewHandlerRegistry creates an empty registry. Typed helpers decode
// arguments and encode results with ser (JSON if nil).
func NewHandlerRegistry(ser codec.Serializer) *HandlerRegistry {
	if ser == nil {
		ser = codec.DefaultSerializer
	}
	return &HandlerRegistry{
		ser:      ser,
		handlers: make(map[handlerKey]HandlerFunc),
	}
}

// Serializer returns the serializer used by the typed helpers.
func (r *HandlerRegistry) Serializer() codec.Serializer {
	return r.ser
}

// Register binds fn. A later registration with the same key replaces it.
func (r *HandlerRegistry) Register(contract, method string, shape []string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[keyOf(contract, method, shape)] = fn
}

// Unregister removes one binding.
func (r *HandlerRegistry) Unregister(contract, method string, shape []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, keyOf(contract, method, shape))
}

// UnregisterContract removes every method of contract.
func (r *HandlerRegistry) UnregisterContract(contract string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.handlers {
		if k.contract == contract {
			delete(r.handlers, k)
		}
	}
}

// Lookup returns the handler for an invocation.
func (r *HandlerRegistry) Lookup(contract, method string, shape []string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[keyOf(contract, method, shape)]
	return fn, ok
}

// Methods lists the registered methods of contract as "method(shape)".
func (r *HandlerRegistry) Methods(contract string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.handlers {
		if k.contract == contract {
			out = append(out, k.method+"("+k.shape+")")
		}
	}
	slices.Sort(out)
	return out
}

// TypeName returns the shape entry for T. It is computed from the static
// type, so interface and nil values are named correctly.
func TypeName[T any]() string {
	return strings.TrimPrefix(fmt.Sprintf("%T", (*T)(nil)), "*")
}

type channelKey struct{}

// WithChannel returns a context carrying the channel an invocation arrived on.
func WithChannel(ctx context.Context, ch network.Channel) context.Context {
	return context.WithValue(ctx, channelKey{}, ch)
}

// ChannelFrom returns the channel an invocation arrived on.
func ChannelFrom(ctx context.Context) (network.Channel, bool) {
	ch, ok := ctx.Value(channelKey{}).(network.Channel)
	return ch, ok
}

func decodeArg[A any](ser codec.Serializer, data []byte) (A, error) {
	var a A
	if err := ser.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("decode argument %s: %w", TypeName[A](), err)
	}
	return a, nil
}

func encodeResult[R any](ser codec.Serializer, v R, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return ser.Marshal(v)
}

func checkArity(args [][]byte, n int) error {
	if len(args) != n {
		return errMalformed("expected %d arguments, got %d", n, len(args))
	}
	return nil
}

// Register0 binds a method without arguments.
func Register0[R any](r *HandlerRegistry, contract, method string, fn func(ctx context.Context) (R, error)) {
	r.Register(contract, method, nil, func(ctx context.Context, args [][]byte) ([]byte, error) {
		if err := checkArity(args, 0); err != nil {
			return nil, err
		}
		v, err := fn(ctx)
		return encodeResult(r.ser, v, err)
	})
}

// Register1 binds a method with one argument.
func Register1[A, R any](r *HandlerRegistry, contract, method string, fn func(ctx context.Context, a A) (R, error)) {
	shape := []string{TypeName[A]()}
	r.Register(contract, method, shape, func(ctx context.Context, args [][]byte) ([]byte, error) {
		if err := checkArity(args, 1); err != nil {
			return nil, err
		}
		a, err := decodeArg[A](r.ser, args[0])
		if err != nil {
			return nil, err
		}
		v, err := fn(ctx, a)
		return encodeResult(r.ser, v, err)
	})
}

// Register2 binds a method with two arguments.
func Register2[A, B, R any](r *HandlerRegistry, contract, method string, fn func(ctx context.Context, a A, b B) (R, error)) {
	shape := []string{TypeName[A](), TypeName[B]()}
	r.Register(contract, method, shape, func(ctx context.Context, args [][]byte) ([]byte, error) {
		if err := checkArity(args, 2); err != nil {
			return nil, err
		}
		a, err := decodeArg[A](r.ser, args[0])
		if err != nil {
			return nil, err
		}
		b, err := decodeArg[B](r.ser, args[1])
		if err != nil {
			return nil, err
		}
		v, err := fn(ctx, a, b)
		return encodeResult(r.ser, v, err)
	})
}

// Register3 binds a method with three arguments.
func Register3[A, B, C, R any](r *HandlerRegistry, contract, method string, fn func(ctx context.Context, a A, b B, c C) (R, error)) {
	shape := []string{TypeName[A](), TypeName[B](), TypeName[C]()}
	r.Register(contract, method, shape, func(ctx context.Context, args [][]byte) ([]byte, error) {
		if err := checkArity(args, 3); err != nil {
			return nil, err
		}
		a, err := decodeArg[A](r.ser, args[0])
		if err != nil {
			return nil, err
		}
		b, err := decodeArg[B](r.ser, args[1])
		if err != nil {
			return nil, err
		}
		c, err := decodeArg[C](r.ser, args[2])
		if err != nil {
			return nil, err
		}
		v, err := fn(ctx, a, b, c)
		return encodeResult(r.ser, v, err)
	})
}

// RegisterVoid0 binds a method without arguments or result.
func RegisterVoid0(r *HandlerRegistry, contract, method string, fn func(ctx context.Context) error) {
	r.Register(contract, method, nil, func(ctx context.Context, args [][]byte) ([]byte, error) {
		if err := checkArity(args, 0); err != nil {
			return nil, err
		}
		return nil, fn(ctx)
	})
}

// RegisterVoid1 binds a method with one argument and no result.
func RegisterVoid1[A any](r *HandlerRegistry, contract, method string, fn func(ctx context.Context, a A) error) {
	shape := []string{TypeName[A]()}
	r.Register(contract, method, shape, func(ctx context.Context, args [][]byte) ([]byte, error) {
		if err := checkArity(args, 1); err != nil {
			return nil, err
		}
		a, err := decodeArg[A](r.ser, args[0])
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, a)
	})
}

// RegisterVoid2 binds a method with two arguments and no result.
func RegisterVoid2[A, B any](r *HandlerRegistry, contract, method string, fn func(ctx context.Context, a A, b B) error) {
	shape := []string{TypeName[A](), TypeName[B]()}
	r.Register(contract, method, shape, func(ctx context.Context, args [][]byte) ([]byte, error) {
		if err := checkArity(args, 2); err != nil {
			return nil, err
		}
		a, err := decodeArg[A](r.ser, args[0])
		if err != nil {
			return nil, err
		}
		b, err := decodeArg[B](r.ser, args[1])
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, a, b)
	})
}
