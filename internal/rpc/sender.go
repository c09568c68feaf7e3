package rpc

import (
	"context"
	"fmt"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/network"
)

// Argument is one typed invocation argument; build it with Arg.
type Argument struct {
	typ   string
	value any
}

// Arg captures v together with its static type name, which must match the
// type the remote handler was registered with.
func Arg[T any](v T) Argument {
	return Argument{typ: TypeName[T](), value: v}
}

// Sender builds invocations of one contract.
type Sender struct {
	engine   *Engine
	contract string
}

// NewSender returns a sender for contract whose calls are correlated by e.
func NewSender(e *Engine, contract string) *Sender {
	return &Sender{engine: e, contract: contract}
}

// Contract returns the contract name.
func (s *Sender) Contract() string {
	return s.contract
}

// Invoke prepares a call of method. Serialization errors surface when the
// call is fired.
func (s *Sender) Invoke(method string, args ...Argument) *Call {
	c := &Call{
		engine: s.engine,
		inv: Invocation{
			Contract: s.contract,
			Method:   method,
			Shape:    make([]string, len(args)),
			Args:     make([][]byte, len(args)),
		},
	}
	ser := s.engine.handlers.Serializer()
	for i, a := range args {
		data, err := ser.Marshal(a.value)
		if err != nil {
			c.err = fmt.Errorf("encode argument %d of %s#%s: %w", i, s.contract, method, err)
			return c
		}
		c.inv.Shape[i] = a.typ
		c.inv.Args[i] = data
	}
	return c
}

// Call is a prepared invocation. A Call may be fired more than once.
type Call struct {
	engine *Engine
	inv    Invocation
	err    error
}

// Invocation returns a copy of the call's description.
func (c *Call) Invocation() Invocation {
	return c.inv
}

// FireAndForget sends the call without waiting. Remote failures are only
// logged by the receiver.
func (c *Call) FireAndForget(ch network.Channel) error {
	if c.err != nil {
		return c.err
	}
	if !ch.Active() {
		return domain.ErrChannelClosed
	}
	inv := c.inv
	inv.ExpectsResult = false
	ch.SendPacket(network.NewPacket(network.ChannelRPCRequest, inv.encode()))
	return nil
}

// FireSyncRaw sends the call and waits for the serialized result. The wait
// ends with the response, ErrRPCTimeout, ErrChannelClosed or ctx.
func (c *Call) FireSyncRaw(ctx context.Context, ch network.Channel) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	inv := c.inv
	inv.ExpectsResult = true
	return c.engine.fireSync(ctx, ch, &inv)
}

// FireSync sends the call and decodes the result into R. An empty result
// yields the zero value.
func FireSync[R any](ctx context.Context, c *Call, ch network.Channel) (R, error) {
	var out R
	data, err := c.FireSyncRaw(ctx, ch)
	if err != nil || len(data) == 0 {
		return out, err
	}
	if err := c.engine.handlers.Serializer().Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode result of %s#%s: %w", c.inv.Contract, c.inv.Method, err)
	}
	return out, nil
}
