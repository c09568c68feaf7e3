package rpc

import (
	"fmt"
	"strings"

	"github.com/iknow13/CloudNet-v3/internal/network/codec"
)

// Invocation describes one remote method call.
type Invocation struct {
	Contract string
	Method   string

	// Shape is the ordered list of argument type names. Together with
	// Contract and Method it selects the handler.
	Shape []string

	// Args holds the serialized arguments in Shape order.
	Args [][]byte

	ExpectsResult bool
}

func (inv *Invocation) String() string {
	return fmt.Sprintf("%s#%s(%s)", inv.Contract, inv.Method, strings.Join(inv.Shape, ", "))
}

func (inv *Invocation) encode() []byte {
	buf := codec.NewBuffer(nil).
		WriteString(inv.Contract).
		WriteString(inv.Method).
		WriteVarInt(int32(len(inv.Shape)))
	for _, s := range inv.Shape {
		buf.WriteString(s)
	}
	buf.WriteVarInt(int32(len(inv.Args)))
	for _, a := range inv.Args {
		buf.WriteBytes(a)
	}
	buf.WriteBool(inv.ExpectsResult)
	return buf.Bytes()
}

func decodeInvocation(payload []byte) (*Invocation, error) {
	buf := codec.WrapBuffer(payload, nil)
	inv := &Invocation{}

	var err error
	if inv.Contract, err = buf.ReadString(); err != nil {
		return nil, err
	}
	if inv.Method, err = buf.ReadString(); err != nil {
		return nil, err
	}

	n, err := readCount(buf)
	if err != nil {
		return nil, err
	}
	inv.Shape = make([]string, n)
	for i := range inv.Shape {
		if inv.Shape[i], err = buf.ReadString(); err != nil {
			return nil, err
		}
	}

	if n, err = readCount(buf); err != nil {
		return nil, err
	}
	inv.Args = make([][]byte, n)
	for i := range inv.Args {
		if inv.Args[i], err = buf.ReadBytes(); err != nil {
			return nil, err
		}
	}

	if inv.ExpectsResult, err = buf.ReadBool(); err != nil {
		return nil, err
	}
	return inv, nil
}

func readCount(buf *codec.Buffer) (int, error) {
	n, err := buf.ReadVarInt()
	if err != nil {
		return 0, err
	}
	if n < 0 || int(n) > len(buf.Remaining()) {
		return 0, errMalformed("element count %d out of range", n)
	}
	return int(n), nil
}

// response is the body of a ChannelRPCResponse packet:
//
//	[bool failed][bytes result]            on success
//	[bool failed][string kind][string msg] on failure
type response struct {
	result  []byte
	failed  bool
	kind    string
	message string
}

func (r *response) encode() []byte {
	buf := codec.NewBuffer(nil).WriteBool(r.failed)
	if r.failed {
		buf.WriteString(r.kind).WriteString(r.message)
	} else {
		buf.WriteBytes(r.result)
	}
	return buf.Bytes()
}

func decodeResponse(payload []byte) (*response, error) {
	buf := codec.WrapBuffer(payload, nil)
	r := &response{}

	var err error
	if r.failed, err = buf.ReadBool(); err != nil {
		return nil, err
	}
	if !r.failed {
		r.result, err = buf.ReadBytes()
		return r, err
	}
	if r.kind, err = buf.ReadString(); err != nil {
		return nil, err
	}
	if r.message, err = buf.ReadString(); err != nil {
		return nil, err
	}
	return r, nil
}
