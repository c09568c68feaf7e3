package chanmsg

import (
	"fmt"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/network/codec"
)

// TargetType selects the receivers of a message.
type TargetType int32

const (
	// TargetAll addresses every connected node.
	TargetAll TargetType = iota
	// TargetNode addresses one node by unique id.
	TargetNode
)

func (t TargetType) String() string {
	switch t {
	case TargetAll:
		return "all"
	case TargetNode:
		return "node"
	default:
		return fmt.Sprintf("TargetType(%d)", int32(t))
	}
}

// Target is one receiver selector. Name is the node id for TargetNode.
type Target struct {
	Type TargetType
	Name string
}

// AllNodes returns the target addressing every connected node.
func AllNodes() Target {
	return Target{Type: TargetAll}
}

// Node returns the target addressing the node with the given id.
func Node(id string) Target {
	return Target{Type: TargetNode, Name: id}
}

// Message is a best-effort notification between nodes. Channel groups
// messages of one feature, Message names the action within it.
type Message struct {
	Sender  string
	Channel string
	Message string
	Payload []byte
	Targets []Target
}

func (m *Message) encode() []byte {
	buf := codec.NewBuffer(nil).
		WriteString(m.Sender).
		WriteString(m.Channel).
		WriteString(m.Message).
		WriteVarInt(int32(len(m.Targets)))
	for _, t := range m.Targets {
		buf.WriteVarInt(int32(t.Type)).WriteString(t.Name)
	}
	buf.WriteBytes(m.Payload)
	return buf.Bytes()
}

func decodeMessage(payload []byte) (*Message, error) {
	buf := codec.WrapBuffer(payload, nil)
	m := &Message{}

	var err error
	if m.Sender, err = buf.ReadString(); err != nil {
		return nil, err
	}
	if m.Channel, err = buf.ReadString(); err != nil {
		return nil, err
	}
	if m.Message, err = buf.ReadString(); err != nil {
		return nil, err
	}

	n, err := buf.ReadVarInt()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) > buf.Len() {
		return nil, domain.ErrMalformedFrame.WithDetailsf("target count %d out of range", n)
	}
	m.Targets = make([]Target, n)
	for i := range m.Targets {
		typ, err := buf.ReadVarInt()
		if err != nil {
			return nil, err
		}
		name, err := buf.ReadString()
		if err != nil {
			return nil, err
		}
		m.Targets[i] = Target{Type: TargetType(typ), Name: name}
	}

	if m.Payload, err = buf.ReadBytes(); err != nil {
		return nil, err
	}
	return m, nil
}
