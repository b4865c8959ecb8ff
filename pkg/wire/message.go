package wire

import (
	"encoding/hex"
	"fmt"
	"net/netip"
)

// MaxRelayDepth bounds relay-forward nesting during parsing. It may be
// adjusted at startup, before any packet is parsed.
var MaxRelayDepth = 32

// TransactionID is the 24-bit DHCPv6 transaction id.
type TransactionID [3]byte

func (t TransactionID) String() string {
	return hex.EncodeToString(t[:])
}

// Message is a complete DHCPv6 PDU: a client-server message, a relay
// message, or an unknown message preserved as raw bytes.
type Message interface {
	MessageType() MessageType
	Marshal() ([]byte, error)
}

// ClientServerMessage is a non-relay DHCPv6 message: type, transaction id
// and options.
type ClientServerMessage struct {
	Type          MessageType
	TransactionID TransactionID
	Options       Options
}

func NewClientServerMessage(mt MessageType, txid TransactionID) *ClientServerMessage {
	return &ClientServerMessage{Type: mt, TransactionID: txid}
}

func (m *ClientServerMessage) MessageType() MessageType { return m.Type }

// FromClientToServer reports whether this message type may be sent by a
// client to a server.
func (m *ClientServerMessage) FromClientToServer() bool {
	info, ok := messageRegistry[m.Type]
	return ok && info.fromClient
}

// FromServerToClient reports whether this message type may be sent by a
// server to a client.
func (m *ClientServerMessage) FromServerToClient() bool {
	info, ok := messageRegistry[m.Type]
	return ok && info.toClient
}

func (m *ClientServerMessage) Marshal() ([]byte, error) {
	opts, err := m.Options.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4, 4+len(opts))
	buf[0] = byte(m.Type)
	copy(buf[1:], m.TransactionID[:])
	return append(buf, opts...), nil
}

func (m *ClientServerMessage) String() string {
	return fmt.Sprintf("%s txn=%s", m.Type, m.TransactionID)
}

// RelayMessage is a RELAY-FORW or RELAY-REPL message.
type RelayMessage struct {
	Type        MessageType
	HopCount    uint8
	LinkAddress netip.Addr
	PeerAddress netip.Addr
	Options     Options
}

func (m *RelayMessage) MessageType() MessageType { return m.Type }

// InnerMessage returns the message carried in the relay-message option, or
// nil if the option is absent.
func (m *RelayMessage) InnerMessage() Message {
	if rmo, ok := GetOption[*RelayMessageOption](m.Options); ok {
		return rmo.Message
	}
	return nil
}

// SetInnerMessage replaces the message in the relay-message option, adding
// the option if needed.
func (m *RelayMessage) SetInnerMessage(inner Message) {
	if rmo, ok := GetOption[*RelayMessageOption](m.Options); ok {
		rmo.Message = inner
		return
	}
	m.Options = append(m.Options, &RelayMessageOption{Message: inner})
}

func (m *RelayMessage) Marshal() ([]byte, error) {
	if m.Type != MessageTypeRelayForward && m.Type != MessageTypeRelayReply {
		return nil, fmt.Errorf("%s is not a relay message type", m.Type)
	}
	if !m.LinkAddress.Is6() || !m.PeerAddress.Is6() {
		return nil, malformed("relay link/peer addresses must be IPv6")
	}
	opts, err := m.Options.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 34, 34+len(opts))
	buf[0] = byte(m.Type)
	buf[1] = m.HopCount
	link := m.LinkAddress.As16()
	peer := m.PeerAddress.As16()
	copy(buf[2:18], link[:])
	copy(buf[18:34], peer[:])
	return append(buf, opts...), nil
}

func (m *RelayMessage) String() string {
	return fmt.Sprintf("%s hop=%d link=%s peer=%s", m.Type, m.HopCount, m.LinkAddress, m.PeerAddress)
}

// UnknownMessage preserves a message with an unregistered type code.
type UnknownMessage struct {
	Type MessageType
	Data []byte
}

func (m *UnknownMessage) MessageType() MessageType { return m.Type }

func (m *UnknownMessage) Marshal() ([]byte, error) {
	return append([]byte{byte(m.Type)}, m.Data...), nil
}

// ParseMessage decodes a DHCPv6 PDU, recursively descending into relay
// encapsulations up to MaxRelayDepth levels.
func ParseMessage(data []byte) (Message, error) {
	return parseMessage(data, 0)
}

func parseMessage(data []byte, depth int) (Message, error) {
	if len(data) < 1 {
		return nil, ErrInsufficientData
	}
	mt := MessageType(data[0])

	switch mt {
	case MessageTypeRelayForward, MessageTypeRelayReply:
		if depth+1 > MaxRelayDepth {
			return nil, ErrRelayTooDeep
		}
		if len(data) < 34 {
			return nil, ErrInsufficientData
		}
		link, _ := netip.AddrFromSlice(data[2:18])
		peer, _ := netip.AddrFromSlice(data[18:34])
		opts, err := parseOptions(data[34:], depth+1)
		if err != nil {
			return nil, err
		}
		return &RelayMessage{
			Type:        mt,
			HopCount:    data[1],
			LinkAddress: link,
			PeerAddress: peer,
			Options:     opts,
		}, nil
	}

	if _, ok := messageRegistry[mt]; !ok {
		return &UnknownMessage{Type: mt, Data: append([]byte(nil), data[1:]...)}, nil
	}

	if len(data) < 4 {
		return nil, ErrInsufficientData
	}
	var txid TransactionID
	copy(txid[:], data[1:4])
	opts, err := parseOptions(data[4:], depth)
	if err != nil {
		return nil, err
	}
	return &ClientServerMessage{Type: mt, TransactionID: txid, Options: opts}, nil
}
