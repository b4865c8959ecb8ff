package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
)

// RemoteIDOption carries a relay-inserted remote identifier (RFC 4649).
type RemoteIDOption struct {
	EnterpriseNumber uint32
	RemoteID         []byte
}

func (o *RemoteIDOption) Code() OptionCode { return OptionCodeRemoteID }

func (o *RemoteIDOption) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4, 4+len(o.RemoteID))
	binary.BigEndian.PutUint32(buf, o.EnterpriseNumber)
	return append(buf, o.RemoteID...), nil
}

func (o *RemoteIDOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 4 {
		return ErrInsufficientData
	}
	o.EnterpriseNumber = binary.BigEndian.Uint32(payload)
	o.RemoteID = append([]byte(nil), payload[4:]...)
	return nil
}

func (o *RemoteIDOption) String() string {
	return fmt.Sprintf("remote-id %d:%s", o.EnterpriseNumber, hex.EncodeToString(o.RemoteID))
}

// SubscriberIDOption carries a relay-inserted subscriber identifier
// (RFC 4580).
type SubscriberIDOption struct {
	SubscriberID []byte
}

func (o *SubscriberIDOption) Code() OptionCode { return OptionCodeSubscriberID }

func (o *SubscriberIDOption) MarshalBinary() ([]byte, error) {
	return o.SubscriberID, nil
}

func (o *SubscriberIDOption) UnmarshalBinary(payload []byte) error {
	o.SubscriberID = append([]byte(nil), payload...)
	return nil
}

func (o *SubscriberIDOption) String() string {
	return fmt.Sprintf("subscriber-id %s", hex.EncodeToString(o.SubscriberID))
}

// LinkLayerIDOption carries the client's link-layer address as observed by
// the first relay (RFC 6939).
type LinkLayerIDOption struct {
	LinkLayerType uint16
	LinkLayerID   net.HardwareAddr
}

func (o *LinkLayerIDOption) Code() OptionCode { return OptionCodeLinkLayerID }

func (o *LinkLayerIDOption) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 2, 2+len(o.LinkLayerID))
	binary.BigEndian.PutUint16(buf, o.LinkLayerType)
	return append(buf, o.LinkLayerID...), nil
}

func (o *LinkLayerIDOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 2 {
		return ErrInsufficientData
	}
	o.LinkLayerType = binary.BigEndian.Uint16(payload)
	o.LinkLayerID = append(net.HardwareAddr(nil), payload[2:]...)
	return nil
}

func (o *LinkLayerIDOption) String() string {
	return fmt.Sprintf("client-linklayer %s", o.LinkLayerID)
}

// EchoRequestOption asks the server to echo the listed relay options back
// in its relay-reply (RFC 4994).
type EchoRequestOption struct {
	Requested []OptionCode
}

func (o *EchoRequestOption) Code() OptionCode { return OptionCodeEchoRequest }

func (o *EchoRequestOption) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 2*len(o.Requested))
	for i, code := range o.Requested {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(code))
	}
	return buf, nil
}

func (o *EchoRequestOption) UnmarshalBinary(payload []byte) error {
	if len(payload) == 0 || len(payload)%2 != 0 {
		return fmt.Errorf("%w: echo-request payload of %d octets", ErrInvalidLength, len(payload))
	}
	o.Requested = make([]OptionCode, len(payload)/2)
	for i := range o.Requested {
		o.Requested[i] = OptionCode(binary.BigEndian.Uint16(payload[2*i:]))
	}
	return nil
}
