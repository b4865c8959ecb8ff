package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// LQQueryOption describes one leasequery (RFC 5007).
type LQQueryOption struct {
	QueryType   QueryType
	LinkAddress netip.Addr
	Options     Options
}

func (o *LQQueryOption) Code() OptionCode { return OptionCodeLQQuery }

func (o *LQQueryOption) MarshalBinary() ([]byte, error) {
	if !o.LinkAddress.Is6() || o.LinkAddress.Is4In6() {
		return nil, malformed("query link-address must be IPv6")
	}
	sub, err := o.Options.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 17, 17+len(sub))
	buf[0] = byte(o.QueryType)
	addr := o.LinkAddress.As16()
	copy(buf[1:], addr[:])
	return append(buf, sub...), nil
}

func (o *LQQueryOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 17 {
		return ErrInsufficientData
	}
	o.QueryType = QueryType(payload[0])
	addr, _ := netip.AddrFromSlice(payload[1:17])
	o.LinkAddress = addr
	var err error
	o.Options, err = parseOptions(payload[17:], 0)
	return err
}

func (o *LQQueryOption) String() string {
	return fmt.Sprintf("%s link=%s", o.QueryType, o.LinkAddress)
}

// ClientDataOption wraps the data of one client binding in a leasequery
// reply.
type ClientDataOption struct {
	Options Options
}

func (o *ClientDataOption) Code() OptionCode { return OptionCodeClientData }

func (o *ClientDataOption) MarshalBinary() ([]byte, error) {
	return o.Options.Marshal()
}

func (o *ClientDataOption) UnmarshalBinary(payload []byte) error {
	var err error
	o.Options, err = parseOptions(payload, 0)
	return err
}

// CLTTimeOption carries the seconds since the server last heard from the
// client.
type CLTTimeOption struct {
	TransactionTime uint32
}

func (o *CLTTimeOption) Code() OptionCode { return OptionCodeCLTTime }

func (o *CLTTimeOption) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, o.TransactionTime)
	return buf, nil
}

func (o *CLTTimeOption) UnmarshalBinary(payload []byte) error {
	if len(payload) != 4 {
		return fmt.Errorf("%w: clt-time payload of %d octets", ErrInvalidLength, len(payload))
	}
	o.TransactionTime = binary.BigEndian.Uint32(payload)
	return nil
}

// LQRelayDataOption carries the relay message under which the server last
// saw the client, for leasequery consumers that need the relay context.
type LQRelayDataOption struct {
	PeerAddress netip.Addr
	RelayData   Message
}

func (o *LQRelayDataOption) Code() OptionCode { return OptionCodeLQRelayData }

func (o *LQRelayDataOption) MarshalBinary() ([]byte, error) {
	if !o.PeerAddress.Is6() || o.PeerAddress.Is4In6() {
		return nil, malformed("relay-data peer-address must be IPv6")
	}
	if o.RelayData == nil {
		return nil, malformed("relay-data option without message")
	}
	data, err := o.RelayData.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 16, 16+len(data))
	addr := o.PeerAddress.As16()
	copy(buf, addr[:])
	return append(buf, data...), nil
}

func (o *LQRelayDataOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 16 {
		return ErrInsufficientData
	}
	addr, _ := netip.AddrFromSlice(payload[:16])
	o.PeerAddress = addr
	msg, err := ParseMessage(payload[16:])
	if err != nil {
		return err
	}
	o.RelayData = msg
	return nil
}

// LQClientLinkOption lists the links on which a queried client has
// bindings.
type LQClientLinkOption struct {
	LinkAddresses []netip.Addr
}

func (o *LQClientLinkOption) Code() OptionCode { return OptionCodeLQClientLink }

func (o *LQClientLinkOption) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 16*len(o.LinkAddresses))
	for _, link := range o.LinkAddresses {
		if !link.Is6() || link.Is4In6() {
			return nil, malformed("client-link address %s is not IPv6", link)
		}
		addr := link.As16()
		buf = append(buf, addr[:]...)
	}
	return buf, nil
}

func (o *LQClientLinkOption) UnmarshalBinary(payload []byte) error {
	if len(payload)%16 != 0 {
		return fmt.Errorf("%w: client-link payload of %d octets", ErrInvalidLength, len(payload))
	}
	o.LinkAddresses = make([]netip.Addr, len(payload)/16)
	for i := range o.LinkAddresses {
		o.LinkAddresses[i], _ = netip.AddrFromSlice(payload[16*i : 16*i+16])
	}
	return nil
}

// RelayIDOption identifies a relay agent in bulk leasequery (RFC 5460).
type RelayIDOption struct {
	DUID DUID
}

func (o *RelayIDOption) Code() OptionCode { return OptionCodeRelayID }

func (o *RelayIDOption) MarshalBinary() ([]byte, error) {
	if o.DUID == nil {
		return nil, malformed("relay-id option without DUID")
	}
	return o.DUID.Marshal()
}

func (o *RelayIDOption) UnmarshalBinary(payload []byte) error {
	duid, err := ParseDUID(payload)
	if err != nil {
		return err
	}
	o.DUID = duid
	return nil
}
