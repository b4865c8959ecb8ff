// Package listener owns the server sockets: per-interface multicast UDP,
// unicast UDP and TCP for bulk leasequery. Listeners produce incoming
// packets; workers send replies directly through the packet's replier
// without going back through the master.
package listener

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// IncomingPacket is what a listener hands to the queue: payload bytes plus
// the metadata the worker needs to build and answer the transaction.
type IncomingPacket struct {
	ListenerName  string
	Interface     string
	Source        netip.AddrPort
	LinkAddress   netip.Addr
	InterfaceID   []byte
	Marks         []string
	OverMulticast bool
	OverTCP       bool
	Data          []byte

	Replier Replier
}

// Replier delivers replies for one incoming packet. For datagram listeners
// it sends to the recorded source; for stream listeners it writes to the
// connection the request arrived on.
type Replier interface {
	Send(msg wire.Message) error
}

// Listener is one configured server socket. Run blocks reading packets and
// feeding them to enqueue until the context is cancelled; enqueue reports
// whether the packet was accepted (a full queue drops it).
type Listener interface {
	Name() string
	Run(ctx context.Context, enqueue func(*IncomingPacket) bool) error
	Close() error
}

// payloadBytes strips the synthetic outermost relay shell the worker put
// around the response and serializes what actually goes on the wire.
func payloadBytes(msg wire.Message) ([]byte, netip.Addr, error) {
	if relay, ok := msg.(*wire.RelayMessage); ok && relay.Type == wire.MessageTypeRelayReply {
		inner := relay.InnerMessage()
		if inner == nil {
			return nil, netip.Addr{}, fmt.Errorf("relay-reply without payload")
		}
		data, err := inner.Marshal()
		return data, relay.PeerAddress, err
	}
	data, err := msg.Marshal()
	return data, netip.Addr{}, err
}
