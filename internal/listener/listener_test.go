package listener

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

func testReply() *wire.ClientServerMessage {
	msg := wire.NewClientServerMessage(wire.MessageTypeReply, wire.TransactionID{1, 2, 3})
	msg.Options = wire.Options{
		&wire.ServerIDOption{DUID: &wire.LinkLayerDUID{HardwareType: 1,
			Address: net.HardwareAddr{1, 2, 3, 4, 5, 6}}},
	}
	return msg
}

func TestPayloadStripsSyntheticShell(t *testing.T) {
	reply := testReply()
	shell := &wire.RelayMessage{
		Type:        wire.MessageTypeRelayReply,
		LinkAddress: netip.MustParseAddr("2001:db8::1"),
		PeerAddress: netip.MustParseAddr("fe80::42"),
	}
	shell.SetInnerMessage(reply)

	data, peer, err := payloadBytes(shell)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if peer != netip.MustParseAddr("fe80::42") {
		t.Fatalf("peer = %s, want fe80::42", peer)
	}

	want, err := reply.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, want) {
		t.Fatal("wire payload must be the shell's inner message")
	}
}

func TestPayloadKeepsRealRelayChain(t *testing.T) {
	reply := testReply()
	real := &wire.RelayMessage{
		Type:        wire.MessageTypeRelayReply,
		HopCount:    1,
		LinkAddress: netip.MustParseAddr("2001:db8::1"),
		PeerAddress: netip.MustParseAddr("fe80::1"),
	}
	real.SetInnerMessage(reply)
	shell := &wire.RelayMessage{
		Type:        wire.MessageTypeRelayReply,
		LinkAddress: netip.MustParseAddr("2001:db8::1"),
		PeerAddress: netip.MustParseAddr("fe80::99"),
	}
	shell.SetInnerMessage(real)

	data, _, err := payloadBytes(shell)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	parsed, err := wire.ParseMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	relay, ok := parsed.(*wire.RelayMessage)
	if !ok || relay.Type != wire.MessageTypeRelayReply {
		t.Fatalf("wire payload = %T, want the real relay-reply", parsed)
	}
	if relay.InnerMessage() == nil {
		t.Fatal("real relay-reply lost its payload")
	}
}

func TestPayloadPlainMessage(t *testing.T) {
	reply := testReply()
	data, peer, err := payloadBytes(reply)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if peer.IsValid() {
		t.Fatal("plain messages carry no peer override")
	}
	want, _ := reply.Marshal()
	if !bytes.Equal(data, want) {
		t.Fatal("plain message must serialize unchanged")
	}
}
