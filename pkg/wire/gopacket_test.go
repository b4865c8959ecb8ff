package wire

import (
	"bytes"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Cross-validate the codec against gopacket's independent DHCPv6 decoder.

func decodeWithGopacket(t *testing.T, data []byte) *layers.DHCPv6 {
	t.Helper()
	pkt := gopacket.NewPacket(data, layers.LayerTypeDHCPv6, gopacket.Default)
	layer := pkt.Layer(layers.LayerTypeDHCPv6)
	if layer == nil {
		t.Fatalf("gopacket found no DHCPv6 layer in %x", data)
	}
	return layer.(*layers.DHCPv6)
}

func TestGopacketAgreesOnSolicit(t *testing.T) {
	data, err := testSolicit().Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded := decodeWithGopacket(t, data)
	if decoded.MsgType != layers.DHCPv6MsgTypeSolicit {
		t.Fatalf("gopacket message type = %v, want solicit", decoded.MsgType)
	}
	if !bytes.Equal(decoded.TransactionID, []byte{0x11, 0x22, 0x33}) {
		t.Fatalf("gopacket transaction id = %x, want 112233", decoded.TransactionID)
	}

	wantCodes := map[layers.DHCPv6Opt]bool{
		layers.DHCPv6OptClientID:    false,
		layers.DHCPv6OptElapsedTime: false,
		layers.DHCPv6OptIANA:        false,
	}
	for _, opt := range decoded.Options {
		if _, interesting := wantCodes[opt.Code]; interesting {
			wantCodes[opt.Code] = true
		}
	}
	for code, seen := range wantCodes {
		if !seen {
			t.Fatalf("gopacket did not see option %v in our encoding", code)
		}
	}
}

func TestGopacketAgreesOnRelayForward(t *testing.T) {
	relay := &RelayMessage{
		Type:        MessageTypeRelayForward,
		HopCount:    1,
		LinkAddress: mustAddr("2001:db8::1"),
		PeerAddress: mustAddr("fe80::2"),
	}
	relay.SetInnerMessage(testSolicit())
	data, err := relay.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded := decodeWithGopacket(t, data)
	if decoded.MsgType != layers.DHCPv6MsgTypeRelayForward {
		t.Fatalf("gopacket message type = %v, want relay-forward", decoded.MsgType)
	}
	if decoded.HopCount != 1 {
		t.Fatalf("gopacket hop count = %d, want 1", decoded.HopCount)
	}
	if decoded.LinkAddr.String() != "2001:db8::1" {
		t.Fatalf("gopacket link address = %s, want 2001:db8::1", decoded.LinkAddr)
	}
}

func TestParseGopacketEncoding(t *testing.T) {
	// A reply as another stack would emit it, built from raw TLVs
	payload := []byte{
		byte(MessageTypeReply), 0xaa, 0xbb, 0xcc,
		0x00, 0x02, 0x00, 0x0a, // server-id: DUID-LL ethernet
		0x00, 0x03, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
		0x00, 0x0d, 0x00, 0x04, 0x00, 0x00, 'o', 'k', // status: Success "ok"
	}

	parsed, err := ParseMessage(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	msg := parsed.(*ClientServerMessage)
	if msg.Type != MessageTypeReply {
		t.Fatalf("type = %s, want REPLY", msg.Type)
	}
	status, ok := GetOption[*StatusCodeOption](msg.Options)
	if !ok || status.Status != StatusSuccess || status.Message != "ok" {
		t.Fatalf("status option = %v, want Success ok", status)
	}

	out, err := parsed.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("re-marshal produced %x, want %x", out, payload)
	}
}
