package wire

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"reflect"
	"testing"
)

func testClientDUID() DUID {
	return &LinkLayerDUID{HardwareType: 1,
		Address: net.HardwareAddr{0x00, 0x24, 0x36, 0xef, 0x1d, 0x89}}
}

func testSolicit() *ClientServerMessage {
	msg := NewClientServerMessage(MessageTypeSolicit, TransactionID{0x11, 0x22, 0x33})
	msg.Options = Options{
		&ClientIDOption{DUID: testClientDUID()},
		&ElapsedTimeOption{ElapsedTime: 100},
		&IANAOption{IAID: 1},
	}
	return msg
}

func TestMessageRoundTrip(t *testing.T) {
	original := testSolicit()
	data, err := original.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(parsed, original) {
		t.Fatalf("parsed message differs:\n got %#v\nwant %#v", parsed, original)
	}

	// save∘parse must reproduce the canonical bytes
	reserialized, err := parsed.Marshal()
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if !bytes.Equal(reserialized, data) {
		t.Fatalf("re-marshal produced %x, want %x", reserialized, data)
	}
}

func TestMessageHeader(t *testing.T) {
	msg := testSolicit()
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if data[0] != byte(MessageTypeSolicit) {
		t.Fatalf("first byte %#x, want message type %#x", data[0], byte(MessageTypeSolicit))
	}
	if !bytes.Equal(data[1:4], []byte{0x11, 0x22, 0x33}) {
		t.Fatalf("transaction id on the wire is %x, want 112233", data[1:4])
	}
}

func TestUnknownOptionRoundTrip(t *testing.T) {
	raw := []byte{
		byte(MessageTypeSolicit), 0x11, 0x22, 0x33,
		0xfd, 0xe9, 0x00, 0x04, 0xde, 0xad, 0xbe, 0xef, // option 65001
	}
	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	msg := parsed.(*ClientServerMessage)
	unknown, ok := GetOption[*UnknownOption](msg.Options)
	if !ok {
		t.Fatal("expected an UnknownOption")
	}
	if unknown.Type != 65001 {
		t.Fatalf("unknown option code = %d, want 65001", unknown.Type)
	}
	if !bytes.Equal(unknown.Data, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("unknown option payload = %x, want deadbeef", unknown.Data)
	}

	out, err := parsed.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(out, raw) {
		t.Fatalf("re-marshal produced %x, want %x", out, raw)
	}
}

func TestUnknownMessagePreserved(t *testing.T) {
	raw := []byte{200, 0x01, 0x02, 0x03, 0x04}
	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := parsed.(*UnknownMessage); !ok {
		t.Fatalf("expected UnknownMessage, got %T", parsed)
	}
	out, err := parsed.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(out, raw) {
		t.Fatalf("re-marshal produced %x, want %x", out, raw)
	}
}

// nestRelays wraps a solicit in n relay-forward shells.
func nestRelays(t *testing.T, n int) []byte {
	t.Helper()
	var msg Message = testSolicit()
	for i := 0; i < n; i++ {
		relay := &RelayMessage{
			Type:        MessageTypeRelayForward,
			HopCount:    uint8(i),
			LinkAddress: netip.MustParseAddr("2001:db8::1"),
			PeerAddress: netip.MustParseAddr("fe80::1"),
		}
		relay.SetInnerMessage(msg)
		msg = relay
	}
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal nested relays: %v", err)
	}
	return data
}

func TestRelayDepthLimit(t *testing.T) {
	ok, err := ParseMessage(nestRelays(t, 32))
	if err != nil {
		t.Fatalf("32 nested relays should parse, got %v", err)
	}

	// Count the chain back down to the client message
	depth := 0
	msg := ok
	for {
		relay, isRelay := msg.(*RelayMessage)
		if !isRelay {
			break
		}
		depth++
		msg = relay.InnerMessage()
	}
	if depth != 32 {
		t.Fatalf("parsed %d relays, want 32", depth)
	}

	_, err = ParseMessage(nestRelays(t, 33))
	if !errors.Is(err, ErrRelayTooDeep) {
		t.Fatalf("33 nested relays gave %v, want ErrRelayTooDeep", err)
	}
}

func TestRelayMessageFields(t *testing.T) {
	relay := &RelayMessage{
		Type:        MessageTypeRelayForward,
		HopCount:    3,
		LinkAddress: netip.MustParseAddr("2001:db8::1"),
		PeerAddress: netip.MustParseAddr("fe80::2"),
		Options: Options{
			&InterfaceIDOption{InterfaceID: []byte("ge-0/0/0.100")},
		},
	}
	relay.SetInnerMessage(testSolicit())

	data, err := relay.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := parsed.(*RelayMessage)
	if got.HopCount != 3 {
		t.Fatalf("hop count = %d, want 3", got.HopCount)
	}
	if got.LinkAddress != relay.LinkAddress || got.PeerAddress != relay.PeerAddress {
		t.Fatalf("addresses = %s/%s, want %s/%s",
			got.LinkAddress, got.PeerAddress, relay.LinkAddress, relay.PeerAddress)
	}
	iid, found := GetOption[*InterfaceIDOption](got.Options)
	if !found || string(iid.InterfaceID) != "ge-0/0/0.100" {
		t.Fatal("interface-id option did not survive the round trip")
	}
	if got.InnerMessage() == nil {
		t.Fatal("relayed message missing")
	}
}

func TestParseTruncated(t *testing.T) {
	msg := testSolicit()
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if _, err := ParseMessage(nil); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("empty buffer gave %v, want ErrInsufficientData", err)
	}
	if _, err := ParseMessage(data[:2]); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("truncated header gave %v, want ErrInsufficientData", err)
	}
	// Cut into the middle of an option payload
	if _, err := ParseMessage(data[:len(data)-1]); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("truncated option gave %v, want ErrInvalidLength", err)
	}
}

func TestIALifetimeInvariant(t *testing.T) {
	bad := &IAAddressOption{
		Address:           netip.MustParseAddr("2001:db8::42"),
		PreferredLifetime: 7200,
		ValidLifetime:     3600,
	}
	if err := bad.Validate(); err == nil {
		t.Fatal("preferred > valid must not validate")
	}

	ia := &IANAOption{IAID: 1, T1: 2880, T2: 1800}
	if err := ia.Validate(); err == nil {
		t.Fatal("T1 > T2 must not validate")
	}
}
