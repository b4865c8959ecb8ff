package wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/uuid"
)

func TestDUIDRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		duid DUID
	}{
		{"llt", &LinkLayerTimeDUID{HardwareType: 1, Time: 0x12345678,
			Address: net.HardwareAddr{0x00, 0x24, 0x36, 0xef, 0x1d, 0x89}}},
		{"en", &EnterpriseDUID{EnterpriseNumber: 9, Identifier: []byte{0xde, 0xad, 0xbe, 0xef}}},
		{"ll", &LinkLayerDUID{HardwareType: 1,
			Address: net.HardwareAddr{0x00, 0x24, 0x36, 0xef, 0x1d, 0x89}}},
		{"uuid", &UUIDDUID{UUID: uuid.MustParse("d2f02e9a-30e2-4c93-9a31-6f34deadbeef")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.duid.Marshal()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			parsed, err := ParseDUID(data)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !EqualDUID(tt.duid, parsed) {
				t.Fatalf("parsed DUID %s != original %s", DUIDString(parsed), DUIDString(tt.duid))
			}
			reparsed, err := parsed.Marshal()
			if err != nil {
				t.Fatalf("re-marshal: %v", err)
			}
			if !bytes.Equal(data, reparsed) {
				t.Fatalf("re-marshal produced %x, want %x", reparsed, data)
			}
		})
	}
}

func TestDUIDUnknownTypePreserved(t *testing.T) {
	data := []byte{0x00, 0x2a, 0x01, 0x02, 0x03}
	duid, err := ParseDUID(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	unknown, ok := duid.(*UnknownDUID)
	if !ok {
		t.Fatalf("expected UnknownDUID, got %T", duid)
	}
	if unknown.Type != 42 {
		t.Fatalf("unknown type = %d, want 42", unknown.Type)
	}
	out, err := duid.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("marshal produced %x, want %x", out, data)
	}
}

func TestDUIDTooShort(t *testing.T) {
	if _, err := ParseDUID([]byte{0x00}); err == nil {
		t.Fatal("expected error for one-octet DUID")
	}
}

func TestDUIDTooLong(t *testing.T) {
	if _, err := ParseDUID(make([]byte, 2+maxDUIDLen+1)); err == nil {
		t.Fatal("expected error for oversized DUID")
	}
	long := &EnterpriseDUID{EnterpriseNumber: 1, Identifier: make([]byte, 130)}
	if _, err := long.Marshal(); err == nil {
		t.Fatal("expected error marshalling oversized DUID")
	}
}

func TestDUIDEquality(t *testing.T) {
	a := &LinkLayerDUID{HardwareType: 1, Address: net.HardwareAddr{1, 2, 3, 4, 5, 6}}
	b := &LinkLayerDUID{HardwareType: 1, Address: net.HardwareAddr{1, 2, 3, 4, 5, 6}}
	c := &LinkLayerDUID{HardwareType: 1, Address: net.HardwareAddr{1, 2, 3, 4, 5, 7}}

	if !EqualDUID(a, b) {
		t.Fatal("identical DUIDs not equal")
	}
	if EqualDUID(a, c) {
		t.Fatal("different DUIDs reported equal")
	}
}
