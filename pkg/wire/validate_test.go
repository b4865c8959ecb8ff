package wire

import (
	"net/netip"
	"testing"
)

func mustAddr(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestValidateAcceptsWellFormedSolicit(t *testing.T) {
	if err := Validate(testSolicit()); err != nil {
		t.Fatalf("well-formed solicit failed validation: %v", err)
	}
}

func TestValidateCardinality(t *testing.T) {
	msg := testSolicit()
	msg.Options = append(msg.Options, &ClientIDOption{DUID: testClientDUID()})
	if err := Validate(msg); err == nil {
		t.Fatal("solicit with two client-ids must not validate")
	}

	missing := NewClientServerMessage(MessageTypeSolicit, TransactionID{1, 2, 3})
	missing.Options = Options{&ElapsedTimeOption{}}
	if err := Validate(missing); err == nil {
		t.Fatal("solicit without client-id must not validate")
	}
}

func TestValidateDoesNotRejectUnknownChildren(t *testing.T) {
	msg := testSolicit()
	msg.Options = append(msg.Options, &UnknownOption{Type: 65001, Data: []byte{1}})
	if err := Validate(msg); err != nil {
		t.Fatalf("unknown option must not fail validation: %v", err)
	}
}

func TestValidateFieldShape(t *testing.T) {
	msg := NewClientServerMessage(MessageTypeReconfigure, TransactionID{1, 2, 3})
	msg.Options = Options{
		&ClientIDOption{DUID: testClientDUID()},
		&ServerIDOption{DUID: testClientDUID()},
		&ReconfigureMessageOption{ReconfigureType: MessageTypeSolicit},
	}
	if err := Validate(msg); err == nil {
		t.Fatal("reconfigure asking for a Solicit must not validate")
	}

	msg.Options[2] = &ReconfigureMessageOption{ReconfigureType: MessageTypeRenew}
	if err := Validate(msg); err != nil {
		t.Fatalf("valid reconfigure failed validation: %v", err)
	}
}

func TestValidateRelayNeedsRelayMessage(t *testing.T) {
	relay := &RelayMessage{
		Type:        MessageTypeRelayForward,
		LinkAddress: mustAddr("2001:db8::1"),
		PeerAddress: mustAddr("fe80::1"),
	}
	if err := Validate(relay); err == nil {
		t.Fatal("relay-forward without relay-message must not validate")
	}

	relay.SetInnerMessage(testSolicit())
	if err := Validate(relay); err != nil {
		t.Fatalf("relay-forward with payload failed validation: %v", err)
	}
}

func TestFreezePanicsOnLateRegistration(t *testing.T) {
	frozen = true
	defer func() {
		frozen = false
		if recover() == nil {
			t.Fatal("registration after Freeze must panic")
		}
	}()
	RegisterOption(OptionCode(65012), func() Option { return &UnknownOption{} })
}
