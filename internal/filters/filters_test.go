package filters

import (
	"net"
	"net/netip"
	"testing"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

func makeBundle(t *testing.T, linkAddress string, elapsed uint16, marks ...string) *bundle.Bundle {
	t.Helper()
	msg := wire.NewClientServerMessage(wire.MessageTypeSolicit, wire.TransactionID{1, 2, 3})
	msg.Options = wire.Options{
		&wire.ClientIDOption{DUID: &wire.LinkLayerDUID{HardwareType: 1,
			Address: net.HardwareAddr{1, 2, 3, 4, 5, 6}}},
		&wire.ElapsedTimeOption{ElapsedTime: elapsed},
	}
	shell := &wire.RelayMessage{
		Type:        wire.MessageTypeRelayForward,
		LinkAddress: netip.MustParseAddr(linkAddress),
		PeerAddress: netip.MustParseAddr("fe80::1"),
	}
	shell.SetInnerMessage(msg)

	b, err := bundle.New(shell, true, false, false, marks...)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	return b
}

func TestSubnetFilter(t *testing.T) {
	f := &Subnet{Prefixes: []netip.Prefix{netip.MustParsePrefix("2001:db8::/32")}}

	if ok, _ := f.Matches(makeBundle(t, "2001:db8::1", 0)); !ok {
		t.Fatal("link address inside prefix must match")
	}
	if ok, _ := f.Matches(makeBundle(t, "2001:dead::1", 0)); ok {
		t.Fatal("link address outside prefix must not match")
	}
	if ok, _ := f.Matches(makeBundle(t, "fe80::1", 0)); ok {
		t.Fatal("an unusable link address must not match")
	}
}

func TestMarkedWithFilter(t *testing.T) {
	f := &MarkedWith{Marks: []string{"vlan100", "trusted"}}

	if ok, _ := f.Matches(makeBundle(t, "2001:db8::1", 0, "vlan100", "trusted", "extra")); !ok {
		t.Fatal("bundle with all marks must match")
	}
	if ok, _ := f.Matches(makeBundle(t, "2001:db8::1", 0, "vlan100")); ok {
		t.Fatal("bundle missing a mark must not match")
	}
}

func TestElapsedTimeFilter(t *testing.T) {
	f := &ElapsedTime{Min: 1000, Max: 3000}

	if ok, _ := f.Matches(makeBundle(t, "2001:db8::1", 2000)); !ok {
		t.Fatal("elapsed time inside range must match")
	}
	if ok, _ := f.Matches(makeBundle(t, "2001:db8::1", 500)); ok {
		t.Fatal("elapsed time below range must not match")
	}
	if ok, _ := f.Matches(makeBundle(t, "2001:db8::1", 4000)); ok {
		t.Fatal("elapsed time above range must not match")
	}
}

func TestFactoriesRegistered(t *testing.T) {
	for _, name := range []string{"subnet", "marked-with", "elapsed-time"} {
		if _, ok := config.GetFactory(name); !ok {
			t.Fatalf("filter %q not registered", name)
		}
	}
}

func TestSubnetFactoryBuildsTree(t *testing.T) {
	factory, _ := config.GetFactory("subnet")
	child := pipeline.HandlerNode(&noop{})
	node, err := factory(config.HandlerSpec{
		Type:   "subnet",
		Params: map[string]any{"prefixes": []any{"2001:db8::/32"}},
	}, []*pipeline.Node{child})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if node.Filter == nil || len(node.Children) != 1 {
		t.Fatal("subnet factory must build a filter node with its subtree")
	}

	if _, err := factory(config.HandlerSpec{Type: "subnet"}, nil); err == nil {
		t.Fatal("subnet without prefixes must be rejected")
	}
}

type noop struct {
	pipeline.Base
}

func (noop) Name() string { return "noop" }
