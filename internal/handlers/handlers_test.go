package handlers

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

var (
	testServerDUID = &wire.LinkLayerDUID{HardwareType: 1,
		Address: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}}
	testClientDUID = &wire.LinkLayerDUID{HardwareType: 1,
		Address: net.HardwareAddr{0x00, 0x24, 0x36, 0xef, 0x1d, 0x89}}
)

// request builds a client message with the usual identity options.
func request(mt wire.MessageType, extra ...wire.Option) *wire.ClientServerMessage {
	msg := wire.NewClientServerMessage(mt, wire.TransactionID{0x11, 0x22, 0x33})
	msg.Options = wire.Options{
		&wire.ClientIDOption{DUID: testClientDUID},
		&wire.ElapsedTimeOption{},
	}
	msg.Options = append(msg.Options, extra...)
	return msg
}

// wrap puts the synthetic relay shell around a message, optionally under a
// real relay carrying relayOpts.
func wrap(inner wire.Message, relayOpts ...wire.Option) *wire.RelayMessage {
	msg := inner
	if len(relayOpts) > 0 {
		real := &wire.RelayMessage{
			Type:        wire.MessageTypeRelayForward,
			LinkAddress: netip.MustParseAddr("2001:db8::1"),
			PeerAddress: netip.MustParseAddr("fe80::99"),
			Options:     relayOpts,
		}
		real.SetInnerMessage(msg)
		msg = real
	}
	shell := &wire.RelayMessage{
		Type:        wire.MessageTypeRelayForward,
		LinkAddress: netip.MustParseAddr("2001:db8::1"),
		PeerAddress: netip.MustParseAddr("fe80::1"),
	}
	shell.SetInnerMessage(msg)
	return shell
}

// serverPipeline mirrors the composition the worker builds: setup
// handlers, the given tree, cleanup handlers.
func serverPipeline(allowRapidCommit, authoritative bool, nodes ...*pipeline.Node) *pipeline.Pipeline {
	var all []*pipeline.Node
	if allowRapidCommit {
		all = append(all, pipeline.HandlerNode(&RapidCommit{}))
	}
	all = append(all,
		pipeline.HandlerNode(&ServerIDCheck{DUID: testServerDUID}),
		pipeline.HandlerNode(&InterfaceIDEcho{}),
	)
	all = append(all, nodes...)
	all = append(all,
		pipeline.HandlerNode(&RejectUnwantedUnicast{}),
		pipeline.HandlerNode(&UnansweredIA{Authoritative: authoritative}),
		pipeline.HandlerNode(&AddMissingStatus{}),
	)
	return pipeline.New(testServerDUID, all)
}

func runBundle(t *testing.T, p *pipeline.Pipeline, incoming wire.Message,
	overMulticast, allowRapidCommit bool) (*bundle.Bundle, pipeline.Result) {
	t.Helper()
	b, err := bundle.New(incoming, overMulticast, false, allowRapidCommit)
	require.NoError(t, err)
	return b, p.Run(b)
}

// staticCSVNode builds the static-csv handler through its registered
// factory, the way a worker would.
func staticCSVNode(t *testing.T, rows string) *pipeline.Node {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assignments.csv")
	require.NoError(t, os.WriteFile(path, []byte(rows), 0644))

	factory, ok := config.GetFactory("static-csv")
	require.True(t, ok, "static-csv factory not registered")
	node, err := factory(config.HandlerSpec{
		Type:   "static-csv",
		Params: map[string]any{"file": path},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, node.Handler.(*StaticAssignment).WorkerInit())
	return node
}

const csvRows = "id,address,prefix\n" +
	"duid:00:03:00:01:00:24:36:ef:1d:89,2001:db8::42,2001:db8:42::/48\n"

func TestSolicitWithMatchingCSVAssignment(t *testing.T) {
	p := serverPipeline(false, false,
		staticCSVNode(t, csvRows),
		timingLimitsNode(t))

	solicit := request(wire.MessageTypeSolicit, &wire.IANAOption{IAID: 1})
	b, result := runBundle(t, p, wrap(solicit), true, false)
	require.Equal(t, pipeline.OutcomeResponded, result.Outcome)
	require.Equal(t, wire.MessageTypeAdvertise, b.Response.Type)
	require.Equal(t, wire.TransactionID{0x11, 0x22, 0x33}, b.Response.TransactionID)

	sid, ok := wire.GetOption[*wire.ServerIDOption](b.Response.Options)
	require.True(t, ok)
	require.True(t, wire.EqualDUID(sid.DUID, testServerDUID))
	cid, ok := wire.GetOption[*wire.ClientIDOption](b.Response.Options)
	require.True(t, ok)
	require.True(t, wire.EqualDUID(cid.DUID, testClientDUID))

	ia, ok := wire.GetOption[*wire.IANAOption](b.Response.Options)
	require.True(t, ok, "response must carry an IA_NA")
	require.Equal(t, uint32(1), ia.IAID)
	require.Equal(t, uint32(1800), ia.T1)
	require.Equal(t, uint32(2880), ia.T2)

	addr, ok := wire.GetOption[*wire.IAAddressOption](ia.Options)
	require.True(t, ok, "IA_NA must carry the assigned address")
	require.Equal(t, netip.MustParseAddr("2001:db8::42"), addr.Address)
	require.Equal(t, uint32(3600), addr.PreferredLifetime)
	require.Equal(t, uint32(7200), addr.ValidLifetime)
}

func timingLimitsNode(t *testing.T) *pipeline.Node {
	t.Helper()
	factory, ok := config.GetFactory("timing-limits")
	require.True(t, ok)
	node, err := factory(config.HandlerSpec{Type: "timing-limits"}, nil)
	require.NoError(t, err)
	return node
}

func TestRapidCommitUpgradesToReply(t *testing.T) {
	p := serverPipeline(true, false,
		staticCSVNode(t, csvRows),
		timingLimitsNode(t))

	solicit := request(wire.MessageTypeSolicit,
		&wire.IANAOption{IAID: 1},
		&wire.RapidCommitOption{})
	b, result := runBundle(t, p, wrap(solicit), true, true)
	require.Equal(t, pipeline.OutcomeResponded, result.Outcome)
	require.Equal(t, wire.MessageTypeReply, b.Response.Type, "rapid commit must produce a Reply")

	_, ok := wire.GetOption[*wire.RapidCommitOption](b.Response.Options)
	require.True(t, ok, "rapid-commit option must be echoed")
}

func TestRapidCommitSkipsRejections(t *testing.T) {
	p := serverPipeline(true, false, staticCSVNode(t, "id,address\n"))

	solicit := request(wire.MessageTypeSolicit,
		&wire.IANAOption{IAID: 1},
		&wire.RapidCommitOption{})
	b, result := runBundle(t, p, wrap(solicit), true, true)
	require.Equal(t, pipeline.OutcomeResponded, result.Outcome)
	require.Equal(t, wire.MessageTypeAdvertise, b.Response.Type,
		"a refused IA must not be rapid-committed")
}

func TestSolicitWithoutMatchGetsNoAddrsAvail(t *testing.T) {
	p := serverPipeline(false, false, staticCSVNode(t, "id,address\n"))

	solicit := request(wire.MessageTypeSolicit, &wire.IANAOption{IAID: 1})
	b, result := runBundle(t, p, wrap(solicit), true, false)
	require.Equal(t, pipeline.OutcomeResponded, result.Outcome)
	require.Equal(t, wire.MessageTypeAdvertise, b.Response.Type)

	ia, ok := wire.GetOption[*wire.IANAOption](b.Response.Options)
	require.True(t, ok)
	require.Equal(t, uint32(1), ia.IAID)
	status := ia.Status()
	require.NotNil(t, status)
	require.Equal(t, wire.StatusNoAddrsAvail, status.Status)
	_, hasAddr := wire.GetOption[*wire.IAAddressOption](ia.Options)
	require.False(t, hasAddr, "refused IA must not carry an address")
}

func TestPrefixDelegationAssignment(t *testing.T) {
	p := serverPipeline(false, false, staticCSVNode(t, csvRows))

	solicit := request(wire.MessageTypeSolicit, &wire.IAPDOption{IAID: 3})
	b, result := runBundle(t, p, wrap(solicit), true, false)
	require.Equal(t, pipeline.OutcomeResponded, result.Outcome)

	ia, ok := wire.GetOption[*wire.IAPDOption](b.Response.Options)
	require.True(t, ok)
	prefix, ok := wire.GetOption[*wire.IAPrefixOption](ia.Options)
	require.True(t, ok)
	require.Equal(t, netip.MustParsePrefix("2001:db8:42::/48"), prefix.Prefix)
}

func TestRateLimitTripsOnSixth(t *testing.T) {
	factory, ok := config.GetFactory("rate-limit")
	require.True(t, ok)
	node, err := factory(config.HandlerSpec{
		Type:   "rate-limit",
		Params: map[string]any{"rate": 5, "per": 30},
	}, nil)
	require.NoError(t, err)

	p := serverPipeline(false, false, node)

	for i := 0; i < 5; i++ {
		solicit := request(wire.MessageTypeSolicit, &wire.IANAOption{IAID: 1})
		_, result := runBundle(t, p, wrap(solicit), true, false)
		require.Equal(t, pipeline.OutcomeResponded, result.Outcome, "request %d", i+1)
	}

	solicit := request(wire.MessageTypeSolicit, &wire.IANAOption{IAID: 1})
	b, result := runBundle(t, p, wrap(solicit), true, false)
	require.Equal(t, pipeline.OutcomeIgnored, result.Outcome)
	require.ErrorIs(t, result.Err, ErrRateLimited)
	require.Nil(t, b.Response, "the sixth request must see no reply")
}

func TestRateLimitWindowSlides(t *testing.T) {
	h := &RateLimit{Rate: 2, Per: time.Second, Burst: 2, seen: map[string][]time.Time{}}
	now := time.Now()
	require.True(t, h.allow("k", now))
	require.True(t, h.allow("k", now.Add(10*time.Millisecond)))
	require.False(t, h.allow("k", now.Add(20*time.Millisecond)))
	require.True(t, h.allow("k", now.Add(1100*time.Millisecond)),
		"window must slide past old requests")
}

func TestInterfaceIDEchoedInRelayReply(t *testing.T) {
	p := serverPipeline(false, false)

	solicit := request(wire.MessageTypeSolicit, &wire.IANAOption{IAID: 1})
	incoming := wrap(solicit, &wire.InterfaceIDOption{InterfaceID: []byte("ge-0/0/0.100")})
	b, result := runBundle(t, p, incoming, true, false)
	require.Equal(t, pipeline.OutcomeResponded, result.Outcome)

	out := b.OutgoingMessage().(*wire.RelayMessage)
	mirror := out.InnerMessage().(*wire.RelayMessage)
	iid, ok := wire.GetOption[*wire.InterfaceIDOption](mirror.Options)
	require.True(t, ok, "relay-reply must mirror the interface-id")
	require.Equal(t, "ge-0/0/0.100", string(iid.InterfaceID))
}

func TestServerIDCheckDropsForeign(t *testing.T) {
	p := serverPipeline(false, false)

	other := &wire.LinkLayerDUID{HardwareType: 1, Address: net.HardwareAddr{9, 9, 9, 9, 9, 9}}
	req := request(wire.MessageTypeRequest,
		&wire.ServerIDOption{DUID: other},
		&wire.IANAOption{IAID: 1})
	b, result := runBundle(t, p, wrap(req), true, false)
	require.Equal(t, pipeline.OutcomeCannotRespond, result.Outcome)
	require.Nil(t, b.Response)

	var cannot *pipeline.CannotRespondError
	require.ErrorAs(t, result.Err, &cannot)
	require.Equal(t, pipeline.KindForOtherServer, cannot.Kind)
}

func TestRejectUnwantedUnicast(t *testing.T) {
	p := serverPipeline(false, false)

	req := request(wire.MessageTypeRequest,
		&wire.ServerIDOption{DUID: testServerDUID},
		&wire.IANAOption{IAID: 1})
	b, result := runBundle(t, p, wrap(req), false, false)
	require.Equal(t, pipeline.OutcomeUseMulticast, result.Outcome)
	require.NotNil(t, b.Response)
	status, ok := wire.GetOption[*wire.StatusCodeOption](b.Response.Options)
	require.True(t, ok)
	require.Equal(t, wire.StatusUseMulticast, status.Status)
}

func TestServerUnicastPermitsUnicast(t *testing.T) {
	p := serverPipeline(false, false,
		pipeline.HandlerNode(&ServerUnicast{Address: netip.MustParseAddr("2001:db8::1")}))

	req := request(wire.MessageTypeRequest,
		&wire.ServerIDOption{DUID: testServerDUID},
		&wire.IANAOption{IAID: 1})
	b, result := runBundle(t, p, wrap(req), false, false)
	require.Equal(t, pipeline.OutcomeResponded, result.Outcome)
	require.Equal(t, wire.MessageTypeReply, b.Response.Type)
	_, ok := wire.GetOption[*wire.ServerUnicastOption](b.Response.Options)
	require.True(t, ok, "reply must offer the unicast address")
}

func TestUnansweredIATable(t *testing.T) {
	t.Run("renew non-authoritative gets NoBinding", func(t *testing.T) {
		p := serverPipeline(false, false)
		renew := request(wire.MessageTypeRenew,
			&wire.ServerIDOption{DUID: testServerDUID},
			&wire.IANAOption{IAID: 1, Options: wire.Options{
				&wire.IAAddressOption{Address: netip.MustParseAddr("2001:db8::5"),
					PreferredLifetime: 100, ValidLifetime: 200},
			}})
		b, result := runBundle(t, p, wrap(renew), true, false)
		require.Equal(t, pipeline.OutcomeResponded, result.Outcome)

		ia, ok := wire.GetOption[*wire.IANAOption](b.Response.Options)
		require.True(t, ok)
		require.Equal(t, wire.StatusNoBinding, ia.Status().Status)
	})

	t.Run("renew authoritative withdraws", func(t *testing.T) {
		p := serverPipeline(false, true)
		renew := request(wire.MessageTypeRenew,
			&wire.ServerIDOption{DUID: testServerDUID},
			&wire.IANAOption{IAID: 1, Options: wire.Options{
				&wire.IAAddressOption{Address: netip.MustParseAddr("2001:db8::5"),
					PreferredLifetime: 100, ValidLifetime: 200},
			}})
		b, result := runBundle(t, p, wrap(renew), true, false)
		require.Equal(t, pipeline.OutcomeResponded, result.Outcome)

		ia, ok := wire.GetOption[*wire.IANAOption](b.Response.Options)
		require.True(t, ok)
		addr, ok := wire.GetOption[*wire.IAAddressOption](ia.Options)
		require.True(t, ok)
		require.Equal(t, uint32(0), addr.PreferredLifetime)
		require.Equal(t, uint32(0), addr.ValidLifetime)
	})

	t.Run("confirm non-authoritative refuses to answer", func(t *testing.T) {
		p := serverPipeline(false, false)
		confirm := request(wire.MessageTypeConfirm,
			&wire.IANAOption{IAID: 1, Options: wire.Options{
				&wire.IAAddressOption{Address: netip.MustParseAddr("2001:db8::5"),
					PreferredLifetime: 100, ValidLifetime: 200},
			}})
		b, result := runBundle(t, p, wrap(confirm), true, false)
		require.Equal(t, pipeline.OutcomeCannotRespond, result.Outcome)
		require.Nil(t, b.Response)
	})

	t.Run("confirm authoritative answers NotOnLink", func(t *testing.T) {
		p := serverPipeline(false, true)
		confirm := request(wire.MessageTypeConfirm,
			&wire.IANAOption{IAID: 1, Options: wire.Options{
				&wire.IAAddressOption{Address: netip.MustParseAddr("2001:db8::5"),
					PreferredLifetime: 100, ValidLifetime: 200},
			}})
		b, result := runBundle(t, p, wrap(confirm), true, false)
		require.Equal(t, pipeline.OutcomeResponded, result.Outcome)
		status, ok := wire.GetOption[*wire.StatusCodeOption](b.Response.Options)
		require.True(t, ok)
		require.Equal(t, wire.StatusNotOnLink, status.Status)
	})

	t.Run("release gets NoBinding and Success", func(t *testing.T) {
		p := serverPipeline(false, false)
		release := request(wire.MessageTypeRelease,
			&wire.ServerIDOption{DUID: testServerDUID},
			&wire.IANAOption{IAID: 1})
		b, result := runBundle(t, p, wrap(release), true, false)
		require.Equal(t, pipeline.OutcomeResponded, result.Outcome)

		ia, ok := wire.GetOption[*wire.IANAOption](b.Response.Options)
		require.True(t, ok)
		require.Equal(t, wire.StatusNoBinding, ia.Status().Status)

		top, ok := wire.GetOption[*wire.StatusCodeOption](b.Response.Options)
		require.True(t, ok, "release reply needs a top-level status")
		require.Equal(t, wire.StatusSuccess, top.Status)
	})
}

func TestEveryIAGetsAnswered(t *testing.T) {
	p := serverPipeline(false, false, staticCSVNode(t, csvRows))

	solicit := request(wire.MessageTypeSolicit,
		&wire.IANAOption{IAID: 1},
		&wire.IANAOption{IAID: 2},
		&wire.IAPDOption{IAID: 3},
		&wire.IATAOption{IAID: 4},
	)
	b, result := runBundle(t, p, wrap(solicit), true, false)
	require.Equal(t, pipeline.OutcomeResponded, result.Outcome)
	require.Empty(t, b.UnhandledIAs(), "every IA must end up handled")

	// One assigned IA_NA, one refused IA_NA, the assigned IA_PD and a
	// refused IA_TA
	nas := wire.GetOptions[*wire.IANAOption](b.Response.Options)
	require.Len(t, nas, 2)
	require.Len(t, wire.GetOptions[*wire.IAPDOption](b.Response.Options), 1)
	require.Len(t, wire.GetOptions[*wire.IATAOption](b.Response.Options), 1)
}

func TestTimingLimitsRespectExistingTimers(t *testing.T) {
	h := &TimingLimits{MinT1: 0, MaxT1: wire.Infinity, FactorT1: 0.5,
		MinT2: 0, MaxT2: wire.Infinity, FactorT2: 0.8}
	require.NoError(t, h.normalize())

	t1, t2 := h.limit(900, 0, 3600)
	require.Equal(t, uint32(900), t1, "preset T1 must survive")
	require.Equal(t, uint32(2880), t2)

	t1, t2 = h.limit(0, 0, wire.Infinity)
	require.Equal(t, uint32(wire.Infinity), t1)
	require.Equal(t, uint32(wire.Infinity), t2)
}

func TestDNSHandlerHonorsORO(t *testing.T) {
	dns := &DNS{
		Servers: []netip.Addr{netip.MustParseAddr("2001:db8::53")},
		Search:  []wire.Domain{wire.NewDomain("example.com.")},
	}
	p := serverPipeline(false, false, pipeline.HandlerNode(dns))

	plain := request(wire.MessageTypeInformationRequest)
	b, result := runBundle(t, p, wrap(plain), true, false)
	require.Equal(t, pipeline.OutcomeResponded, result.Outcome)
	require.False(t, b.HasResponseOption(wire.OptionCodeDNSServers),
		"without an ORO nothing is volunteered")

	asking := request(wire.MessageTypeInformationRequest,
		&wire.OptionRequestOption{Requested: []wire.OptionCode{
			wire.OptionCodeDNSServers, wire.OptionCodeDomainList}})
	b, result = runBundle(t, p, wrap(asking), true, false)
	require.Equal(t, pipeline.OutcomeResponded, result.Outcome)
	require.True(t, b.HasResponseOption(wire.OptionCodeDNSServers))
	require.True(t, b.HasResponseOption(wire.OptionCodeDomainList))
}

func TestCSVLookupByRelayOptions(t *testing.T) {
	rows := "id,address\n" +
		"interface-id:67652d302f302f302e313030,2001:db8::77\n"
	p := serverPipeline(false, false, staticCSVNode(t, rows))

	// DUID does not match; the relay's interface-id does
	solicit := request(wire.MessageTypeSolicit, &wire.IANAOption{IAID: 1})
	incoming := wrap(solicit, &wire.InterfaceIDOption{InterfaceID: []byte("ge-0/0/0.100")})
	b, result := runBundle(t, p, incoming, true, false)
	require.Equal(t, pipeline.OutcomeResponded, result.Outcome)

	ia, ok := wire.GetOption[*wire.IANAOption](b.Response.Options)
	require.True(t, ok)
	addr, ok := wire.GetOption[*wire.IAAddressOption](ia.Options)
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("2001:db8::77"), addr.Address)
}
