package handlers

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/veesix-networks/ipv6-dhcpd/internal/lqstore"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

func init() {
	config.RegisterHandler("leasequery", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		path := spec.StringParam("db", "")
		if path == "" {
			return nil, fmt.Errorf("leasequery needs a db parameter")
		}
		h := &LeaseQuery{Store: lqstore.NewSQLiteStore(path)}
		for _, p := range spec.StringListParam("allow_from") {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, fmt.Errorf("leasequery allow_from: %w", err)
			}
			h.AllowFrom = append(h.AllowFrom, prefix)
		}
		return pipeline.HandlerNode(h), nil
	})
}

// LeaseQuery answers LEASEQUERY requests from the lease store. Bulk
// queries over TCP may produce a stream of LEASEQUERY-DATA messages closed
// by LEASEQUERY-DONE; over UDP only single-binding queries are served.
type LeaseQuery struct {
	pipeline.Base

	Store     lqstore.Store
	AllowFrom []netip.Prefix
}

func (h *LeaseQuery) Name() string { return "leasequery" }

func (h *LeaseQuery) WorkerInit() error     { return h.Store.Open() }
func (h *LeaseQuery) WorkerShutdown() error { return h.Store.Close() }

func (h *LeaseQuery) Handle(b *bundle.Bundle) error {
	if b.Request.Type != wire.MessageTypeLeaseQuery {
		return nil
	}

	if len(h.AllowFrom) > 0 {
		requestor := b.Relays[0].PeerAddress
		allowed := false
		for _, prefix := range h.AllowFrom {
			if prefix.Contains(requestor) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &pipeline.ReplyWithStatusError{
				Status:  wire.StatusNotAllowed,
				Message: "you are not allowed to query this server",
			}
		}
	}

	query, ok := wire.GetOption[*wire.LQQueryOption](b.Request.Options)
	if !ok {
		return &pipeline.ReplyWithStatusError{
			Status:  wire.StatusMalformedQuery,
			Message: "lq-query option missing",
		}
	}

	q := lqstore.Query{Type: query.QueryType, LinkAddress: query.LinkAddress}
	switch query.QueryType {
	case wire.QueryByAddress:
		addr, ok := wire.GetOption[*wire.IAAddressOption](query.Options)
		if !ok {
			return &pipeline.ReplyWithStatusError{
				Status:  wire.StatusMalformedQuery,
				Message: "query by address without address",
			}
		}
		q.Address = addr.Address

	case wire.QueryByClientID:
		cid, ok := wire.GetOption[*wire.ClientIDOption](query.Options)
		if !ok {
			return &pipeline.ReplyWithStatusError{
				Status:  wire.StatusMalformedQuery,
				Message: "query by client-id without client-id",
			}
		}
		q.ClientDUID = cid.DUID

	case wire.QueryByRelayID, wire.QueryByLinkAddr, wire.QueryByRemoteID:
		// Bulk-only query types (RFC 5460)
		if !b.ReceivedOverTCP {
			return &pipeline.ReplyWithStatusError{
				Status:  wire.StatusNotAllowed,
				Message: fmt.Sprintf("%s is only allowed over bulk leasequery", query.QueryType),
			}
		}
		if rid, ok := wire.GetOption[*wire.RelayIDOption](query.Options); ok {
			q.RelayID = rid.DUID
		}
		if rid, ok := wire.GetOption[*wire.RemoteIDOption](query.Options); ok {
			q.RemoteID = rid
		}
		if query.QueryType == wire.QueryByRelayID && q.RelayID == nil {
			return &pipeline.ReplyWithStatusError{
				Status:  wire.StatusMalformedQuery,
				Message: "query by relay-id without relay-id",
			}
		}
		if query.QueryType == wire.QueryByRemoteID && q.RemoteID == nil {
			return &pipeline.ReplyWithStatusError{
				Status:  wire.StatusMalformedQuery,
				Message: "query by remote-id without remote-id",
			}
		}

	default:
		return &pipeline.ReplyWithStatusError{
			Status:  wire.StatusUnknownQueryType,
			Message: fmt.Sprintf("unknown query type %d", uint8(query.QueryType)),
		}
	}

	records, err := h.Store.Find(q)
	if err != nil {
		return fmt.Errorf("lease store: %w", err)
	}

	clients := groupByClient(records)
	if len(clients) == 0 {
		return nil
	}

	if b.ReceivedOverTCP {
		// Bulk: first binding in the reply, the rest as a data stream
		b.AddResponseOption(clientData(clients[0]))
		for _, client := range clients[1:] {
			data := wire.NewClientServerMessage(wire.MessageTypeLeaseQueryData, b.Request.TransactionID)
			data.Options = append(data.Options, clientData(client))
			b.AddResponse(data)
		}
		done := wire.NewClientServerMessage(wire.MessageTypeLeaseQueryDone, b.Request.TransactionID)
		b.AddResponse(done)
		return nil
	}

	if len(clients) > 1 || spansMultipleLinks(clients[0]) {
		// Too much for a datagram answer: point at the links instead
		b.AddResponseOption(&wire.LQClientLinkOption{LinkAddresses: linkAddresses(records)})
		return nil
	}
	b.AddResponseOption(clientData(clients[0]))
	return nil
}

func groupByClient(records []lqstore.Record) [][]lqstore.Record {
	var order []string
	grouped := map[string][]lqstore.Record{}
	for _, r := range records {
		key := wire.DUIDString(r.ClientDUID)
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], r)
	}
	out := make([][]lqstore.Record, 0, len(order))
	for _, key := range order {
		out = append(out, grouped[key])
	}
	return out
}

func spansMultipleLinks(records []lqstore.Record) bool {
	var link netip.Addr
	for _, r := range records {
		if !link.IsValid() {
			link = r.LinkAddress
			continue
		}
		if r.LinkAddress != link {
			return true
		}
	}
	return false
}

func linkAddresses(records []lqstore.Record) []netip.Addr {
	var out []netip.Addr
	seen := map[netip.Addr]struct{}{}
	for _, r := range records {
		if _, done := seen[r.LinkAddress]; done {
			continue
		}
		seen[r.LinkAddress] = struct{}{}
		out = append(out, r.LinkAddress)
	}
	return out
}

// clientData renders one client's bindings as a client-data option with
// remaining lifetimes.
func clientData(records []lqstore.Record) *wire.ClientDataOption {
	data := &wire.ClientDataOption{}
	now := time.Now()

	data.Options = append(data.Options, &wire.ClientIDOption{DUID: records[0].ClientDUID})
	lastSeen := records[0].LastSeen

	for _, r := range records {
		if r.LastSeen.After(lastSeen) {
			lastSeen = r.LastSeen
		}
		preferred := remaining(now, r.PreferredUntil)
		valid := remaining(now, r.ValidUntil)
		if r.Address.IsValid() {
			data.Options = append(data.Options, &wire.IAAddressOption{
				Address:           r.Address,
				PreferredLifetime: preferred,
				ValidLifetime:     valid,
			})
		}
		if r.Prefix.IsValid() {
			data.Options = append(data.Options, &wire.IAPrefixOption{
				Prefix:            r.Prefix,
				PreferredLifetime: preferred,
				ValidLifetime:     valid,
			})
		}
	}

	data.Options = append(data.Options, &wire.CLTTimeOption{
		TransactionTime: uint32(now.Sub(lastSeen).Seconds()),
	})
	return data
}

func remaining(now time.Time, until time.Time) uint32 {
	if until.IsZero() {
		return 0
	}
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	return uint32(d.Seconds())
}

// LeaseRegistrar records the bindings of successful replies into the lease
// store. Installed as a cleanup handler when a lease database is
// configured; recording happens in post because only there the final
// response type is known (an Advertise promises nothing).
type LeaseRegistrar struct {
	pipeline.Base
	Store lqstore.Store
}

func (h *LeaseRegistrar) Name() string { return "lease-registrar" }

func (h *LeaseRegistrar) WorkerInit() error     { return h.Store.Open() }
func (h *LeaseRegistrar) WorkerShutdown() error { return h.Store.Close() }

func (h *LeaseRegistrar) Post(b *bundle.Bundle) error {
	if b.Response == nil || b.Response.Type != wire.MessageTypeReply {
		return nil
	}
	switch b.Request.Type {
	case wire.MessageTypeSolicit, wire.MessageTypeRequest,
		wire.MessageTypeRenew, wire.MessageTypeRebind:
	default:
		return nil
	}

	duid := b.ClientDUID()
	if duid == nil {
		return nil
	}

	now := time.Now()
	base := lqstore.Record{
		ClientDUID:  duid,
		LinkAddress: b.LinkAddress(),
		LastSeen:    now,
	}
	if o, _ := b.RelayOption(wire.OptionCodeRemoteID, true); o != nil {
		base.RemoteID = o.(*wire.RemoteIDOption)
	}
	if o, _ := b.RelayOption(wire.OptionCodeRelayID, true); o != nil {
		base.RelayID = o.(*wire.RelayIDOption).DUID
	}
	if o, _ := b.RelayOption(wire.OptionCodeInterfaceID, true); o != nil {
		base.InterfaceID = o.(*wire.InterfaceIDOption).InterfaceID
	}
	if len(b.Relays) > 1 {
		if data, err := b.Relays[1].Marshal(); err == nil {
			base.RelayData = data
		}
	}

	var records []lqstore.Record
	for _, o := range b.Response.Options {
		switch ia := o.(type) {
		case *wire.IANAOption:
			for _, sub := range wire.GetOptions[*wire.IAAddressOption](ia.Options) {
				if sub.ValidLifetime == 0 {
					continue
				}
				r := base
				r.IAID = ia.IAID
				r.Address = sub.Address
				r.PreferredUntil = lifetimeEnd(now, sub.PreferredLifetime)
				r.ValidUntil = lifetimeEnd(now, sub.ValidLifetime)
				records = append(records, r)
			}
		case *wire.IAPDOption:
			for _, sub := range wire.GetOptions[*wire.IAPrefixOption](ia.Options) {
				if sub.ValidLifetime == 0 {
					continue
				}
				r := base
				r.IAID = ia.IAID
				r.Prefix = sub.Prefix
				r.PreferredUntil = lifetimeEnd(now, sub.PreferredLifetime)
				r.ValidUntil = lifetimeEnd(now, sub.ValidLifetime)
				records = append(records, r)
			}
		}
	}

	if len(records) == 0 {
		return nil
	}
	return h.Store.Record(records)
}

func lifetimeEnd(now time.Time, lifetime uint32) time.Time {
	if lifetime == wire.Infinity {
		// Far enough to be forever for any practical query
		return now.AddDate(100, 0, 0)
	}
	return now.Add(time.Duration(lifetime) * time.Second)
}
