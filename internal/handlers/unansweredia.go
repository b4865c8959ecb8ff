package handlers

import (
	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// UnansweredIA answers every IA option that no handler claimed, so a client
// never sees an IA silently vanish from the reply. Always installed as a
// cleanup handler, after the configured pipeline.
//
// Authoritative servers may withdraw addresses (zero lifetimes) and reject
// Confirms with NotOnLink; non-authoritative servers stick to NoBinding or
// refuse to answer.
type UnansweredIA struct {
	pipeline.Base
	Authoritative bool
}

func (h *UnansweredIA) Name() string { return "unanswered-ia" }

func (h *UnansweredIA) Handle(b *bundle.Bundle) error {
	switch b.Request.Type {
	case wire.MessageTypeSolicit, wire.MessageTypeRequest:
		return h.refuse(b)
	case wire.MessageTypeConfirm:
		return h.confirm(b)
	case wire.MessageTypeRenew:
		return h.renew(b)
	case wire.MessageTypeRebind:
		return h.rebind(b)
	case wire.MessageTypeRelease, wire.MessageTypeDecline:
		return h.noBinding(b)
	}
	return nil
}

// refuse answers Solicit/Request IAs with the applicable not-available
// status, unless an earlier handler already set a negative status on the
// same IAID.
func (h *UnansweredIA) refuse(b *bundle.Bundle) error {
	for _, ia := range b.UnhandledIAs() {
		status := wire.NewStatus(wire.StatusNoAddrsAvail, "no addresses available")
		if ia.Code() == wire.OptionCodeIAPD {
			status = wire.NewStatus(wire.StatusNoPrefixAvail, "no prefixes available")
		}
		b.AddResponseOption(wire.NewIAOfSameKind(ia, status))
		b.MarkHandled(ia)
	}
	return nil
}

func (h *UnansweredIA) confirm(b *bundle.Bundle) error {
	unhandled := b.UnhandledIAs(wire.OptionCodeIANA, wire.OptionCodeIATA)
	if len(unhandled) == 0 {
		return nil
	}
	if !h.Authoritative {
		return pipeline.CannotRespond("not authoritative, cannot reject confirm")
	}
	b.ForceResponseOption(wire.NewStatus(wire.StatusNotOnLink,
		"those addresses are not appropriate on this link"))
	for _, ia := range unhandled {
		b.MarkHandled(ia)
	}
	return nil
}

func (h *UnansweredIA) renew(b *bundle.Bundle) error {
	for _, ia := range b.UnhandledIAs() {
		if h.Authoritative {
			b.AddResponseOption(withdrawn(ia))
		} else {
			b.AddResponseOption(wire.NewIAOfSameKind(ia,
				wire.NewStatus(wire.StatusNoBinding, "no addresses assigned to you")))
		}
		b.MarkHandled(ia)
	}
	return nil
}

// rebind withdraws the addresses when authoritative. Without authority the
// safe answer is NoBinding rather than silence.
func (h *UnansweredIA) rebind(b *bundle.Bundle) error {
	for _, ia := range b.UnhandledIAs() {
		if h.Authoritative {
			b.AddResponseOption(withdrawn(ia))
		} else {
			b.AddResponseOption(wire.NewIAOfSameKind(ia,
				wire.NewStatus(wire.StatusNoBinding, "no addresses assigned to you")))
		}
		b.MarkHandled(ia)
	}
	return nil
}

func (h *UnansweredIA) noBinding(b *bundle.Bundle) error {
	for _, ia := range b.UnhandledIAs() {
		b.AddResponseOption(wire.NewIAOfSameKind(ia,
			wire.NewStatus(wire.StatusNoBinding, "no addresses assigned to you")))
		b.MarkHandled(ia)
	}
	return nil
}

// withdrawn rebuilds an IA with every address and prefix at zero lifetimes,
// telling the client to stop using them.
func withdrawn(ia wire.IAOption) wire.IAOption {
	var sub []wire.Option
	for _, o := range ia.SubOptions() {
		switch v := o.(type) {
		case *wire.IAAddressOption:
			sub = append(sub, &wire.IAAddressOption{Address: v.Address})
		case *wire.IAPrefixOption:
			sub = append(sub, &wire.IAPrefixOption{Prefix: v.Prefix})
		}
	}
	return wire.NewIAOfSameKind(ia, sub...)
}
