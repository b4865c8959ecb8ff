package handlers

import (
	"log/slog"
	"net/netip"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/logger"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// Assignment is what a static backend reserves for one client: an address,
// a delegated prefix, or both.
type Assignment struct {
	Address netip.Addr
	Prefix  netip.Prefix
}

// AssignmentSource looks up the assignment for a request. Lookups run on
// every request in the hot path, so sources keep their data in memory or
// use an indexed database.
type AssignmentSource interface {
	Lookup(b *bundle.Bundle) (Assignment, error)
}

// StaticAssignment answers IA options from a fixed client-to-lease
// mapping. The mapping backend (CSV, SQLite) is pluggable through
// AssignmentSource.
type StaticAssignment struct {
	pipeline.Base

	Source AssignmentSource

	AddressPreferredLifetime uint32
	AddressValidLifetime     uint32
	PrefixPreferredLifetime  uint32
	PrefixValidLifetime      uint32

	log *slog.Logger
}

func newStaticAssignment(spec config.HandlerSpec, source AssignmentSource) *StaticAssignment {
	return &StaticAssignment{
		Source:                   source,
		AddressPreferredLifetime: uint32(spec.IntParam("address_preferred_lifetime", 3600)),
		AddressValidLifetime:     uint32(spec.IntParam("address_valid_lifetime", 7200)),
		PrefixPreferredLifetime:  uint32(spec.IntParam("prefix_preferred_lifetime", 43200)),
		PrefixValidLifetime:      uint32(spec.IntParam("prefix_valid_lifetime", 86400)),
		log:                      logger.Component(logger.ComponentPipeline),
	}
}

func (h *StaticAssignment) Name() string { return "static-assignment" }

func (h *StaticAssignment) WorkerInit() error {
	if wi, ok := h.Source.(pipeline.WorkerIniter); ok {
		return wi.WorkerInit()
	}
	return nil
}

func (h *StaticAssignment) WorkerShutdown() error {
	if ws, ok := h.Source.(pipeline.WorkerShutdowner); ok {
		return ws.WorkerShutdown()
	}
	return nil
}

func (h *StaticAssignment) Handle(b *bundle.Bundle) error {
	assignment, err := h.Source.Lookup(b)
	if err != nil {
		return err
	}

	switch b.Request.Type {
	case wire.MessageTypeSolicit, wire.MessageTypeRequest:
		h.handleRequest(b, assignment)
	case wire.MessageTypeConfirm:
		h.handleConfirm(b, assignment)
	case wire.MessageTypeRenew, wire.MessageTypeRebind:
		h.handleRenewRebind(b, assignment)
	case wire.MessageTypeRelease, wire.MessageTypeDecline:
		h.handleReleaseDecline(b, assignment)
	}
	return nil
}

// handleRequest fills the IA that asked for our reserved lease, or the
// first one of the right kind when the client did not hint.
func (h *StaticAssignment) handleRequest(b *bundle.Bundle, assignment Assignment) {
	if assignment.Prefix.IsValid() {
		if ia := findIAForPrefix(b.UnhandledIAs(wire.OptionCodeIAPD), assignment.Prefix); ia != nil {
			h.log.Debug("assigning prefix", "prefix", assignment.Prefix)
			b.AddResponseOption(wire.NewIAOfSameKind(ia, &wire.IAPrefixOption{
				Prefix:            assignment.Prefix,
				PreferredLifetime: h.PrefixPreferredLifetime,
				ValidLifetime:     h.PrefixValidLifetime,
			}))
			b.MarkHandled(ia)
		}
	}

	if assignment.Address.IsValid() {
		if ia := findIAForAddress(b.UnhandledIAs(wire.OptionCodeIANA), assignment.Address); ia != nil {
			h.log.Debug("assigning address", "address", assignment.Address)
			b.AddResponseOption(wire.NewIAOfSameKind(ia, &wire.IAAddressOption{
				Address:           assignment.Address,
				PreferredLifetime: h.AddressPreferredLifetime,
				ValidLifetime:     h.AddressValidLifetime,
			}))
			b.MarkHandled(ia)
		}
	}
}

// handleConfirm claims the IAs whose addresses are the reserved one. The
// unanswered-IA fallback deals with the rest.
func (h *StaticAssignment) handleConfirm(b *bundle.Bundle, assignment Assignment) {
	if !assignment.Address.IsValid() {
		return
	}
	for _, ia := range b.UnhandledIAs(wire.OptionCodeIANA, wire.OptionCodeIATA) {
		for _, sub := range wire.GetOptions[*wire.IAAddressOption](ia.SubOptions()) {
			if sub.Address == assignment.Address {
				b.MarkHandled(ia)
				break
			}
		}
	}
}

// handleRenewRebind renews the reserved lease and withdraws anything else
// the client asked to keep.
func (h *StaticAssignment) handleRenewRebind(b *bundle.Bundle, assignment Assignment) {
	for _, ia := range b.UnhandledIAs(wire.OptionCodeIAPD) {
		if !assignment.Prefix.IsValid() || !prefixOverlaps(assignment.Prefix, iaPrefixes(ia)) {
			continue
		}
		var sub []wire.Option
		for _, opt := range wire.GetOptions[*wire.IAPrefixOption](ia.SubOptions()) {
			if opt.Prefix == assignment.Prefix {
				sub = append(sub, &wire.IAPrefixOption{
					Prefix:            assignment.Prefix,
					PreferredLifetime: h.PrefixPreferredLifetime,
					ValidLifetime:     h.PrefixValidLifetime,
				})
			} else {
				h.log.Debug("withdrawing prefix", "prefix", opt.Prefix)
				sub = append(sub, &wire.IAPrefixOption{Prefix: opt.Prefix})
			}
		}
		b.AddResponseOption(wire.NewIAOfSameKind(ia, sub...))
		b.MarkHandled(ia)
	}

	if !assignment.Address.IsValid() {
		return
	}
	for _, ia := range b.UnhandledIAs(wire.OptionCodeIANA) {
		var sub []wire.Option
		for _, opt := range wire.GetOptions[*wire.IAAddressOption](ia.SubOptions()) {
			if opt.Address == assignment.Address {
				sub = append(sub, &wire.IAAddressOption{
					Address:           assignment.Address,
					PreferredLifetime: h.AddressPreferredLifetime,
					ValidLifetime:     h.AddressValidLifetime,
				})
			} else {
				h.log.Debug("withdrawing address", "address", opt.Address)
				sub = append(sub, &wire.IAAddressOption{Address: opt.Address})
			}
		}
		b.AddResponseOption(wire.NewIAOfSameKind(ia, sub...))
		b.MarkHandled(ia)
	}
}

// handleReleaseDecline only claims the options; assignments are static, so
// there is nothing to tear down.
func (h *StaticAssignment) handleReleaseDecline(b *bundle.Bundle, assignment Assignment) {
	for _, ia := range b.UnhandledIAs(wire.OptionCodeIAPD) {
		if assignment.Prefix.IsValid() && prefixOverlaps(assignment.Prefix, iaPrefixes(ia)) {
			b.MarkHandled(ia)
		}
	}
	for _, ia := range b.UnhandledIAs(wire.OptionCodeIANA) {
		if !assignment.Address.IsValid() {
			continue
		}
		for _, sub := range wire.GetOptions[*wire.IAAddressOption](ia.SubOptions()) {
			if sub.Address == assignment.Address {
				b.MarkHandled(ia)
				break
			}
		}
	}
}

// findIAForAddress returns the IA that already carries the address, or the
// first one.
func findIAForAddress(ias []wire.IAOption, address netip.Addr) wire.IAOption {
	for _, ia := range ias {
		for _, sub := range wire.GetOptions[*wire.IAAddressOption](ia.SubOptions()) {
			if sub.Address == address {
				return ia
			}
		}
	}
	if len(ias) > 0 {
		return ias[0]
	}
	return nil
}

// findIAForPrefix returns the IA that already carries the prefix, or the
// first one.
func findIAForPrefix(ias []wire.IAOption, prefix netip.Prefix) wire.IAOption {
	for _, ia := range ias {
		for _, sub := range wire.GetOptions[*wire.IAPrefixOption](ia.SubOptions()) {
			if sub.Prefix == prefix {
				return ia
			}
		}
	}
	if len(ias) > 0 {
		return ias[0]
	}
	return nil
}

func iaPrefixes(ia wire.IAOption) []netip.Prefix {
	var out []netip.Prefix
	for _, sub := range wire.GetOptions[*wire.IAPrefixOption](ia.SubOptions()) {
		out = append(out, sub.Prefix)
	}
	return out
}

func prefixOverlaps(prefix netip.Prefix, prefixes []netip.Prefix) bool {
	for _, other := range prefixes {
		if prefix.Overlaps(other) {
			return true
		}
	}
	return false
}
