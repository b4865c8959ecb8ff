package handlers

import (
	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// RapidCommit upgrades an Advertise to a Reply when the client asked for
// rapid commit and no handler vetoed it. It runs first in the setup list so
// its post phase, which does the upgrade, runs after every other handler's.
type RapidCommit struct {
	pipeline.Base

	// CommitRejections also rapid-commits responses in which an IA was
	// refused. Some CPE gets confused by a rapid-commit refusal, so this
	// defaults to off.
	CommitRejections bool
}

func (h *RapidCommit) Name() string { return "rapid-commit" }

func (h *RapidCommit) Post(b *bundle.Bundle) error {
	if !b.AllowRapidCommit {
		return nil
	}
	if b.Request.Type != wire.MessageTypeSolicit {
		return nil
	}
	if _, ok := wire.GetOption[*wire.RapidCommitOption](b.Request.Options); !ok {
		return nil
	}
	if b.Response == nil || b.Response.Type != wire.MessageTypeAdvertise {
		return nil
	}

	if !h.CommitRejections {
		// Anything still unhandled at post time will never be answered
		if len(b.UnhandledIAs()) > 0 {
			return nil
		}
		for _, o := range b.Response.Options {
			ia, ok := o.(wire.IAOption)
			if !ok {
				continue
			}
			var status *wire.StatusCodeOption
			switch v := ia.(type) {
			case *wire.IANAOption:
				status = v.Status()
			case *wire.IATAOption:
				status = v.Status()
			case *wire.IAPDOption:
				status = v.Status()
			}
			if status == nil {
				continue
			}
			if status.Status == wire.StatusNoAddrsAvail || status.Status == wire.StatusNoPrefixAvail {
				return nil
			}
		}
	}

	reply := wire.NewClientServerMessage(wire.MessageTypeReply, b.Response.TransactionID)
	reply.Options = append(wire.Options{&wire.RapidCommitOption{}}, b.Response.Options...)
	b.Response = reply
	return nil
}
