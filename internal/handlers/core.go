// Package handlers holds the built-in message handlers. A few of them are
// mandatory and always placed around the configured pipeline by the server;
// the rest register a factory so the configuration can instantiate them by
// type name.
package handlers

import (
	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// ServerIDCheck drops requests that carry a server-id for some other
// server. Always installed as the first setup handler.
type ServerIDCheck struct {
	pipeline.Base
	DUID wire.DUID
}

func (h *ServerIDCheck) Name() string { return "server-id-check" }

func (h *ServerIDCheck) Pre(b *bundle.Bundle) error {
	sid, ok := wire.GetOption[*wire.ServerIDOption](b.Request.Options)
	if !ok {
		return nil
	}
	if !wire.EqualDUID(sid.DUID, h.DUID) {
		return pipeline.CannotRespondKind(pipeline.KindForOtherServer,
			"request is for server %s", wire.DUIDString(sid.DUID))
	}
	return nil
}

// InterfaceIDEcho copies the interface-id option of every incoming relay
// message into the matching outgoing relay-reply, as relays require.
type InterfaceIDEcho struct {
	pipeline.Base
}

func (h *InterfaceIDEcho) Name() string { return "interface-id-echo" }

func (h *InterfaceIDEcho) Handle(b *bundle.Bundle) error {
	for _, relay := range b.Relays {
		if o := relay.Options.First(wire.OptionCodeInterfaceID); o != nil {
			if err := b.AddResponseRelayOption(relay, o); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddMissingStatus guarantees that replies to Confirm, Release and Decline
// carry a top-level status option, adding Success when no handler set one.
// Always installed as the last cleanup handler.
type AddMissingStatus struct {
	pipeline.Base
}

func (h *AddMissingStatus) Name() string { return "add-missing-status" }

func (h *AddMissingStatus) Handle(b *bundle.Bundle) error {
	switch b.Request.Type {
	case wire.MessageTypeConfirm, wire.MessageTypeRelease, wire.MessageTypeDecline:
		if !b.HasResponseOption(wire.OptionCodeStatusCode) {
			b.AddResponseOption(wire.NewStatus(wire.StatusSuccess, "success"))
		}
	}
	return nil
}

// markUnicastAllowed is set on the bundle by handlers that permit direct
// unicast contact.
const markUnicastAllowed = "unicast-allowed"

// RejectUnwantedUnicast answers unicast requests with a UseMulticast
// status unless some handler explicitly permitted unicast. Relayed
// requests are never rejected; the relay is expected to unicast to us.
type RejectUnwantedUnicast struct {
	pipeline.Base
}

func (h *RejectUnwantedUnicast) Name() string { return "reject-unwanted-unicast" }

func (h *RejectUnwantedUnicast) Handle(b *bundle.Bundle) error {
	if b.ReceivedOverMulticast || b.ReceivedOverTCP {
		return nil
	}
	if len(b.Relays) > 1 {
		// A real relay shell sits around the client message
		return nil
	}
	if b.HasMark(markUnicastAllowed) {
		return nil
	}
	switch b.Request.Type {
	case wire.MessageTypeRequest, wire.MessageTypeRenew,
		wire.MessageTypeRelease, wire.MessageTypeDecline:
		return &pipeline.UseMulticastError{}
	}
	return nil
}
