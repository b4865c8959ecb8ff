// Package bundle carries the per-request state that the pipeline mutates.
// A bundle is owned by exactly one worker from parse to send and is never
// shared.
package bundle

import (
	"fmt"
	"net/netip"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// Bundle holds everything related to one request/response transaction.
type Bundle struct {
	// Incoming is the outermost message as parsed. The worker always wraps
	// the client message in a synthetic relay-forward so the pipeline sees a
	// uniform shape, whether or not a real relay was involved.
	Incoming wire.Message

	// Request is the innermost client message.
	Request *wire.ClientServerMessage

	// Relays is the relay chain from outermost to innermost.
	Relays []*wire.RelayMessage

	// Response is the innermost outgoing message, filled by the pipeline.
	Response *wire.ClientServerMessage

	// OutgoingRelays mirrors Relays for the response, outermost first.
	OutgoingRelays []*wire.RelayMessage

	// Responses holds extra outgoing messages for stream listeners (bulk
	// leasequery sends several replies on one connection).
	Responses []wire.Message

	// Marks are string tags attached by the listener and by filters.
	Marks map[string]struct{}

	// AllowRapidCommit starts true when the server permits rapid commit;
	// handlers may clear it, never set it.
	AllowRapidCommit bool

	ReceivedOverMulticast bool
	ReceivedOverTCP       bool

	handled map[wire.IAOption]struct{}
}

// New builds a bundle from the outermost incoming message. It fails when
// the innermost message is not something a client may send to a server.
func New(incoming wire.Message, overMulticast, overTCP bool, allowRapidCommit bool, marks ...string) (*Bundle, error) {
	b := &Bundle{
		Incoming:              incoming,
		Marks:                 map[string]struct{}{},
		AllowRapidCommit:      allowRapidCommit,
		ReceivedOverMulticast: overMulticast,
		ReceivedOverTCP:       overTCP,
		handled:               map[wire.IAOption]struct{}{},
	}
	for _, mark := range marks {
		b.Marks[mark] = struct{}{}
	}

	msg := incoming
	for {
		relay, ok := msg.(*wire.RelayMessage)
		if !ok {
			break
		}
		if relay.Type != wire.MessageTypeRelayForward {
			return nil, fmt.Errorf("relay chain contains %s", relay.Type)
		}
		b.Relays = append(b.Relays, relay)
		msg = relay.InnerMessage()
		if msg == nil {
			return nil, fmt.Errorf("relay-forward without relayed message")
		}
	}

	request, ok := msg.(*wire.ClientServerMessage)
	if !ok {
		return nil, fmt.Errorf("unrecognised innermost message type %d", uint8(msg.MessageType()))
	}
	if !request.FromClientToServer() {
		return nil, fmt.Errorf("server should not receive %s from a client", request.Type)
	}
	b.Request = request
	return b, nil
}

// AddMark attaches a tag to the bundle.
func (b *Bundle) AddMark(mark string) {
	b.Marks[mark] = struct{}{}
}

// HasMark reports whether a tag is attached to the bundle.
func (b *Bundle) HasMark(mark string) bool {
	_, ok := b.Marks[mark]
	return ok
}

// MarkHandled records that a handler claimed responsibility for an IA
// option from the request. Idempotent; nothing ever removes an entry.
func (b *Bundle) MarkHandled(ia wire.IAOption) {
	b.handled[ia] = struct{}{}
}

// IsHandled reports whether the IA option has been claimed.
func (b *Bundle) IsHandled(ia wire.IAOption) bool {
	_, ok := b.handled[ia]
	return ok
}

// UnhandledIAs returns the request's IA options of the given kinds that no
// handler has claimed yet, in request order. With no kinds given, all three
// IA kinds are considered.
func (b *Bundle) UnhandledIAs(kinds ...wire.OptionCode) []wire.IAOption {
	if len(kinds) == 0 {
		kinds = []wire.OptionCode{wire.OptionCodeIANA, wire.OptionCodeIATA, wire.OptionCodeIAPD}
	}
	var out []wire.IAOption
	for _, o := range b.Request.Options {
		ia, ok := o.(wire.IAOption)
		if !ok {
			continue
		}
		if _, done := b.handled[ia]; done {
			continue
		}
		for _, kind := range kinds {
			if ia.Code() == kind {
				out = append(out, ia)
				break
			}
		}
	}
	return out
}

// AddResponseOption appends an option to the response body unless that
// exact option (by identity) is already present.
func (b *Bundle) AddResponseOption(o wire.Option) {
	for _, existing := range b.Response.Options {
		if existing == o {
			return
		}
	}
	b.Response.Options = append(b.Response.Options, o)
}

// ForceResponseOption replaces every response option with the same option
// code, or appends when none is present.
func (b *Bundle) ForceResponseOption(o wire.Option) {
	replaced := false
	filtered := b.Response.Options[:0]
	for _, existing := range b.Response.Options {
		if existing.Code() == o.Code() {
			if !replaced {
				filtered = append(filtered, o)
				replaced = true
			}
			continue
		}
		filtered = append(filtered, existing)
	}
	if !replaced {
		filtered = append(filtered, o)
	}
	b.Response.Options = filtered
}

// ResponseOption returns the first response option with the given code.
func (b *Bundle) ResponseOption(code wire.OptionCode) wire.Option {
	if b.Response == nil {
		return nil
	}
	return b.Response.Options.First(code)
}

// HasResponseOption reports whether the response carries an option with
// the given code.
func (b *Bundle) HasResponseOption(code wire.OptionCode) bool {
	return b.ResponseOption(code) != nil
}

// RelayOption walks the relay chain looking for an option with the given
// code. By default the walk starts at the relay closest to the client.
func (b *Bundle) RelayOption(code wire.OptionCode, fromInnermost bool) (wire.Option, *wire.RelayMessage) {
	relays := b.Relays
	if fromInnermost {
		for i := len(relays) - 1; i >= 0; i-- {
			if o := relays[i].Options.First(code); o != nil {
				return o, relays[i]
			}
		}
		return nil, nil
	}
	for _, relay := range relays {
		if o := relay.Options.First(code); o != nil {
			return o, relay
		}
	}
	return nil, nil
}

// AddResponseRelayOption places an option in the outgoing relay-reply
// shell that mirrors the given incoming relay.
func (b *Bundle) AddResponseRelayOption(in *wire.RelayMessage, o wire.Option) error {
	if len(b.OutgoingRelays) != len(b.Relays) {
		return fmt.Errorf("outgoing relay chain not built")
	}
	for i, relay := range b.Relays {
		if relay == in {
			b.OutgoingRelays[i].Options = append(b.OutgoingRelays[i].Options, o)
			return nil
		}
	}
	return fmt.Errorf("relay message is not part of this transaction")
}

// AddResponse queues an extra outgoing message. Only meaningful on stream
// listeners; datagram listeners send a single reply.
func (b *Bundle) AddResponse(msg wire.Message) {
	b.Responses = append(b.Responses, msg)
}

// LinkAddress finds the address identifying the link the request came from:
// the first usable link-address walking outward from the relay closest to
// the client.
func (b *Bundle) LinkAddress() netip.Addr {
	for i := len(b.Relays) - 1; i >= 0; i-- {
		addr := b.Relays[i].LinkAddress
		if !addr.IsUnspecified() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() {
			return addr
		}
	}
	return netip.IPv6Unspecified()
}

// BuildOutgoingRelays creates the plain relay-reply chain mirroring the
// incoming relay chain around the current response.
func (b *Bundle) BuildOutgoingRelays() error {
	if b.Response == nil {
		return fmt.Errorf("cannot build relay chain without a response")
	}
	b.OutgoingRelays = make([]*wire.RelayMessage, len(b.Relays))
	for i, in := range b.Relays {
		b.OutgoingRelays[i] = &wire.RelayMessage{
			Type:        wire.MessageTypeRelayReply,
			HopCount:    in.HopCount,
			LinkAddress: in.LinkAddress,
			PeerAddress: in.PeerAddress,
		}
	}
	for i := 0; i < len(b.OutgoingRelays)-1; i++ {
		b.OutgoingRelays[i].SetInnerMessage(b.OutgoingRelays[i+1])
	}
	if len(b.OutgoingRelays) > 0 {
		b.OutgoingRelays[len(b.OutgoingRelays)-1].SetInnerMessage(b.Response)
	}
	return nil
}

// OutgoingMessage wraps the response in the relay-reply chain, building the
// chain first if no handler did. Returns nil when there is no response.
func (b *Bundle) OutgoingMessage() wire.Message {
	if b.Response == nil {
		return nil
	}
	if !b.Response.FromServerToClient() {
		return nil
	}
	if len(b.Relays) > 0 && len(b.OutgoingRelays) != len(b.Relays) {
		if err := b.BuildOutgoingRelays(); err != nil {
			return nil
		}
	}
	if len(b.OutgoingRelays) > 0 {
		// Re-link in case a handler replaced the response after the chain
		// was built (rapid commit does).
		b.OutgoingRelays[len(b.OutgoingRelays)-1].SetInnerMessage(b.Response)
		return b.OutgoingRelays[0]
	}
	return b.Response
}

// OutgoingMessages returns the primary reply followed by any queued extra
// responses.
func (b *Bundle) OutgoingMessages() []wire.Message {
	var out []wire.Message
	if primary := b.OutgoingMessage(); primary != nil {
		out = append(out, primary)
	}
	out = append(out, b.Responses...)
	return out
}

func (b *Bundle) String() string {
	if b.Request == nil {
		return "transaction with unusable request"
	}
	return fmt.Sprintf("%s from %s", b.Request, wire.DUIDString(b.ClientDUID()))
}

// ClientDUID returns the DUID from the request's client-id option, or nil.
func (b *Bundle) ClientDUID() wire.DUID {
	if cid, ok := wire.GetOption[*wire.ClientIDOption](b.Request.Options); ok {
		return cid.DUID
	}
	return nil
}
