package handlers

import (
	"fmt"
	"net/netip"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

func init() {
	config.RegisterHandler("preference", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		level := spec.IntParam("level", 0)
		if level < 0 || level > 255 {
			return nil, fmt.Errorf("preference level %d out of range", level)
		}
		return pipeline.HandlerNode(&Preference{Level: uint8(level)}), nil
	})

	config.RegisterHandler("ignore", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		h := &Ignore{}
		for _, name := range spec.StringListParam("message_types") {
			mt, err := messageTypeByName(name)
			if err != nil {
				return nil, err
			}
			h.MessageTypes = append(h.MessageTypes, mt)
		}
		return pipeline.HandlerNode(h), nil
	})

	config.RegisterHandler("mark", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		marks := spec.StringListParam("marks")
		if len(marks) == 0 {
			return nil, fmt.Errorf("mark handler needs at least one mark")
		}
		return pipeline.HandlerNode(&Mark{Marks: marks}), nil
	})

	config.RegisterHandler("server-unicast", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		addr, err := netip.ParseAddr(spec.StringParam("address", ""))
		if err != nil {
			return nil, fmt.Errorf("server-unicast address: %w", err)
		}
		return pipeline.HandlerNode(&ServerUnicast{Address: addr}), nil
	})

	config.RegisterHandler("echo-relay-options", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		return pipeline.HandlerNode(&EchoRequestedOptions{}), nil
	})

	config.RegisterHandler("dns", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		h := &DNS{Always: spec.BoolParam("always", false)}
		for _, s := range spec.StringListParam("servers") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("dns server: %w", err)
			}
			h.Servers = append(h.Servers, addr)
		}
		for _, d := range spec.StringListParam("search") {
			h.Search = append(h.Search, wire.NewDomain(d))
		}
		return pipeline.HandlerNode(h), nil
	})
}

func messageTypeByName(name string) (wire.MessageType, error) {
	for mt := wire.MessageTypeSolicit; mt <= wire.MessageTypeLeaseQueryData; mt++ {
		if mt.String() == name {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", name)
}

// Preference inserts the server's preference into Advertise responses so
// clients pick between competing servers.
type Preference struct {
	pipeline.Base
	Level uint8
}

func (h *Preference) Name() string { return fmt.Sprintf("preference %d", h.Level) }

func (h *Preference) Handle(b *bundle.Bundle) error {
	if b.Response.Type == wire.MessageTypeAdvertise {
		b.ForceResponseOption(&wire.PreferenceOption{Preference: h.Level})
	}
	return nil
}

// Ignore silently drops requests, optionally only of the given message
// types. Placed under a filter it blackholes a subset of clients.
type Ignore struct {
	pipeline.Base
	MessageTypes []wire.MessageType
}

func (h *Ignore) Name() string { return "ignore" }

func (h *Ignore) Pre(b *bundle.Bundle) error {
	if len(h.MessageTypes) == 0 {
		return pipeline.ErrIgnoreMessage
	}
	for _, mt := range h.MessageTypes {
		if b.Request.Type == mt {
			return pipeline.ErrIgnoreMessage
		}
	}
	return nil
}

// Mark tags the bundle so later filters can route on it.
type Mark struct {
	pipeline.Base
	Marks []string
}

func (h *Mark) Name() string { return "mark" }

func (h *Mark) Pre(b *bundle.Bundle) error {
	for _, mark := range h.Marks {
		b.AddMark(mark)
	}
	return nil
}

// ServerUnicast offers the client a unicast address for future exchanges
// and accepts the unicast traffic that follows.
type ServerUnicast struct {
	pipeline.Base
	Address netip.Addr
}

func (h *ServerUnicast) Name() string { return "server-unicast" }

func (h *ServerUnicast) Pre(b *bundle.Bundle) error {
	b.AddMark(markUnicastAllowed)
	return nil
}

func (h *ServerUnicast) Handle(b *bundle.Bundle) error {
	switch b.Response.Type {
	case wire.MessageTypeAdvertise, wire.MessageTypeReply:
		b.ForceResponseOption(&wire.ServerUnicastOption{Address: h.Address})
	}
	return nil
}

// EchoRequestedOptions echoes the relay options named in each relay's
// echo-request option back in the matching relay-reply.
type EchoRequestedOptions struct {
	pipeline.Base
}

func (h *EchoRequestedOptions) Name() string { return "echo-relay-options" }

func (h *EchoRequestedOptions) Handle(b *bundle.Bundle) error {
	for _, relay := range b.Relays {
		ero, ok := wire.GetOption[*wire.EchoRequestOption](relay.Options)
		if !ok {
			continue
		}
		for _, code := range ero.Requested {
			if o := relay.Options.First(code); o != nil {
				if err := b.AddResponseRelayOption(relay, o); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// DNS answers the recursive name server and domain search list options
// when the client asks for them (or always, when configured so).
type DNS struct {
	pipeline.Base
	Servers []netip.Addr
	Search  []wire.Domain
	Always  bool
}

func (h *DNS) Name() string { return "dns" }

func (h *DNS) Handle(b *bundle.Bundle) error {
	oro, _ := wire.GetOption[*wire.OptionRequestOption](b.Request.Options)

	wants := func(code wire.OptionCode) bool {
		if h.Always {
			return true
		}
		return oro != nil && oro.Requests(code)
	}

	if len(h.Servers) > 0 && wants(wire.OptionCodeDNSServers) {
		b.ForceResponseOption(&wire.RecursiveNameServersOption{Servers: h.Servers})
	}
	if len(h.Search) > 0 && wants(wire.OptionCodeDomainList) {
		b.ForceResponseOption(&wire.DomainSearchListOption{SearchList: h.Search})
	}
	return nil
}
