// Package filters holds the built-in pipeline filters. A filter enables
// its nested pipeline only for the bundles it matches.
package filters

import (
	"fmt"
	"net/netip"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

func init() {
	config.RegisterHandler("subnet", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		f := &Subnet{}
		for _, s := range spec.StringListParam("prefixes") {
			prefix, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("subnet prefix: %w", err)
			}
			f.Prefixes = append(f.Prefixes, prefix)
		}
		if len(f.Prefixes) == 0 {
			return nil, fmt.Errorf("subnet filter needs at least one prefix")
		}
		return pipeline.FilterNode(f, children...), nil
	})

	config.RegisterHandler("marked-with", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		f := &MarkedWith{Marks: spec.StringListParam("marks")}
		if len(f.Marks) == 0 {
			return nil, fmt.Errorf("marked-with filter needs at least one mark")
		}
		return pipeline.FilterNode(f, children...), nil
	})

	config.RegisterHandler("elapsed-time", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		f := &ElapsedTime{
			// Elapsed time is in centiseconds on the wire; the config
			// speaks seconds
			Min: uint32(spec.IntParam("min", 0)) * 100,
			Max: uint32(spec.IntParam("max", 0)) * 100,
		}
		if !spec.HasParam("max") {
			f.Max = 0xffffffff
		}
		return pipeline.FilterNode(f, children...), nil
	})
}

// Subnet enables its subtree for requests whose link address falls in one
// of the prefixes. Requests straight from clients on a local link have no
// usable link address and never match.
type Subnet struct {
	pipeline.Base
	Prefixes []netip.Prefix
}

func (f *Subnet) Name() string { return fmt.Sprintf("subnet %v", f.Prefixes) }

func (f *Subnet) Matches(b *bundle.Bundle) (bool, error) {
	link := b.LinkAddress()
	if link.IsUnspecified() {
		return false, nil
	}
	for _, prefix := range f.Prefixes {
		if prefix.Contains(link) {
			return true, nil
		}
	}
	return false, nil
}

// MarkedWith enables its subtree when the bundle carries all of the given
// marks. Marks come from listeners and from mark handlers that ran
// earlier.
type MarkedWith struct {
	pipeline.Base
	Marks []string
}

func (f *MarkedWith) Name() string { return fmt.Sprintf("marked-with %v", f.Marks) }

func (f *MarkedWith) Matches(b *bundle.Bundle) (bool, error) {
	for _, mark := range f.Marks {
		if !b.HasMark(mark) {
			return false, nil
		}
	}
	return true, nil
}

// ElapsedTime enables its subtree when the request's elapsed-time option
// falls within [Min, Max] centiseconds. Clients count elapsed time from
// their first attempt, so this lets a backup server answer only clients
// that have been trying for a while.
type ElapsedTime struct {
	pipeline.Base
	Min uint32
	Max uint32
}

func (f *ElapsedTime) Name() string { return fmt.Sprintf("elapsed-time %d-%d", f.Min, f.Max) }

func (f *ElapsedTime) Matches(b *bundle.Bundle) (bool, error) {
	o, ok := wire.GetOption[*wire.ElapsedTimeOption](b.Request.Options)
	if !ok {
		return false, nil
	}
	elapsed := uint32(o.ElapsedTime)
	return elapsed >= f.Min && elapsed <= f.Max, nil
}
