package handlers

import (
	"fmt"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

func init() {
	config.RegisterHandler("timing-limits", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		h := &TimingLimits{
			MinT1:    uint32(spec.IntParam("min_t1", 0)),
			MaxT1:    uint32(spec.IntParam("max_t1", wire.Infinity)),
			FactorT1: spec.FloatParam("factor_t1", 0.5),
			MinT2:    uint32(spec.IntParam("min_t2", 0)),
			MaxT2:    uint32(spec.IntParam("max_t2", wire.Infinity)),
			FactorT2: spec.FloatParam("factor_t2", 0.8),
		}
		if err := h.normalize(); err != nil {
			return nil, err
		}
		return pipeline.HandlerNode(h), nil
	})
}

// TimingLimits keeps the T1/T2 renewal timers of outgoing IA_NA and IA_PD
// options inside configured bounds. Timers a handler left at zero are
// derived from the shortest preferred lifetime using the factors.
type TimingLimits struct {
	pipeline.Base

	MinT1, MaxT1 uint32
	MinT2, MaxT2 uint32
	// A negative factor disables derivation of that timer.
	FactorT1, FactorT2 float64
}

func (h *TimingLimits) normalize() error {
	if h.MaxT2 > wire.Infinity {
		h.MaxT2 = wire.Infinity
	}
	// T1 may never exceed T2, so the limits must nest
	if h.MaxT1 > h.MaxT2 {
		h.MaxT1 = h.MaxT2
	}
	if h.MinT2 < h.MinT1 {
		h.MinT2 = h.MinT1
	}
	if h.MinT1 > h.MaxT2 {
		return fmt.Errorf("min_t1 must not exceed max_t2")
	}
	if h.FactorT1 >= 0 && h.FactorT2 >= 0 && h.FactorT1 > h.FactorT2 {
		return fmt.Errorf("factor_t1 must not exceed factor_t2")
	}
	return nil
}

func (h *TimingLimits) Name() string { return "timing-limits" }

func (h *TimingLimits) Handle(b *bundle.Bundle) error {
	for _, o := range b.Response.Options {
		switch ia := o.(type) {
		case *wire.IANAOption:
			shortest, ok := shortestPreferred(ia.Options, func(sub *wire.IAAddressOption) uint32 {
				return sub.PreferredLifetime
			})
			if !ok {
				continue
			}
			ia.T1, ia.T2 = h.limit(ia.T1, ia.T2, shortest)

		case *wire.IAPDOption:
			shortest, ok := shortestPreferred(ia.Options, func(sub *wire.IAPrefixOption) uint32 {
				return sub.PreferredLifetime
			})
			if !ok {
				continue
			}
			ia.T1, ia.T2 = h.limit(ia.T1, ia.T2, shortest)
		}
	}
	return nil
}

func (h *TimingLimits) limit(t1, t2, shortest uint32) (uint32, uint32) {
	if t1 == 0 && h.FactorT1 >= 0 {
		t1 = scale(shortest, h.FactorT1)
	}
	if t2 == 0 && h.FactorT2 >= 0 {
		t2 = scale(shortest, h.FactorT2)
	}

	t1 = clamp(t1, h.MinT1, h.MaxT1)
	t2 = clamp(t2, h.MinT2, h.MaxT2)
	if t1 > t2 {
		t1 = t2
	}
	if t1 > shortest {
		t1 = shortest
	}
	if t2 > shortest {
		t2 = shortest
	}
	return t1, t2
}

func scale(lifetime uint32, factor float64) uint32 {
	if lifetime == wire.Infinity {
		return wire.Infinity
	}
	return uint32(float64(lifetime) * factor)
}

func clamp(v, min, max uint32) uint32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func shortestPreferred[T wire.Option](opts wire.Options, lifetime func(T) uint32) (uint32, bool) {
	shortest := uint32(wire.Infinity)
	found := false
	for _, sub := range wire.GetOptions[T](opts) {
		found = true
		if l := lifetime(sub); l < shortest {
			shortest = l
		}
	}
	return shortest, found
}
