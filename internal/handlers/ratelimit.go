package handlers

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// ErrRateLimited is the ignore raised when a client exceeds its rate
// limit. Its own error value so the stats can count it separately.
var ErrRateLimited = fmt.Errorf("%w: rate limited", pipeline.ErrIgnoreMessage)

func init() {
	config.RegisterHandler("rate-limit", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		keyName := spec.StringParam("key", "duid")
		key, ok := rateLimitKeys[keyName]
		if !ok {
			return nil, fmt.Errorf("unknown rate-limit key %q", keyName)
		}
		h := &RateLimit{
			KeyName: keyName,
			key:     key,
			Rate:    spec.IntParam("rate", 5),
			Per:     time.Duration(spec.IntParam("per", 30)) * time.Second,
			Burst:   spec.IntParam("burst", 0),
			seen:    map[string][]time.Time{},
		}
		if h.Burst == 0 {
			h.Burst = h.Rate
		}
		return pipeline.HandlerNode(h), nil
	})
}

// rateLimitKeys selects what identifies "one client". Every selector
// falls back to the DUID when its preferred key is absent.
var rateLimitKeys = map[string]func(b *bundle.Bundle) string{
	"duid":          duidKey,
	"interface-id":  relayOptionKey(wire.OptionCodeInterfaceID),
	"remote-id":     relayOptionKey(wire.OptionCodeRemoteID),
	"subscriber-id": relayOptionKey(wire.OptionCodeSubscriberID),
	"linklayer-id":  relayOptionKey(wire.OptionCodeLinkLayerID),
}

func duidKey(b *bundle.Bundle) string {
	return "duid:" + wire.DUIDString(b.ClientDUID())
}

func relayOptionKey(code wire.OptionCode) func(b *bundle.Bundle) string {
	return func(b *bundle.Bundle) string {
		o, _ := b.RelayOption(code, true)
		if o == nil {
			return duidKey(b)
		}
		payload, err := o.MarshalBinary()
		if err != nil {
			return duidKey(b)
		}
		return fmt.Sprintf("%s:%s", code, hex.EncodeToString(payload))
	}
}

// RateLimit silently drops requests from clients that send too fast. The
// most common reason clients hammer the server is that they dislike the
// answer; not answering at all slows them down.
type RateLimit struct {
	pipeline.Base

	KeyName string
	Rate    int
	Per     time.Duration
	Burst   int

	key func(b *bundle.Bundle) string

	mu   sync.Mutex
	seen map[string][]time.Time
}

func (h *RateLimit) Name() string {
	return fmt.Sprintf("rate-limit %d/%s by %s", h.Rate, h.Per, h.KeyName)
}

// Pre checks the sliding window and aborts the whole pipeline when the
// client is over its limit.
func (h *RateLimit) Pre(b *bundle.Bundle) error {
	if !h.allow(h.key(b), time.Now()) {
		return ErrRateLimited
	}
	return nil
}

func (h *RateLimit) allow(key string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	window := h.seen[key]
	cutoff := now.Add(-h.Per)
	pruned := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	limit := h.Rate
	if h.Burst > limit {
		limit = h.Burst
	}
	if len(pruned) >= limit {
		h.seen[key] = pruned
		return false
	}
	h.seen[key] = append(pruned, now)
	return true
}
