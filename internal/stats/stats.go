// Package stats counts what the server does. Counters are updated by
// workers on the hot path and read by the control socket and the
// prometheus exporter.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// countedMessageTypes are the message types that get their own in/out
// counters.
var countedMessageTypes = []wire.MessageType{
	wire.MessageTypeSolicit, wire.MessageTypeAdvertise, wire.MessageTypeRequest,
	wire.MessageTypeConfirm, wire.MessageTypeRenew, wire.MessageTypeRebind,
	wire.MessageTypeReply, wire.MessageTypeRelease, wire.MessageTypeDecline,
	wire.MessageTypeReconfigure, wire.MessageTypeInformationRequest,
	wire.MessageTypeRelayForward, wire.MessageTypeRelayReply,
	wire.MessageTypeLeaseQuery, wire.MessageTypeLeaseQueryReply,
	wire.MessageTypeLeaseQueryDone, wire.MessageTypeLeaseQueryData,
}

// Counters is one set of counters, kept per listener and once globally.
type Counters struct {
	IncomingPackets   atomic.Uint64
	OutgoingPackets   atomic.Uint64
	UnparsablePackets atomic.Uint64
	HandlingErrors    atomic.Uint64
	ForOtherServer    atomic.Uint64
	DoNotRespond      atomic.Uint64
	Ignored           atomic.Uint64
	Incomplete        atomic.Uint64
	UseMulticast      atomic.Uint64
	RateLimited       atomic.Uint64

	messagesIn  map[wire.MessageType]*atomic.Uint64
	messagesOut map[wire.MessageType]*atomic.Uint64
}

func newCounters() *Counters {
	c := &Counters{
		messagesIn:  map[wire.MessageType]*atomic.Uint64{},
		messagesOut: map[wire.MessageType]*atomic.Uint64{},
	}
	for _, mt := range countedMessageTypes {
		c.messagesIn[mt] = &atomic.Uint64{}
		c.messagesOut[mt] = &atomic.Uint64{}
	}
	return c
}

func (c *Counters) CountMessageIn(mt wire.MessageType) {
	if counter, ok := c.messagesIn[mt]; ok {
		counter.Add(1)
	}
}

func (c *Counters) CountMessageOut(mt wire.MessageType) {
	if counter, ok := c.messagesOut[mt]; ok {
		counter.Add(1)
	}
}

// Server aggregates the global counters, per-listener counters and the
// master's queue overflow count.
type Server struct {
	Global        *Counters
	QueueOverflow atomic.Uint64

	mu         sync.RWMutex
	byListener map[string]*Counters
}

func NewServer() *Server {
	return &Server{
		Global:     newCounters(),
		byListener: map[string]*Counters{},
	}
}

// Listener returns (creating on first use) the counter set of a listener.
func (s *Server) Listener(name string) *Counters {
	s.mu.RLock()
	c, ok := s.byListener[name]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byListener[name]; ok {
		return c
	}
	c = newCounters()
	s.byListener[name] = c
	return c
}

// Set bundles the counter sets one packet updates: always the global set,
// plus the set of the listener it arrived on.
type Set struct {
	counters []*Counters
}

func (s *Server) SetFor(listenerName string) Set {
	return Set{counters: []*Counters{s.Global, s.Listener(listenerName)}}
}

func (s Set) each(fn func(*Counters)) {
	for _, c := range s.counters {
		fn(c)
	}
}

func (s Set) IncomingPacket()   { s.each(func(c *Counters) { c.IncomingPackets.Add(1) }) }
func (s Set) OutgoingPacket()   { s.each(func(c *Counters) { c.OutgoingPackets.Add(1) }) }
func (s Set) UnparsablePacket() { s.each(func(c *Counters) { c.UnparsablePackets.Add(1) }) }
func (s Set) HandlingError()    { s.each(func(c *Counters) { c.HandlingErrors.Add(1) }) }
func (s Set) ForOtherServer()   { s.each(func(c *Counters) { c.ForOtherServer.Add(1) }) }
func (s Set) DoNotRespond()     { s.each(func(c *Counters) { c.DoNotRespond.Add(1) }) }
func (s Set) IgnoredPacket()    { s.each(func(c *Counters) { c.Ignored.Add(1) }) }
func (s Set) IncompletePacket() { s.each(func(c *Counters) { c.Incomplete.Add(1) }) }
func (s Set) UseMulticast()     { s.each(func(c *Counters) { c.UseMulticast.Add(1) }) }
func (s Set) RateLimited()      { s.each(func(c *Counters) { c.RateLimited.Add(1) }) }

func (s Set) MessageIn(mt wire.MessageType)  { s.each(func(c *Counters) { c.CountMessageIn(mt) }) }
func (s Set) MessageOut(mt wire.MessageType) { s.each(func(c *Counters) { c.CountMessageOut(mt) }) }

// Snapshot flattens one counter set into name/value pairs.
func (c *Counters) Snapshot() map[string]uint64 {
	out := map[string]uint64{
		"incoming_packets":   c.IncomingPackets.Load(),
		"outgoing_packets":   c.OutgoingPackets.Load(),
		"unparsable_packets": c.UnparsablePackets.Load(),
		"handling_errors":    c.HandlingErrors.Load(),
		"for_other_server":   c.ForOtherServer.Load(),
		"do_not_respond":     c.DoNotRespond.Load(),
		"ignored":            c.Ignored.Load(),
		"incomplete":         c.Incomplete.Load(),
		"use_multicast":      c.UseMulticast.Load(),
		"rate_limited":       c.RateLimited.Load(),
	}
	for mt, counter := range c.messagesIn {
		out["messages_in_"+metricName(mt)] = counter.Load()
	}
	for mt, counter := range c.messagesOut {
		out["messages_out_"+metricName(mt)] = counter.Load()
	}
	return out
}

// Snapshot renders the server totals plus per-listener breakdowns.
func (s *Server) Snapshot() map[string]map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[string]map[string]uint64{}
	global := s.Global.Snapshot()
	global["queue_overflow"] = s.QueueOverflow.Load()
	out["global"] = global
	for name, counters := range s.byListener {
		out[name] = counters.Snapshot()
	}
	return out
}

// Format renders a snapshot as sorted "section.counter value" lines for
// the control socket.
func Format(snapshot map[string]map[string]uint64) string {
	var sections []string
	for section := range snapshot {
		sections = append(sections, section)
	}
	sort.Strings(sections)

	var sb strings.Builder
	for _, section := range sections {
		var names []string
		for name := range snapshot[section] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&sb, "%s.%s %d\n", section, name, snapshot[section][name])
		}
	}
	return sb.String()
}

func metricName(mt wire.MessageType) string {
	name := strings.ToLower(mt.String())
	name = strings.ReplaceAll(name, "-", "_")
	return name
}
