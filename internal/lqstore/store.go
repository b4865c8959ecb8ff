// Package lqstore records address and prefix bindings observed in server
// replies and answers leasequery requests from them. The store contract is
// deliberately small so alternative backends can be dropped in; the
// built-in implementation uses SQLite.
package lqstore

import (
	"net/netip"
	"time"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// Record is one client binding as needed by the leasequery handlers.
type Record struct {
	ClientDUID  wire.DUID
	LinkAddress netip.Addr
	IAID        uint32

	// Exactly one of Address and Prefix is set.
	Address netip.Addr
	Prefix  netip.Prefix

	PreferredUntil time.Time
	ValidUntil     time.Time
	LastSeen       time.Time

	RemoteID    *wire.RemoteIDOption
	RelayID     wire.DUID
	RelayData   []byte // serialized outermost relay-forward, if any
	InterfaceID []byte
}

// Query selects records. Zero fields do not constrain the result.
type Query struct {
	Type        wire.QueryType
	LinkAddress netip.Addr
	Address     netip.Addr
	ClientDUID  wire.DUID
	RelayID     wire.DUID
	RemoteID    *wire.RemoteIDOption
}

// Store is the pluggable leasequery backend. Implementations synchronize
// themselves; handlers call them from multiple workers.
type Store interface {
	// Open prepares per-worker resources. Called after privilege drop.
	Open() error

	// Record upserts the bindings confirmed by one reply.
	Record(records []Record) error

	// Find returns the records matching the query.
	Find(q Query) ([]Record, error)

	Close() error
}
