package lqstore

import (
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, s.Open())
	t.Cleanup(func() { s.Close() })
	return s
}

func testDUID(last byte) wire.DUID {
	return &wire.LinkLayerDUID{HardwareType: 1,
		Address: net.HardwareAddr{0, 1, 2, 3, 4, last}}
}

func TestRecordAndFindByAddress(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	record := Record{
		ClientDUID:     testDUID(1),
		LinkAddress:    netip.MustParseAddr("2001:db8::1"),
		IAID:           7,
		Address:        netip.MustParseAddr("2001:db8::42"),
		PreferredUntil: now.Add(time.Hour),
		ValidUntil:     now.Add(2 * time.Hour),
		LastSeen:       now,
		RemoteID:       &wire.RemoteIDOption{EnterpriseNumber: 9, RemoteID: []byte{0xaa}},
	}
	require.NoError(t, s.Record([]Record{record}))

	found, err := s.Find(Query{Type: wire.QueryByAddress,
		Address: netip.MustParseAddr("2001:db8::42")})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.True(t, wire.EqualDUID(found[0].ClientDUID, record.ClientDUID))
	require.Equal(t, uint32(7), found[0].IAID)
	require.Equal(t, record.Address, found[0].Address)
	require.NotNil(t, found[0].RemoteID)
	require.Equal(t, uint32(9), found[0].RemoteID.EnterpriseNumber)

	none, err := s.Find(Query{Type: wire.QueryByAddress,
		Address: netip.MustParseAddr("2001:db8::99")})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestFindByClientID(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	for i, addr := range []string{"2001:db8::10", "2001:db8::11"} {
		require.NoError(t, s.Record([]Record{{
			ClientDUID:  testDUID(2),
			LinkAddress: netip.MustParseAddr("2001:db8::1"),
			IAID:        uint32(i),
			Address:     netip.MustParseAddr(addr),
			ValidUntil:  now.Add(time.Hour),
			LastSeen:    now,
		}}))
	}

	found, err := s.Find(Query{Type: wire.QueryByClientID, ClientDUID: testDUID(2)})
	require.NoError(t, err)
	require.Len(t, found, 2)

	found, err = s.Find(Query{Type: wire.QueryByClientID, ClientDUID: testDUID(3)})
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestExpiredLeasesAreInvisible(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.Record([]Record{{
		ClientDUID:  testDUID(4),
		LinkAddress: netip.MustParseAddr("2001:db8::1"),
		IAID:        1,
		Address:     netip.MustParseAddr("2001:db8::44"),
		ValidUntil:  now.Add(-time.Minute),
		LastSeen:    now.Add(-time.Hour),
	}}))

	found, err := s.Find(Query{Type: wire.QueryByAddress,
		Address: netip.MustParseAddr("2001:db8::44")})
	require.NoError(t, err)
	require.Empty(t, found, "expired leases must not be returned")
}

func TestUpsertRefreshesLease(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	first := Record{
		ClientDUID:  testDUID(5),
		LinkAddress: netip.MustParseAddr("2001:db8::1"),
		IAID:        1,
		Address:     netip.MustParseAddr("2001:db8::55"),
		ValidUntil:  now.Add(time.Hour),
		LastSeen:    now,
	}
	require.NoError(t, s.Record([]Record{first}))

	renewed := first
	renewed.ValidUntil = now.Add(3 * time.Hour)
	require.NoError(t, s.Record([]Record{renewed}))

	found, err := s.Find(Query{Type: wire.QueryByAddress, Address: first.Address})
	require.NoError(t, err)
	require.Len(t, found, 1, "renewal must update in place, not duplicate")
	require.WithinDuration(t, renewed.ValidUntil, found[0].ValidUntil, 2*time.Second)
}

func TestFindByLinkAddress(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.Record([]Record{{
		ClientDUID:  testDUID(6),
		LinkAddress: netip.MustParseAddr("2001:db8:a::1"),
		IAID:        1,
		Prefix:      netip.MustParsePrefix("2001:db8:f00::/48"),
		ValidUntil:  now.Add(time.Hour),
		LastSeen:    now,
	}}))

	found, err := s.Find(Query{Type: wire.QueryByLinkAddr,
		LinkAddress: netip.MustParseAddr("2001:db8:a::1")})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, netip.MustParsePrefix("2001:db8:f00::/48"), found[0].Prefix)
}
