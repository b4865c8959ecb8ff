package lqstore

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/logger"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// SQLiteStore keeps lease records in a local SQLite database. Each worker
// opens its own connection; SQLite serializes writers internally.
type SQLiteStore struct {
	path string
	db   *sql.DB
	log  *slog.Logger
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path, log: logger.Component(logger.ComponentLQStore)}
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS leases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_duid TEXT NOT NULL,
		link_address TEXT NOT NULL,
		iaid INTEGER NOT NULL,
		address TEXT,
		prefix TEXT,
		preferred_until DATETIME,
		valid_until DATETIME,
		last_seen DATETIME NOT NULL,
		remote_id_enterprise INTEGER,
		remote_id TEXT,
		relay_id TEXT,
		interface_id TEXT,
		relay_data BLOB,
		UNIQUE(client_duid, iaid, address, prefix)
	);

	CREATE INDEX IF NOT EXISTS idx_leases_duid ON leases(client_duid);
	CREATE INDEX IF NOT EXISTS idx_leases_address ON leases(address);
	CREATE INDEX IF NOT EXISTS idx_leases_link ON leases(link_address);
	CREATE INDEX IF NOT EXISTS idx_leases_relay ON leases(relay_id);
	CREATE INDEX IF NOT EXISTS idx_leases_remote ON leases(remote_id);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) Open() error {
	db, err := sql.Open("sqlite3", s.path+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open lease database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return fmt.Errorf("initialize lease schema: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Record(records []Record) error {
	if s.db == nil {
		return fmt.Errorf("lease database not open")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO leases (client_duid, link_address, iaid, address, prefix,
			preferred_until, valid_until, last_seen,
			remote_id_enterprise, remote_id, relay_id, interface_id, relay_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_duid, iaid, address, prefix) DO UPDATE SET
			link_address = excluded.link_address,
			preferred_until = excluded.preferred_until,
			valid_until = excluded.valid_until,
			last_seen = excluded.last_seen,
			remote_id_enterprise = excluded.remote_id_enterprise,
			remote_id = excluded.remote_id,
			relay_id = excluded.relay_id,
			interface_id = excluded.interface_id,
			relay_data = excluded.relay_data`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		var address, prefix string
		if r.Address.IsValid() {
			address = r.Address.String()
		}
		if r.Prefix.IsValid() {
			prefix = r.Prefix.String()
		}
		var remoteEnterprise any
		var remoteID string
		if r.RemoteID != nil {
			remoteEnterprise = r.RemoteID.EnterpriseNumber
			remoteID = hex.EncodeToString(r.RemoteID.RemoteID)
		}
		var relayID string
		if r.RelayID != nil {
			relayID = wire.DUIDString(r.RelayID)
		}
		_, err := stmt.Exec(
			wire.DUIDString(r.ClientDUID), r.LinkAddress.String(), r.IAID,
			address, prefix,
			r.PreferredUntil.UTC(), r.ValidUntil.UTC(), r.LastSeen.UTC(),
			remoteEnterprise, remoteID, relayID,
			hex.EncodeToString(r.InterfaceID), r.RelayData,
		)
		if err != nil {
			return fmt.Errorf("record lease: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Find(q Query) ([]Record, error) {
	if s.db == nil {
		return nil, fmt.Errorf("lease database not open")
	}

	where := "valid_until > ?"
	args := []any{time.Now().UTC()}

	switch q.Type {
	case wire.QueryByAddress:
		where += " AND address = ?"
		args = append(args, q.Address.String())
	case wire.QueryByClientID:
		where += " AND client_duid = ?"
		args = append(args, wire.DUIDString(q.ClientDUID))
	case wire.QueryByRelayID:
		where += " AND relay_id = ?"
		args = append(args, wire.DUIDString(q.RelayID))
	case wire.QueryByLinkAddr:
		where += " AND link_address = ?"
		args = append(args, q.LinkAddress.String())
	case wire.QueryByRemoteID:
		if q.RemoteID == nil {
			return nil, fmt.Errorf("query by remote-id without remote-id")
		}
		where += " AND remote_id_enterprise = ? AND remote_id = ?"
		args = append(args, q.RemoteID.EnterpriseNumber, hex.EncodeToString(q.RemoteID.RemoteID))
	default:
		return nil, fmt.Errorf("unsupported query type %s", q.Type)
	}

	if q.Type != wire.QueryByLinkAddr && q.LinkAddress.IsValid() && !q.LinkAddress.IsUnspecified() {
		where += " AND link_address = ?"
		args = append(args, q.LinkAddress.String())
	}

	rows, err := s.db.Query(`
		SELECT client_duid, link_address, iaid, address, prefix,
			preferred_until, valid_until, last_seen,
			remote_id_enterprise, remote_id, relay_id, interface_id, relay_data
		FROM leases WHERE `+where+` ORDER BY client_duid, iaid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                Record
			duidHex          string
			linkStr          string
			addressStr       sql.NullString
			prefixStr        sql.NullString
			preferred, valid sql.NullTime
			lastSeen         time.Time
			remoteEnterprise sql.NullInt64
			remoteHex        sql.NullString
			relayHex         sql.NullString
			interfaceHex     sql.NullString
		)
		if err := rows.Scan(&duidHex, &linkStr, &r.IAID, &addressStr, &prefixStr,
			&preferred, &valid, &lastSeen,
			&remoteEnterprise, &remoteHex, &relayHex, &interfaceHex, &r.RelayData); err != nil {
			return nil, err
		}

		r.ClientDUID = parseDUIDHex(duidHex)
		r.LinkAddress, _ = netip.ParseAddr(linkStr)
		if addressStr.Valid && addressStr.String != "" {
			r.Address, _ = netip.ParseAddr(addressStr.String)
		}
		if prefixStr.Valid && prefixStr.String != "" {
			r.Prefix, _ = netip.ParsePrefix(prefixStr.String)
		}
		if preferred.Valid {
			r.PreferredUntil = preferred.Time
		}
		if valid.Valid {
			r.ValidUntil = valid.Time
		}
		r.LastSeen = lastSeen
		if remoteEnterprise.Valid && remoteHex.Valid {
			id, err := hex.DecodeString(remoteHex.String)
			if err == nil {
				r.RemoteID = &wire.RemoteIDOption{
					EnterpriseNumber: uint32(remoteEnterprise.Int64),
					RemoteID:         id,
				}
			}
		}
		if relayHex.Valid && relayHex.String != "" {
			r.RelayID = parseDUIDHex(relayHex.String)
		}
		if interfaceHex.Valid && interfaceHex.String != "" {
			if id, err := hex.DecodeString(interfaceHex.String); err == nil {
				r.InterfaceID = id
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseDUIDHex(s string) wire.DUID {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	duid, err := wire.ParseDUID(raw)
	if err != nil {
		return nil
	}
	return duid
}
