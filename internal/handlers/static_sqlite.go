package handlers

import (
	"database/sql"
	"fmt"
	"net/netip"

	_ "github.com/mattn/go-sqlite3"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
)

func init() {
	config.RegisterHandler("static-sqlite", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		path := spec.StringParam("file", "")
		if path == "" {
			return nil, fmt.Errorf("static-sqlite needs a file parameter")
		}
		h := newStaticAssignment(spec, &sqliteSource{path: path})
		return pipeline.HandlerNode(h), nil
	})
}

// sqliteSource looks assignments up in an SQLite database with a table
// assignments(id TEXT PRIMARY KEY, address TEXT, prefix TEXT). Unlike the
// CSV source it queries per request, so large mappings don't live in
// memory and edits show up without a reload.
type sqliteSource struct {
	path string
	db   *sql.DB
	stmt *sql.Stmt
}

func (s *sqliteSource) WorkerInit() error {
	db, err := sql.Open("sqlite3", s.path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open assignments database: %w", err)
	}
	stmt, err := db.Prepare("SELECT address, prefix FROM assignments WHERE id = ?")
	if err != nil {
		db.Close()
		return fmt.Errorf("prepare assignments query: %w", err)
	}
	s.db = db
	s.stmt = stmt
	return nil
}

func (s *sqliteSource) WorkerShutdown() error {
	if s.stmt != nil {
		s.stmt.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqliteSource) Lookup(b *bundle.Bundle) (Assignment, error) {
	if s.stmt == nil {
		return Assignment{}, fmt.Errorf("assignments database not open")
	}
	for _, key := range lookupKeys(b) {
		var address, prefix sql.NullString
		err := s.stmt.QueryRow(key).Scan(&address, &prefix)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return Assignment{}, fmt.Errorf("query assignment: %w", err)
		}

		var assignment Assignment
		if address.Valid && address.String != "" {
			a, err := netip.ParseAddr(address.String)
			if err != nil {
				return Assignment{}, fmt.Errorf("assignment address for %q: %w", key, err)
			}
			assignment.Address = a
		}
		if prefix.Valid && prefix.String != "" {
			p, err := netip.ParsePrefix(prefix.String)
			if err != nil {
				return Assignment{}, fmt.Errorf("assignment prefix for %q: %w", key, err)
			}
			assignment.Prefix = p
		}
		return assignment, nil
	}
	return Assignment{}, nil
}
