// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const dhtSchema = `
CREATE TABLE IF NOT EXISTS meta (
	name  TEXT PRIMARY KEY NOT NULL,
	value BLOB NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS kv_store (
	key       BLOB PRIMARY KEY NOT NULL,
	value     BLOB NOT NULL,
	timestamp INTEGER NOT NULL,
	origin    INTEGER NOT NULL DEFAULT 0
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS known_nodes (
	node_id   TEXT PRIMARY KEY NOT NULL,
	addr      TEXT NOT NULL,
	port      INTEGER NOT NULL,
	last_seen INTEGER NOT NULL
) WITHOUT ROWID;
`

// StoredValue is a locally held value with its bookkeeping columns.
type StoredValue struct {
	Key       ID
	Value     []byte
	Timestamp int64
	Origin    bool
}

// Storage is the DHT's embedded database: the value store plus the
// known-node table that reseeds the routing table across restarts.
type Storage struct {
	db *sql.DB
}

// OpenStorage opens (creating as needed) the DHT database at path.
func OpenStorage(path string) (*Storage, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(dhtSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &Storage{db: db}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// NodeID returns the persisted node ID, generating and storing a fresh one
// on first use so the ID survives restarts.
func (s *Storage) NodeID() (ID, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT value FROM meta WHERE name = 'node_id'`).Scan(&blob)
	if err == nil && len(blob) == IDLength {
		var id ID
		copy(id[:], blob)
		return id, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ID{}, err
	}

	id := RandomID()
	_, err = s.db.Exec(`INSERT OR REPLACE INTO meta (name, value) VALUES ('node_id', ?)`, id[:])
	return id, err
}

// PutValue stores (or refreshes) a value.  origin marks values this node
// published itself; those are republished instead of expired.
func (s *Storage) PutValue(key ID, value []byte, ts time.Time, origin bool) error {
	_, err := s.db.Exec(
		`INSERT INTO kv_store (key, value, timestamp, origin) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value,
		                                 timestamp = excluded.timestamp,
		                                 origin = MAX(origin, excluded.origin)`,
		key[:], value, ts.Unix(), boolToInt(origin))
	return err
}

// GetValue returns the stored value for key, or ErrNotFound.
func (s *Storage) GetValue(key ID) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, key[:]).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

// DeleteValue removes key.
func (s *Storage) DeleteValue(key ID) error {
	_, err := s.db.Exec(`DELETE FROM kv_store WHERE key = ?`, key[:])
	return err
}

// Values returns every stored value, for the replication and expiration
// sweeps.
func (s *Storage) Values() ([]*StoredValue, error) {
	rows, err := s.db.Query(`SELECT key, value, timestamp, origin FROM kv_store`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []*StoredValue
	for rows.Next() {
		v := new(StoredValue)
		var key []byte
		var origin int
		if err = rows.Scan(&key, &v.Value, &v.Timestamp, &origin); err != nil {
			return nil, err
		}
		if len(key) != IDLength {
			continue
		}
		copy(v.Key[:], key)
		v.Origin = origin != 0
		values = append(values, v)
	}
	return values, rows.Err()
}

// StoreNode upserts a known node with the given last-seen time.
func (s *Storage) StoreNode(n NodeInfo, lastSeen time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO known_nodes (node_id, addr, port, last_seen) VALUES (?, ?, ?, ?)
		 ON CONFLICT (node_id) DO UPDATE SET addr = excluded.addr,
		                                     port = excluded.port,
		                                     last_seen = excluded.last_seen`,
		n.ID.Hex(), n.Addr, n.Port, lastSeen.Unix())
	return err
}

// DeleteNode removes a known node.
func (s *Storage) DeleteNode(id ID) error {
	_, err := s.db.Exec(`DELETE FROM known_nodes WHERE node_id = ?`, id.Hex())
	return err
}

// KnownNodes returns nodes seen since cutoff, used to reseed the routing
// table at startup.
func (s *Storage) KnownNodes(cutoff time.Time) ([]NodeInfo, error) {
	rows, err := s.db.Query(
		`SELECT node_id, addr, port FROM known_nodes WHERE last_seen >= ?`, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []NodeInfo
	for rows.Next() {
		var idHex string
		var n NodeInfo
		if err = rows.Scan(&idHex, &n.Addr, &n.Port); err != nil {
			return nil, err
		}
		id, err := IDFromHex(idHex)
		if err != nil {
			continue
		}
		n.ID = id
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
