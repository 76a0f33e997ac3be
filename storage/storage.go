// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage implements the messenger's persistent stores: contacts,
// the delivered inbox, the forward queue, and the seen-signature set.  All
// four live in one embedded SQLite database; each logical operation is a
// single transaction.
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrUnknownContact is returned when an identifier is not in the contact
// table.
var ErrUnknownContact = errors.New("storage: unknown contact")

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	identifier      TEXT PRIMARY KEY NOT NULL,
	name            TEXT,
	addr            TEXT NOT NULL,
	kem_public_key  BLOB NOT NULL,
	sign_public_key BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	content      BLOB NOT NULL,
	timestamp    INTEGER NOT NULL,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT
);
CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages (sender_id);

CREATE TABLE IF NOT EXISTS forward_messages (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	recipient_identifier     TEXT NOT NULL,
	current_node_identifier  TEXT NOT NULL,
	shared_secret_ciphertext BLOB NOT NULL,
	message_ciphertext       BLOB NOT NULL,
	nonce                    BLOB NOT NULL,
	signature                BLOB NOT NULL UNIQUE,
	ttl                      INTEGER NOT NULL,
	max_retry                INTEGER NOT NULL,
	created_at               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS forward_recipient_idx ON forward_messages (recipient_identifier);

CREATE TABLE IF NOT EXISTS seen_history (
	signature BLOB PRIMARY KEY NOT NULL,
	timestamp INTEGER NOT NULL
) WITHOUT ROWID;
`

// Store is the handle to the messenger database.
type Store struct {
	db *sql.DB
}

// Open opens (creating as needed) the messenger database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// handler load; readers multiplex over it.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
