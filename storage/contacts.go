// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"database/sql"
	"errors"

	"github.com/zerotrace/zerotrace/crypto"
)

// Contact is a known peer.  The identifier is the primary key and must
// match the hash of the stored public keys.
type Contact struct {
	Identifier   string
	Name         string
	Addr         string
	KEMPublicKey []byte
	SigPublicKey []byte
}

// Public returns the contact's public identity.
func (c *Contact) Public() *crypto.PublicIdentity {
	return &crypto.PublicIdentity{
		Identifier:   c.Identifier,
		KEMPublicKey: c.KEMPublicKey,
		SigPublicKey: c.SigPublicKey,
	}
}

// Validate enforces the identifier binding invariant on the contact.
func (c *Contact) Validate() error {
	return c.Public().Validate()
}

// AddContact inserts the contact if it is not already present.  Inserting a
// contact whose identifier does not certify its keys is an invariant
// violation and fails with crypto.ErrIdentifierMismatch.
func (s *Store) AddContact(c *Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO contacts (identifier, name, addr, kem_public_key, sign_public_key)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (identifier) DO NOTHING`,
		c.Identifier, c.Name, c.Addr, c.KEMPublicKey, c.SigPublicKey)
	return err
}

// UpdateContactAddr records a fresh overlay address for an existing contact.
func (s *Store) UpdateContactAddr(identifier, addr string) error {
	res, err := s.db.Exec(`UPDATE contacts SET addr = ? WHERE identifier = ?`, addr, identifier)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownContact
	}
	return nil
}

// GetContact returns the contact for identifier, or ErrUnknownContact.
func (s *Store) GetContact(identifier string) (*Contact, error) {
	c := new(Contact)
	var name sql.NullString
	err := s.db.QueryRow(
		`SELECT identifier, name, addr, kem_public_key, sign_public_key
		 FROM contacts WHERE identifier = ?`, identifier).
		Scan(&c.Identifier, &name, &c.Addr, &c.KEMPublicKey, &c.SigPublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownContact
	}
	if err != nil {
		return nil, err
	}
	c.Name = name.String
	return c, nil
}

// HasContact returns true iff identifier is a known contact.
func (s *Store) HasContact(identifier string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM contacts WHERE identifier = ?`, identifier).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ListContacts returns all contacts.
func (s *Store) ListContacts() ([]*Contact, error) {
	rows, err := s.db.Query(
		`SELECT identifier, name, addr, kem_public_key, sign_public_key FROM contacts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		c := new(Contact)
		var name sql.NullString
		if err = rows.Scan(&c.Identifier, &name, &c.Addr, &c.KEMPublicKey, &c.SigPublicKey); err != nil {
			return nil, err
		}
		c.Name = name.String
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
