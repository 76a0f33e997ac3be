// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import "database/sql"

// InboxMessage is a delivered plaintext message.
type InboxMessage struct {
	ID          int64
	Content     []byte
	Timestamp   int64
	SenderID    string
	RecipientID string
}

// StoreMessage appends a delivered message to the inbox.
func (s *Store) StoreMessage(m *InboxMessage) error {
	res, err := s.db.Exec(
		`INSERT INTO messages (content, timestamp, sender_id, recipient_id)
		 VALUES (?, ?, ?, ?)`,
		m.Content, m.Timestamp, m.SenderID, m.RecipientID)
	if err != nil {
		return err
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// ListMessages returns inbox messages, newest last.  An empty senderID
// returns the whole inbox.
func (s *Store) ListMessages(senderID string) ([]*InboxMessage, error) {
	query := `SELECT id, content, timestamp, sender_id, recipient_id FROM messages ORDER BY id`
	args := []interface{}{}
	if senderID != "" {
		query = `SELECT id, content, timestamp, sender_id, recipient_id FROM messages
		         WHERE sender_id = ? ORDER BY id`
		args = append(args, senderID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*InboxMessage
	for rows.Next() {
		m := new(InboxMessage)
		var recipient sql.NullString
		if err = rows.Scan(&m.ID, &m.Content, &m.Timestamp, &m.SenderID, &recipient); err != nil {
			return nil, err
		}
		m.RecipientID = recipient.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of inbox rows.
func (s *Store) CountMessages() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}
