// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"time"

	"github.com/zerotrace/zerotrace/crypto"
)

// PushForward queues a wire message for a recipient known to this node but
// not the node itself.  A message with an already queued signature is
// ignored, which keeps the queue idempotent under re-receipt.
func (s *Store) PushForward(w *crypto.WireMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO forward_messages
		 (recipient_identifier, current_node_identifier, shared_secret_ciphertext,
		  message_ciphertext, nonce, signature, ttl, max_retry, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (signature) DO NOTHING`,
		w.RecipientID, w.CurrentNodeID, w.KEMCiphertext, w.MsgCiphertext,
		w.Nonce, w.Signature, w.TTL, w.MaxRetry, time.Now().Unix())
	return err
}

// DrainForward atomically removes and returns up to limit queued messages
// for the recipient, oldest first.
func (s *Store) DrainForward(recipient string, limit int) ([]*crypto.WireMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, recipient_identifier, current_node_identifier, shared_secret_ciphertext,
		        message_ciphertext, nonce, signature, ttl, max_retry
		 FROM forward_messages WHERE recipient_identifier = ? ORDER BY id LIMIT ?`,
		recipient, limit)
	if err != nil {
		return nil, err
	}

	var ids []int64
	var msgs []*crypto.WireMessage
	for rows.Next() {
		var id int64
		w := new(crypto.WireMessage)
		if err = rows.Scan(&id, &w.RecipientID, &w.CurrentNodeID, &w.KEMCiphertext,
			&w.MsgCiphertext, &w.Nonce, &w.Signature, &w.TTL, &w.MaxRetry); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		msgs = append(msgs, w)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err = tx.Exec(`DELETE FROM forward_messages WHERE id = ?`, id); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ForwardQueueLen returns the number of queued messages for recipient, or
// the total queue depth when recipient is empty.
func (s *Store) ForwardQueueLen(recipient string) (int, error) {
	var n int
	var err error
	if recipient == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM forward_messages`).Scan(&n)
	} else {
		err = s.db.QueryRow(
			`SELECT COUNT(*) FROM forward_messages WHERE recipient_identifier = ?`,
			recipient).Scan(&n)
	}
	return n, err
}
