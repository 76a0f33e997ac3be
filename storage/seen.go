// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"database/sql"
	"errors"
	"time"
)

// MarkSeen records sig in the seen set, returning true iff the signature
// was already present.  The insert-or-nothing keeps the test-and-set a
// single transaction.
func (s *Store) MarkSeen(sig []byte, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO seen_history (signature, timestamp) VALUES (?, ?)
		 ON CONFLICT (signature) DO NOTHING`,
		sig, now.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// IsSeen reports whether sig is in the seen set without mutating it.
func (s *Store) IsSeen(sig []byte) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM seen_history WHERE signature = ?`, sig).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// SeenSignatures returns every signature currently in the seen set, used to
// warm the in-memory duplicate filter at startup.
func (s *Store) SeenSignatures() ([][]byte, error) {
	rows, err := s.db.Query(`SELECT signature FROM seen_history`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sigs [][]byte
	for rows.Next() {
		var sig []byte
		if err = rows.Scan(&sig); err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// SweepSeen deletes seen entries recorded before cutoff and returns how
// many were removed.
func (s *Store) SweepSeen(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM seen_history WHERE timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
