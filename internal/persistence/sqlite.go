// Package persistence implements delivery.Persistence against SQLite, the
// same database/sql + mattn/go-sqlite3 pairing the auth store uses.
package persistence

import (
	"database/sql"
	"fmt"

	"github.com/nyxmq/broker/internal/delivery"
)

// Store is a SQLite-backed delivery.Persistence. Writes are best-effort:
// a failure is returned to the caller but the delivery core never retries
// it (spec: persistence hooks are fire-once, not transactional with the
// in-memory mutation they record).
type Store struct {
	db *sql.DB
}

// Open creates/migrates the SQLite database at path and returns a Store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS base_messages (
			db_id       INTEGER PRIMARY KEY,
			topic       TEXT NOT NULL,
			payload     BLOB NOT NULL,
			qos         INTEGER NOT NULL,
			retain      INTEGER NOT NULL,
			origin      INTEGER NOT NULL,
			source_id   TEXT,
			expiry_time INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS client_messages (
			client_id TEXT NOT NULL,
			cmsg_id   INTEGER NOT NULL,
			db_id     INTEGER NOT NULL,
			mid       INTEGER NOT NULL,
			direction INTEGER NOT NULL,
			state     INTEGER NOT NULL,
			qos       INTEGER NOT NULL,
			PRIMARY KEY (client_id, cmsg_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("persistence: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) AddBaseMessage(base *delivery.BaseMessage) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO base_messages (db_id, topic, payload, qos, retain, origin, source_id, expiry_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		base.ID, base.Topic, base.Payload, base.QoS, base.Retain, base.Origin, base.SourceID, base.ExpiryTime,
	)
	return err
}

func (s *Store) DeleteBaseMessage(id uint64) error {
	_, err := s.db.Exec(`DELETE FROM base_messages WHERE db_id = ?`, id)
	return err
}

func (s *Store) AddClientMessage(clientID string, cm *delivery.ClientMessage) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO client_messages (client_id, cmsg_id, db_id, mid, direction, state, qos)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clientID, cm.CmsgID, cm.Base.ID, cm.Mid, cm.Direction, cm.State, cm.QoS,
	)
	return err
}

func (s *Store) UpdateClientMessage(clientID string, cm *delivery.ClientMessage) error {
	_, err := s.db.Exec(
		`UPDATE client_messages SET mid = ?, state = ? WHERE client_id = ? AND cmsg_id = ?`,
		cm.Mid, cm.State, clientID, cm.CmsgID,
	)
	return err
}

func (s *Store) DeleteClientMessage(clientID string, cmsgID uint64) error {
	_, err := s.db.Exec(`DELETE FROM client_messages WHERE client_id = ? AND cmsg_id = ?`, clientID, cmsgID)
	return err
}

// MaxBaseMessageID returns the largest db_id persisted, used to seed
// delivery.IdGen after a restart so ids stay strictly increasing.
func (s *Store) MaxBaseMessageID() (uint64, error) {
	var maxID sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(db_id) FROM base_messages`).Scan(&maxID)
	if err != nil {
		return 0, err
	}
	if !maxID.Valid {
		return 0, nil
	}
	return uint64(maxID.Int64), nil
}
