// Package store owns the shared SQLite database and the serialized write
// lane every mutation flows through. Readers get a concurrent handle; writers
// get exactly one connection so BEGIN IMMEDIATE transactions never contend.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store holds the two database handles. writeDB is pinned to a single
// connection and opens transactions with _txlock=immediate; readDB is a
// normal pool. WAL mode gives concurrent readers alongside the single writer.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	writeDSN := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	readDSN := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	writeDB, err := sql.Open("sqlite", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("store: open write handle: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", readDSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("store: open read handle: %w", err)
	}

	s := &Store{writeDB: writeDB, readDB: readDB}
	if err := s.applySchema(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Reader returns the concurrent read handle.
func (s *Store) Reader() *sql.DB { return s.readDB }

// Close closes both handles.
func (s *Store) Close() error {
	err1 := s.writeDB.Close()
	err2 := s.readDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Store) applySchema() error {
	for _, stmt := range schema {
		if _, err := s.writeDB.Exec(stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return nil
}

// Schemas are idempotent; event_id survives restarts because it is the
// table's INTEGER PRIMARY KEY rowid.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id      TEXT PRIMARY KEY,
		display_name  TEXT NOT NULL,
		public_key    TEXT NOT NULL UNIQUE,
		registered_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_accounts (
		account_id TEXT PRIMARY KEY,
		balance    INTEGER NOT NULL CHECK (balance >= 0),
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		tx_id         TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL REFERENCES ledger_accounts(account_id),
		type          TEXT NOT NULL CHECK (type IN ('credit','debit')),
		amount        INTEGER NOT NULL CHECK (amount > 0),
		balance_after INTEGER NOT NULL,
		reference     TEXT NOT NULL,
		timestamp     TEXT NOT NULL,
		UNIQUE (account_id, reference)
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_escrows (
		escrow_id   TEXT PRIMARY KEY,
		payer_id    TEXT NOT NULL REFERENCES ledger_accounts(account_id),
		amount      INTEGER NOT NULL CHECK (amount > 0),
		task_id     TEXT NOT NULL,
		status      TEXT NOT NULL CHECK (status IN ('locked','released','split')),
		created_at  TEXT NOT NULL,
		resolved_at TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_escrow_active_task
		ON ledger_escrows(task_id) WHERE status = 'locked'`,

	`CREATE TABLE IF NOT EXISTS board_tasks (
		task_id            TEXT PRIMARY KEY,
		poster_id          TEXT NOT NULL,
		worker_id          TEXT,
		title              TEXT NOT NULL,
		spec               TEXT NOT NULL,
		reward             INTEGER NOT NULL CHECK (reward > 0),
		escrow_id          TEXT NOT NULL,
		status             TEXT NOT NULL CHECK (status IN
			('open','accepted','submitted','approved','disputed','ruled','cancelled','expired')),
		bidding_deadline   TEXT NOT NULL,
		execution_deadline TEXT NOT NULL,
		review_deadline    TEXT NOT NULL,
		accepted_bid_id    TEXT,
		created_at         TEXT NOT NULL,
		accepted_at        TEXT,
		submitted_at       TEXT,
		resolved_at        TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS board_bids (
		bid_id       TEXT PRIMARY KEY,
		task_id      TEXT NOT NULL REFERENCES board_tasks(task_id),
		bidder_id    TEXT NOT NULL,
		proposal     TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		accepted     INTEGER NOT NULL DEFAULT 0,
		UNIQUE (task_id, bidder_id)
	)`,

	`CREATE TABLE IF NOT EXISTS board_assets (
		asset_id     TEXT PRIMARY KEY,
		task_id      TEXT NOT NULL REFERENCES board_tasks(task_id),
		uploader_id  TEXT NOT NULL,
		filename     TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes   INTEGER NOT NULL,
		uploaded_at  TEXT NOT NULL,
		bytes_ref    TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS court_disputes (
		dispute_id        TEXT PRIMARY KEY,
		task_id           TEXT NOT NULL UNIQUE,
		claimant_id       TEXT NOT NULL,
		respondent_id     TEXT NOT NULL,
		claim             TEXT NOT NULL,
		escrow_id         TEXT NOT NULL,
		rebuttal          TEXT,
		status            TEXT NOT NULL CHECK (status IN ('rebuttal_pending','judging','ruled')),
		rebuttal_deadline TEXT NOT NULL,
		rebutted_at       TEXT,
		ruled_at          TEXT,
		worker_pct        INTEGER,
		ruling_summary    TEXT,
		created_at        TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS court_votes (
		dispute_id TEXT NOT NULL REFERENCES court_disputes(dispute_id),
		judge_id   TEXT NOT NULL,
		worker_pct INTEGER NOT NULL CHECK (worker_pct BETWEEN 0 AND 100),
		reasoning  TEXT NOT NULL,
		voted_at   TEXT NOT NULL,
		PRIMARY KEY (dispute_id, judge_id)
	)`,

	`CREATE TABLE IF NOT EXISTS reputation_feedback (
		feedback_id  TEXT PRIMARY KEY,
		task_id      TEXT NOT NULL,
		from_id      TEXT NOT NULL,
		to_id        TEXT NOT NULL,
		role         TEXT NOT NULL CHECK (role IN ('poster','worker')),
		category     TEXT NOT NULL CHECK (category IN ('spec_quality','delivery_quality')),
		rating       TEXT NOT NULL CHECK (rating IN ('dissatisfied','satisfied','extremely_satisfied')),
		comment      TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		visible      INTEGER NOT NULL DEFAULT 0,
		UNIQUE (task_id, from_id)
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		event_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		source     TEXT NOT NULL,
		event_type TEXT NOT NULL,
		task_id    TEXT,
		agent_id   TEXT,
		summary    TEXT NOT NULL,
		payload    TEXT NOT NULL,
		timestamp  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
}
