// Copyright 2026 The initd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal keeps an append-only record of job state transitions
// and event emission lifecycles in a local SQLite database, for operator
// inspection through initctl log.
package journal

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Kind classifies a journal entry.
type Kind string

const (
	// KindJob records a job state transition.
	KindJob Kind = "job"
	// KindEvent records an emission progress change.
	KindEvent Kind = "event"
)

// Entry is one journal record.
type Entry struct {
	ID     int64
	Time   time.Time
	Kind   Kind
	RefID  uint64
	Name   string
	Detail string
}

// Journal is the sqlite-backed record. All writes happen from the
// reactor goroutine; reads may come from control request handlers, which
// also run on the reactor.
type Journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS journal (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	ts     INTEGER NOT NULL,
	kind   TEXT    NOT NULL,
	ref_id INTEGER NOT NULL,
	name   TEXT    NOT NULL,
	detail TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_ts ON journal(ts);
`

// Open opens (creating if necessary) the journal database at path.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: path is required")
	}

	// WAL keeps the reactor from stalling on fsync for every record.
	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}

	// A single connection: the journal has exactly one writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordJob appends a job state transition.
func (j *Journal) RecordJob(refID uint64, name, goal, state string) error {
	return j.record(KindJob, refID, name, fmt.Sprintf("goal=%s state=%s", goal, state))
}

// RecordEvent appends an emission progress change.
func (j *Journal) RecordEvent(refID uint64, name string, args []string, progress string, failed bool) error {
	detail := "progress=" + progress
	if len(args) > 0 {
		detail += " args=" + strings.Join(args, ",")
	}
	if failed {
		detail += " failed=true"
	}
	return j.record(KindEvent, refID, name, detail)
}

func (j *Journal) record(kind Kind, refID uint64, name, detail string) error {
	_, err := j.db.Exec(
		`INSERT INTO journal (ts, kind, ref_id, name, detail) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UnixNano(), string(kind), refID, name, detail,
	)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first, optionally filtered
// to one job or event name.
func (j *Journal) Recent(limit int, name string) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, ts, kind, ref_id, name, detail FROM journal`
	var args []any
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var kind string
		if err := rows.Scan(&e.ID, &ts, &kind, &e.RefID, &e.Name, &e.Detail); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Time = time.Unix(0, ts)
		e.Kind = Kind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
