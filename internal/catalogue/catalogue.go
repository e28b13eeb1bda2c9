// Package catalogue is the embedded relational store backing the command
// server: per-peer file replication status, file integrity fingerprints,
// sync history, node naming, and the restart flag.
package catalogue

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Status is a manager_file_status.status value. The column is CHECK
// constrained to exactly these five values.
type Status string

const (
	StatusSynchronized Status = "synchronized"
	StatusPending      Status = "pending"
	StatusFailed       Status = "failed"
	StatusToBeDeleted  Status = "tobedeleted"
	StatusDeleted      Status = "deleted"
)

// ddl creates the five catalogue tables. It is idempotent (IF NOT EXISTS)
// and is only ever run after a prepared statement fails against a fresh
// database, matching the bootstrap-by-retry pattern of the original
// implementation.
const ddl = `
CREATE TABLE IF NOT EXISTS manager_file_status (
	id_manager TEXT,
	id_file    TEXT,
	status     TEXT NOT NULL CHECK (status IN ('synchronized', 'pending', 'failed', 'tobedeleted', 'deleted')),
	PRIMARY KEY (id_manager, id_file)
);
CREATE TABLE IF NOT EXISTS last_sync (
	date     INTEGER PRIMARY KEY,
	duration REAL
);
CREATE TABLE IF NOT EXISTS file_integrity (
	filename TEXT PRIMARY KEY,
	md5      TEXT,
	mod_date INTEGER
);
CREATE TABLE IF NOT EXISTS node_name_ip (
	name       TEXT,
	id_manager TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS is_restarted (
	restarted INTEGER PRIMARY KEY CHECK (restarted IN (0,1))
);
`

// execer is satisfied by both *sql.DB and *sql.Tx, letting every Store
// method run either directly against the database or inside a transaction
// opened by WithTransaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store wraps the embedded sqlite database backing the catalogue. A single
// *Store is opened once by the command server and never shared with
// another goroutine concurrently — the command server is single-threaded
// per connection, matching spec.md §5's "embedded database opened once by
// the server thread" resource model.
type Store struct {
	conn execer // *sql.DB normally, *sql.Tx while inside WithTransaction
	raw  *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures the catalogue schema exists. Any failure here is fatal per
// spec.md §7 ("cannot... open database, create DDL" are fatal-startup
// conditions).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalogue: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalogue: %s: %w", pragma, err)
		}
	}

	s := &Store{conn: db, raw: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema probes the schema by preparing a statement against one of
// the five tables; on failure it runs the DDL once and retries. This
// mirrors prepare_db's "prepare, and only create tables if that failed"
// bootstrap in the original implementation, generalized to cover all five
// tables up front rather than one statement at a time.
func (s *Store) ensureSchema() error {
	if stmt, err := s.raw.Prepare("SELECT 1 FROM manager_file_status LIMIT 1"); err == nil {
		stmt.Close()
		return nil
	}

	if _, err := s.conn.Exec(ddl); err != nil {
		return fmt.Errorf("catalogue: create schema: %w", err)
	}

	stmt, err := s.raw.Prepare("SELECT 1 FROM manager_file_status LIMIT 1")
	if err != nil {
		return fmt.Errorf("catalogue: schema still unusable after DDL: %w", err)
	}
	stmt.Close()
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.raw.Close()
}

// FileStatusRow is one row of manager_file_status.
type FileStatusRow struct {
	File   string
	Status Status
}

// UpdateStatusForFile sets status on every row for the given file,
// regardless of peer (the update1/update3 commands).
func (s *Store) UpdateStatusForFile(file string, status Status) error {
	_, err := s.conn.Exec(`UPDATE manager_file_status SET status = ? WHERE id_file = ?`, string(status), file)
	if err != nil {
		return fmt.Errorf("catalogue: update status for %s: %w", file, err)
	}
	return nil
}

// UpdatePeerFileStatus sets status for exactly one (peer, file) pair.
func (s *Store) UpdatePeerFileStatus(peer, file string, status Status) error {
	_, err := s.conn.Exec(`UPDATE manager_file_status SET status = ? WHERE id_manager = ? AND id_file = ?`, string(status), peer, file)
	if err != nil {
		return fmt.Errorf("catalogue: update status for %s/%s: %w", peer, file, err)
	}
	return nil
}

// Insert upserts a (peer, file) row with status 'pending'.
func (s *Store) Insert(peer, file string) error {
	_, err := s.conn.Exec(`INSERT OR REPLACE INTO manager_file_status VALUES (?, ?, 'pending')`, peer, file)
	if err != nil {
		return fmt.Errorf("catalogue: insert %s/%s: %w", peer, file, err)
	}
	return nil
}

// DeleteFile removes every row for the given file, across all peers.
func (s *Store) DeleteFile(file string) error {
	_, err := s.conn.Exec(`DELETE FROM manager_file_status WHERE id_file = ?`, file)
	if err != nil {
		return fmt.Errorf("catalogue: delete %s: %w", file, err)
	}
	return nil
}

// DeletePeerFile removes exactly one (peer, file) row.
func (s *Store) DeletePeerFile(peer, file string) error {
	_, err := s.conn.Exec(`DELETE FROM manager_file_status WHERE id_manager = ? AND id_file = ?`, peer, file)
	if err != nil {
		return fmt.Errorf("catalogue: delete %s/%s: %w", peer, file, err)
	}
	return nil
}

// Select returns the paginated rows for a peer.
func (s *Store) Select(peer string, limit, offset int) ([]FileStatusRow, error) {
	rows, err := s.conn.Query(`SELECT id_file, status FROM manager_file_status WHERE id_manager = ? LIMIT ? OFFSET ?`, peer, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("catalogue: select for %s: %w", peer, err)
	}
	defer rows.Close()
	return scanFileStatusRows(rows)
}

// SelectByName joins node_name_ip to return the paginated rows for the
// peer with the given human name.
func (s *Store) SelectByName(name string, limit, offset int) ([]FileStatusRow, error) {
	const q = `
		SELECT manager_file_status.id_file, manager_file_status.status
		FROM node_name_ip
		INNER JOIN manager_file_status ON manager_file_status.id_manager = node_name_ip.id_manager
		WHERE node_name_ip.name = ?
		LIMIT ? OFFSET ?`
	rows, err := s.conn.Query(q, name, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("catalogue: select by name %s: %w", name, err)
	}
	defer rows.Close()
	return scanFileStatusRows(rows)
}

func scanFileStatusRows(rows *sql.Rows) ([]FileStatusRow, error) {
	var out []FileStatusRow
	for rows.Next() {
		var r FileStatusRow
		var status string
		if err := rows.Scan(&r.File, &status); err != nil {
			return nil, fmt.Errorf("catalogue: scan row: %w", err)
		}
		r.Status = Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of rows for a peer.
func (s *Store) Count(peer string) (int, error) {
	var n int
	if err := s.conn.QueryRow(`SELECT Count(*) FROM manager_file_status WHERE id_manager = ?`, peer).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalogue: count for %s: %w", peer, err)
	}
	return n, nil
}

// Clear sets every row's status to 'pending'.
func (s *Store) Clear() error {
	if _, err := s.conn.Exec(`UPDATE manager_file_status SET status = 'pending'`); err != nil {
		return fmt.Errorf("catalogue: clear: %w", err)
	}
	return nil
}

// ClearLast empties last_sync, which holds at most one logical row.
func (s *Store) ClearLast() error {
	if _, err := s.conn.Exec(`DELETE FROM last_sync`); err != nil {
		return fmt.Errorf("catalogue: clearlast: %w", err)
	}
	return nil
}

// UpdateLast records a sync cycle's date and duration.
func (s *Store) UpdateLast(date int64, duration float64) error {
	if _, err := s.conn.Exec(`INSERT INTO last_sync(date, duration) VALUES (?, ?)`, date, duration); err != nil {
		return fmt.Errorf("catalogue: updatelast: %w", err)
	}
	return nil
}

// LastSync is the single logical row of last_sync.
type LastSync struct {
	Date     int64
	Duration float64
}

// SelLast returns the last_sync row, if any.
func (s *Store) SelLast() (LastSync, bool, error) {
	var row LastSync
	err := s.conn.QueryRow(`SELECT date, duration FROM last_sync`).Scan(&row.Date, &row.Duration)
	if err == sql.ErrNoRows {
		return LastSync{}, false, nil
	}
	if err != nil {
		return LastSync{}, false, fmt.Errorf("catalogue: sellast: %w", err)
	}
	return row, true, nil
}

// InsertFile upserts a file_integrity fingerprint.
func (s *Store) InsertFile(filename, md5 string, modDate int64) error {
	if _, err := s.conn.Exec(`INSERT OR REPLACE INTO file_integrity VALUES (?, ?, ?)`, filename, md5, modDate); err != nil {
		return fmt.Errorf("catalogue: insertfile %s: %w", filename, err)
	}
	return nil
}

// UpdateFile updates an existing file_integrity row by filename.
func (s *Store) UpdateFile(md5 string, modDate int64, filename string) error {
	if _, err := s.conn.Exec(`UPDATE file_integrity SET md5 = ?, mod_date = ? WHERE filename = ?`, md5, modDate, filename); err != nil {
		return fmt.Errorf("catalogue: updatefile %s: %w", filename, err)
	}
	return nil
}

// FileIntegrityRow is one row of file_integrity.
type FileIntegrityRow struct {
	Filename string
	MD5      string
	ModDate  int64
}

// SelFiles returns a paginated view of file_integrity.
func (s *Store) SelFiles(limit, offset int) ([]FileIntegrityRow, error) {
	rows, err := s.conn.Query(`SELECT filename, md5, mod_date FROM file_integrity LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("catalogue: selfiles: %w", err)
	}
	defer rows.Close()

	var out []FileIntegrityRow
	for rows.Next() {
		var r FileIntegrityRow
		if err := rows.Scan(&r.Filename, &r.MD5, &r.ModDate); err != nil {
			return nil, fmt.Errorf("catalogue: scan file_integrity row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountFiles returns the number of rows in file_integrity.
func (s *Store) CountFiles() (int, error) {
	var n int
	if err := s.conn.QueryRow(`SELECT Count(*) FROM file_integrity`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalogue: countfiles: %w", err)
	}
	return n, nil
}

// GetIP returns the id_manager for a node's human name.
func (s *Store) GetIP(name string) (string, error) {
	var id string
	err := s.conn.QueryRow(`SELECT id_manager FROM node_name_ip WHERE name = ?`, name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("catalogue: getip %s: %w", name, err)
	}
	return id, nil
}

// InsertName upserts a node_name_ip row.
func (s *Store) InsertName(name, id string) error {
	if _, err := s.conn.Exec(`INSERT OR REPLACE INTO node_name_ip VALUES (?, ?)`, name, id); err != nil {
		return fmt.Errorf("catalogue: insertname %s: %w", name, err)
	}
	return nil
}

// UpdateName renames the node identified by id.
func (s *Store) UpdateName(name, id string) error {
	if _, err := s.conn.Exec(`UPDATE node_name_ip SET name = ? WHERE id_manager = ?`, name, id); err != nil {
		return fmt.Errorf("catalogue: updatename %s: %w", id, err)
	}
	return nil
}

// SelRes reports the sticky restart flag, if set.
func (s *Store) SelRes() (bool, bool, error) {
	var restarted int
	err := s.conn.QueryRow(`SELECT restarted FROM is_restarted`).Scan(&restarted)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("catalogue: selres: %w", err)
	}
	return restarted != 0, true, nil
}

// DelRes clears the restart flag, which holds at most one row.
func (s *Store) DelRes() error {
	if _, err := s.conn.Exec(`DELETE FROM is_restarted`); err != nil {
		return fmt.Errorf("catalogue: delres: %w", err)
	}
	return nil
}

// InsertRes sets the restart flag.
func (s *Store) InsertRes(restarted bool) error {
	v := 0
	if restarted {
		v = 1
	}
	if _, err := s.conn.Exec(`INSERT INTO is_restarted VALUES (?)`, v); err != nil {
		return fmt.Errorf("catalogue: insertres: %w", err)
	}
	return nil
}

// WithTransaction runs fn against a *Store bound to one transaction: every
// method called on the Store passed to fn executes inside that
// transaction, matching the command server's "bulk operations within a
// single frame share one transaction" requirement (spec.md §4.6).
func (s *Store) WithTransaction(fn func(tx *Store) error) error {
	tx, err := s.raw.Begin()
	if err != nil {
		return fmt.Errorf("catalogue: begin transaction: %w", err)
	}
	txStore := &Store{conn: tx, raw: s.raw}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalogue: commit transaction: %w", err)
	}
	return nil
}
