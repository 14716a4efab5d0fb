// Package state persists presence-scan schedules and swarm statistics
// across restarts.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/debswarm/trackerless/internal/registration"
	"github.com/debswarm/trackerless/internal/torrent"
)

var ErrNotFound = errors.New("no state recorded")

// Scan is the persisted presence-scan schedule of one download.
type Scan struct {
	Hash     torrent.InfoHash
	NextScan time.Time
	// Retired downloads were seen diversified and are no longer scanned.
	Retired bool
	// Values is the number of values the last scan read.
	Values  int
	Scanned time.Time
}

// DB is the sqlite state database.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS scans (
			hash TEXT PRIMARY KEY,
			next_scan INTEGER NOT NULL,
			retired INTEGER NOT NULL DEFAULT 0,
			scan_values INTEGER NOT NULL DEFAULT 0,
			scanned_at INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS run_stats (
			hash TEXT PRIMARY KEY,
			seeds INTEGER NOT NULL,
			leechers INTEGER NOT NULL,
			peers INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`)
	return err
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Scan returns the schedule of h.
func (d *DB) Scan(h torrent.InfoHash) (Scan, error) {
	s := Scan{Hash: h}
	var next, scanned int64
	var retired int
	err := d.db.QueryRow(`
		SELECT next_scan, retired, scan_values, scanned_at
		FROM scans WHERE hash = ?`, h.String()).Scan(&next, &retired, &s.Values, &scanned)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, fmt.Errorf("failed to read scan: %w", err)
	}
	s.NextScan = time.Unix(next, 0)
	s.Retired = retired != 0
	if scanned > 0 {
		s.Scanned = time.Unix(scanned, 0)
	}
	return s, nil
}

// PutScan stores the schedule of s.Hash.
func (d *DB) PutScan(s Scan) error {
	var scanned int64
	if !s.Scanned.IsZero() {
		scanned = s.Scanned.Unix()
	}
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO scans (hash, next_scan, retired, scan_values, scanned_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.Hash.String(), s.NextScan.Unix(), boolInt(s.Retired), s.Values, scanned)
	if err != nil {
		return fmt.Errorf("failed to record scan: %w", err)
	}
	return nil
}

// DeleteScan forgets the schedule of h.
func (d *DB) DeleteScan(h torrent.InfoHash) error {
	_, err := d.db.Exec("DELETE FROM scans WHERE hash = ?", h.String())
	return err
}

// CountScans returns the number of scheduled and retired downloads.
func (d *DB) CountScans() (scheduled, retired int, err error) {
	err = d.db.QueryRow(`
		SELECT COALESCE(SUM(1 - retired), 0), COALESCE(SUM(retired), 0) FROM scans`).Scan(&scheduled, &retired)
	return scheduled, retired, err
}

// RunStats returns the last stats recorded for h.
func (d *DB) RunStats(h torrent.InfoHash) (registration.RunStats, error) {
	var st registration.RunStats
	var updated int64
	err := d.db.QueryRow(`
		SELECT seeds, leechers, peers, updated_at
		FROM run_stats WHERE hash = ?`, h.String()).Scan(&st.Seeds, &st.Leechers, &st.Peers, &updated)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("failed to read run stats: %w", err)
	}
	st.Updated = time.Unix(updated, 0)
	return st, nil
}

// PutRunStats stores st for h.
func (d *DB) PutRunStats(h torrent.InfoHash, st registration.RunStats) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO run_stats (hash, seeds, leechers, peers, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		h.String(), st.Seeds, st.Leechers, st.Peers, st.Updated.Unix())
	if err != nil {
		return fmt.Errorf("failed to record run stats: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
