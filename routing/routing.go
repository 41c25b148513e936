// Package routing implements the routing database (spec §4.5): a
// relational `(rid, nid, ts)` table recording which nodes are known to
// seed which repositories, backed by modernc.org/sqlite the way the
// example pack's sqlite-backed services (cloudshipai-station,
// jra3-linear-fuse) open their state databases — a pure-Go driver needs no
// cgo toolchain on the node's build.
package routing

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"radicle-node/crypto"
	"radicle-node/git"
)

// DB wraps the routing table.
type DB struct {
	sql *sql.DB
}

// Open creates (if needed) and opens the routing database at path. Pass
// ":memory:" for an ephemeral, test-only database.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("routing: open %s: %w", path, err)
	}
	db := &DB{sql: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.sql.Exec(`
		CREATE TABLE IF NOT EXISTS routing (
			rid TEXT NOT NULL,
			nid TEXT NOT NULL,
			ts  INTEGER NOT NULL,
			PRIMARY KEY (rid, nid)
		);
		CREATE INDEX IF NOT EXISTS routing_nid_idx ON routing(nid);
	`)
	if err != nil {
		return fmt.Errorf("routing: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (db *DB) Close() error { return db.sql.Close() }

// Insert records (or refreshes) that nid is known to seed rid as of ts
// (spec §4.5: "ts is updated on announcement").
func (db *DB) Insert(rid git.RepoId, nid crypto.PublicKey, ts time.Time) error {
	_, err := db.sql.Exec(`
		INSERT INTO routing (rid, nid, ts) VALUES (?, ?, ?)
		ON CONFLICT(rid, nid) DO UPDATE SET ts = excluded.ts
		WHERE excluded.ts > routing.ts
	`, rid.String(), nid.String(), ts.Unix())
	if err != nil {
		return fmt.Errorf("routing: insert %s/%s: %w", rid, nid, err)
	}
	return nil
}

// Remove deletes the (rid, nid) entry, used when a node explicitly stops
// seeding a repository.
func (db *DB) Remove(rid git.RepoId, nid crypto.PublicKey) error {
	_, err := db.sql.Exec(`DELETE FROM routing WHERE rid = ? AND nid = ?`, rid.String(), nid.String())
	if err != nil {
		return fmt.Errorf("routing: remove %s/%s: %w", rid, nid, err)
	}
	return nil
}

// Count returns the number of nodes known to seed rid.
func (db *DB) Count(rid git.RepoId) (int, error) {
	var n int
	err := db.sql.QueryRow(`SELECT COUNT(*) FROM routing WHERE rid = ?`, rid.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("routing: count %s: %w", rid, err)
	}
	return n, nil
}

// GetResources returns the ids of repositories nid is known to seed.
func (db *DB) GetResources(nid crypto.PublicKey) ([]git.RepoId, error) {
	rows, err := db.sql.Query(`SELECT rid FROM routing WHERE nid = ?`, nid.String())
	if err != nil {
		return nil, fmt.Errorf("routing: get_resources %s: %w", nid, err)
	}
	defer rows.Close()

	var out []git.RepoId
	for rows.Next() {
		var ridStr string
		if err := rows.Scan(&ridStr); err != nil {
			return nil, err
		}
		rid, err := git.ParseRepoId(ridStr)
		if err != nil {
			return nil, fmt.Errorf("routing: decode stored rid %q: %w", ridStr, err)
		}
		out = append(out, rid)
	}
	return out, rows.Err()
}

// GetSeeders returns the ids of nodes known to seed rid.
func (db *DB) GetSeeders(rid git.RepoId) ([]crypto.PublicKey, error) {
	rows, err := db.sql.Query(`SELECT nid FROM routing WHERE rid = ?`, rid.String())
	if err != nil {
		return nil, fmt.Errorf("routing: get_seeders %s: %w", rid, err)
	}
	defer rows.Close()

	var out []crypto.PublicKey
	for rows.Next() {
		var nidStr string
		if err := rows.Scan(&nidStr); err != nil {
			return nil, err
		}
		nid, err := crypto.ParseNodeID(nidStr)
		if err != nil {
			return nil, fmt.Errorf("routing: decode stored nid %q: %w", nidStr, err)
		}
		out = append(out, nid)
	}
	return out, rows.Err()
}

// EvictStale deletes every entry older than the retention window (spec
// §4.5: "eviction of stale entries beyond a retention window"), relative
// to now.
func (db *DB) EvictStale(retention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retention).Unix()
	res, err := db.sql.Exec(`DELETE FROM routing WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("routing: evict stale: %w", err)
	}
	return res.RowsAffected()
}
