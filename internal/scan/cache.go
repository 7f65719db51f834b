package scan

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/eargollo/lookalike/internal/fingerprint"
)

// Cache remembers fingerprints keyed by (candidate id, version) for the
// lifetime of the session database. A changed version is a miss.
type Cache struct {
	db *sql.DB
}

// NewCache returns a Cache over db. A nil db yields a cache that never hits.
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Lookup returns the cached hash for id at version.
func (c *Cache) Lookup(ctx context.Context, id, version string) (fingerprint.Hash, bool, error) {
	if c == nil || c.db == nil || version == "" {
		return 0, false, nil
	}
	var s string
	err := c.db.QueryRowContext(ctx,
		`SELECT hash FROM fingerprint_cache WHERE candidate_id = ? AND version = ?`,
		id, version,
	).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	h, err := fingerprint.ParseHash(s)
	if err != nil {
		return 0, false, err
	}
	return h, true, nil
}

// Store records hash for id at version, replacing any older entry for id.
func (c *Cache) Store(ctx context.Context, scanID int64, id, version string, hash fingerprint.Hash) error {
	if c == nil || c.db == nil || version == "" {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fingerprint_cache WHERE candidate_id = ? AND version <> ?`, id, version,
	); err != nil {
		return err
	}
	var sid any
	if scanID != 0 {
		sid = scanID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO fingerprint_cache (candidate_id, version, hash, cached_at, scan_id)
		VALUES (?, ?, ?, ?, ?)`,
		id, version, hash.String(), time.Now().Unix(), sid,
	); err != nil {
		return err
	}
	return tx.Commit()
}
