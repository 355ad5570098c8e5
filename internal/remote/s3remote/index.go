package s3remote

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/minisync/internal/db"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	size INTEGER NOT NULL,
	indexed_at TEXT NOT NULL
);
`

type blobEntry struct {
	Hash      string `db:"hash"`
	Size      int64  `db:"size"`
	IndexedAt string `db:"indexed_at"`
}

// blobIndex remembers which attachments are known to exist in the bucket so
// that HasBlob does not need a HEAD request per blob.
type blobIndex struct {
	db *sqlx.DB
}

func newBlobIndex(path string) (*blobIndex, error) {
	opts := []db.SqliteOption{db.WithMaxOpenConns(1)}
	if path != "" {
		opts = append(opts, db.WithPath(path))
	}
	conn, err := db.NewSqliteDB(opts...)
	if err != nil {
		return nil, fmt.Errorf("blob index: %w", err)
	}
	if err := db.Migrate(conn, indexSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("blob index: %w", err)
	}
	return &blobIndex{db: conn}, nil
}

func (bi *blobIndex) Has(hash string) bool {
	var n int
	if err := bi.db.Get(&n, `SELECT COUNT(1) FROM blobs WHERE hash = ?`, hash); err != nil {
		return false
	}
	return n > 0
}

func (bi *blobIndex) Set(hash string, size int64) error {
	_, err := bi.db.Exec(
		`INSERT OR REPLACE INTO blobs (hash, size, indexed_at) VALUES (?, ?, ?)`,
		hash, size, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// SetMany adds entries in a single transaction
func (bi *blobIndex) SetMany(entries []blobEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := bi.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Preparex(`INSERT OR REPLACE INTO blobs (hash, size, indexed_at) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.Hash, e.Size, e.IndexedAt); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert blob %s: %w", e.Hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (bi *blobIndex) Count() (int, error) {
	var n int
	err := bi.db.Get(&n, `SELECT COUNT(1) FROM blobs`)
	return n, err
}

func (bi *blobIndex) Close() error {
	return bi.db.Close()
}
