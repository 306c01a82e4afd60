// cache.go - SQLite-Cache fuer Map-Ergebnisse
//
// Ergebnisse werden pro Batch als zstd-komprimierter Payload gespeichert.
// Ein Eintrag gilt nur als Treffer, wenn alle Batches vorhanden sind.
package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3" // SQLite-Treiber registrieren
)

// CacheFile ist der Dateiname der Cache-Datenbank im Cache-Verzeichnis
const CacheFile = "map-cache.db"

// Cache speichert Map-Ergebnisse unter ihrem Fingerprint
type Cache struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenCache oeffnet oder erstellt die Cache-Datenbank unter path
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS map_results (
		fingerprint TEXT PRIMARY KEY,
		shards INTEGER NOT NULL,
		rows INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS map_shards (
		fingerprint TEXT NOT NULL,
		shard INTEGER NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (fingerprint, shard),
		FOREIGN KEY (fingerprint) REFERENCES map_results(fingerprint) ON DELETE CASCADE
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize cache: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db, enc: enc, dec: dec}, nil
}

// Close schliesst die Datenbank
func (c *Cache) Close() error {
	c.dec.Close()
	_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return c.db.Close()
}

// Get gibt die dekomprimierten Payloads eines vollstaendigen Eintrags zurueck
func (c *Cache) Get(ctx context.Context, fingerprint string) ([][]byte, bool, error) {
	var shards int
	err := c.db.QueryRowContext(ctx, "SELECT shards FROM map_results WHERE fingerprint = ?", fingerprint).Scan(&shards)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("query cache: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, "SELECT payload FROM map_shards WHERE fingerprint = ? ORDER BY shard", fingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("query cache: %w", err)
	}
	defer rows.Close()

	payloads := make([][]byte, 0, shards)
	for rows.Next() {
		var compressed []byte
		if err := rows.Scan(&compressed); err != nil {
			return nil, false, fmt.Errorf("scan cache: %w", err)
		}
		payload, err := c.dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, false, fmt.Errorf("decompress cache entry: %w", err)
		}
		payloads = append(payloads, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(payloads) != shards {
		return nil, false, nil
	}
	return payloads, true, nil
}

// Put ersetzt den Eintrag eines Fingerprints in einer Transaktion
func (c *Cache) Put(ctx context.Context, fingerprint string, payloads [][]byte, rows int) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM map_results WHERE fingerprint = ?", fingerprint); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO map_results (fingerprint, shards, rows) VALUES (?, ?, ?)", fingerprint, len(payloads), rows); err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO map_shards (fingerprint, shard, payload) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, payload := range payloads {
		if _, err := stmt.ExecContext(ctx, fingerprint, i, c.enc.EncodeAll(payload, nil)); err != nil {
			return fmt.Errorf("insert shard %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Delete entfernt einen Eintrag
func (c *Cache) Delete(ctx context.Context, fingerprint string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM map_results WHERE fingerprint = ?", fingerprint)
	return err
}
