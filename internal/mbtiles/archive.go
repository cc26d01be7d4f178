package mbtiles

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultBatchSize is the number of buffered tiles Write flushes at once.
const DefaultBatchSize = 100

// TileEntry is one tile addressed in XYZ.
type TileEntry struct {
	Data []byte
	Z    int
	X    int
	Y    int
}

// Archive is a read-write MBTiles database. Rows are stored in TMS
// addressing and converted from XYZ at the API. Tile data is stored as
// encoded PNG without further compression.
type Archive struct {
	db        *sql.DB
	path      string
	batch     []TileEntry
	batchSize int
	mu        sync.Mutex
}

// OpenArchive opens or creates the archive at path. Non-zero metadata
// replaces any stored metadata; zero metadata leaves it untouched.
func OpenArchive(path string, meta Metadata) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	a := &Archive{
		db:        db,
		path:      path,
		batch:     make([]TileEntry, 0, DefaultBatchSize),
		batchSize: DefaultBatchSize,
	}
	if !meta.IsZero() {
		if err := a.SetMetadata(meta); err != nil {
			db.Close()
			return nil, err
		}
	}
	return a, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS metadata (
			name TEXT NOT NULL,
			value TEXT
		);

		CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS metadata_index ON metadata (name);
		CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (a *Archive) Path() string { return a.path }

// tmsRow flips an XYZ row into TMS.
func tmsRow(z, y int) int { return (1 << z) - 1 - y }

// Get returns the tile at z/x/y. A missing tile is not an error.
func (a *Archive) Get(z, x, y int) ([]byte, bool, error) {
	var data []byte
	err := a.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		z, x, tmsRow(z, y),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query tile %d/%d/%d: %w", z, x, y, err)
	}
	return data, true, nil
}

// Put stores one tile immediately, replacing any existing one.
func (a *Archive) Put(z, x, y int, data []byte) error {
	_, err := a.db.Exec(
		"INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)",
		z, x, tmsRow(z, y), data,
	)
	if err != nil {
		return fmt.Errorf("failed to insert tile %d/%d/%d: %w", z, x, y, err)
	}
	return nil
}

// PutBatch stores tiles in a single transaction.
func (a *Archive) PutBatch(tiles []TileEntry) error {
	if len(tiles) == 0 {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tiles {
		if _, err := stmt.Exec(t.Z, t.X, tmsRow(t.Z, t.Y), t.Data); err != nil {
			return fmt.Errorf("failed to insert tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Write buffers a tile and flushes the buffer once it is full.
func (a *Archive) Write(z, x, y int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.batch = append(a.batch, TileEntry{Z: z, X: x, Y: y, Data: data})
	if len(a.batch) >= a.batchSize {
		return a.flushLocked()
	}
	return nil
}

// Flush writes any buffered tiles.
func (a *Archive) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

func (a *Archive) flushLocked() error {
	if err := a.PutBatch(a.batch); err != nil {
		return err
	}
	a.batch = a.batch[:0]
	return nil
}

// SetMetadata replaces all metadata rows.
func (a *Archive) SetMetadata(meta Metadata) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	if _, err := tx.Exec("DELETE FROM metadata"); err != nil {
		return fmt.Errorf("failed to clear metadata: %w", err)
	}
	for key, value := range meta.ToMap() {
		if _, err := tx.Exec("INSERT INTO metadata (name, value) VALUES (?, ?)", key, value); err != nil {
			return fmt.Errorf("failed to insert metadata %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metadata: %w", err)
	}
	return nil
}

// Metadata reads the stored metadata.
func (a *Archive) Metadata() (Metadata, error) {
	rows, err := a.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return Metadata{}, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		values[name] = value.String
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, fmt.Errorf("error iterating metadata: %w", err)
	}
	return metadataFromMap(values), nil
}

// Count returns the number of stored tiles.
func (a *Archive) Count() (int, error) {
	var n int
	if err := a.db.QueryRow("SELECT COUNT(*) FROM tiles").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tiles: %w", err)
	}
	return n, nil
}

// Close flushes buffered tiles and closes the database.
func (a *Archive) Close() error {
	if err := a.Flush(); err != nil {
		a.db.Close()
		return err
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
