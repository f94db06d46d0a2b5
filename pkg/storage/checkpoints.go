package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for checkpoint names that are not stored.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint describes a stored model blob.
type Checkpoint struct {
	Name      string    `json:"name"`
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Store keeps named model snapshots.
type Store interface {
	Put(ctx context.Context, name string, blob []byte) (Checkpoint, error)
	Get(ctx context.Context, name string) (Checkpoint, []byte, error)
	List(ctx context.Context) ([]Checkpoint, error)
	Delete(ctx context.Context, name string) error
	Close() error
}

// SQLiteStore is a Store backed by a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening checkpoint store %s: %w", path, err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		name TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		size INTEGER NOT NULL,
		blob BLOB NOT NULL
	);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating checkpoint table: %w", err)
	}

	_, err = db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to set PRAGMA")
	}

	return &SQLiteStore{db: db}, nil
}

// Put stores blob under name, replacing any previous checkpoint of that name.
func (s *SQLiteStore) Put(ctx context.Context, name string, blob []byte) (Checkpoint, error) {
	cp := Checkpoint{
		Name:      name,
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Size:      int64(len(blob)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO checkpoints (name, id, created_at, size, blob) VALUES (?, ?, ?, ?, ?)",
		cp.Name, cp.ID.String(), cp.CreatedAt.UnixNano(), cp.Size, blob)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("error storing checkpoint %s: %w", name, err)
	}
	return cp, nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (Checkpoint, []byte, error) {
	var (
		id      string
		created int64
		blob    []byte
	)
	cp := Checkpoint{Name: name}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at, size, blob FROM checkpoints WHERE name = ?", name).
		Scan(&id, &created, &cp.Size, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return cp, nil, fmt.Errorf("error reading checkpoint %s: %w", name, err)
	}
	if err := cp.fill(id, created); err != nil {
		return cp, nil, err
	}
	return cp, blob, nil
}

// List returns every checkpoint ordered by name, without blobs.
func (s *SQLiteStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, id, created_at, size FROM checkpoints ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("error listing checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []Checkpoint{}
	for rows.Next() {
		var (
			cp      Checkpoint
			id      string
			created int64
		)
		if err := rows.Scan(&cp.Name, &id, &created, &cp.Size); err != nil {
			return nil, fmt.Errorf("error listing checkpoints: %w", err)
		}
		if err := cp.fill(id, created); err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error listing checkpoints: %w", err)
	}
	return checkpoints, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("error deleting checkpoint %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error deleting checkpoint %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (cp *Checkpoint) fill(id string, created int64) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("corrupt id for checkpoint %s: %w", cp.Name, err)
	}
	cp.ID = parsed
	cp.CreatedAt = time.Unix(0, created).UTC()
	return nil
}
