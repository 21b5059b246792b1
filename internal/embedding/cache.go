package embedding

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrCodeEU/facegate/pkg/models"
	_ "github.com/mattn/go-sqlite3"
)

// DescriptorCache remembers descriptors of reference images across restarts
type DescriptorCache interface {
	Get(ctx context.Context, label, path, digest string) (models.Descriptor, bool, error)
	Put(ctx context.Context, label, path, digest string, d models.Descriptor) error
}

// Digest returns the hex SHA-256 of an image's raw bytes
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CachedDescriptor is a row of the descriptor cache
type CachedDescriptor struct {
	Label      string            `json:"label"`
	Path       string            `json:"path"`
	Digest     string            `json:"digest"`
	Descriptor models.Descriptor `json:"descriptor"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Store is a SQLite-backed DescriptorCache
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the descriptor cache database
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Open database
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reference_descriptors (
		label TEXT NOT NULL,
		path TEXT NOT NULL,
		digest TEXT NOT NULL,
		descriptor BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (label, path, digest)
	);

	CREATE INDEX IF NOT EXISTS idx_reference_descriptors_label ON reference_descriptors(label);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get looks up the descriptor of a reference image
func (s *Store) Get(ctx context.Context, label, path, digest string) (models.Descriptor, bool, error) {
	var raw []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT descriptor FROM reference_descriptors WHERE label = ? AND path = ? AND digest = ?`,
		label, path, digest,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get descriptor: %w", err)
	}

	var d models.Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false, fmt.Errorf("failed to deserialize descriptor: %w", err)
	}

	return d, true, nil
}

// Put stores the descriptor of a reference image, replacing any previous value
func (s *Store) Put(ctx context.Context, label, path, digest string, d models.Descriptor) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to serialize descriptor: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reference_descriptors (label, path, digest, descriptor, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(label, path, digest) DO UPDATE SET descriptor = excluded.descriptor, created_at = excluded.created_at`,
		label, path, digest, raw, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to store descriptor: %w", err)
	}

	return nil
}

// List returns all cached descriptors ordered by label and path
func (s *Store) List(ctx context.Context) ([]CachedDescriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, path, digest, descriptor, created_at
		 FROM reference_descriptors ORDER BY label, path`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []CachedDescriptor
	for rows.Next() {
		var entry CachedDescriptor
		var raw []byte

		if err := rows.Scan(&entry.Label, &entry.Path, &entry.Digest, &raw, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan descriptor: %w", err)
		}

		if err := json.Unmarshal(raw, &entry.Descriptor); err != nil {
			return nil, fmt.Errorf("failed to deserialize descriptor: %w", err)
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Prune removes cached descriptors whose label is no longer enrolled
func (s *Store) Prune(ctx context.Context, labels []string) (int64, error) {
	if len(labels) == 0 {
		result, err := s.db.ExecContext(ctx, `DELETE FROM reference_descriptors`)
		if err != nil {
			return 0, fmt.Errorf("failed to prune descriptors: %w", err)
		}
		return result.RowsAffected()
	}

	query := `DELETE FROM reference_descriptors WHERE label NOT IN (?` + strings.Repeat(", ?", len(labels)-1) + `)`
	args := make([]any, len(labels))
	for i, l := range labels {
		args[i] = l
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune descriptors: %w", err)
	}

	return result.RowsAffected()
}
