package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"codesync/server/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	version       BIGINT NOT NULL,
	last_modified BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS operations (
	id          BIGSERIAL PRIMARY KEY,
	document_id TEXT NOT NULL,
	type        TEXT NOT NULL,
	position    JSONB,
	content     TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	timestamp   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS operations_document_id_idx ON operations (document_id, id);
`

// PostgresStore keeps documents and operations in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and verifies the connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, content, version, last_modified FROM documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.Content, &doc.Version, &doc.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &doc, nil
}

func (s *PostgresStore) DocumentVersion(ctx context.Context, id string) (int64, error) {
	doc, err := s.GetDocument(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// SaveDocument reads then upserts without a version predicate, matching the
// last-write-wins behaviour of the Redis backend.
func (s *PostgresStore) SaveDocument(ctx context.Context, id, content string) (*models.Document, error) {
	current, err := s.GetDocument(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	doc, changed := nextDocument(current, id, content, time.Now())
	if !changed {
		return doc, nil
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (id, content, version, last_modified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content, version = EXCLUDED.version, last_modified = EXCLUDED.last_modified`,
		doc.ID, doc.Content, doc.Version, doc.LastModified)
	if err != nil {
		return nil, fmt.Errorf("save document %s: %w", id, err)
	}
	return doc, nil
}

func (s *PostgresStore) AppendOperation(ctx context.Context, id string, op models.Operation) (string, error) {
	var position []byte
	if len(op.Position) > 0 {
		position = op.Position
	}
	var logID int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO operations (document_id, type, position, content, user_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		id, op.Type, position, op.Content, op.UserID, op.Timestamp,
	).Scan(&logID)
	if err != nil {
		return "", fmt.Errorf("append operation %s: %w", id, err)
	}
	return strconv.FormatInt(logID, 10), nil
}

func (s *PostgresStore) Operations(ctx context.Context, id, fromID string, count int64) ([]models.Operation, error) {
	from, err := parseSequence(fromID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, position, content, user_id, timestamp
		FROM operations
		WHERE document_id = $1 AND id >= $2
		ORDER BY id
		LIMIT $3`,
		id, int64(from), clampCount(count))
	if err != nil {
		return nil, fmt.Errorf("range operations %s: %w", id, err)
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		var (
			op       models.Operation
			logID    int64
			position []byte
		)
		if err := rows.Scan(&logID, &op.Type, &position, &op.Content, &op.UserID, &op.Timestamp); err != nil {
			return nil, fmt.Errorf("scan operation %s: %w", id, err)
		}
		op.ID = strconv.FormatInt(logID, 10)
		op.Position = position
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
