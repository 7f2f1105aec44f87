package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"codesync/server/internal/models"
)

var (
	documentsBucket  = []byte("documents")
	operationsBucket = []byte("operations")
)

// BoltStore keeps documents and operations in a local bbolt file. The file
// lock admits a single process, so it suits development runs only.
type BoltStore struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string, logger zerolog.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(documentsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(operationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{db: db, logger: logger.With().Str("component", "bolt-store").Logger()}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *BoltStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc *models.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		doc, err = readBoltDocument(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func readBoltDocument(tx *bolt.Tx, id string) (*models.Document, error) {
	data := tx.Bucket(documentsBucket).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document %s: %w: %v", id, ErrMalformed, err)
	}
	return &doc, nil
}

func (s *BoltStore) DocumentVersion(ctx context.Context, id string) (int64, error) {
	doc, err := s.GetDocument(ctx, id)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func (s *BoltStore) SaveDocument(ctx context.Context, id, content string) (*models.Document, error) {
	var saved *models.Document
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := readBoltDocument(tx, id)
		switch {
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrMalformed):
			s.logger.Warn().Err(err).Str("document_id", id).Msg("overwriting malformed document record")
		case err != nil:
			return err
		}
		doc, changed := nextDocument(current, id, content, time.Now())
		saved = doc
		if !changed {
			return nil
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return tx.Bucket(documentsBucket).Put([]byte(id), data)
	})
	if err != nil {
		return nil, fmt.Errorf("save document %s: %w", id, err)
	}
	return saved, nil
}

func sequenceKey(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

// AppendOperation stores op under the document's next bucket sequence.
func (s *BoltStore) AppendOperation(ctx context.Context, id string, op models.Operation) (string, error) {
	var logID string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(operationsBucket).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		logID = strconv.FormatUint(seq, 10)
		op.ID = logID
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
	if err != nil {
		return "", fmt.Errorf("append operation %s: %w", id, err)
	}
	return logID, nil
}

func (s *BoltStore) Operations(ctx context.Context, id, fromID string, count int64) ([]models.Operation, error) {
	from, err := parseSequence(fromID)
	if err != nil {
		return nil, err
	}
	count = clampCount(count)
	var ops []models.Operation
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(operationsBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(sequenceKey(from)); k != nil && int64(len(ops)) < count; k, v = c.Next() {
			var op models.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				s.logger.Warn().Err(err).Str("document_id", id).Msg("skipping malformed operation")
				continue
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("range operations %s: %w", id, err)
	}
	return ops, nil
}
