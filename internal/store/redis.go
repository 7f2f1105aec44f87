package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"codesync/server/internal/models"
)

// RedisStore implements every store interface on a shared Redis deployment.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore wraps an already connected client.
func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "redis-store").Logger(),
	}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func documentKey(id string) string {
	return fmt.Sprintf("doc:%s", id)
}

func operationsKey(id string) string {
	return fmt.Sprintf("ops:%s", id)
}

func roomUsersKey(roomID string) string {
	return fmt.Sprintf("room:%s:users", roomID)
}

func chatKey(roomID string) string {
	return fmt.Sprintf("chat:%s", roomID)
}

// GetDocument returns ErrNotFound for unknown ids and wraps ErrMalformed
// when the stored record is not a valid document.
func (s *RedisStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	data, err := s.client.Get(ctx, documentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document %s: %w: %v", id, ErrMalformed, err)
	}
	return &doc, nil
}

// DocumentVersion returns 0 when the document is absent or unreadable.
func (s *RedisStore) DocumentVersion(ctx context.Context, id string) (int64, error) {
	doc, err := s.readCurrent(ctx, id)
	if err != nil || doc == nil {
		return 0, err
	}
	return doc.Version, nil
}

// SaveDocument writes content as the next version. It does not compare
// versions on write, so the last concurrent writer wins.
func (s *RedisStore) SaveDocument(ctx context.Context, id, content string) (*models.Document, error) {
	current, err := s.readCurrent(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, changed := nextDocument(current, id, content, time.Now())
	if !changed {
		return doc, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, documentKey(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("save document %s: %w", id, err)
	}
	return doc, nil
}

// readCurrent treats absent and malformed records as no document.
func (s *RedisStore) readCurrent(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.GetDocument(ctx, id)
	switch {
	case err == nil:
		return doc, nil
	case errors.Is(err, ErrNotFound):
		return nil, nil
	case errors.Is(err, ErrMalformed):
		s.logger.Warn().Err(err).Str("document_id", id).Msg("overwriting malformed document record")
		return nil, nil
	default:
		return nil, err
	}
}

// AppendOperation adds op to the document's stream and returns the stream id.
func (s *RedisStore) AppendOperation(ctx context.Context, id string, op models.Operation) (string, error) {
	position := ""
	if len(op.Position) > 0 {
		position = string(op.Position)
	}
	logID, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: operationsKey(id),
		Values: map[string]interface{}{
			"type":      op.Type,
			"position":  position,
			"content":   op.Content,
			"userId":    op.UserID,
			"timestamp": strconv.FormatInt(op.Timestamp, 10),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append operation %s: %w", id, err)
	}
	return logID, nil
}

// Operations returns up to count operations starting at fromID, in append order.
// Entries that cannot be decoded are skipped.
func (s *RedisStore) Operations(ctx context.Context, id, fromID string, count int64) ([]models.Operation, error) {
	if fromID == "" {
		fromID = "-"
	}
	if _, err := parseStreamID(fromID); err != nil {
		return nil, err
	}
	msgs, err := s.client.XRangeN(ctx, operationsKey(id), fromID, "+", clampCount(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("range operations %s: %w", id, err)
	}
	ops := make([]models.Operation, 0, len(msgs))
	for _, msg := range msgs {
		op, err := decodeStreamOperation(msg)
		if err != nil {
			s.logger.Warn().Err(err).Str("document_id", id).Str("log_id", msg.ID).Msg("skipping malformed operation")
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeStreamOperation(msg redis.XMessage) (models.Operation, error) {
	field := func(name string) string {
		v, _ := msg.Values[name].(string)
		return v
	}
	op := models.Operation{
		ID:      msg.ID,
		Type:    field("type"),
		Content: field("content"),
		UserID:  field("userId"),
	}
	if pos := field("position"); pos != "" {
		if !json.Valid([]byte(pos)) {
			return op, fmt.Errorf("%w: position is not JSON", ErrMalformed)
		}
		op.Position = json.RawMessage(pos)
	}
	ts, err := strconv.ParseInt(field("timestamp"), 10, 64)
	if err != nil {
		return op, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	op.Timestamp = ts
	return op, nil
}

// PutSession writes the whole session record for userID.
func (s *RedisStore) PutSession(ctx context.Context, roomID, userID string, user models.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, roomUsersKey(roomID), userID, data).Err(); err != nil {
		return fmt.Errorf("put session %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// RemoveSession deletes the session record. Removing an absent user is a no-op.
func (s *RedisStore) RemoveSession(ctx context.Context, roomID, userID string) error {
	if err := s.client.HDel(ctx, roomUsersKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("remove session %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// RoomSessions lists every session of the room. Malformed entries are left out.
func (s *RedisStore) RoomSessions(ctx context.Context, roomID string) (map[string]models.User, error) {
	entries, err := s.client.HGetAll(ctx, roomUsersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions %s: %w", roomID, err)
	}
	users := make(map[string]models.User, len(entries))
	for userID, data := range entries {
		var user models.User
		if err := json.Unmarshal([]byte(data), &user); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Str("user_id", userID).Msg("skipping malformed session")
			continue
		}
		users[userID] = user
	}
	return users, nil
}

// PushChat prepends msg and trims the list to the newest ChatHistoryLimit entries.
func (s *RedisStore) PushChat(ctx context.Context, roomID string, msg models.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := chatKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, ChatHistoryLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push chat %s: %w", roomID, err)
	}
	return nil
}

// RecentChat returns up to n of the newest messages, oldest first.
func (s *RedisStore) RecentChat(ctx context.Context, roomID string, n int64) ([]models.ChatMessage, error) {
	entries, err := s.client.LRange(ctx, chatKey(roomID), 0, clampChat(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("recent chat %s: %w", roomID, err)
	}
	msgs := make([]models.ChatMessage, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(entries[i]), &msg); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("skipping malformed chat message")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
