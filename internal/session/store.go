package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// DocSessionsPrefix prefixes the set of session IDs that have a document
	// open, across all servers.
	DocSessionsPrefix = "doc_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	StatusIdle    = "idle"
	StatusEditing = "editing"
)

// Session represents a connection's state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`    // idle | editing
	DocID      string `redis:"doc_id"`    // empty if no document is open
	ClientID   uint64 `redis:"client_id"` // replica client id within the document
	UserName   string `redis:"user_name"`
	Server     string `redis:"server"` // which docserver instance
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new idle session with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"status":      StatusIdle,
		"doc_id":      "",
		"client_id":   0,
		"user_name":   "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// SetDocument records that the session joined docID as clientID.
func (s *Store) SetDocument(ctx context.Context, sessionID, docID string, clientID uint64, userName string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"doc_id", docID,
		"client_id", strconv.FormatUint(clientID, 10),
		"user_name", userName,
		"status", StatusEditing,
		"last_active", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, DocSessionsPrefix+docID, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// ClearDocument removes the open document from the session.
func (s *Store) ClearDocument(ctx context.Context, sessionID, docID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "doc_id", "", "client_id", 0, "status", StatusIdle, "last_active", time.Now().Unix())
	pipe.SRem(ctx, DocSessionsPrefix+docID, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// DocSessions returns the IDs of sessions that have docID open on any server.
func (s *Store) DocSessions(ctx context.Context, docID string) ([]string, error) {
	return s.client.SMembers(ctx, DocSessionsPrefix+docID).Result()
}

// Touch marks the session active and extends its TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session, and its document membership, from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	docID, err := s.client.HGet(ctx, key, "doc_id").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := s.client.Pipeline()
	if docID != "" {
		pipe.SRem(ctx, DocSessionsPrefix+docID, sessionID)
	}
	pipe.Del(ctx, key)
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
