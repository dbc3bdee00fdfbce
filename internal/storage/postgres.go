package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the subset of the chat schema the gateway reads and writes.
// The account service owns these tables; Migrate only creates them where
// they are missing, for local setups.
const Schema = `
CREATE TABLE IF NOT EXISTS conversation_members (
	conversation_id BIGINT NOT NULL,
	user_id         BIGINT NOT NULL,
	role_in_convo   TEXT NOT NULL DEFAULT 'member',
	joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS conversation_members_user_idx ON conversation_members (user_id);
CREATE TABLE IF NOT EXISTS messages (
	id              BIGSERIAL PRIMARY KEY,
	conversation_id BIGINT NOT NULL,
	sender_id       BIGINT NOT NULL,
	type            TEXT NOT NULL DEFAULT 'text',
	content         TEXT,
	media_url       TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore reads membership and writes messages through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) IsMember(ctx context.Context, userID, conversationID int64) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) MembersOf(ctx context.Context, conversationID int64) ([]int64, error) {
	return s.queryIDs(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1`,
		conversationID)
}

func (s *PostgresStore) ConversationsOf(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx,
		`SELECT conversation_id FROM conversation_members WHERE user_id = $1`,
		userID)
}

func (s *PostgresStore) queryIDs(ctx context.Context, sql string, arg int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *PostgresStore) PersistMessage(ctx context.Context, msg NewMessage) (Persisted, error) {
	var (
		id        int64
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, sender_id, type, content, media_url)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		 RETURNING id, created_at`,
		msg.ConversationID, msg.SenderID, string(msg.Type), msg.Content, msg.MediaRef,
	).Scan(&id, &createdAt)
	if err != nil {
		return Persisted{}, fmt.Errorf("insert message: %w", err)
	}
	return Persisted{ID: id, Timestamp: createdAt.UnixMilli()}, nil
}
