package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(log *zap.Logger, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("could not create migration driver: %w", err)
	}

	if err := runMigrations("postgres", "postgres", driver); err != nil {
		return nil, err
	}

	log.Info("database connection and migration successful", zap.String("driver", "postgres"))
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Token operations

func (s *PostgresStore) UpsertToken(ctx context.Context, token *DeviceToken) (*DeviceToken, error) {
	now := time.Now().UTC()
	if token.ID == "" {
		token.ID = uuid.New().String()
	}

	query := `INSERT INTO push_notification_tokens(id, user_id, token, platform, status, created_at, last_seen_at)
		VALUES($1, $2, $3, $4, 'active', $5, $5)
		ON CONFLICT (user_id, token) DO UPDATE
			SET last_seen_at = EXCLUDED.last_seen_at, status = 'active', platform = EXCLUDED.platform
		RETURNING id, user_id, token, platform, status, created_at, last_seen_at`

	row := s.db.QueryRowContext(ctx, query, token.ID, token.UserID, token.Token, token.Platform, now)

	var stored DeviceToken
	if err := row.Scan(&stored.ID, &stored.UserID, &stored.Token, &stored.Platform, &stored.Status, &stored.CreatedAt, &stored.LastSeenAt); err != nil {
		return nil, Error.New("error upserting token: %w", err)
	}
	return &stored, nil
}

func (s *PostgresStore) GetToken(ctx context.Context, tokenID string) (*DeviceToken, error) {
	query := `SELECT id, user_id, token, platform, status, created_at, last_seen_at FROM push_notification_tokens WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, tokenID)

	var token DeviceToken
	err := row.Scan(&token.ID, &token.UserID, &token.Token, &token.Platform, &token.Status, &token.CreatedAt, &token.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, Errors.NotFound
	}
	if err != nil {
		return nil, Error.New("error getting token: %w", err)
	}
	return &token, nil
}

func (s *PostgresStore) ListActiveTokens(ctx context.Context, userID string) ([]DeviceToken, error) {
	tokens, err := s.ListActiveTokensForUsers(ctx, []string{userID})
	if err != nil {
		return nil, err
	}
	return tokens[userID], nil
}

func (s *PostgresStore) ListActiveTokensForUsers(ctx context.Context, userIDs []string) (map[string][]DeviceToken, error) {
	out := emptyTokenMap(userIDs)
	if len(userIDs) == 0 {
		return out, nil
	}

	query := `SELECT id, user_id, token, platform, status, created_at, last_seen_at FROM push_notification_tokens
		WHERE user_id = ANY($1) AND status = 'active'
		ORDER BY last_seen_at DESC`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(userIDs))
	if err != nil {
		return nil, Error.New("error listing tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var token DeviceToken
		if err := rows.Scan(&token.ID, &token.UserID, &token.Token, &token.Platform, &token.Status, &token.CreatedAt, &token.LastSeenAt); err != nil {
			return nil, Error.New("error scanning token: %w", err)
		}
		out[token.UserID] = append(out[token.UserID], token)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.New("error listing tokens: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkTokenInvalid(ctx context.Context, tokenID string) error {
	query := `UPDATE push_notification_tokens SET status = 'invalid' WHERE id = $1 AND status = 'active'`
	if _, err := s.db.ExecContext(ctx, query, tokenID); err != nil {
		return Error.New("error invalidating token: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteToken(ctx context.Context, tokenID string) error {
	query := `DELETE FROM push_notification_tokens WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, tokenID)
	if err != nil {
		return Error.New("error deleting token: %w", err)
	}
	if rowsAffected(result) == 0 {
		return Errors.NotFound
	}
	return nil
}

// Attempt operations

func (s *PostgresStore) InsertAttempt(ctx context.Context, attempt *NotificationAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	cols, err := encodeAttempt(attempt)
	if err != nil {
		return Error.Wrap(err)
	}

	query := `INSERT INTO push_notification_attempts(id, provider, recipient_user_ids, title, body, data, outcomes, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.ExecContext(ctx, query, attempt.ID, attempt.Provider, string(cols.recipients), attempt.Title, attempt.Body, string(cols.data), string(cols.outcomes), attempt.CreatedAt)
	if err != nil {
		return Error.New("error inserting attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, attemptID string) (*NotificationAttempt, error) {
	query := `SELECT id, provider, recipient_user_ids, title, body, data, outcomes, created_at
		FROM push_notification_attempts WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, attemptID)

	var attempt NotificationAttempt
	var cols attemptColumns
	err := row.Scan(&attempt.ID, &attempt.Provider, &cols.recipients, &attempt.Title, &attempt.Body, &cols.data, &cols.outcomes, &attempt.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, Errors.NotFound
	}
	if err != nil {
		return nil, Error.New("error getting attempt: %w", err)
	}
	if err := cols.decodeInto(&attempt); err != nil {
		return nil, Error.Wrap(err)
	}
	return &attempt, nil
}
