package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var _ Store = (*SQLStore)(nil)

// SQLStore keeps tokens and attempts in a single SQLite file. Timestamps are
// stored as unix nanoseconds.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(log *zap.Logger, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("could not create migration driver: %w", err)
	}

	if err := runMigrations("sqlite", "sqlite3", driver); err != nil {
		return nil, err
	}

	log.Info("database connection and migration successful", zap.String("driver", "sqlite"))
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type tokenScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteToken(row tokenScanner) (DeviceToken, error) {
	var token DeviceToken
	var createdAt, lastSeenAt int64
	err := row.Scan(&token.ID, &token.UserID, &token.Token, &token.Platform, &token.Status, &createdAt, &lastSeenAt)
	token.CreatedAt = time.Unix(0, createdAt).UTC()
	token.LastSeenAt = time.Unix(0, lastSeenAt).UTC()
	return token, err
}

func (s *SQLStore) UpsertToken(ctx context.Context, token *DeviceToken) (*DeviceToken, error) {
	now := time.Now().UTC().UnixNano()
	if token.ID == "" {
		token.ID = uuid.New().String()
	}

	query := `INSERT INTO push_notification_tokens(id, user_id, token, platform, status, created_at, last_seen_at)
		VALUES(?, ?, ?, ?, 'active', ?, ?)
		ON CONFLICT (user_id, token) DO UPDATE
			SET last_seen_at = excluded.last_seen_at, status = 'active', platform = excluded.platform
		RETURNING id, user_id, token, platform, status, created_at, last_seen_at`

	stored, err := scanSQLiteToken(s.db.QueryRowContext(ctx, query, token.ID, token.UserID, token.Token, token.Platform, now, now))
	if err != nil {
		return nil, Error.New("error upserting token: %w", err)
	}
	return &stored, nil
}

func (s *SQLStore) GetToken(ctx context.Context, tokenID string) (*DeviceToken, error) {
	query := "SELECT id, user_id, token, platform, status, created_at, last_seen_at FROM push_notification_tokens WHERE id = ?"

	token, err := scanSQLiteToken(s.db.QueryRowContext(ctx, query, tokenID))
	if err == sql.ErrNoRows {
		return nil, Errors.NotFound
	}
	if err != nil {
		return nil, Error.New("error getting token: %w", err)
	}
	return &token, nil
}

func (s *SQLStore) ListActiveTokens(ctx context.Context, userID string) ([]DeviceToken, error) {
	tokens, err := s.ListActiveTokensForUsers(ctx, []string{userID})
	if err != nil {
		return nil, err
	}
	return tokens[userID], nil
}

// sqliteMaxUsersPerQuery keeps the IN list under SQLite's host parameter
// limit, which is 999 on older builds.
const sqliteMaxUsersPerQuery = 500

func (s *SQLStore) ListActiveTokensForUsers(ctx context.Context, userIDs []string) (map[string][]DeviceToken, error) {
	out := emptyTokenMap(userIDs)

	// every token of a user lands in the same batch, so per-user ordering holds
	for start := 0; start < len(userIDs); start += sqliteMaxUsersPerQuery {
		end := min(start+sqliteMaxUsersPerQuery, len(userIDs))
		if err := s.listActiveTokens(ctx, userIDs[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) listActiveTokens(ctx context.Context, userIDs []string, out map[string][]DeviceToken) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	query := `SELECT id, user_id, token, platform, status, created_at, last_seen_at FROM push_notification_tokens
		WHERE status = 'active' AND user_id IN (` + placeholders + `)
		ORDER BY last_seen_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Error.New("error listing tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		token, err := scanSQLiteToken(rows)
		if err != nil {
			return Error.New("error scanning token: %w", err)
		}
		out[token.UserID] = append(out[token.UserID], token)
	}
	if err := rows.Err(); err != nil {
		return Error.New("error listing tokens: %w", err)
	}
	return nil
}

func (s *SQLStore) MarkTokenInvalid(ctx context.Context, tokenID string) error {
	query := "UPDATE push_notification_tokens SET status = 'invalid' WHERE id = ? AND status = 'active'"
	if _, err := s.db.ExecContext(ctx, query, tokenID); err != nil {
		return Error.New("error invalidating token: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteToken(ctx context.Context, tokenID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM push_notification_tokens WHERE id = ?", tokenID)
	if err != nil {
		return Error.New("error deleting token: %w", err)
	}
	if rowsAffected(result) == 0 {
		return Errors.NotFound
	}
	return nil
}

func (s *SQLStore) InsertAttempt(ctx context.Context, attempt *NotificationAttempt) error {
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

	query := `INSERT INTO push_notification_attempts(id, provider, recipient_user_ids, title, body, data, outcomes, created_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, attempt.ID, attempt.Provider, string(cols.recipients), attempt.Title, attempt.Body, string(cols.data), string(cols.outcomes), attempt.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Errors.AlreadyExists
		}
		return Error.New("error inserting attempt: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAttempt(ctx context.Context, attemptID string) (*NotificationAttempt, error) {
	query := "SELECT id, provider, recipient_user_ids, title, body, data, outcomes, created_at FROM push_notification_attempts WHERE id = ?"
	row := s.db.QueryRowContext(ctx, query, attemptID)

	var attempt NotificationAttempt
	var recipients, data, outcomes string
	var createdAt int64
	err := row.Scan(&attempt.ID, &attempt.Provider, &recipients, &attempt.Title, &attempt.Body, &data, &outcomes, &createdAt)
	if err == sql.ErrNoRows {
		return nil, Errors.NotFound
	}
	if err != nil {
		return nil, Error.New("error getting attempt: %w", err)
	}
	attempt.CreatedAt = time.Unix(0, createdAt).UTC()

	cols := attemptColumns{recipients: []byte(recipients), data: []byte(data), outcomes: []byte(outcomes)}
	if err := cols.decodeInto(&attempt); err != nil {
		return nil, Error.Wrap(err)
	}
	return &attempt, nil
}
