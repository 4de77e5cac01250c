package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var _ Store = (*BoltStore)(nil)

var (
	bucketTokens     = []byte("push_notification_tokens")
	bucketTokenIndex = []byte("push_notification_tokens_by_user")
	bucketAttempts   = []byte("push_notification_attempts")
)

// BoltStore is an embedded single-file Store for development and small
// deployments. Tokens are indexed by "<user id>\x00<token>".
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(log *zap.Logger, path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTokens, bucketTokenIndex, bucketAttempts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}

	log.Info("database opened", zap.String("driver", "bolt"), zap.String("path", path))
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func userPrefix(userID string) []byte {
	return append([]byte(userID), 0)
}

func indexKey(userID, token string) []byte {
	return append(userPrefix(userID), token...)
}

func getBoltToken(bkt *bolt.Bucket, id []byte) (*DeviceToken, error) {
	raw := bkt.Get(id)
	if raw == nil {
		return nil, Errors.NotFound
	}
	var token DeviceToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func putBoltToken(bkt *bolt.Bucket, token *DeviceToken) error {
	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(token.ID), payload)
}

func (s *BoltStore) UpsertToken(ctx context.Context, token *DeviceToken) (*DeviceToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var stored *DeviceToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		index := tx.Bucket(bucketTokenIndex)
		key := indexKey(token.UserID, token.Token)

		if id := index.Get(key); id != nil {
			existing, err := getBoltToken(tokens, id)
			if err == nil {
				existing.LastSeenAt = now
				existing.Status = TokenActive
				existing.Platform = token.Platform
				stored = existing
				return putBoltToken(tokens, existing)
			}
			if err != Errors.NotFound {
				return err
			}
		}

		stored = &DeviceToken{
			ID:         token.ID,
			UserID:     token.UserID,
			Token:      token.Token,
			Platform:   token.Platform,
			Status:     TokenActive,
			CreatedAt:  now,
			LastSeenAt: now,
		}
		if stored.ID == "" {
			stored.ID = uuid.New().String()
		}
		if err := index.Put(key, []byte(stored.ID)); err != nil {
			return err
		}
		return putBoltToken(tokens, stored)
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return stored, nil
}

func (s *BoltStore) GetToken(ctx context.Context, tokenID string) (*DeviceToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var token *DeviceToken
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		token, err = getBoltToken(tx.Bucket(bucketTokens), []byte(tokenID))
		return err
	})
	if err == Errors.NotFound {
		return nil, err
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return token, nil
}

func (s *BoltStore) ListActiveTokens(ctx context.Context, userID string) ([]DeviceToken, error) {
	tokens, err := s.ListActiveTokensForUsers(ctx, []string{userID})
	if err != nil {
		return nil, err
	}
	return tokens[userID], nil
}

func (s *BoltStore) ListActiveTokensForUsers(ctx context.Context, userIDs []string) (map[string][]DeviceToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := emptyTokenMap(userIDs)

	err := s.db.View(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		c := tx.Bucket(bucketTokenIndex).Cursor()

		for _, userID := range userIDs {
			prefix := userPrefix(userID)
			for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
				token, err := getBoltToken(tokens, id)
				if err == Errors.NotFound {
					continue
				}
				if err != nil {
					return err
				}
				if token.Status == TokenActive {
					out[userID] = append(out[userID], *token)
				}
			}
			list := out[userID]
			sort.SliceStable(list, func(i, j int) bool {
				return list[i].LastSeenAt.After(list[j].LastSeenAt)
			})
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}

func (s *BoltStore) MarkTokenInvalid(ctx context.Context, tokenID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return Error.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		token, err := getBoltToken(tokens, []byte(tokenID))
		if err == Errors.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if token.Status == TokenInvalid {
			return nil
		}
		token.Status = TokenInvalid
		return putBoltToken(tokens, token)
	}))
}

func (s *BoltStore) DeleteToken(ctx context.Context, tokenID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		token, err := getBoltToken(tokens, []byte(tokenID))
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTokenIndex).Delete(indexKey(token.UserID, token.Token)); err != nil {
			return err
		}
		return tokens.Delete([]byte(tokenID))
	})
	if err == Errors.NotFound {
		return err
	}
	return Error.Wrap(err)
}

func (s *BoltStore) InsertAttempt(ctx context.Context, attempt *NotificationAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(attempt)
	if err != nil {
		return Error.Wrap(err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAttempts)
		if bkt.Get([]byte(attempt.ID)) != nil {
			return Errors.AlreadyExists
		}
		return bkt.Put([]byte(attempt.ID), payload)
	})
	if err == Errors.AlreadyExists {
		return err
	}
	return Error.Wrap(err)
}

func (s *BoltStore) GetAttempt(ctx context.Context, attemptID string) (*NotificationAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var attempt NotificationAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAttempts).Get([]byte(attemptID))
		if raw == nil {
			return Errors.NotFound
		}
		return json.Unmarshal(raw, &attempt)
	})
	if err == Errors.NotFound {
		return nil, err
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &attempt, nil
}
