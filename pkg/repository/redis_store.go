package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-idm-sessions/pkg/domain"
)

// RedisStore is a Store backed by Redis. Records are JSON documents;
// versioned writes run as WATCH/MULTI transactions. Sorted sets index
// sessions per account (scored by last activity), live sessions by
// refresh expiry and last activity, and ended sessions by end time.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis store with the default key prefix.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return NewRedisStoreWithPrefix(client, "idm:")
}

// NewRedisStoreWithPrefix creates a Redis store with a custom key prefix.
func NewRedisStoreWithPrefix(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) sessionKey(id uuid.UUID) string { return s.prefix + "session:" + id.String() }
func (s *RedisStore) accountKey(id uuid.UUID) string { return s.prefix + "account:" + id.String() }
func (s *RedisStore) accountIndexKey(id uuid.UUID) string {
	return s.prefix + "account_sessions:" + id.String()
}
func (s *RedisStore) liveByRefreshKey() string  { return s.prefix + "sessions:live:refresh" }
func (s *RedisStore) liveByActivityKey() string { return s.prefix + "sessions:live:activity" }
func (s *RedisStore) endedKey() string          { return s.prefix + "sessions:ended" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// CreateSession stores a new session at version 1. The record and its
// index entries are written in one transaction.
func (s *RedisStore) CreateSession(ctx context.Context, session *domain.Session) error {
	next := session.Clone()
	next.Version = 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	key := s.sessionKey(session.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrSessionExists
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			s.index(ctx, p, next)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return s.mapErr(err)
	}
	session.Version = 1
	return nil
}

// GetSession retrieves a session by ID.
func (s *RedisStore) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return s.getSession(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) getSession(ctx context.Context, c getter, id uuid.UUID) (*domain.Session, error) {
	data, err := c.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, s.mapErr(err)
	}
	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// UpdateSession writes a session if its version still matches.
func (s *RedisStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	key := s.sessionKey(session.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.getSession(ctx, tx, session.ID)
		if err != nil {
			return err
		}
		if cur.Version != session.Version {
			return domain.ErrStoreConflict
		}

		next := session.Clone()
		next.Version++
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			s.index(ctx, p, next)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return s.mapErr(err)
	}
	session.Version++
	return nil
}

// index queues the secondary index writes for a session.
func (s *RedisStore) index(ctx context.Context, p redis.Pipeliner, session *domain.Session) {
	member := session.ID.String()
	p.ZAdd(ctx, s.accountIndexKey(session.AccountID), redis.Z{Score: score(session.LastActivityAt), Member: member})
	if session.State.IsLive() {
		p.ZAdd(ctx, s.liveByRefreshKey(), redis.Z{Score: score(session.RefreshExpiresAt), Member: member})
		p.ZAdd(ctx, s.liveByActivityKey(), redis.Z{Score: score(session.LastActivityAt), Member: member})
		return
	}
	p.ZRem(ctx, s.liveByRefreshKey(), member)
	p.ZRem(ctx, s.liveByActivityKey(), member)
	if session.EndedAt != nil {
		p.ZAdd(ctx, s.endedKey(), redis.Z{Score: score(*session.EndedAt), Member: member})
	}
}

// ListSessionsByAccount returns all sessions of an account.
func (s *RedisStore) ListSessionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*domain.Session, error) {
	ids, err := s.client.ZRange(ctx, s.accountIndexKey(accountID), 0, -1).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	return s.loadSessions(ctx, ids)
}

// ListStaleSessions returns live sessions due for expiry.
func (s *RedisStore) ListStaleSessions(ctx context.Context, q StaleQuery) ([]*domain.Session, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.liveByRefreshKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(q.RefreshExpiredBy), 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	if q.IdleSince != nil {
		idle, err := s.client.ZRangeByScore(ctx, s.liveByActivityKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatFloat(score(*q.IdleSince), 'f', -1, 64),
		}).Result()
		if err != nil {
			return nil, s.mapErr(err)
		}
		ids = append(ids, idle...)
	}

	sessions, err := s.loadSessions(ctx, ids)
	if err != nil {
		return nil, err
	}
	stale := sessions[:0]
	seen := make(map[uuid.UUID]bool, len(sessions))
	for _, session := range sessions {
		if seen[session.ID] || !isStale(session, q) {
			continue
		}
		seen[session.ID] = true
		stale = append(stale, session)
	}
	if q.Limit > 0 && len(stale) > q.Limit {
		stale = stale[:q.Limit]
	}
	return stale, nil
}

// DeleteEndedSessions removes terminal sessions that ended before the cutoff.
func (s *RedisStore) DeleteEndedSessions(ctx context.Context, endedBefore time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.endedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(endedBefore), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, s.mapErr(err)
	}

	sessions, err := s.loadSessions(ctx, ids)
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, session := range sessions {
		member := session.ID.String()
		_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, s.sessionKey(session.ID))
			p.ZRem(ctx, s.accountIndexKey(session.AccountID), member)
			p.ZRem(ctx, s.endedKey(), member)
			return nil
		})
		if err != nil {
			return deleted, s.mapErr(err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *RedisStore) loadSessions(ctx context.Context, ids []string) ([]*domain.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.prefix+"session:"+id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}

	sessions := make([]*domain.Session, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Index entry outlived its record.
			continue
		}
		var session domain.Session
		if err := json.Unmarshal([]byte(str), &session); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		sessions = append(sessions, &session)
	}
	domain.SortByActivity(sessions)
	return sessions, nil
}

// CreateAccount stores a new account at version 1.
func (s *RedisStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	next := account.Clone()
	next.Version = 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.accountKey(account.ID), data, 0).Result()
	if err != nil {
		return s.mapErr(err)
	}
	if !ok {
		return domain.ErrAccountExists
	}
	account.Version = 1
	return nil
}

// GetAccount retrieves an account by ID.
func (s *RedisStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.getAccount(ctx, s.client, id)
}

func (s *RedisStore) getAccount(ctx context.Context, c getter, id uuid.UUID) (*domain.Account, error) {
	data, err := c.Get(ctx, s.accountKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, s.mapErr(err)
	}
	var account domain.Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	return &account, nil
}

// UpdateAccount writes an account if its version still matches.
func (s *RedisStore) UpdateAccount(ctx context.Context, account *domain.Account) error {
	key := s.accountKey(account.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.getAccount(ctx, tx, account.ID)
		if err != nil {
			return err
		}
		if cur.Version != account.Version {
			return domain.ErrStoreConflict
		}
		next := account.Clone()
		next.Version++
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal account: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return s.mapErr(err)
	}
	account.Version++
	return nil
}

func (s *RedisStore) mapErr(err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return errors.Join(domain.ErrStoreConflict, err)
	}
	return mapContextErr(err)
}
