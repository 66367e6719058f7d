package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const redisCacheTTL = 5 * time.Minute
const redisKeyPrefix = "relay:cred:"

// CachedStore reads credentials from PostgreSQL with a Redis read-through cache.
// Either dependency may be nil.
type CachedStore struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewCachedStore(db *pgxpool.Pool, rdb *redis.Client) *CachedStore {
	return &CachedStore{db: db, redis: rdb}
}

func (s *CachedStore) Lookup(ctx context.Context, name string) (*Credential, error) {
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, redisKeyPrefix+name).Bytes()
		if err == nil {
			var cred Credential
			if err := json.Unmarshal(cached, &cred); err == nil {
				return &cred, nil
			}
		}
	}

	if s.db == nil {
		return nil, ErrNotFound
	}

	cred, err := s.lookupDB(ctx, name)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(cred); err == nil {
			s.redis.Set(ctx, redisKeyPrefix+name, data, redisCacheTTL)
		}
	}

	return cred, nil
}

func (s *CachedStore) lookupDB(ctx context.Context, name string) (*Credential, error) {
	var cred Credential
	var baseURL *string

	err := s.db.QueryRow(ctx, `
		SELECT api_key, base_url
		FROM provider_credentials
		WHERE name = $1
		  AND status = 'active'
	`, name).Scan(&cred.APIKey, &baseURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query provider_credentials: %w", err)
	}

	if baseURL != nil {
		cred.BaseURL = *baseURL
	}
	return &cred, nil
}
