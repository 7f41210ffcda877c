package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
)

const (
	accountKeyPrefix = "ilp:accounts:"
	stateKeyPrefix   = "ilp:settlement_state:"
)

// pairScript writes both legs of a commit in one atomic unit on the server.
var pairScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'debit', ARGV[1], 'credit', ARGV[2], 'updated_at', ARGV[5])
redis.call('HSET', KEYS[2], 'debit', ARGV[3], 'credit', ARGV[4], 'updated_at', ARGV[5])
return 1
`)

// RedisStore persists accounts and settlement states in Redis. Account rows
// are hashes keyed ilp:accounts:<peer>:<token>; balances are stored as
// decimal strings so they survive any width.
type RedisStore struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects and pings; the caller decides whether to fall back
// to the in-memory store on error.
func NewRedisStore(addr, password string, db int, logger *slog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("settlement: redis ping failed (%s): %w", addr, err)
	}
	logger.Info("settlement store connected", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb, logger: logger}, nil
}

func accountRedisKey(key AccountKey) string {
	return accountKeyPrefix + key.PeerID + ":" + key.TokenID
}

func stateRedisKey(key AccountKey) string {
	return stateKeyPrefix + key.PeerID + ":" + key.TokenID
}

func (s *RedisStore) LoadAccounts(ctx context.Context) ([]*Account, error) {
	var out []*Account
	iter := s.rdb.Scan(ctx, 0, accountKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("settlement: read %s: %w", key, err)
		}
		acct, err := accountFromRow(key, fields)
		if err != nil {
			s.logger.Warn("skipping malformed account row", "key", key, "error", err)
			continue
		}
		out = append(out, acct)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("settlement: scan accounts: %w", err)
	}
	return out, nil
}

func accountFromRow(key string, fields map[string]string) (*Account, error) {
	rest := strings.TrimPrefix(key, accountKeyPrefix)
	peerID, tokenID, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, fmt.Errorf("bad key layout")
	}
	debit, err := uint256.FromDecimal(fields["debit"])
	if err != nil {
		return nil, fmt.Errorf("bad debit %q: %w", fields["debit"], err)
	}
	credit, err := uint256.FromDecimal(fields["credit"])
	if err != nil {
		return nil, fmt.Errorf("bad credit %q: %w", fields["credit"], err)
	}
	updatedAt, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])
	return &Account{
		Key:       AccountKey{PeerID: peerID, TokenID: tokenID},
		Debit:     debit,
		Credit:    credit,
		UpdatedAt: updatedAt,
	}, nil
}

func (s *RedisStore) SaveAccount(ctx context.Context, a *Account) error {
	return s.rdb.HSet(ctx, accountRedisKey(a.Key),
		"debit", a.Debit.Dec(),
		"credit", a.Credit.Dec(),
		"updated_at", a.UpdatedAt.Format(time.RFC3339Nano),
	).Err()
}

func (s *RedisStore) SaveAccountPair(ctx context.Context, a, b *Account) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return pairScript.Run(ctx, s.rdb,
		[]string{accountRedisKey(a.Key), accountRedisKey(b.Key)},
		a.Debit.Dec(), a.Credit.Dec(),
		b.Debit.Dec(), b.Credit.Dec(),
		now,
	).Err()
}

func (s *RedisStore) LoadState(ctx context.Context, key AccountKey) (State, error) {
	val, err := s.rdb.Get(ctx, stateRedisKey(key)).Result()
	if err == redis.Nil {
		return StateIdle, nil
	}
	if err != nil {
		return StateIdle, err
	}
	switch val {
	case "PENDING":
		return StatePending, nil
	case "IN_PROGRESS":
		return StateInProgress, nil
	default:
		return StateIdle, nil
	}
}

func (s *RedisStore) SaveState(ctx context.Context, key AccountKey, st State) error {
	return s.rdb.Set(ctx, stateRedisKey(key), st.String(), 0).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
