package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/credit-engine/ledger"
)

// RedisCache shares balance views between server replicas. Each account
// has an epoch key that Invalidate increments; Set writes under WATCH on that
// key so a view read before an invalidation on any replica is dropped.
type RedisCache struct {
	rdb         *redis.Client
	ttl         time.Duration
	prefix      string
	epochPrefix string
	logger      *slog.Logger
}

// epochTTL outlives any read/write window by a wide margin.
const epochTTL = 24 * time.Hour

// unknownEpoch never matches a stored epoch.
const unknownEpoch = math.MaxUint64

var _ BalanceCache = (*RedisCache)(nil)

// NewRedisCache connects and pings. The caller decides whether to fall back
// to the in-process cache on error.
func NewRedisCache(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*RedisCache, error) {
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
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Redis balance cache connected", "addr", addr, "db", db)
	return newRedisCache(rdb, ttl, logger), nil
}

func newRedisCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{
		rdb:         rdb,
		ttl:         ttl,
		prefix:      "credits:balance:",
		epochPrefix: "credits:balance-epoch:",
		logger:      logger,
	}
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

type cachedView struct {
	AccountID      string `json:"account_id"`
	Balance        int64  `json:"balance"`
	LifetimeEarned int64  `json:"lifetime_earned"`
	LifetimeSpent  int64  `json:"lifetime_spent"`
	Tier           string `json:"tier"`
	TransactionID  string `json:"transaction_id"`
}

func (c *RedisCache) Get(ctx context.Context, account ledger.AccountID) (ledger.BalanceView, bool) {
	raw, err := c.rdb.Get(ctx, c.prefix+string(account)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.BalanceView{}, false
	}
	if err != nil {
		c.logger.Warn("balance cache read failed", "account_id", account, "error", err)
		return ledger.BalanceView{}, false
	}
	var v cachedView
	if err := json.Unmarshal(raw, &v); err != nil {
		return ledger.BalanceView{}, false
	}
	return ledger.BalanceView{
		AccountID:      ledger.AccountID(v.AccountID),
		Balance:        ledger.Points(v.Balance),
		LifetimeEarned: ledger.Points(v.LifetimeEarned),
		LifetimeSpent:  ledger.Points(v.LifetimeSpent),
		Tier:           v.Tier,
		TransactionID:  ledger.TransactionID(v.TransactionID),
	}, true
}

func (c *RedisCache) Epoch(ctx context.Context, account ledger.AccountID) uint64 {
	e, err := c.rdb.Get(ctx, c.epochPrefix+string(account)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		c.logger.Warn("balance cache epoch read failed", "account_id", account, "error", err)
		return unknownEpoch
	}
	return e
}

func (c *RedisCache) Set(ctx context.Context, view ledger.BalanceView, epoch uint64) {
	if epoch == unknownEpoch {
		return
	}
	raw, _ := json.Marshal(cachedView{
		AccountID:      string(view.AccountID),
		Balance:        int64(view.Balance),
		LifetimeEarned: int64(view.LifetimeEarned),
		LifetimeSpent:  int64(view.LifetimeSpent),
		Tier:           view.Tier,
		TransactionID:  string(view.TransactionID),
	})
	epochKey := c.epochPrefix + string(view.AccountID)
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, epochKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != epoch {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.prefix+string(view.AccountID), raw, c.ttl)
			return nil
		})
		return err
	}, epochKey)
	if errors.Is(err, redis.TxFailedErr) {
		return
	}
	if err != nil {
		c.logger.Warn("balance cache write failed", "account_id", view.AccountID, "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, account ledger.AccountID) {
	epochKey := c.epochPrefix + string(account)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, epochKey)
		pipe.Expire(ctx, epochKey, epochTTL)
		pipe.Del(ctx, c.prefix+string(account))
		return nil
	})
	if err != nil {
		c.logger.Warn("balance cache invalidation failed", "account_id", account, "error", err)
	}
}
