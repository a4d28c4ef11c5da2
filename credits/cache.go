package credits

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/warp/credit-engine/ledger"
)

// BalanceCache holds read views for GetBalance. Implementations must be safe
// for concurrent use. Failures degrade to a miss.
//
// A reader takes Epoch before reading the account and hands it back to Set.
// Set drops the view when the account was invalidated in between, so a read
// that raced a mutation never repopulates the cache with the older balance.
type BalanceCache interface {
	Get(ctx context.Context, account ledger.AccountID) (ledger.BalanceView, bool)
	Epoch(ctx context.Context, account ledger.AccountID) uint64
	Set(ctx context.Context, view ledger.BalanceView, epoch uint64)
	Invalidate(ctx context.Context, account ledger.AccountID)
}

// LRUCache is an in-process BalanceCache with a size bound and a TTL.
type LRUCache struct {
	mu    sync.Mutex
	views *expirable.LRU[ledger.AccountID, ledger.BalanceView]

	// epochs holds the counter value of each account's last invalidation.
	// An evicted account reports the global counter, which is never older.
	epochs  *lru.Cache[ledger.AccountID, uint64]
	counter uint64
}

var _ BalanceCache = (*LRUCache)(nil)

func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 10000
	}
	epochs, _ := lru.New[ledger.AccountID, uint64](size)
	return &LRUCache{
		views:  expirable.NewLRU[ledger.AccountID, ledger.BalanceView](size, nil, ttl),
		epochs: epochs,
	}
}

func (c *LRUCache) Get(_ context.Context, account ledger.AccountID) (ledger.BalanceView, bool) {
	return c.views.Get(account)
}

func (c *LRUCache) Epoch(_ context.Context, account ledger.AccountID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochLocked(account)
}

func (c *LRUCache) epochLocked(account ledger.AccountID) uint64 {
	if e, ok := c.epochs.Get(account); ok {
		return e
	}
	return c.counter
}

func (c *LRUCache) Set(_ context.Context, view ledger.BalanceView, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochLocked(view.AccountID) != epoch {
		return
	}
	c.views.Add(view.AccountID, view)
}

func (c *LRUCache) Invalidate(_ context.Context, account ledger.AccountID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	c.epochs.Add(account, c.counter)
	c.views.Remove(account)
}
