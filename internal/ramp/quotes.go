package ramp

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultMaxQuotes bounds the quote book when no capacity is configured.
const DefaultMaxQuotes = 10000

// QuoteBook holds issued quotes until they expire. An expired quote reads as
// absent. When the book is full the least recently used quote is evicted.
type QuoteBook struct {
	cache *ttlcache.Cache[string, Quote]
}

func NewQuoteBook(capacity int) *QuoteBook {
	if capacity <= 0 {
		capacity = DefaultMaxQuotes
	}
	return &QuoteBook{cache: ttlcache.New[string, Quote](
		ttlcache.WithCapacity[string, Quote](uint64(capacity)),
		ttlcache.WithDisableTouchOnHit[string, Quote](),
	)}
}

// Put stores q until its ValidUntil, measured from now. Quotes that are
// already expired are not stored.
func (b *QuoteBook) Put(q Quote, now time.Time) {
	ttl := q.ValidUntil.Sub(now)
	if ttl <= 0 {
		return
	}
	b.cache.Set(q.ID, q, ttl)
}

// Get returns the quote if it is still valid at now.
func (b *QuoteBook) Get(id string, now time.Time) (Quote, bool) {
	item := b.cache.Get(id)
	if item == nil {
		return Quote{}, false
	}
	q := item.Value()
	if !now.Before(q.ValidUntil) {
		b.cache.Delete(id)
		return Quote{}, false
	}
	return q, true
}

// Sweep drops expired quotes and returns how many were removed.
func (b *QuoteBook) Sweep(now time.Time) int {
	before := b.cache.Len()
	b.cache.DeleteExpired()
	for id, item := range b.cache.Items() {
		if !now.Before(item.Value().ValidUntil) {
			b.cache.Delete(id)
		}
	}
	return before - b.cache.Len()
}

func (b *QuoteBook) Len() int {
	return b.cache.Len()
}
