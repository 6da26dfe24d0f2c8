package cache

import (
	"context"
	"time"
)

const dedupOperation = "handled"

// Deduplicator remembers message ids for a limited time.
type Deduplicator struct {
	cache Cache
	ttl   time.Duration
}

func NewDeduplicator(c Cache, ttl time.Duration) *Deduplicator {
	return &Deduplicator{cache: c, ttl: ttl}
}

// Seen reports whether messageID was remembered and has not expired.
func (d *Deduplicator) Seen(ctx context.Context, messageID string) (bool, error) {
	v, err := d.cache.Get(ctx, d.cache.GenerateKey(dedupOperation, messageID))
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// Remember records messageID for the configured TTL.
func (d *Deduplicator) Remember(ctx context.Context, messageID string) error {
	return d.cache.Set(ctx, d.cache.GenerateKey(dedupOperation, messageID), "1", d.ttl)
}
