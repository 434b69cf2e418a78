package store

import (
	"context"
	"time"
)

// Deduper suppresses repeat processing of the same inbound delivery. Keys
// are delivery IDs from the trigger platform; the TTL bounds how long a
// redelivery is considered a duplicate.
type Deduper struct {
	Cache  Cache
	Prefix string
	TTL    time.Duration
}

func NewDeduper(cache Cache) *Deduper {
	return &Deduper{Cache: cache, Prefix: "gov:delivery:", TTL: 24 * time.Hour}
}

// FirstSeen reports whether this delivery ID has not been seen inside the
// TTL window. Cache errors fail open: a duplicate slipping through is
// cheaper than dropping a live event.
func (d *Deduper) FirstSeen(ctx context.Context, deliveryID string) bool {
	if deliveryID == "" {
		return true
	}
	ok, err := d.Cache.SetNX(ctx, d.Prefix+deliveryID, "1", d.TTL)
	if err != nil {
		return true
	}
	return ok
}
