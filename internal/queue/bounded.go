package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Order decides which end of the list new items go to.
type Order int

const (
	// FIFO appends at the tail; consumers pop from the head.
	FIFO Order = iota
	// NewestFirst inserts at the head so index 0 is always the latest item.
	NewestFirst
)

// Bounded is a capped list on a Store. The cap is enforced by trimming after
// every insert, evicting the oldest items.
type Bounded struct {
	store Store
	Key   string
	Cap   int64
	Order Order
	// TTL, when positive, is refreshed on every insert so that the key
	// disappears after TTL without new items.
	TTL time.Duration
}

func NewBounded(store Store, key string, capacity int64, order Order, ttl time.Duration) *Bounded {
	return &Bounded{store: store, Key: key, Cap: capacity, Order: order, TTL: ttl}
}

// Insert adds value and trims the list back to Cap.
func (q *Bounded) Insert(ctx context.Context, value string) error {
	switch q.Order {
	case NewestFirst:
		if err := q.store.PushHead(ctx, q.Key, value); err != nil {
			return err
		}
		if err := q.store.Trim(ctx, q.Key, 0, q.Cap-1); err != nil {
			return err
		}
	default:
		if err := q.store.PushTail(ctx, q.Key, value); err != nil {
			return err
		}
		if err := q.store.Trim(ctx, q.Key, -q.Cap, -1); err != nil {
			return err
		}
	}
	if q.TTL > 0 {
		return q.store.Expire(ctx, q.Key, q.TTL)
	}
	return nil
}

// Pop removes and returns the head item, waiting as long as it takes. Each
// underlying blocking call is limited to poll so that cancelling ctx ends the
// wait within one poll interval.
func (q *Bounded) Pop(ctx context.Context, poll time.Duration) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		v, err := q.store.BlockingPopHead(ctx, q.Key, poll)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			return "", err
		}
		return v, nil
	}
}

// Latest returns up to n items from the head of the list.
func (q *Bounded) Latest(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("latest %s: n must be positive, got %d", q.Key, n)
	}
	return q.store.Range(ctx, q.Key, 0, n-1)
}

func (q *Bounded) Len(ctx context.Context) (int64, error) {
	return q.store.Len(ctx, q.Key)
}
