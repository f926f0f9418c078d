// Package store adapts the external Redis-compatible hash store into the
// narrow set of operations the rest of console-proxy consumes: hash
// get/get-all/set/delete, key listing, and keyspace-notification
// subscription. Nothing here caches; callers re-read after every relevant
// event.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one keyspace-notification record delivered by a pattern
// subscription: the channel it arrived on and the event name Redis
// published (e.g. "hset", "hdel", "del", "expired").
type Event struct {
	Channel string
	Name    string
}

// Adapter is a typed wrapper around a Redis-compatible client. The core
// depends on this interface, not on *redis.Client directly, so tests can
// substitute a fake (see the "dynamic dispatch" design note).
type Adapter interface {
	HGet(table, key, field string) (string, bool, error)
	HGetAll(table, key string) (map[string]string, error)
	HSet(table, key string, fields map[string]string) error
	HDel(table, key string, fields ...string) error
	Keys(pattern string) ([]string, error)
	PSubscribe(patterns ...string) (<-chan Event, func())
	NextEvent(ch <-chan Event, timeout time.Duration) (Event, bool)
	Close() error
}

// Client is the production Adapter, backed by go-redis.
type Client struct {
	rdb *redis.Client
	ctx context.Context
	db  int
}

// New connects to a Redis-compatible store at addr and verifies
// reachability with a PING.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to %s: %w", addr, err)
	}

	return &Client{rdb: rdb, ctx: ctx, db: db}, nil
}

func compositeKey(table, key string) string {
	return table + "|" + key
}

// HGet fetches one field from the hash at table|key. The bool return is
// false when the field (or the key) does not exist; that is not an error.
func (c *Client) HGet(table, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(c.ctx, compositeKey(table, key), field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: hget %s|%s.%s: %w", table, key, field, err)
	}
	return val, true, nil
}

// HGetAll fetches every field of the hash at table|key. A missing key
// yields an empty, non-nil map.
func (c *Client) HGetAll(table, key string) (map[string]string, error) {
	val, err := c.rdb.HGetAll(c.ctx, compositeKey(table, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: hgetall %s|%s: %w", table, key, err)
	}
	return val, nil
}

// HSet writes fields into the hash at table|key.
func (c *Client) HSet(table, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		args = append(args, field, value)
	}
	if err := c.rdb.HSet(c.ctx, compositeKey(table, key), args...).Err(); err != nil {
		return fmt.Errorf("store: hset %s|%s: %w", table, key, err)
	}
	return nil
}

// HDel removes the named fields from the hash at table|key, leaving every
// other field (including ones this adapter doesn't know about) untouched.
func (c *Client) HDel(table, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := c.rdb.HDel(c.ctx, compositeKey(table, key), fields...).Err(); err != nil {
		return fmt.Errorf("store: hdel %s|%s %v: %w", table, key, fields, err)
	}
	return nil
}

// Keys lists every key (in "table|id" form) matching pattern.
func (c *Client) Keys(pattern string) ([]string, error) {
	keys, err := c.rdb.Keys(c.ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("store: keys %s: %w", pattern, err)
	}
	return keys, nil
}

// PSubscribe subscribes to keyspace-notification channels for each
// supplied pattern, joining this adapter's db number into the standard
// `__keyspace@<db>__:<key-pattern>` form. The returned channel is closed
// when the caller invokes the cancel function.
func (c *Client) PSubscribe(patterns ...string) (<-chan Event, func()) {
	joined := make([]string, len(patterns))
	for i, p := range patterns {
		joined[i] = fmt.Sprintf("__keyspace@%d__:%s", c.db, p)
	}

	pubsub := c.rdb.PSubscribe(c.ctx, joined...)
	raw := pubsub.Channel()

	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range raw {
			out <- Event{
				Channel: strings.TrimPrefix(msg.Channel, fmt.Sprintf("__keyspace@%d__:", c.db)),
				Name:    msg.Payload,
			}
		}
	}()

	return out, func() { pubsub.Close() }
}

// NextEvent waits up to timeout for an event on ch. The bool return is
// false on timeout or if ch has been closed.
func (c *Client) NextEvent(ch <-chan Event, timeout time.Duration) (Event, bool) {
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(timeout):
		return Event{}, false
	}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ParseBaud converts the ASCII decimal baud_rate field into an int,
// applying the spec's default of 9600 when the field is empty.
func ParseBaud(raw string) (int, error) {
	if raw == "" {
		return 9600, nil
	}
	return strconv.Atoi(raw)
}
