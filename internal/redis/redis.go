// Package redis is the thin go-redis layer shared by the KV store and the
// stream hub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"shopassist/internal/config"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 6379
	pingTimeout = 3 * time.Second
)

// ErrCacheMiss is returned by Get for absent keys.
var ErrCacheMiss = redis.Nil

var errClosed = errors.New("redis: client not connected")

// Client is a connected redis handle. The zero value and nil both report
// errClosed instead of panicking.
type Client struct {
	rdb *redis.Client
}

func optionsFrom(cfg config.RedisConfig) *redis.Options {
	host, port := cfg.Host, cfg.Port
	if host == "" {
		host = defaultHost
	}
	if port <= 0 {
		port = defaultPort
	}
	return &redis.Options{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewRedisClient connects using the redis section of the config and fails
// fast when the server does not answer a ping.
func NewRedisClient(cfg config.RedisConfig) (*Client, error) {
	return dial(optionsFrom(cfg))
}

func dial(opts *redis.Options) (*Client, error) {
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", opts.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) conn() (*redis.Client, error) {
	if c == nil || c.rdb == nil {
		return nil, errClosed
	}
	return c.rdb, nil
}

// Set writes value under key. ttl <= 0 stores it without expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rdb, err := c.conn()
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	rdb, err := c.conn()
	if err != nil {
		return nil, err
	}
	return rdb.Get(ctx, key).Bytes()
}

// Del removes keys; absent keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	rdb, err := c.conn()
	if err != nil || len(keys) == 0 {
		return err
	}
	return rdb.Del(ctx, keys...).Err()
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	rdb, err := c.conn()
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe delivers the payloads published on channel until ctx is done
// or the client is closed. The returned channel is closed afterwards.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	rdb, err := c.conn()
	if err != nil {
		return nil, err
	}
	sub := rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) Close() error {
	rdb, err := c.conn()
	if err != nil {
		return nil
	}
	return rdb.Close()
}
