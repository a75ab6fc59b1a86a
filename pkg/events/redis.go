package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/zenith/pkg/observability"
)

// DefaultRedisTimeout bounds each BLPOP so Run notices cancellation.
const DefaultRedisTimeout = time.Second

// RedisSource pops JSON events from the head of a Redis list.
type RedisSource struct {
	client  *redis.Client
	list    string
	timeout time.Duration
	logger  *observability.Logger
}

// NewRedisSource reads from list on client. Producers RPUSH, so the list is FIFO.
func NewRedisSource(client *redis.Client, list string, timeout time.Duration, logger *observability.Logger) *RedisSource {
	if timeout <= 0 {
		timeout = DefaultRedisTimeout
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RedisSource{
		client:  client,
		list:    list,
		timeout: timeout,
		logger:  logger.WithFields(map[string]interface{}{"source": "redis", "list": list}),
	}
}

// OpenRedisSource connects to url and checks the connection.
func OpenRedisSource(ctx context.Context, url, list string, timeout time.Duration, logger *observability.Logger) (*RedisSource, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	// BLPOP holds the connection for up to timeout.
	opts.ReadTimeout = timeout + 3*time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisSource(client, list, timeout, logger), nil
}

func (s *RedisSource) Name() string { return "redis" }

// Client returns the underlying client.
func (s *RedisSource) Client() *redis.Client { return s.client }

// Push appends e to the list.
func (s *RedisSource) Push(ctx context.Context, e *Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.list, data).Err()
}

// Run pops events until ctx ends. Undecodable entries are logged and dropped.
// An event refused by a full scheduler goes back to the head of the list.
func (s *RedisSource) Run(ctx context.Context, sink Sink) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := s.client.BLPop(ctx, s.timeout, s.list).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WithError(err).Warn("BLPOP failed")
			if serr := sleepCtx(ctx, s.timeout); serr != nil {
				return serr
			}
			continue
		}

		// res is [list, value]
		raw := res[1]
		e, err := Decode([]byte(raw))
		if err != nil {
			s.logger.WithError(err).Warn("Dropping undecodable event")
			continue
		}

		if err := sink(ctx, e); err != nil {
			if !retryable(err) {
				s.logger.WithError(err).Warn("Event rejected")
				continue
			}
			if perr := s.client.LPush(context.WithoutCancel(ctx), s.list, raw).Err(); perr != nil {
				s.logger.WithError(perr).Error("Failed to requeue event")
			}
			if serr := sleepCtx(ctx, retryDelay); serr != nil {
				return serr
			}
		}
	}
}

// Close closes the client.
func (s *RedisSource) Close() error {
	return s.client.Close()
}
