// Package redisq moves tasks and results over Redis lists.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"eventrunner/internal/domain"
)

const (
	TaskList   = "eventrunner:tasks"
	ResultList = "eventrunner:results"
)

// list is the part of the Redis client the transport uses.
type list interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

type Client struct {
	rdb  *redis.Client
	list list
	// pollTimeout bounds each blocking pop so shutdown is noticed.
	pollTimeout time.Duration
	backoff     time.Duration
}

// Connect parses url, dials Redis and checks the connection.
func Connect(ctx context.Context, url string) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newClient(rdb, rdb), nil
}

func newClient(rdb *redis.Client, l list) *Client {
	return &Client{rdb: rdb, list: l, pollTimeout: time.Second, backoff: time.Second}
}

func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Enqueuer accepts tasks popped from the task list.
type Enqueuer interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
}

// Consume pops tasks pushed on the task list and hands them to q until ctx
// is done. Producers LPUSH, the consumer pops from the right.
func (c *Client) Consume(ctx context.Context, q Enqueuer) error {
	for {
		res, err := c.list.BRPop(ctx, c.pollTimeout, TaskList).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("redis pop task")
			c.wait(ctx)
			continue
		}
		// BRPop returns [list, value]
		if len(res) != 2 {
			log.Error().Int("elements", len(res)).Msg("unexpected BRPOP reply")
			continue
		}

		var t domain.Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil || t.Options.TaskID == "" {
			log.Error().Err(err).Msg("dropping malformed task message")
			continue
		}
		if _, err := q.Enqueue(ctx, t); err != nil {
			log.Error().Err(err).Str("task_id", t.Options.TaskID).Msg("enqueue task")
			// put it back at the consuming end
			if err := c.list.RPush(context.WithoutCancel(ctx), TaskList, res[1]).Err(); err != nil {
				log.Error().Err(err).Str("task_id", t.Options.TaskID).Msg("requeue task")
			}
			c.wait(ctx)
			continue
		}
		log.Debug().Str("task_id", t.Options.TaskID).Str("event_type", t.Input.EventType).Msg("task received")
	}
}

func (c *Client) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.backoff):
	}
}

// Sender pushes results on the result list.
type Sender struct {
	list list
}

func (c *Client) Sender() *Sender { return &Sender{list: c.list} }

func (s *Sender) Send(ctx context.Context, res domain.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := s.list.LPush(ctx, ResultList, data).Err(); err != nil {
		return fmt.Errorf("failed to push result to %s: %w", ResultList, err)
	}
	return nil
}
