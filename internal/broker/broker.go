// Package broker implements the message-broker protocol over Redis: FIFO
// task queues with priority bands and delayed delivery, and a fan-out
// control plane with per-call reply queues.
//
// Task queues are Redis lists named qjazz.{service}; a priority band p > 0
// uses qjazz.{service}.{p} and consumers pop higher bands first. Delayed
// tasks wait in the sorted set qjazz.{service}.delayed scored by their ETA
// and are promoted to a list when due. Message expiration is enforced at
// dequeue time: an expired envelope is dropped, never executed. A task
// revoked while still queued stays in its list until that expiration —
// there is no per-message purge.
//
// Control and inspect commands are published on the qjazz.control pub/sub
// channel; every worker receives them and replies on the caller's reply
// list qjazz.reply.{uuid}. Reply lists carry a short TTL so replies
// abandoned by a caller that hit its deadline are garbage collected.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MaxPriority is the highest accepted priority band.
const MaxPriority = 9

// Client is a broker connection shared by executors and workers. Methods
// are safe for concurrent use.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to the broker at the given redis:// URL.
func New(url string, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), logger), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, logger: logger.Named("broker")}
}

// Ping verifies broker connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func queueKey(service string, priority int) string {
	if priority <= 0 {
		return "qjazz." + service
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return "qjazz." + service + "." + strconv.Itoa(priority)
}

func delayedKey(service string) string {
	return "qjazz." + service + ".delayed"
}

// consumeKeys returns the queue keys for a service ordered highest priority
// first, which is the order BRPOP honors.
func consumeKeys(service string) []string {
	keys := make([]string, 0, MaxPriority+1)
	for p := MaxPriority; p >= 1; p-- {
		keys = append(keys, queueKey(service, p))
	}
	return append(keys, queueKey(service, 0))
}

// Publish enqueues a task message for a service. Messages with a future ETA
// go to the delayed set and surface once due.
func (c *Client) Publish(ctx context.Context, service string, msg *TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding task message: %w", err)
	}
	if msg.ETA != nil && msg.ETA.After(time.Now()) {
		err = c.rdb.ZAdd(ctx, delayedKey(service), redis.Z{
			Score:  float64(msg.ETA.Unix()),
			Member: string(data),
		}).Err()
		if err != nil {
			return fmt.Errorf("scheduling delayed task %s: %w", msg.ID, err)
		}
		return nil
	}
	if err := c.rdb.LPush(ctx, queueKey(service, msg.Priority), data).Err(); err != nil {
		return fmt.Errorf("enqueueing task %s: %w", msg.ID, err)
	}
	return nil
}

// Consume blocks until a live task message is available for the service or
// the context is canceled. Expired and undecodable envelopes are dropped.
func (c *Client) Consume(ctx context.Context, service string) (*TaskMessage, error) {
	keys := consumeKeys(service)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.promoteDelayed(ctx, service)

		res, err := c.rdb.BRPop(ctx, time.Second, keys...).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("waiting on queue %s: %w", queueKey(service, 0), err)
		}

		var msg TaskMessage
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			c.logger.Warn("dropping undecodable task message", zap.Error(err))
			continue
		}
		if msg.Expired(time.Now()) {
			c.logger.Debug("dropping expired task message", zap.String("task_id", msg.ID))
			continue
		}
		return &msg, nil
	}
}

// promoteDelayed moves due members of the delayed set onto their queue.
// ZREM acts as the claim: only the consumer that removed the member
// enqueues it.
func (c *Client) promoteDelayed(ctx context.Context, service string) {
	key := delayedKey(service)
	due, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().Unix(), 10),
		Count: 16,
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	for _, member := range due {
		removed, err := c.rdb.ZRem(ctx, key, member).Result()
		if err != nil || removed == 0 {
			continue
		}
		var msg TaskMessage
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			c.logger.Warn("dropping undecodable delayed message", zap.Error(err))
			continue
		}
		if err := c.rdb.LPush(ctx, queueKey(service, msg.Priority), member).Err(); err != nil {
			c.logger.Error("failed to promote delayed task",
				zap.String("task_id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

// Scheduled reports whether a task with the given id is waiting in the
// delayed set of a service.
func (c *Client) Scheduled(ctx context.Context, service, taskID string) (bool, error) {
	members, err := c.rdb.ZRange(ctx, delayedKey(service), 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("reading delayed set: %w", err)
	}
	for _, member := range members {
		var msg TaskMessage
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			continue
		}
		if msg.ID == taskID {
			return true, nil
		}
	}
	return false, nil
}
