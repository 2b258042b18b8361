package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ControlChannel is the pub/sub channel carrying control and inspect
// requests to every worker.
const ControlChannel = "qjazz.control"

// replyTTL bounds the lifetime of reply lists so replies abandoned by a
// caller are garbage collected.
const replyTTL = time.Minute

// ErrSubscriptionClosed is returned by Recv when the underlying pub/sub
// subscription has been closed.
var ErrSubscriptionClosed = errors.New("control subscription closed")

func replyKey(id string) string {
	return "qjazz.reply." + id
}

// Request is a control or inspect command. An empty Service targets every
// service; an empty Destinations targets every worker of the service.
type Request struct {
	ID           string          `json:"id"`
	Command      string          `json:"command"`
	Args         json.RawMessage `json:"args,omitempty"`
	Service      string          `json:"service,omitempty"`
	Destinations []string        `json:"destinations,omitempty"`
	ReplyTo      string          `json:"reply_to"`
}

// DecodeArgs unmarshals the request arguments into dst.
func (r *Request) DecodeArgs(dst any) error {
	if len(r.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Args, dst); err != nil {
		return fmt.Errorf("decoding %s args: %w", r.Command, err)
	}
	return nil
}

// Reply is one worker's answer to a Request.
type Reply struct {
	Destination string          `json:"destination"`
	Ok          bool            `json:"ok"`
	Error       string          `json:"error,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// DecodeBody unmarshals the reply body into dst.
func (r *Reply) DecodeBody(dst any) error {
	if len(r.Body) == 0 {
		return errors.New("empty reply body")
	}
	if err := json.Unmarshal(r.Body, dst); err != nil {
		return fmt.Errorf("decoding reply from %s: %w", r.Destination, err)
	}
	return nil
}

// BroadcastOptions tune reply collection. Expect stops collection early
// once that many replies arrived; zero means collect until the timeout,
// or until one reply per addressed destination when Destinations is set.
type BroadcastOptions struct {
	Service      string
	Destinations []string
	Expect       int
	Timeout      time.Duration
}

// Broadcast publishes a command and gathers replies until the deadline or
// the expected count. An empty reply slice is not an error at this level;
// callers decide whether silence means an unreachable destination.
func (c *Client) Broadcast(ctx context.Context, command string, args any, opts BroadcastOptions) ([]Reply, error) {
	req := Request{
		ID:           uuid.NewString(),
		Command:      command,
		Service:      opts.Service,
		Destinations: opts.Destinations,
	}
	req.ReplyTo = replyKey(req.ID)
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encoding %s args: %w", command, err)
		}
		req.Args = raw
	}
	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", command, err)
	}

	expect := opts.Expect
	if expect == 0 {
		expect = len(opts.Destinations)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if err := c.rdb.Publish(ctx, ControlChannel, payload).Err(); err != nil {
		return nil, fmt.Errorf("publishing %s: %w", command, err)
	}

	deadline := time.Now().Add(timeout)
	var replies []Reply
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		res, err := c.rdb.BRPop(ctx, remaining, req.ReplyTo).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return replies, ctx.Err()
			}
			return replies, fmt.Errorf("collecting %s replies: %w", command, err)
		}
		var rep Reply
		if err := json.Unmarshal([]byte(res[1]), &rep); err != nil {
			c.logger.Warn("dropping undecodable reply",
				zap.String("command", command),
				zap.Error(err),
			)
			continue
		}
		replies = append(replies, rep)
		if expect > 0 && len(replies) >= expect {
			break
		}
	}

	// Drop stragglers that would otherwise linger until the reply TTL.
	c.rdb.Del(context.WithoutCancel(ctx), req.ReplyTo)
	return replies, nil
}

// ControlSub is a worker's subscription to the control channel.
type ControlSub struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// SubscribeControl opens the control subscription and confirms it with the
// broker before returning.
func (c *Client) SubscribeControl(ctx context.Context) (*ControlSub, error) {
	ps := c.rdb.Subscribe(ctx, ControlChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to control channel: %w", err)
	}
	return &ControlSub{pubsub: ps, ch: ps.Channel()}, nil
}

// Recv blocks until the next decodable request or context cancellation.
func (s *ControlSub) Recv(ctx context.Context) (*Request, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case m, ok := <-s.ch:
			if !ok {
				return nil, ErrSubscriptionClosed
			}
			var req Request
			if err := json.Unmarshal([]byte(m.Payload), &req); err != nil {
				continue
			}
			return &req, nil
		}
	}
}

// Close terminates the subscription.
func (s *ControlSub) Close() error {
	return s.pubsub.Close()
}

// SendReply pushes a reply onto the caller's reply list with a bounded TTL.
func (c *Client) SendReply(ctx context.Context, replyTo string, rep Reply) error {
	data, err := json.Marshal(&rep)
	if err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, replyTo, data)
	pipe.Expire(ctx, replyTo, replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}
