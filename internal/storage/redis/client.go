package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/foodbridge/internal/broker"
	"github.com/foodbridge/internal/logger"
)

// FanoutChannel — канал pub/sub, через который инстансы пересылают друг другу кадры.
const FanoutChannel = "chat:fanout"

// Client — broker.Relay поверх Redis pub/sub.
type Client struct {
	cli     *redis.Client
	channel string
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, channel: FanoutChannel}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Publish(ctx context.Context, d broker.Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("redis fanout marshal: %w", err)
	}
	if err := c.cli.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("redis fanout publish: %w", err)
	}
	return nil
}

// Subscribe читает канал до отмены ctx. go-redis сам переподключается при обрыве.
func (c *Client) Subscribe(ctx context.Context, fn func(broker.Delivery)) error {
	ps := c.cli.Subscribe(ctx, c.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis fanout subscribe: %w", err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var d broker.Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				logger.Errorf("redis fanout: bad payload: %v", err)
				continue
			}
			fn(d)
		}
	}
}

var _ broker.Relay = (*Client)(nil)
