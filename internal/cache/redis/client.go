package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qabridge/backend/pkg/logger"
)

type Client struct {
	client redis.UniversalClient
	prefix string
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, prefix: "qabridge"}, nil
}

// Wrap uses an existing connection, such as the one shared with the stream broker.
func Wrap(client redis.UniversalClient, prefix string) *Client {
	return &Client{client: client, prefix: prefix}
}

// Raw exposes the underlying connection for components sharing it.
func (c *Client) Raw() redis.UniversalClient {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) key(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, kind, id)
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	err = c.client.Set(ctx, c.key("embedding", textHash), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embedding cached", zap.String("text_hash", textHash))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, c.key("embedding", textHash)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	err = json.Unmarshal(data, &embedding)
	if err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	logger.Debug("Embedding cache hit", zap.String("text_hash", textHash))
	return embedding, true, nil
}

// SetReply stores a delivered reply under its request id so a polling client
// can pick it up.
func (c *Client) SetReply(ctx context.Context, requestID string, reply interface{}, ttl time.Duration) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	err = c.client.Set(ctx, c.key("reply", requestID), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to store reply: %w", err)
	}
	return nil
}

func (c *Client) GetReply(ctx context.Context, requestID string, reply interface{}) (bool, error) {
	data, err := c.client.Get(ctx, c.key("reply", requestID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get reply: %w", err)
	}

	err = json.Unmarshal(data, reply)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	return true, nil
}

// InvalidateEmbeddings drops every cached embedding, for use after the
// embedding model changes.
func (c *Client) InvalidateEmbeddings(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.key("embedding", "*"), 0).Iterator()
	for iter.Next(ctx) {
		err := c.client.Del(ctx, iter.Val()).Err()
		if err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Embedding cache invalidated")
	return nil
}
