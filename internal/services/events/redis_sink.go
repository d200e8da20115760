package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/models"
)

const redisStreamMaxLen = 10000

// RedisSink mirrors progress events onto a capped Redis stream so processes
// other than the API server can follow jobs
type RedisSink struct {
	client *redis.Client
	stream string
}

var _ Sink = (*RedisSink)(nil)

// NewRedisSink connects and pings the server
func NewRedisSink(ctx context.Context, cfg common.RedisConfig) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "neurareport_progress"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisSink{client: client, stream: stream}, nil
}

func (r *RedisSink) Write(ctx context.Context, event models.ProgressEvent) error {
	values, err := streamValues(event)
	if err != nil {
		return err
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: values,
	}).Err()
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}

// streamValues flattens an event into stream fields; the full event is kept as JSON
func streamValues(event models.ProgressEvent) (map[string]interface{}, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode progress event: %w", err)
	}
	return map[string]interface{}{
		"job_id":  event.JobID,
		"event":   string(event.Event),
		"status":  event.Status,
		"payload": string(payload),
	}, nil
}
