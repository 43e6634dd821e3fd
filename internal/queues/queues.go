// Package queues provides the message queues between the orchestrator and
// its collaborators: per-pool work queues consumed by agents, the heartbeat
// queue, the webhook delivery queue, and per-scaleset shrink queues.
// Consumers are explicit long-lived loops; a message is acked by virtue of
// the pop, so handlers must tolerate redelivery after a crash mid-handle.
package queues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Pop when the queue has no messages.
var ErrEmpty = errors.New("queues: queue empty")

// Queue is a FIFO byte queue.
type Queue interface {
	Push(ctx context.Context, payload []byte) error
	Pop(ctx context.Context) ([]byte, error)
	Len(ctx context.Context) (int64, error)
}

// Factory hands out named queues. Queues are created on first use.
type Factory interface {
	Queue(name string) Queue
}

// Well-known queue names.
const (
	HeartbeatQueue = "heartbeats"
	WebhookQueue   = "webhooks"
)

// PoolQueue names the work queue agents of the given pool consume.
func PoolQueue(poolName string) string {
	return "pool-" + poolName
}

// ShrinkQueue names the scale-in queue of a scaleset.
func ShrinkQueue(scalesetID string) string {
	return "shrink-" + scalesetID
}

// PushJSON marshals v and pushes it.
func PushJSON(ctx context.Context, q Queue, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode queue message: %w", err)
	}
	return q.Push(ctx, data)
}

// PopJSON pops one message and unmarshals it into v. Returns ErrEmpty when
// there is nothing to pop.
func PopJSON(ctx context.Context, q Queue, v interface{}) error {
	data, err := q.Pop(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode queue message: %w", err)
	}
	return nil
}

// RedisFactory builds queues backed by Redis lists.
type RedisFactory struct {
	client *redis.Client
	prefix string
}

func NewRedisFactory(client *redis.Client) *RedisFactory {
	return &RedisFactory{client: client, prefix: "fuzzfleet:queue:"}
}

func (f *RedisFactory) Queue(name string) Queue {
	return &redisQueue{client: f.client, key: f.prefix + name}
}

type redisQueue struct {
	client *redis.Client
	key    string
}

func (q *redisQueue) Push(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", q.key, err)
	}
	return nil
}

func (q *redisQueue) Pop(ctx context.Context) ([]byte, error) {
	data, err := q.client.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("pop from %s: %w", q.key, err)
	}
	return data, nil
}

func (q *redisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("len of %s: %w", q.key, err)
	}
	return n, nil
}

// MemFactory builds in-memory queues for tests and standalone mode.
type MemFactory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
}

func NewMemFactory() *MemFactory {
	return &MemFactory{queues: make(map[string]*memQueue)}
}

func (f *MemFactory) Queue(name string) Queue {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	if !ok {
		q = &memQueue{}
		f.queues[name] = q
	}
	return q
}

type memQueue struct {
	mu       sync.Mutex
	messages [][]byte
}

func (q *memQueue) Push(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, append([]byte(nil), payload...))
	return nil
}

func (q *memQueue) Pop(ctx context.Context) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, ErrEmpty
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg, nil
}

func (q *memQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.messages)), nil
}
