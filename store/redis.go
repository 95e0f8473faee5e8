package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/telemetry"
)

const (
	workflowKeyPrefix = "grcflow:workflow:"
	activeSetKey      = "grcflow:workflows:active"
)

// RedisWorkflowStore persists workflows as JSON blobs in Redis. Active
// workflow ids live in a set so the SLA sweep avoids scanning the whole
// keyspace. Terminal workflows keep their blob for the retention window
// but leave the active set.
type RedisWorkflowStore struct {
	client    *redis.Client
	retention time.Duration
	logger    core.Logger
}

// RedisOption configures the store.
type RedisOption func(*RedisWorkflowStore)

// WithRedisLogger sets the store logger.
func WithRedisLogger(logger core.Logger) RedisOption {
	return func(s *RedisWorkflowStore) { s.logger = logger }
}

// WithRetention sets how long terminal workflow blobs are kept.
// Zero means no expiry.
func WithRetention(retention time.Duration) RedisOption {
	return func(s *RedisWorkflowStore) { s.retention = retention }
}

// NewRedisWorkflowStore connects to Redis and verifies the connection.
func NewRedisWorkflowStore(redisURL string, opts ...RedisOption) (*RedisWorkflowStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := &RedisWorkflowStore{
		client:    client,
		retention: 90 * 24 * time.Hour,
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Save writes the workflow blob and maintains the active set. Terminal
// workflows get the retention TTL.
func (s *RedisWorkflowStore) Save(ctx context.Context, workflow *core.Workflow) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("marshaling workflow: %w", err)
	}

	key := workflowKeyPrefix + workflow.ID
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if workflow.Status.IsTerminal() {
			pipe.Set(ctx, key, data, s.retention)
			pipe.SRem(ctx, activeSetKey, workflow.ID)
		} else {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, activeSetKey, workflow.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving workflow to Redis: %w", err)
	}
	telemetry.Counter("store.saves.total", "status", string(workflow.Status))
	return nil
}

// Get retrieves a workflow blob.
func (s *RedisWorkflowStore) Get(ctx context.Context, workflowID string) (*core.Workflow, error) {
	data, err := s.client.Get(ctx, workflowKeyPrefix+workflowID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, core.NewError("store.Get", core.CodeInvalidState, core.ErrWorkflowNotFound)
		}
		return nil, fmt.Errorf("getting workflow: %w", err)
	}
	var workflow core.Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("unmarshaling workflow: %w", err)
	}
	return &workflow, nil
}

// Delete removes the blob and the active-set membership.
func (s *RedisWorkflowStore) Delete(ctx context.Context, workflowID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, workflowKeyPrefix+workflowID)
		pipe.SRem(ctx, activeSetKey, workflowID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting workflow: %w", err)
	}
	return nil
}

// ListActive loads every workflow in the active set. Ids whose blob has
// vanished are pruned from the set rather than failing the listing.
func (s *RedisWorkflowStore) ListActive(ctx context.Context) ([]*core.Workflow, error) {
	ids, err := s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active workflows: %w", err)
	}

	var active []*core.Workflow
	for _, id := range ids {
		workflow, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrWorkflowNotFound) {
				s.client.SRem(ctx, activeSetKey, id)
				s.logger.Warn("Pruned dangling workflow id from active set", map[string]interface{}{
					"workflow_id": id,
				})
				continue
			}
			return nil, err
		}
		active = append(active, workflow)
	}
	return active, nil
}

// Close releases the Redis connection.
func (s *RedisWorkflowStore) Close() error {
	return s.client.Close()
}

var _ WorkflowStore = (*RedisWorkflowStore)(nil)
