package overrides

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/hoa/model"
)

// maxWatchRetries bounds how often Replace retries after another client
// touched the key between WATCH and EXEC.
const maxWatchRetries = 3

// RedisRepository stores each override document as a JSON string under
// "<prefix><workflow key>". Replace runs in a WATCH/MULTI transaction.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisRepository creates a Redis-backed override repository. An empty
// prefix defaults to "hoa:overrides:".
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "hoa:overrides:"
	}
	return &RedisRepository{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisRepository) key(workflowKey string) string {
	return r.prefix + workflowKey
}

// Get reads the stored document or returns an empty one at version 0.
func (r *RedisRepository) Get(ctx context.Context, workflowKey string) (model.OverrideDocument, error) {
	return r.read(ctx, r.client, workflowKey)
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisRepository) read(ctx context.Context, c stringGetter, workflowKey string) (model.OverrideDocument, error) {
	raw, err := c.Get(ctx, r.key(workflowKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.EmptyOverrides(workflowKey), nil
	}
	if err != nil {
		return model.OverrideDocument{}, fmt.Errorf("redis get %q: %w", r.key(workflowKey), err)
	}

	doc := model.EmptyOverrides(workflowKey)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.OverrideDocument{}, fmt.Errorf("unmarshal overrides %q: %w", workflowKey, err)
	}
	doc.WorkflowKey = workflowKey
	return doc, nil
}

// Replace writes doc if the stored version did not move underneath it.
func (r *RedisRepository) Replace(ctx context.Context, doc model.OverrideDocument) (model.OverrideDocument, error) {
	if doc.WorkflowKey == "" {
		return model.OverrideDocument{}, model.NewBadRequestError("override document has no workflow_key")
	}
	key := r.key(doc.WorkflowKey)

	var stored model.OverrideDocument
	txf := func(tx *redis.Tx) error {
		current, err := r.read(ctx, tx, doc.WorkflowKey)
		if err != nil {
			return err
		}
		stored, err = nextVersion(doc, current.Version, r.now())
		if err != nil {
			return err
		}
		raw, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal overrides: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return model.OverrideDocument{}, err
		}
		return stored, nil
	}
	return model.OverrideDocument{}, model.NewConflictError(
		fmt.Sprintf("overrides for workflow %q are being written concurrently", doc.WorkflowKey),
	)
}

// HealthCheck pings Redis.
func (r *RedisRepository) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
