package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/weft/pkg/api"
)

// RedisSchemaStore is a SchemaStore backed by Redis.
// It keeps one hash per workflow:
//
//	<prefix>schema:<workflowID>  => HASH nodeID -> JSON schema
type RedisSchemaStore struct {
	client *redis.Client
	prefix string
}

var _ SchemaStore = (*RedisSchemaStore)(nil)

// NewRedisSchemaStore creates a RedisSchemaStore.
// prefix is optional but recommended (e.g. "weft:").
func NewRedisSchemaStore(client *redis.Client, prefix string) *RedisSchemaStore {
	if prefix == "" {
		prefix = "weft:"
	}
	return &RedisSchemaStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisSchemaStore) keyWorkflow(workflowID string) string {
	return s.prefix + "schema:" + workflowID
}

func (s *RedisSchemaStore) PutInputSchema(ctx context.Context, workflowID, nodeID string, sc api.Schema) error {
	if sc == nil {
		sc = api.Schema{}
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.keyWorkflow(workflowID), nodeID, data).Err()
}

func (s *RedisSchemaStore) GetInputSchema(ctx context.Context, workflowID, nodeID string) (api.Schema, bool, error) {
	data, err := s.client.HGet(ctx, s.keyWorkflow(workflowID), nodeID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	sc, err := DecodeValue[api.Schema](data)
	if err != nil {
		return nil, false, err
	}
	return sc, true, nil
}

func (s *RedisSchemaStore) DeleteInputSchema(ctx context.Context, workflowID, nodeID string) error {
	return s.client.HDel(ctx, s.keyWorkflow(workflowID), nodeID).Err()
}

// RekeySchemas copies every field of the source hash into the target hash
// and deletes the source in one MULTI block.
func (s *RedisSchemaStore) RekeySchemas(ctx context.Context, from, to string) (int, error) {
	fields, err := s.client.HGetAll(ctx, s.keyWorkflow(from)).Result()
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return 0, nil
	}

	values := make([]any, 0, 2*len(fields))
	for node, data := range fields {
		values = append(values, node, data)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keyWorkflow(to), values...)
		pipe.Del(ctx, s.keyWorkflow(from))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(fields), nil
}
