package persistence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/weft/internal/testutil"
	"github.com/petrijr/weft/pkg/api"
)

const redisTestPrefix = "weft:test:"

type RedisSchemaStoreTestSuite struct {
	suite.Suite
	client *redis.Client
	store  *RedisSchemaStore
}

func TestRedisSchemaStoreSuite(t *testing.T) {
	addr := testutil.RedisAddress(t)

	s := new(RedisSchemaStoreTestSuite)
	s.client = redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = s.client.Close() })
	s.store = NewRedisSchemaStore(s.client, redisTestPrefix)
	suite.Run(t, s)
}

func (r *RedisSchemaStoreTestSuite) SetupTest() {
	ctx := context.Background()

	// Clean up all keys with this prefix.
	iter := r.client.Scan(ctx, 0, redisTestPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		r.Require().NoError(r.client.Del(ctx, iter.Val()).Err())
	}
	r.Require().NoError(iter.Err(), "redis SCAN failed")
}

func (r *RedisSchemaStoreTestSuite) TestConformance() {
	testSchemaStore(r.T(), r.store)
}

func (r *RedisSchemaStoreTestSuite) TestRekeyEmptyWorkflow() {
	moved, err := r.store.RekeySchemas(context.Background(), "temp-none", "wf-none")
	r.Require().NoError(err)
	r.Equal(0, moved)
}

func (r *RedisSchemaStoreTestSuite) TestKeysUseOneHashPerWorkflow() {
	ctx := context.Background()
	r.Require().NoError(r.store.PutInputSchema(ctx, "wf-1", "a", api.Schema{{Name: "x", Type: "string"}}))
	r.Require().NoError(r.store.PutInputSchema(ctx, "wf-1", "b", nil))

	n, err := r.client.HLen(ctx, redisTestPrefix+"schema:wf-1").Result()
	r.Require().NoError(err)
	r.Equal(int64(2), n)
}
