package store

import "context"

// FlushRedis empties the store's database between tests.
func FlushRedis(ctx context.Context, s *RedisStore) error {
	return s.client.FlushDB(ctx).Err()
}
