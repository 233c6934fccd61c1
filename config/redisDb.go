package config

import (
	"context"
	"fmt"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

// ConnectRedisWithRetry connects and sets the global Redis client and lock
// client. maxAttempts <= 0 retries until ctx is done.
func ConnectRedisWithRetry(ctx context.Context, s RedisSettings, maxAttempts int) error {
	if !s.Enabled() {
		return nil
	}

	var attempt int
	for {
		attempt++
		client := redis.NewClient(&redis.Options{
			Addr:     s.Address,
			Password: "",
			DB:       0,
			PoolSize: 10,
		})
		err := client.Ping(ctx).Err()
		if err == nil {
			rdb = client
			locker = redislock.New(client)
			logg.WithFields(logrus.Fields{"attempt": attempt, "addr": s.Address}).Info("connected to redis")
			return nil
		}
		_ = client.Close()

		if maxAttempts > 0 && attempt >= maxAttempts {
			return fmt.Errorf("connect redis %s after %d attempts: %w", s.Address, attempt, err)
		}
		logg.WithFields(logrus.Fields{"attempt": attempt, "addr": s.Address, "retry_in": backoff(attempt).String()}).
			Warnf("failed to connect redis: %v", err)
		if werr := waitRetry(ctx, attempt); werr != nil {
			return werr
		}
	}
}

func CloseRedis() {
	if rdb != nil {
		_ = rdb.Close()
	}
}
