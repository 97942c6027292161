package startup

import (
	"context"
	"os"
	"time"

	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/retry"
	redisstorage "github.com/foodbridge/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	ctx, cancel := context.WithTimeout(context.Background(), maxWait)
	defer cancel()

	policy := retry.Exponential(0, 2*time.Second, 30*time.Second)
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		logger.Errorf("%sredis connect attempt %d failed, retry in %v: %v", logPrefix, attempt, wait, err)
	}

	var client *redisstorage.Client
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		c, err := redisstorage.New(pingCtx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		logger.Errorf("%sredis (gave up after %v): %v", logPrefix, maxWait, err)
		os.Exit(1)
	}
	return client
}
