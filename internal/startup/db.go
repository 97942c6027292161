package startup

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/retry"
)

// ConnectDBWithRetry подключается к Postgres с повторами; при недоступности БД не роняет процесс сразу.
// logPrefix добавляется к сообщениям лога (например "api: ").
func ConnectDBWithRetry(poolCfg *pgxpool.Config, maxWait time.Duration, logPrefix string) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), maxWait)
	defer cancel()

	policy := retry.Exponential(0, 2*time.Second, 30*time.Second)
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		logger.Errorf("%sdb connect attempt %d failed, retry in %v: %v", logPrefix, attempt, wait, err)
	}

	var pool *pgxpool.Pool
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		defer connectCancel()
		p, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
		if err != nil {
			return err
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		logger.Errorf("%sconnect to db (gave up after %v): %v", logPrefix, maxWait, err)
		os.Exit(1)
	}
	return pool
}
