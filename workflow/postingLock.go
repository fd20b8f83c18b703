package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"github.com/bsm/redislock"
	"gorm.io/gorm"
)

// BranchPostingLockKey names the advisory lock serializing posting for one
// branch of one tenant.
func BranchPostingLockKey(businessId string, branchId int) string {
	return fmt.Sprintf("posting:%s:%d", businessId, branchId)
}

// AcquireBranchPostingLock serializes posting per (business, branch) using MySQL
// advisory locks. Order completion, refunds and cash register writes all post
// against the branch's running balances, so they take this lock first.
// NOTE: GET_LOCK is session-scoped, so this must be called on the same
// *gorm.DB that will do the posting transaction.
func AcquireBranchPostingLock(tx *gorm.DB, businessId string, branchId int) error {
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", BranchPostingLockKey(businessId, branchId)).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for business_id=%s branch_id=%d", businessId, branchId)
	}
	return nil
}

// ReleaseBranchPostingLock must run on the session that acquired the lock
// while that session is still usable. The lock survives COMMIT and ROLLBACK,
// so a release attempted after the transaction has ended does not reach the
// server and the lock rides the pooled connection back out still held.
func ReleaseBranchPostingLock(tx *gorm.DB, businessId string, branchId int) error {
	lockName := BranchPostingLockKey(businessId, branchId)
	var released sql.NullInt64
	if err := tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&released).Error; err != nil {
		return err
	}
	if !released.Valid || released.Int64 != 1 {
		return fmt.Errorf("posting lock %s was not held by this session", lockName)
	}
	return nil
}

// AcquireBranchRedisLock is the cross-instance variant for deployments where
// posting paths do not share one MySQL connection pool. Best-effort: with no
// Redis configured it returns a nil lock and callers fall back to the advisory
// lock plus row versions.
func AcquireBranchRedisLock(ctx context.Context, businessId string, branchId int) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, nil
	}
	key := fmt.Sprintf("posting-lock:%s:%d", businessId, branchId)
	lock, err := locker.Obtain(ctx, key, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50),
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func ReleaseBranchRedisLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	_ = lock.Release(ctx)
}
