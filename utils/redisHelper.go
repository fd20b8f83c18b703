package utils

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"bitbucket.org/mmdatafocus/pos_backend/config"
)

var mutex sync.Mutex

func GetTypeName[T any]() string {
	var model T
	t := reflect.TypeOf(model)
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// GetSequence hands out the next per-tenant sequence number for model T.
// Redis is the fast path; the DB max is the source of truth when Redis is cold
// or absent. The unique check closes the gap when another instance raced us.
func GetSequence[T any](ctx context.Context, businessId string) (int64, error) {
	var model T
	mutex.Lock()
	defer mutex.Unlock()

	cacheKey := businessId + "-" + strings.ToLower(GetTypeName[T]()) + "_seq"
	db := config.GetDB()

	var seqNo int64
	for {
		counter, err := config.GetRedisCounter(ctx, cacheKey)
		if err != nil {
			return 0, err
		}
		if counter <= 1 {
			// cold cache (or no redis): derive from db max
			var dbSeq *int64
			if err := db.WithContext(ctx).Model(&model).Select("max(sequence_no)").
				Where("business_id = ?", businessId).
				Scan(&dbSeq).Error; err != nil {
				return 0, err
			}
			if dbSeq == nil {
				seqNo = 0
			} else {
				seqNo = *dbSeq
			}
			seqNo++
			if err := config.SetRedisObject(cacheKey, &seqNo, 0); err != nil {
				return 0, err
			}
		} else {
			seqNo = counter
		}
		// check if sequence number exists in db
		if err := ValidateUnique[T](ctx, businessId, "sequence_no", seqNo, 0); err == nil {
			return seqNo, nil
		}
	}
}
