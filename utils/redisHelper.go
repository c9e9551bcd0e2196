package utils

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
)

var mutex sync.Mutex

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

// get type name of struct
func GetType(i interface{}) string {
	return reflect.TypeOf(i).Name()
}

/* Redis */

// check if model has expiration date
func typeHasExpiration(typeName string) bool {
	expirableTypes := map[string]bool{
		"MetricCatalogEntry": true,
		"Organization":       true,
	}
	return expirableTypes[typeName]
}

// store instance, obj should be a pointer
func StoreRedis[T any](obj any, id any) error {
	typeName := GetTypeName[T]()
	key := typeName + ":" + fmt.Sprint(id)

	var duration time.Duration
	if typeHasExpiration(typeName) {
		duration = GetCacheLifespan()
	}
	return config.SetRedisObject(key, &obj, duration)
}

// store object
func StoreRedisList[T any](obj any, organizationId string) error {
	var key string
	typeName := GetTypeName[T]()
	if organizationId == "" {
		key = GetTypeName[T]() + "List"
	} else {
		key = GetTypeName[T]() + "List:" + organizationId
	}

	var duration time.Duration
	if typeHasExpiration(typeName) {
		duration = GetCacheLifespan()
	}
	return config.SetRedisObject(key, &obj, duration)
}

// get from redis
// returns nil if does not exist
func RetrieveRedis[T any](id any) (*T, error) {
	var result *T
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	exists, err := config.GetRedisObject(key, &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// retrieve a list.
// organizationId can be empty
func RetrieveRedisList[T any](organizationId string) ([]*T, error) {
	var key string
	if organizationId == "" {
		key = GetTypeName[T]() + "List"
	} else {
		key = GetTypeName[T]() + "List:" + organizationId
	}

	var result []*T
	exists, err := config.GetRedisObject(key, &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// clear list, TypeList:$organization_id
func RemoveRedisList[T any](organizationId string) error {
	var key string = GetTypeName[T]() + "List:" + organizationId
	return config.RemoveRedisKey(key)
}

func RemoveRedisMap[T any](organizationId string) error {
	var key string = GetTypeName[T]() + "Map:" + organizationId
	return config.RemoveRedisKey(key)
}

// remove an instance, Type:$id
func RemoveRedisItem[T any](id any) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.RemoveRedisKey(key)
}

func ClearRedisAdmin[T any]() error {
	if err := config.RemoveRedisKey("All" + GetTypeName[T]() + "List"); err != nil {
		return err
	}
	if err := config.RemoveRedisKey("All" + GetTypeName[T]() + "Map"); err != nil {
		return err
	}
	return nil
}

// GetSequence hands out the next per-organization sequence number for T,
// seeding the Redis counter from max(sequence_no) in the DB on first use.
func GetSequence[T any](ctx context.Context, organizationId string) (int64, error) {
	// lock
	var model T
	mutex.Lock()
	defer mutex.Unlock()
	cacheKey := organizationId + "-" + strings.ToLower(GetTypeName[T]()) + "_seq"
	var seqNo int64
	var err error
	db := config.GetDB()

	for {
		seqNo, err = config.GetRedisCounter(ctx, cacheKey)
		if err != nil {
			return 0, err
		}
		// if not found in redis, get from db
		if seqNo == 1 {
			// get max seq no from db
			var dbSeq *int64
			if err := db.WithContext(ctx).Model(&model).Select("max(sequence_no)").
				Where("organization_id = ?", organizationId).
				Scan(&dbSeq).Error; err != nil {
				return 0, err
			}
			// in case db has no rows yet
			if dbSeq == nil {
				seqNo = 0
			} else {
				seqNo = *dbSeq
			}
			// set redis
			seqNo++
			if err := config.SetRedisObject(cacheKey, &seqNo, 0); err != nil {
				return 0, err
			}
		}
		// check if sequence number exists in db
		err = ValidateUnique[T](ctx, organizationId, "sequence_no", seqNo, 0)
		if err == nil {
			break
		}
	}
	// unlock
	return seqNo, nil
}
