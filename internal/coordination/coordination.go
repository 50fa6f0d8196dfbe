// Package coordination provides cluster-wide mutual exclusion and bucket
// ownership on top of redis.
//
// Claims are TTL'd keys heartbeated while held, so a crashed holder's claim
// expires on its own (the §6 locks layout: ~3s TTL, ~1s heartbeat).
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrBusyLock: another claim currently holds the lock.
	ErrBusyLock = errors.New("coordination: lock is busy")

	// ErrLockTimeout: the acquisition window elapsed while contending.
	ErrLockTimeout = errors.New("coordination: lock acquisition timed out")
)

const (
	claimTTL          = 3 * time.Second
	heartbeatInterval = 1 * time.Second
	acquirePollEvery  = 100 * time.Millisecond
)

// NewRedisClient connects and pings, failing fast on an unreachable server.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("coordination: redis ping failed (%s): %w", addr, err)
	}
	return rdb, nil
}

// renewScript extends the claim TTL only while we still own it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the claim only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
