package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testLimiter(t *testing.T) *Limiter {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestCheckBucketAllowsThenDenies(t *testing.T) {
	l := testLimiter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := "test:minute:" + time.Now().Format(time.RFC3339Nano)
	defer l.rdb.Del(ctx, key)

	ms, err := l.CheckBucket(ctx, key, 1, time.Minute)
	if err != nil {
		t.Fatalf("CheckBucket #1: %v", err)
	}
	if ms != 0 {
		t.Fatalf("first request denied, want allowed")
	}

	ms, err = l.CheckBucket(ctx, key, 1, time.Minute)
	if err != nil {
		t.Fatalf("CheckBucket #2: %v", err)
	}
	if ms <= 0 || ms > time.Minute.Milliseconds() {
		t.Fatalf("second request Retry-After = %dms, want in (0, 60000]", ms)
	}
}

func TestCheckBucketZeroLimitMeansUnlimited(t *testing.T) {
	l := testLimiter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := "test:unlimited:" + time.Now().Format(time.RFC3339Nano)
	defer l.rdb.Del(ctx, key)

	for i := 0; i < 5; i++ {
		ms, err := l.CheckBucket(ctx, key, 0, time.Minute)
		if err != nil {
			t.Fatalf("CheckBucket: %v", err)
		}
		if ms != 0 {
			t.Fatalf("limit=0 should mean no limit configured, got deny")
		}
	}
}

func TestConcurrencyGaugeAcquireRelease(t *testing.T) {
	l := testLimiter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := "test-model-" + time.Now().Format(time.RFC3339Nano)
	defer l.rdb.Del(ctx, bucketKey(scopeConcurrent, key))

	ok, err := l.AcquireConcurrency(ctx, key, 1)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = l.AcquireConcurrency(ctx, key, 1)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("second acquire should have been rejected at limit=1")
	}

	if err := l.ReleaseConcurrency(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, err = l.AcquireConcurrency(ctx, key, 1)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	l.ReleaseConcurrency(ctx, key)
}

func TestCheckChatStopsAtFirstDeny(t *testing.T) {
	l := testLimiter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	userID := "user-" + time.Now().Format(time.RFC3339Nano)
	defer func() {
		l.rdb.Del(ctx, bucketKey(scopeMinute, userID), bucketKey(scopeHour, userID),
			bucketKey(scopeDay, userID), bucketKey(scopeUser, userID))
	}()

	defaults := UserLimits{Minute: 1, Hour: 100, Day: 1000, Forever: 0}

	d, err := l.CheckChat(ctx, userID, UserLimits{}, defaults, nil)
	if err != nil {
		t.Fatalf("CheckChat #1: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("first chat request should be allowed")
	}

	d, err = l.CheckChat(ctx, userID, UserLimits{}, defaults, nil)
	if err != nil {
		t.Fatalf("CheckChat #2: %v", err)
	}
	if d.Allowed || d.Bucket != scopeMinute {
		t.Fatalf("second chat request should be denied at the minute bucket, got %+v", d)
	}
}
