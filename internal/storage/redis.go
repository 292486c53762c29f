package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tos-network/tos-miner/internal/util"
)

const (
	keyPrefix = "miner:"

	// Key patterns
	keyReceipts    = keyPrefix + "receipts"
	keyErrors      = keyPrefix + "errors"
	keySolvedAddr  = keyPrefix + "solved:%s"
	keyCounters    = keyPrefix + "counters"
	keyLastRestart = keyPrefix + "lastRestart"

	// maxReceipts bounds the receipt list length
	maxReceipts = 10000

	// maxErrors bounds the error list length
	maxErrors = 2000

	// maxSolvedPerAddress bounds each per-address solved set
	maxSolvedPerAddress = 256
)

// RedisClient wraps Redis operations for the miner
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient creates a new Redis client
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &RedisClient{client: client, ctx: ctx}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// WriteReceipt appends a submission receipt and updates the solved
// set and counters it implies.
func (r *RedisClient) WriteReceipt(rec *Receipt) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.LPush(r.ctx, keyReceipts, string(data))
	pipe.LTrim(r.ctx, keyReceipts, 0, maxReceipts-1)

	switch rec.Status {
	case ReceiptAccepted:
		pipe.SAdd(r.ctx, fmt.Sprintf(keySolvedAddr, rec.Address), rec.ChallengeID)
		pipe.HIncrBy(r.ctx, keyCounters, "solutions_accepted", 1)
	case ReceiptDuplicate:
		pipe.SAdd(r.ctx, fmt.Sprintf(keySolvedAddr, rec.Address), rec.ChallengeID)
		pipe.HIncrBy(r.ctx, keyCounters, "solutions_duplicate", 1)
	case ReceiptError:
		pipe.HIncrBy(r.ctx, keyCounters, "submit_errors", 1)
	}

	_, err = pipe.Exec(r.ctx)
	return err
}

// WriteError appends an error record for observability
func (r *RedisClient) WriteError(rec *Receipt) error {
	rec.Status = ReceiptError
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.LPush(r.ctx, keyErrors, string(data))
	pipe.LTrim(r.ctx, keyErrors, 0, maxErrors-1)
	pipe.HIncrBy(r.ctx, keyCounters, "submit_errors", 1)
	_, err = pipe.Exec(r.ctx)
	return err
}

// GetRecentReceipts returns the newest n receipts
func (r *RedisClient) GetRecentReceipts(n int) ([]*Receipt, error) {
	if n <= 0 {
		n = 50
	}
	results, err := r.client.LRange(r.ctx, keyReceipts, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	return decodeReceipts(results), nil
}

// ReadReceipts returns the full retained receipt log, newest first
func (r *RedisClient) ReadReceipts() ([]*Receipt, error) {
	results, err := r.client.LRange(r.ctx, keyReceipts, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeReceipts(results), nil
}

func decodeReceipts(raw []string) []*Receipt {
	receipts := make([]*Receipt, 0, len(raw))
	for _, item := range raw {
		var rec Receipt
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		receipts = append(receipts, &rec)
	}
	return receipts
}

// GetSolved returns the solved challenge ids for an address
func (r *RedisClient) GetSolved(address string) ([]string, error) {
	return r.client.SMembers(r.ctx, fmt.Sprintf(keySolvedAddr, address)).Result()
}

// AddSolved records a challenge id as solved for an address
func (r *RedisClient) AddSolved(address, challengeID string) error {
	return r.client.SAdd(r.ctx, fmt.Sprintf(keySolvedAddr, address), challengeID).Err()
}

// TrimSolved bounds an address's solved set by dropping random
// members above the cap. Old challenge ids are interchangeable once
// the challenge has passed, so random eviction is acceptable.
func (r *RedisClient) TrimSolved(address string) error {
	key := fmt.Sprintf(keySolvedAddr, address)
	size, err := r.client.SCard(r.ctx, key).Result()
	if err != nil {
		return err
	}
	if size <= maxSolvedPerAddress {
		return nil
	}
	return r.client.SPopN(r.ctx, key, size-maxSolvedPerAddress).Err()
}

// GetCounters returns persisted session counters
func (r *RedisClient) GetCounters() (*SessionCounters, error) {
	values, err := r.client.HGetAll(r.ctx, keyCounters).Result()
	if err != nil {
		return nil, err
	}

	counters := &SessionCounters{}
	for field, value := range values {
		var n uint64
		fmt.Sscanf(value, "%d", &n)
		switch field {
		case "solutions_accepted":
			counters.SolutionsAccepted = n
		case "solutions_duplicate":
			counters.SolutionsDuplicate = n
		case "submit_errors":
			counters.SubmitErrors = n
		case "restarts":
			counters.Restarts = n
		}
	}
	return counters, nil
}

// RecordRestart bumps the restart counter and timestamp
func (r *RedisClient) RecordRestart() error {
	pipe := r.client.Pipeline()
	pipe.HIncrBy(r.ctx, keyCounters, "restarts", 1)
	pipe.Set(r.ctx, keyLastRestart, time.Now().Unix(), 0)
	_, err := pipe.Exec(r.ctx)
	return err
}
