package pool

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/ulogger"
)

// Redis keyspace:
//
//	share:{id}                     hash, one stored share
//	shares:window                  zset of share ids scored by timestamp
//	miner:{addr}                   hash of lifetime counters
//	block:credits:{hash}           hash addr -> atomic amount (locked)
//	balance:pending:{addr}         mature pending balance (string int)
//	pool:blocks:pending_maturity   zset of PendingBlock JSON scored by height
//	payout:record:{id}             hash, one payout record
//	payout:sent                    zset of record ids scored by updated ts
//	payout:record:id               counter
const (
	keySharesWindow   = "shares:window"
	keyPendingBlocks  = "pool:blocks:pending_maturity"
	keyPayoutSent     = "payout:sent"
	keyPayoutRecordID = "payout:record:id"

	// shareWindowCap bounds the window zset; older entries are trimmed so
	// share memory cannot grow without bound.
	shareWindowCap = 100_000
)

// RedisStorage is the production pool backend.
type RedisStorage struct {
	logger ulogger.Logger
	client *redis.Client
	ctx    context.Context
}

func NewRedisStorage(logger ulogger.Logger, url string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.NewConfigurationError("invalid redis url %s: %v", url, err)
	}

	return &RedisStorage{
		logger: logger,
		client: redis.NewClient(opts),
		ctx:    context.Background(),
	}, nil
}

func (r *RedisStorage) Ping() error {
	return r.client.Ping(r.ctx).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func (r *RedisStorage) StoreShare(share *Share) error {
	if share.ID == "" {
		share.ID = uuid.NewString()
	}

	raw, err := json.Marshal(share)
	if err != nil {
		return errors.NewStorageError("encoding share: %v", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(r.ctx, "share:"+share.ID, "data", raw)
	pipe.Expire(r.ctx, "share:"+share.ID, 24*time.Hour)
	pipe.ZAdd(r.ctx, keySharesWindow, redis.Z{Score: float64(share.Timestamp), Member: share.ID})
	pipe.ZRemRangeByRank(r.ctx, keySharesWindow, 0, -(shareWindowCap + 1))
	if _, err := pipe.Exec(r.ctx); err != nil {
		return errors.NewStorageError("storing share: %v", err)
	}
	return nil
}

func (r *RedisStorage) RecentShares(n int64) ([]*Share, error) {
	ids, err := r.client.ZRevRange(r.ctx, keySharesWindow, 0, n-1).Result()
	if err != nil {
		return nil, errors.NewStorageError("reading share window: %v", err)
	}

	shares := make([]*Share, 0, len(ids))
	for _, id := range ids {
		raw, err := r.client.HGet(r.ctx, "share:"+id, "data").Result()
		if err != nil {
			// Window entries can outlive the per-share TTL; skip holes.
			continue
		}
		var s Share
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		shares = append(shares, &s)
	}
	return shares, nil
}

func (r *RedisStorage) IncrementMinerShare(address string, accepted bool) error {
	field := "accepted"
	if !accepted {
		field = "rejected"
	}
	return r.client.HIncrBy(r.ctx, "miner:"+address, field, 1).Err()
}

func (r *RedisStorage) IncrementMinerBlocks(address string) error {
	return r.client.HIncrBy(r.ctx, "miner:"+address, "blocks", 1).Err()
}

func (r *RedisStorage) GetMinerStats(address string) (*MinerStats, error) {
	fields, err := r.client.HGetAll(r.ctx, "miner:"+address).Result()
	if err != nil {
		return nil, errors.NewStorageError("reading miner stats: %v", err)
	}

	stats := &MinerStats{}
	stats.Accepted, _ = strconv.ParseUint(fields["accepted"], 10, 64)
	stats.Rejected, _ = strconv.ParseUint(fields["rejected"], 10, 64)
	stats.Blocks, _ = strconv.ParseUint(fields["blocks"], 10, 64)
	return stats, nil
}

func (r *RedisStorage) CreditBlockShares(blockHash string, credits map[string]uint64) error {
	if len(credits) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for addr, amount := range credits {
		pipe.HIncrBy(r.ctx, "block:credits:"+blockHash, addr, int64(amount))
	}
	if _, err := pipe.Exec(r.ctx); err != nil {
		return errors.NewStorageError("crediting block %s: %v", blockHash, err)
	}
	return nil
}

func (r *RedisStorage) UnlockBlockCredits(blockHash string) error {
	credits, err := r.client.HGetAll(r.ctx, "block:credits:"+blockHash).Result()
	if err != nil {
		return errors.NewStorageError("reading block credits: %v", err)
	}

	pipe := r.client.TxPipeline()
	for addr, raw := range credits {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || amount <= 0 {
			continue
		}
		pipe.IncrBy(r.ctx, "balance:pending:"+addr, amount)
	}
	pipe.Del(r.ctx, "block:credits:"+blockHash)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return errors.NewStorageError("unlocking block credits: %v", err)
	}
	return nil
}

func (r *RedisStorage) DropBlockCredits(blockHash string) error {
	return r.client.Del(r.ctx, "block:credits:"+blockHash).Err()
}

func (r *RedisStorage) PendingBalance(address string) (uint64, error) {
	raw, err := r.client.Get(r.ctx, "balance:pending:"+address).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.NewStorageError("reading pending balance: %v", err)
	}
	balance, _ := strconv.ParseUint(raw, 10, 64)
	return balance, nil
}

func (r *RedisStorage) PayoutCandidates(minAmount uint64, limit int) (map[string]uint64, error) {
	candidates := make(map[string]uint64)

	iter := r.client.Scan(r.ctx, 0, "balance:pending:*", int64(limit*10)).Iterator()
	for iter.Next(r.ctx) {
		key := iter.Val()
		raw, err := r.client.Get(r.ctx, key).Result()
		if err != nil {
			continue
		}
		balance, _ := strconv.ParseUint(raw, 10, 64)
		if balance >= minAmount {
			candidates[key[len("balance:pending:"):]] = balance
		}
		if len(candidates) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.NewStorageError("scanning payout candidates: %v", err)
	}
	return candidates, nil
}

func (r *RedisStorage) DebitPending(address string, amount uint64) error {
	result, err := r.client.DecrBy(r.ctx, "balance:pending:"+address, int64(amount)).Result()
	if err != nil {
		return errors.NewStorageError("debiting pending balance: %v", err)
	}
	if result < 0 {
		// Clamp; accounting drift is logged, never compounded.
		r.logger.Warnf("pending balance for %s went negative (%d), clamping to 0", address, result)
		return r.client.Set(r.ctx, "balance:pending:"+address, 0, 0).Err()
	}
	return nil
}

func (r *RedisStorage) RecordPendingBlock(pb *PendingBlock) error {
	raw, err := json.Marshal(pb)
	if err != nil {
		return errors.NewStorageError("encoding pending block: %v", err)
	}
	return r.client.ZAdd(r.ctx, keyPendingBlocks, redis.Z{
		Score:  float64(pb.Height),
		Member: raw,
	}).Err()
}

func (r *RedisStorage) PendingBlocksUpTo(height uint64) ([]*PendingBlock, error) {
	entries, err := r.client.ZRangeByScore(r.ctx, keyPendingBlocks, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatUint(height, 10),
	}).Result()
	if err != nil {
		return nil, errors.NewStorageError("reading pending blocks: %v", err)
	}

	blocks := make([]*PendingBlock, 0, len(entries))
	for _, entry := range entries {
		var pb PendingBlock
		if err := json.Unmarshal([]byte(entry), &pb); err != nil {
			r.logger.Warnf("corrupt pending block entry: %v", err)
			continue
		}
		blocks = append(blocks, &pb)
	}
	return blocks, nil
}

func (r *RedisStorage) RemovePendingBlock(blockHash string) error {
	entries, err := r.client.ZRange(r.ctx, keyPendingBlocks, 0, -1).Result()
	if err != nil {
		return errors.NewStorageError("reading pending blocks: %v", err)
	}
	for _, entry := range entries {
		var pb PendingBlock
		if json.Unmarshal([]byte(entry), &pb) == nil && pb.Hash == blockHash {
			return r.client.ZRem(r.ctx, keyPendingBlocks, entry).Err()
		}
	}
	return nil
}

func (r *RedisStorage) PendingBlockCount() (int64, error) {
	return r.client.ZCard(r.ctx, keyPendingBlocks).Result()
}

func (r *RedisStorage) CreatePayoutRecord(address string, amountAtomic uint64, txID string) (uint64, error) {
	id, err := r.client.Incr(r.ctx, keyPayoutRecordID).Result()
	if err != nil {
		return 0, errors.NewStorageError("allocating payout id: %v", err)
	}

	now := time.Now().Unix()
	key := "payout:record:" + strconv.FormatInt(id, 10)

	pipe := r.client.TxPipeline()
	pipe.HSet(r.ctx, key, map[string]interface{}{
		"id":            id,
		"address":       address,
		"amount_atomic": amountAtomic,
		"status":        PayoutStatusSent,
		"tx_id":         txID,
		"created_ts":    now,
		"updated_ts":    now,
	})
	pipe.ZAdd(r.ctx, keyPayoutSent, redis.Z{Score: float64(now), Member: id})
	if _, err := pipe.Exec(r.ctx); err != nil {
		return 0, errors.NewStorageError("storing payout record: %v", err)
	}
	return uint64(id), nil
}

func (r *RedisStorage) SentPayoutRecords(limit int) ([]*PayoutRecord, error) {
	ids, err := r.client.ZRange(r.ctx, keyPayoutSent, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.NewStorageError("reading sent payouts: %v", err)
	}

	records := make([]*PayoutRecord, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(r.ctx, "payout:record:"+id).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		rec := &PayoutRecord{
			Address: fields["address"],
			Status:  fields["status"],
			TxID:    fields["tx_id"],
		}
		rec.ID, _ = strconv.ParseUint(fields["id"], 10, 64)
		rec.AmountAtomic, _ = strconv.ParseUint(fields["amount_atomic"], 10, 64)
		rec.CreatedTS, _ = strconv.ParseInt(fields["created_ts"], 10, 64)
		rec.UpdatedTS, _ = strconv.ParseInt(fields["updated_ts"], 10, 64)
		records = append(records, rec)
	}
	return records, nil
}

func (r *RedisStorage) MarkPayoutConfirmed(id uint64) error {
	key := "payout:record:" + strconv.FormatUint(id, 10)
	pipe := r.client.TxPipeline()
	pipe.HSet(r.ctx, key, "status", PayoutStatusConfirmed, "updated_ts", time.Now().Unix())
	pipe.ZRem(r.ctx, keyPayoutSent, id)
	_, err := pipe.Exec(r.ctx)
	return err
}

func (r *RedisStorage) MarkPayoutFailed(id uint64, reason string) error {
	key := "payout:record:" + strconv.FormatUint(id, 10)
	pipe := r.client.TxPipeline()
	pipe.HSet(r.ctx, key, "status", PayoutStatusFailed, "error", reason, "updated_ts", time.Now().Unix())
	pipe.ZRem(r.ctx, keyPayoutSent, id)
	_, err := pipe.Exec(r.ctx)
	return err
}
