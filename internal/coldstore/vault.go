package coldstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/asampat/glaciate/internal/config"
	"github.com/asampat/glaciate/internal/objstore"
	"github.com/asampat/glaciate/pkg/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	retrievalKeyPrefix = "vault:retrieval:"
	dueSetKey          = "vault:retrievals:due"
	expeditedSetKey    = "vault:retrievals:expedited"

	statusInProgress = "InProgress"
)

// claimExpeditedSlot atomically counts active expedited retrievals and claims
// a slot, so concurrent initiations cannot exceed the capacity between a read
// and a write.
var claimExpeditedSlot = redis.NewScript(`
if redis.call("SCARD", KEYS[1]) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("SADD", KEYS[1], ARGV[2])
return 1
`)

// Vault implements ColdStore over an archive bucket, with retrieval
// bookkeeping in Redis. A blob is written once under its handle; reads only
// go through the retrieval sequence, with the delay per tier simulating the
// archive medium. The Monitor completes due retrievals and publishes the
// callbacks.
type Vault struct {
	blobs objstore.Store
	rdb   *redis.Client
	cfg   config.VaultConfig
}

// NewVault creates a Vault over the given archive bucket store.
func NewVault(blobs objstore.Store, rdb *redis.Client, cfg config.VaultConfig) *Vault {
	return &Vault{blobs: blobs, rdb: rdb, cfg: cfg}
}

func (v *Vault) Upload(ctx context.Context, data []byte) (string, error) {
	handle := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := v.blobs.Put(ctx, handle, data); err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}
	return handle, nil
}

func (v *Vault) InitiateRetrieval(ctx context.Context, handle string, tier Tier) (string, error) {
	id := uuid.NewString()

	delay := v.cfg.StandardDelay
	if tier == TierExpedited {
		claimed, err := claimExpeditedSlot.Run(ctx, v.rdb, []string{expeditedSetKey}, v.cfg.ExpeditedCapacity, id).Int()
		if err != nil {
			return "", fmt.Errorf("claim expedited slot: %w", err)
		}
		if claimed == 0 {
			return "", ErrInsufficientCapacity
		}
		delay = v.cfg.ExpeditedDelay
	}

	readyAt := time.Now().Add(delay)

	pipe := v.rdb.TxPipeline()
	pipe.HSet(ctx, retrievalKeyPrefix+id, map[string]any{
		"handle":   handle,
		"tier":     string(tier),
		"status":   statusInProgress,
		"ready_at": readyAt.Unix(),
	})
	pipe.ZAdd(ctx, dueSetKey, redis.Z{Score: float64(readyAt.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		if tier == TierExpedited {
			v.rdb.SRem(ctx, expeditedSetKey, id)
		}
		return "", fmt.Errorf("record retrieval: %w", err)
	}
	return id, nil
}

func (v *Vault) GetOutput(ctx context.Context, retrievalID string) ([]byte, error) {
	fields, err := v.rdb.HGetAll(ctx, retrievalKeyPrefix+retrievalID).Result()
	if err != nil {
		return nil, fmt.Errorf("load retrieval %s: %w", retrievalID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	if fields["status"] != models.RetrievalSucceeded {
		return nil, ErrRetrievalNotReady
	}

	data, err := v.blobs.Get(ctx, fields["handle"])
	if err != nil {
		return nil, fmt.Errorf("fetch retrieval output: %w", err)
	}
	return data, nil
}

func (v *Vault) Delete(ctx context.Context, handle string) error {
	if err := v.blobs.Delete(ctx, handle); err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	return nil
}

// dueRetrievals returns the ids of retrievals whose delay has elapsed.
func (v *Vault) dueRetrievals(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := v.rdb.ZRangeByScore(ctx, dueSetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due retrievals: %w", err)
	}
	return ids, nil
}

// finishRetrieval records the terminal status and releases bookkeeping.
func (v *Vault) finishRetrieval(ctx context.Context, id, status string) error {
	pipe := v.rdb.TxPipeline()
	pipe.HSet(ctx, retrievalKeyPrefix+id, "status", status)
	pipe.ZRem(ctx, dueSetKey, id)
	pipe.SRem(ctx, expeditedSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish retrieval %s: %w", id, err)
	}
	return nil
}

func (v *Vault) retrievalHandle(ctx context.Context, id string) (string, error) {
	handle, err := v.rdb.HGet(ctx, retrievalKeyPrefix+id, "handle").Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load retrieval %s: %w", id, err)
	}
	return handle, nil
}
