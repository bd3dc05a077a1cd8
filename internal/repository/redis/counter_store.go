package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/astromods/modstats/internal/client"
	"github.com/astromods/modstats/internal/model"
	"github.com/astromods/modstats/internal/util"
)

const (
	modKeyPrefix = "mod:"
	modIndexKey  = "mods"

	fieldTotal   = "total"
	fieldEnabled = "enabled"

	opTimeout   = 5 * time.Second
	bulkTimeout = 15 * time.Second
)

// CounterStore maintains the per-mod (total, enabled) counter pairs.
// Each mod lives in its own hash with explicit integer fields, plus a
// membership set used to enumerate all known mods. Both counters move
// in a single MULTI/EXEC so a pair is never half-applied, and HINCRBY
// serializes concurrent writers on the same key inside Redis.
type CounterStore struct {
	client *client.RedisClient
}

func NewCounterStore(client *client.RedisClient) *CounterStore {
	return &CounterStore{client: client}
}

// IncrementBoth bumps total and enabled by 1 for modID, creating the
// record implicitly on first sight.
func (s *CounterStore) IncrementBoth(ctx context.Context, modID string) error {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	key := modKeyPrefix + modID

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, fieldTotal, 1)
	pipe.HIncrBy(ctx, key, fieldEnabled, 1)
	pipe.SAdd(ctx, modIndexKey, modID)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to increment mod counters",
			zap.String("mod", modID),
			zap.Error(err))
		return fmt.Errorf("failed to increment counters for %q: %w", modID, err)
	}
	return nil
}

// IncrementTotalOnly bumps only the total counter, same creation rules.
func (s *CounterStore) IncrementTotalOnly(ctx context.Context, modID string) error {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	key := modKeyPrefix + modID

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, fieldTotal, 1)
	pipe.SAdd(ctx, modIndexKey, modID)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to increment mod total counter",
			zap.String("mod", modID),
			zap.Error(err))
		return fmt.Errorf("failed to increment total for %q: %w", modID, err)
	}
	return nil
}

// GetAll returns a snapshot of every tracked mod's counters. The read is
// not linearized against in-flight increments.
func (s *CounterStore) GetAll(ctx context.Context) ([]model.ModUsageRecord, error) {
	ctx, cancel := s.client.WithContext(ctx, bulkTimeout)
	defer cancel()

	modIDs, err := s.client.SMembers(ctx, modIndexKey)
	if err != nil {
		util.Error("Failed to enumerate mods", zap.Error(err))
		return nil, fmt.Errorf("failed to enumerate mods: %w", err)
	}
	if len(modIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(modIDs))
	for i, id := range modIDs {
		cmds[i] = pipe.HGetAll(ctx, modKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to read mod counters", zap.Error(err))
		return nil, fmt.Errorf("failed to read mod counters: %w", err)
	}

	records := make([]model.ModUsageRecord, 0, len(modIDs))
	for i, id := range modIDs {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			// Indexed but hash missing; treat as never reported.
			continue
		}
		record, err := recordFromFields(id, fields)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Get returns one mod's counters, or (nil, nil) when the mod has never
// been reported.
func (s *CounterStore) Get(ctx context.Context, modID string) (*model.ModUsageRecord, error) {
	ctx, cancel := s.client.WithContext(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, modKeyPrefix+modID)
	if err != nil {
		util.Error("Failed to read mod counters",
			zap.String("mod", modID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read counters for %q: %w", modID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	record, err := recordFromFields(modID, fields)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func recordFromFields(modID string, fields map[string]string) (model.ModUsageRecord, error) {
	record := model.ModUsageRecord{ModID: modID}

	total, err := parseCounter(fields, fieldTotal)
	if err != nil {
		return record, fmt.Errorf("malformed total counter for %q: %w", modID, err)
	}
	enabled, err := parseCounter(fields, fieldEnabled)
	if err != nil {
		return record, fmt.Errorf("malformed enabled counter for %q: %w", modID, err)
	}

	record.TotalCount = total
	record.EnabledCount = enabled
	return record, nil
}

func parseCounter(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
