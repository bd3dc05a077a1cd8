package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astromods/modstats/internal/client"
	"github.com/astromods/modstats/internal/config"
	"github.com/astromods/modstats/internal/metrics"
	"github.com/astromods/modstats/internal/model"
	redisrepo "github.com/astromods/modstats/internal/repository/redis"
)

var (
	ErrValidation        = errors.New("invalid ingestion batch")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrInvalidSortKey    = errors.New("invalid sort key")
	ErrInvalidPagination = errors.New("invalid pagination")
	ErrStoreUnavailable  = errors.New("counter store unavailable")
)

// RateLimitError carries the remaining window so the transport layer can
// set a Retry-After header. errors.Is(err, ErrRateLimited) matches it.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

const defaultPageSize = 10

// TrackerService is the counting and ranking engine: rate-limited
// ingestion of usage reports, atomic counter maintenance, and ranked
// retrieval over the counter store.
type TrackerService struct {
	store     *redisrepo.CounterStore
	limiter   *redisrepo.RateLimitCache
	events    *client.KafkaProducer
	rateLimit config.RateLimitConfig
	logger    *zap.Logger
}

// NewTrackerService wires the engine. events may be nil, in which case no
// usage events are published.
func NewTrackerService(
	store *redisrepo.CounterStore,
	limiter *redisrepo.RateLimitCache,
	events *client.KafkaProducer,
	rateLimit config.RateLimitConfig,
	logger *zap.Logger,
) *TrackerService {
	return &TrackerService{
		store:     store,
		limiter:   limiter,
		events:    events,
		rateLimit: rateLimit,
		logger:    logger,
	}
}

// TrackUsage ingests one usage report from the given source identity.
//
// Admission control and validation both run before any counter moves; a
// rejected batch leaves the store untouched. Counting is at-least-once:
// a redelivered report increments again, and a failure partway through a
// batch may leave earlier mods incremented. Per-mod increments themselves
// are atomic.
func (s *TrackerService) TrackUsage(ctx context.Context, identity string, batch model.IngestionBatch) error {
	decision, err := s.limiter.Consume(ctx, identity, s.rateLimit.Points, s.rateLimit.Window)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !decision.Allowed {
		metrics.IngestRejected.WithLabelValues("rate_limited").Inc()
		return &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	reported, enabled, err := validateBatch(batch)
	if err != nil {
		metrics.IngestRejected.WithLabelValues("validation").Inc()
		return err
	}

	reportID := uuid.NewString()

	for _, mod := range reported {
		if _, ok := enabled[mod]; ok {
			err = s.store.IncrementBoth(ctx, mod)
		} else {
			err = s.store.IncrementTotalOnly(ctx, mod)
		}
		if err != nil {
			metrics.IngestRejected.WithLabelValues("store").Inc()
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	metrics.IngestAccepted.Inc()
	s.logger.Info("Usage report ingested",
		zap.String("report_id", reportID),
		zap.Int("reported_mods", len(reported)),
		zap.Int("enabled_mods", len(enabled)))

	s.publishEvent(model.UsageEvent{
		ReportID:     reportID,
		ReportedMods: len(reported),
		EnabledMods:  len(enabled),
		ReceivedAt:   time.Now().UTC(),
	})

	return nil
}

// validateBatch collapses both lists to set semantics and checks that the
// enabled set is a subset of the reported set. The whole batch is checked
// before anything is reported back; mod ids are taken verbatim, with no
// case or whitespace normalization.
func validateBatch(batch model.IngestionBatch) ([]string, map[string]struct{}, error) {
	if len(batch.ReportedMods) == 0 {
		return nil, nil, fmt.Errorf("%w: mods list must not be empty", ErrValidation)
	}

	reportedSet := make(map[string]struct{}, len(batch.ReportedMods))
	reported := make([]string, 0, len(batch.ReportedMods))
	for _, mod := range batch.ReportedMods {
		if _, seen := reportedSet[mod]; seen {
			continue
		}
		reportedSet[mod] = struct{}{}
		reported = append(reported, mod)
	}

	enabled := make(map[string]struct{}, len(batch.EnabledMods))
	var unknown []string
	for _, mod := range batch.EnabledMods {
		if _, ok := reportedSet[mod]; !ok {
			unknown = append(unknown, mod)
			continue
		}
		enabled[mod] = struct{}{}
	}
	if len(unknown) > 0 {
		return nil, nil, fmt.Errorf("%w: enabled mods not present in reported mods: %s",
			ErrValidation, strings.Join(unknown, ", "))
	}

	return reported, enabled, nil
}

func (s *TrackerService) publishEvent(event model.UsageEvent) {
	if s.events == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.events.PublishUsageEvent(ctx, event); err != nil {
		// Best-effort; the ingestion already succeeded.
		s.logger.Warn("Failed to publish usage event",
			zap.String("report_id", event.ReportID),
			zap.Error(err))
	}
}

// TopMods returns one ranked page over all tracked mods.
//
// Records are sorted descending by the selected counter. Ties break on
// ascending mod id so equal counts always rank in the same order. The
// page is the half-open slice [offset, offset+limit); an offset past the
// end yields an empty page.
func (s *TrackerService) TopMods(ctx context.Context, sortKey string, limit, offset int) ([]model.ModUsageRecord, error) {
	key, err := parseSortKey(sortKey)
	if err != nil {
		return nil, err
	}
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must be non-negative", ErrInvalidPagination)
	}
	if limit == 0 {
		limit = defaultPageSize
	}

	records, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sort.Slice(records, func(i, j int) bool {
		a, b := counterFor(records[i], key), counterFor(records[j], key)
		if a != b {
			return a > b
		}
		return records[i].ModID < records[j].ModID
	})

	if offset >= len(records) {
		return []model.ModUsageRecord{}, nil
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end], nil
}

// ModUsage is a point read of one mod's counters. A mod that has never
// been reported returns (nil, nil), not an error.
func (s *TrackerService) ModUsage(ctx context.Context, modID string) (*model.ModUsageRecord, error) {
	record, err := s.store.Get(ctx, modID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return record, nil
}

func parseSortKey(raw string) (model.SortKey, error) {
	switch raw {
	case "", string(model.SortByTotal):
		return model.SortByTotal, nil
	case string(model.SortByEnabled):
		return model.SortByEnabled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSortKey, raw)
	}
}

func counterFor(record model.ModUsageRecord, key model.SortKey) int64 {
	if key == model.SortByEnabled {
		return record.EnabledCount
	}
	return record.TotalCount
}
