package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/banana-ripeness/internal/detection"
	"github.com/example/banana-ripeness/internal/logging"
)

const summaryCacheKey = "detections:summary"

// Summary aggregates the detection history.
type Summary struct {
	TotalDetections int `json:"total_detections"`
	Ripe            int `json:"ripe"`
	Unripe          int `json:"unripe"`
	Overripe        int `json:"overripe"`
	// NoDetection counts records without any recognized banana.
	NoDetection int `json:"no_detection"`
	// Attempts holds audited classification attempts per outcome when the
	// audit is enabled.
	Attempts    map[string]int64 `json:"attempts,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Summary returns the aggregated history, served from the cache when possible.
// Cache failures degrade to computing the summary directly.
func (uc *DetectionUseCase) Summary(ctx context.Context) *Summary {
	opLogger := logging.WithOperation(uc.logger, "usecase.summary", "")

	cached, err := uc.withRedisGet(ctx, "", "cache.get.summary", summaryCacheKey)
	if err == nil {
		var summary Summary
		if err := json.Unmarshal([]byte(cached), &summary); err == nil {
			return &summary
		}
		opLogger.Warn("failed to decode cached summary", zap.Error(err))
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	summary := uc.buildSummary(ctx)

	serialized, err := json.Marshal(summary)
	if err != nil {
		opLogger.Error("failed to serialize summary", zap.Error(err))
		return summary
	}
	if err := uc.withRedisRetry(ctx, "", "cache.set.summary", func() error {
		return uc.cache.Set(ctx, summaryCacheKey, string(serialized), uc.summaryTTL)
	}); err != nil {
		opLogger.Warn("failed to cache summary", zap.Error(err))
	}
	return summary
}

func (uc *DetectionUseCase) buildSummary(ctx context.Context) *Summary {
	records := uc.store.ReadAll(ctx)

	var totals detection.Counts
	noDetection := 0
	for _, record := range records {
		counts := record.Counts()
		if counts.Total() == 0 {
			noDetection++
		}
		totals = totals.Add(counts)
	}

	summary := &Summary{
		TotalDetections: len(records),
		Ripe:            totals.Ripe,
		Unripe:          totals.Unripe,
		Overripe:        totals.Overripe,
		NoDetection:     noDetection,
		GeneratedAt:     uc.now().UTC(),
	}

	if uc.attempts != nil {
		attempts, err := uc.attempts.CountByOutcome(ctx)
		if err != nil {
			logging.WithOperation(uc.logger, "usecase.summary", "").Warn("failed to count classification attempts", zap.Error(err))
		} else {
			summary.Attempts = attempts
		}
	}
	return summary
}

func (uc *DetectionUseCase) invalidateSummary(ctx context.Context, recordID string) {
	if err := uc.withRedisRetry(ctx, recordID, "cache.del.summary", func() error {
		return uc.cache.Del(ctx, summaryCacheKey)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.invalidate_summary", recordID).Warn("failed to invalidate summary cache", zap.Error(err))
	}
}
