package usecase

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/example/banana-ripeness/internal/classifier"
	"github.com/example/banana-ripeness/internal/detection"
	"github.com/example/banana-ripeness/internal/logging"
	"github.com/example/banana-ripeness/internal/repository"
	"github.com/example/banana-ripeness/internal/upload"
)

// RecordStore defines the persistence operations needed by the use case.
type RecordStore interface {
	ReadAll(ctx context.Context) []repository.DetectionRecord
	Insert(ctx context.Context, counts detection.Counts, imagePath string) (*repository.DetectionRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// UploadStore stores incoming images.
type UploadStore interface {
	Save(src io.Reader, originalName string) (*upload.StoredFile, error)
	Remove(path string)
}

// AttemptRecorder audits classification attempts.
type AttemptRecorder interface {
	SaveAttempt(ctx context.Context, attempt *repository.ClassificationAttempt) error
	CountByOutcome(ctx context.Context) (map[string]int64, error)
}

// MetricsRecorder observes pipeline outcomes.
type MetricsRecorder interface {
	ObserveClassification(outcome string, latency time.Duration)
	ObserveDeletion(found bool)
}

// DetectionOutcome is returned to the caller of a successful upload.
type DetectionOutcome struct {
	Record     *repository.DetectionRecord
	Result     detection.Result
	Prediction string
	Confidence float64
	ImageURL   string
}

// DetectionUseCase encapsulates business logic for the detection pipeline.
type DetectionUseCase struct {
	store          RecordStore
	uploads        UploadStore
	classifier     classifier.Client
	cache          Cache
	attempts       AttemptRecorder
	metrics        MetricsRecorder
	logger         *zap.Logger
	now            func() time.Time
	summaryTTL     time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customizes a DetectionUseCase.
type Option func(*DetectionUseCase)

// WithCache caches the history summary.
func WithCache(cache Cache) Option {
	return func(uc *DetectionUseCase) {
		if cache != nil {
			uc.cache = cache
		}
	}
}

// WithAttemptRecorder audits every classification attempt.
func WithAttemptRecorder(recorder AttemptRecorder) Option {
	return func(uc *DetectionUseCase) {
		uc.attempts = recorder
	}
}

// WithMetrics reports pipeline outcomes.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(uc *DetectionUseCase) {
		uc.metrics = metrics
	}
}

// NewDetectionUseCase constructs a new use case instance.
func NewDetectionUseCase(store RecordStore, uploads UploadStore, client classifier.Client, logger *zap.Logger, opts ...Option) *DetectionUseCase {
	uc := &DetectionUseCase{
		store:          store,
		uploads:        uploads,
		classifier:     client,
		cache:          NoopCache{},
		logger:         logger.Named("detection_usecase"),
		now:            time.Now,
		summaryTTL:     5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Detect stores the uploaded image, classifies it and records the outcome.
// A failed classification, an unparsable response or a failed write removes
// the stored image again.
func (uc *DetectionUseCase) Detect(ctx context.Context, filename string, src io.Reader) (*DetectionOutcome, error) {
	if _, err := upload.ValidateFilename(filename); err != nil {
		return nil, &StepError{Kind: ErrInvalidUpload, Err: err}
	}

	stored, err := uc.uploads.Save(src, filename)
	if err != nil {
		uc.logger.Error("failed to store upload", zap.String("filename", filename), zap.Error(err))
		return nil, &StepError{Kind: ErrUploadFailed, Err: err}
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.detect", "").With(zap.String("image", stored.Name))

	attempt := &repository.ClassificationAttempt{Filename: stored.Name}
	start := uc.now()
	raw, err := uc.classifier.Classify(ctx, stored.Path)
	latency := uc.now().Sub(start)
	attempt.LatencyMs = latency.Milliseconds()
	if err != nil {
		uc.uploads.Remove(stored.Path)
		opLogger.Error("classification failed", zap.Error(err))
		uc.finishAttempt(ctx, attempt, repository.OutcomeClassifyFailed, err)
		return nil, &StepError{Kind: ErrClassificationFailed, Err: err}
	}

	result, err := detection.Normalize(raw)
	if err != nil {
		uc.uploads.Remove(stored.Path)
		opLogger.Error("failed to interpret classifier response", zap.Error(err), zap.ByteString("response", truncate(raw, 512)))
		uc.finishAttempt(ctx, attempt, repository.OutcomeParseFailed, err)
		return nil, &StepError{Kind: ErrResponseParsing, Err: err}
	}
	attempt.Label = result.Label
	attempt.Confidence = result.Confidence
	attempt.Shape = string(result.Shape)

	record, err := uc.store.Insert(ctx, result.Counts, stored.Path)
	if err != nil {
		uc.uploads.Remove(stored.Path)
		opLogger.Error("failed to persist detection", zap.Error(err))
		uc.finishAttempt(ctx, attempt, repository.OutcomeStorageFailed, err)
		return nil, &StepError{Kind: ErrPersistence, Err: err}
	}
	attempt.RecordID = record.ID

	outcome := outcomeOf(result)
	if outcome == repository.OutcomeUnknownLabel {
		opLogger.Warn("classifier returned an unknown label", zap.String("label", result.Label), zap.Float64("confidence", result.Confidence))
	}
	uc.finishAttempt(ctx, attempt, outcome, nil)
	uc.invalidateSummary(ctx, record.ID)

	opLogger.Info("detection recorded",
		zap.String("record_id", record.ID),
		zap.String("label", result.Label),
		zap.Float64("confidence", result.Confidence),
		zap.String("shape", string(result.Shape)),
		zap.Duration("latency", latency),
	)

	return &DetectionOutcome{
		Record:     record,
		Result:     result,
		Prediction: result.DisplayLabel(),
		Confidence: result.DisplayConfidence(),
		ImageURL:   stored.URL(),
	}, nil
}

// History returns every recorded detection, newest first.
func (uc *DetectionUseCase) History(ctx context.Context) []repository.DetectionRecord {
	return uc.store.ReadAll(ctx)
}

// DeleteRecord removes a detection and its image.
func (uc *DetectionUseCase) DeleteRecord(ctx context.Context, id string) error {
	found, err := uc.store.Delete(ctx, id)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.delete_record", id).Error("failed to delete detection", zap.Error(err))
		return &StepError{Kind: ErrPersistence, Err: err}
	}
	if uc.metrics != nil {
		uc.metrics.ObserveDeletion(found)
	}
	if !found {
		return logging.NewOperationError("usecase.delete_record", id, ErrRecordNotFound)
	}
	uc.invalidateSummary(ctx, id)
	return nil
}

func (uc *DetectionUseCase) finishAttempt(ctx context.Context, attempt *repository.ClassificationAttempt, outcome string, cause error) {
	attempt.Outcome = outcome
	attempt.CreatedAt = uc.now().UTC()
	if cause != nil {
		attempt.Error = cause.Error()
	}

	if uc.metrics != nil {
		uc.metrics.ObserveClassification(outcome, time.Duration(attempt.LatencyMs)*time.Millisecond)
	}
	if uc.attempts == nil {
		return
	}
	if err := uc.attempts.SaveAttempt(ctx, attempt); err != nil {
		logging.WithOperation(uc.logger, "usecase.audit_attempt", attempt.RecordID).Warn("failed to audit classification attempt", zap.Error(err))
		return
	}
	if cause != nil {
		// Failed attempts change the audited totals without touching the log.
		uc.invalidateSummary(ctx, attempt.RecordID)
	}
}

func outcomeOf(result detection.Result) string {
	switch {
	case !result.Detected:
		return repository.OutcomeNoDetection
	case !result.Recognized:
		return repository.OutcomeUnknownLabel
	default:
		return repository.OutcomeDetected
	}
}

func truncate(raw []byte, limit int) []byte {
	if len(raw) <= limit {
		return raw
	}
	return raw[:limit]
}

// IsClientError reports whether err was caused by invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidUpload)
}
