package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/banana-ripeness/internal/detection"
	"github.com/example/banana-ripeness/internal/logging"
)

// TimestampLayout is the on-disk format of DetectionRecord.Timestamp (UTC).
const TimestampLayout = "2006-01-02 15:04:05"

var errCorruptLog = errors.New("detection log is corrupt")

// Timestamp is a UTC instant persisted with second precision.
type Timestamp struct {
	time.Time
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(TimestampLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	parsed, err := time.Parse(TimestampLayout, value)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// DetectionRecord is one persisted classification outcome.
type DetectionRecord struct {
	ID        string    `json:"id"`
	Timestamp Timestamp `json:"timestamp"`
	Ripe      int       `json:"ripe"`
	Unripe    int       `json:"unripe"`
	Overripe  int       `json:"overripe"`
	ImagePath string    `json:"image_path"`
}

// Counts returns the per-category counts of the record.
func (r DetectionRecord) Counts() detection.Counts {
	return detection.Counts{Ripe: r.Ripe, Unripe: r.Unripe, Overripe: r.Overripe}
}

// DetectionStore keeps the detection log in a single JSON document. The log is
// newest-first and rewritten in full on every mutation.
type DetectionStore struct {
	path       string
	logger     *zap.Logger
	mu         sync.Mutex
	now        func() time.Time
	newID      func() string
	removeFile func(string) error
}

// NewDetectionStore creates a store backed by path, creating its directory.
// The file itself is created on the first insert.
func NewDetectionStore(path string, logger *zap.Logger) (*DetectionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &DetectionStore{
		path:       path,
		logger:     logger.Named("detection_store"),
		now:        time.Now,
		newID:      uuid.NewString,
		removeFile: os.Remove,
	}, nil
}

// ReadAll returns the persisted log. Missing or unreadable storage yields an
// empty log; history viewing never fails.
func (s *DetectionStore) ReadAll(ctx context.Context) []DetectionRecord {
	records, err := s.load()
	if err != nil {
		logging.WithOperation(s.logger, "store.read_all", "").Warn("serving empty detection log", zap.Error(err))
		return []DetectionRecord{}
	}
	return records
}

// Insert prepends a new record and persists the log.
func (s *DetectionStore) Insert(ctx context.Context, counts detection.Counts, imagePath string) (*DetectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := DetectionRecord{
		ID:        s.newID(),
		Timestamp: Timestamp{Time: s.now().UTC().Truncate(time.Second)},
		Ripe:      counts.Ripe,
		Unripe:    counts.Unripe,
		Overripe:  counts.Overripe,
		ImagePath: imagePath,
	}
	opLogger := logging.WithOperation(s.logger, "store.insert", record.ID)

	if err := ctx.Err(); err != nil {
		return nil, logging.NewOperationError("store.insert", record.ID, err)
	}

	records, err := s.load()
	switch {
	case errors.Is(err, errCorruptLog):
		s.quarantine(opLogger)
		records = nil
	case err != nil:
		return nil, logging.NewOperationError("store.insert", record.ID, err)
	}

	updated := make([]DetectionRecord, 0, len(records)+1)
	updated = append(updated, record)
	updated = append(updated, records...)

	if err := s.write(updated); err != nil {
		opLogger.Error("failed to persist detection log", zap.Error(err))
		return nil, logging.NewOperationError("store.insert", record.ID, err)
	}
	return &record, nil
}

// Delete removes the record with the given id and its image file. It reports
// false, without writing, when no record matched. Failure to remove the image
// is logged and otherwise ignored.
func (s *DetectionStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opLogger := logging.WithOperation(s.logger, "store.delete", id)

	records, err := s.load()
	if err != nil {
		opLogger.Warn("detection log unreadable, nothing to delete", zap.Error(err))
		return false, nil
	}

	var removed *DetectionRecord
	remaining := make([]DetectionRecord, 0, len(records))
	for i := range records {
		if removed == nil && records[i].ID == id {
			removed = &records[i]
			continue
		}
		remaining = append(remaining, records[i])
	}
	if removed == nil {
		return false, nil
	}

	if err := ctx.Err(); err != nil {
		return false, logging.NewOperationError("store.delete", id, err)
	}
	if err := s.write(remaining); err != nil {
		opLogger.Error("failed to persist detection log", zap.Error(err))
		return false, logging.NewOperationError("store.delete", id, err)
	}

	if removed.ImagePath != "" {
		if err := s.removeFile(removed.ImagePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			opLogger.Warn("failed to remove image", zap.String("image_path", removed.ImagePath), zap.Error(err))
		}
	}
	return true, nil
}

func (s *DetectionStore) load() ([]DetectionRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []DetectionRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read detection log: %w", err)
	}

	var records []DetectionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptLog, err)
	}
	if records == nil {
		records = []DetectionRecord{}
	}
	return records, nil
}

// write replaces the log atomically through a temporary file in the same
// directory.
func (s *DetectionStore) write(records []DetectionRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode detection log: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".detections-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace detection log: %w", err)
	}
	return nil
}

// quarantine moves an unparsable log aside so the next write does not
// destroy it.
func (s *DetectionStore) quarantine(logger *zap.Logger) {
	target := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().UnixNano())
	if err := os.Rename(s.path, target); err != nil {
		logger.Warn("failed to move corrupt detection log aside", zap.Error(err))
		return
	}
	logger.Warn("moved corrupt detection log aside", zap.String("path", target))
}
