package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/banana-ripeness/internal/classifier"
	"github.com/example/banana-ripeness/internal/detection"
	"github.com/example/banana-ripeness/internal/logging"
	"github.com/example/banana-ripeness/internal/repository"
	"github.com/example/banana-ripeness/internal/upload"
)

type stubClassifier struct {
	response string
	err      error
	paths    []string
}

func (s *stubClassifier) Classify(ctx context.Context, imagePath string) (classifier.RawResponse, error) {
	s.paths = append(s.paths, imagePath)
	if s.err != nil {
		return nil, s.err
	}
	return classifier.RawResponse(s.response), nil
}

type failingStore struct {
	*repository.DetectionStore
	insertErr error
	deleteErr error
}

func (s *failingStore) Insert(ctx context.Context, counts detection.Counts, imagePath string) (*repository.DetectionRecord, error) {
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	return s.DetectionStore.Insert(ctx, counts, imagePath)
}

func (s *failingStore) Delete(ctx context.Context, id string) (bool, error) {
	if s.deleteErr != nil {
		return false, s.deleteErr
	}
	return s.DetectionStore.Delete(ctx, id)
}

type stubAttempts struct {
	saved   []*repository.ClassificationAttempt
	saveErr error
	counts  map[string]int64
}

func (s *stubAttempts) SaveAttempt(ctx context.Context, attempt *repository.ClassificationAttempt) error {
	s.saved = append(s.saved, attempt)
	return s.saveErr
}

func (s *stubAttempts) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	return s.counts, nil
}

type stubMetrics struct {
	outcomes  []string
	deletions []bool
}

func (s *stubMetrics) ObserveClassification(outcome string, latency time.Duration) {
	s.outcomes = append(s.outcomes, outcome)
}

func (s *stubMetrics) ObserveDeletion(found bool) {
	s.deletions = append(s.deletions, found)
}

type fixture struct {
	uc       *DetectionUseCase
	store    *repository.DetectionStore
	uploads  *upload.Store
	client   *stubClassifier
	attempts *stubAttempts
	metrics  *stubMetrics
}

func newFixture(t *testing.T, client *stubClassifier, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := repository.NewDetectionStore(filepath.Join(dir, "data", "detections.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	uploads, err := upload.NewStore(filepath.Join(dir, "uploads"), zap.NewNop())
	if err != nil {
		t.Fatalf("uploads: %v", err)
	}
	attempts := &stubAttempts{}
	metrics := &stubMetrics{}
	opts = append([]Option{WithAttemptRecorder(attempts), WithMetrics(metrics)}, opts...)
	return &fixture{
		uc:       NewDetectionUseCase(store, uploads, client, zap.NewNop(), opts...),
		store:    store,
		uploads:  uploads,
		client:   client,
		attempts: attempts,
		metrics:  metrics,
	}
}

func uploadedFiles(t *testing.T, f *fixture) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(f.uploads.Dir())
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	return entries
}

func TestDetectRecordsRecognizedPrediction(t *testing.T) {
	f := newFixture(t, &stubClassifier{response: `{"predictions":[{"class":"ripe","confidence":0.95}]}`})
	ctx := context.Background()

	outcome, err := f.uc.Detect(ctx, "banana.JPG", strings.NewReader("jpeg"))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if outcome.Prediction != "Ripe" || outcome.Confidence != 0.95 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if !strings.HasPrefix(outcome.ImageURL, upload.URLPrefix+"/") || !strings.HasSuffix(outcome.ImageURL, "_banana.JPG") {
		t.Fatalf("unexpected image url %q", outcome.ImageURL)
	}

	history := f.uc.History(ctx)
	if len(history) != 1 || history[0].ID != outcome.Record.ID {
		t.Fatalf("expected new record first in history, got %+v", history)
	}
	if history[0].Counts() != (detection.Counts{Ripe: 1}) {
		t.Fatalf("unexpected counts %+v", history[0].Counts())
	}
	if _, err := os.Stat(history[0].ImagePath); err != nil {
		t.Fatalf("expected stored image to exist: %v", err)
	}
	if len(f.client.paths) != 1 || f.client.paths[0] != history[0].ImagePath {
		t.Fatalf("classifier was not called with the stored path: %v", f.client.paths)
	}
	if len(f.attempts.saved) != 1 || f.attempts.saved[0].Outcome != repository.OutcomeDetected || f.attempts.saved[0].RecordID != outcome.Record.ID {
		t.Fatalf("unexpected audit %+v", f.attempts.saved)
	}
}

func TestDetectRecordsNoDetection(t *testing.T) {
	f := newFixture(t, &stubClassifier{response: `{"predictions":[]}`})
	ctx := context.Background()

	outcome, err := f.uc.Detect(ctx, "empty.png", strings.NewReader("png"))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if outcome.Prediction != detection.NoDetectionLabel || outcome.Confidence != 0 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	history := f.uc.History(ctx)
	if len(history) != 1 || history[0].Counts().Total() != 0 || history[0].ImagePath == "" {
		t.Fatalf("expected a zero-count record with image path, got %+v", history)
	}
	if f.metrics.outcomes[0] != repository.OutcomeNoDetection {
		t.Fatalf("unexpected metric outcome %v", f.metrics.outcomes)
	}
}

func TestDetectUnknownLabelIsRecordedAsZeroCounts(t *testing.T) {
	f := newFixture(t, &stubClassifier{response: `{"predictions":[{"class":"plantain","confidence":0.66}]}`})

	outcome, err := f.uc.Detect(context.Background(), "x.gif", strings.NewReader("gif"))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if outcome.Prediction != detection.UnknownLabel || outcome.Result.Label != "plantain" || outcome.Confidence != 0.66 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Record.Ripe+outcome.Record.Unripe+outcome.Record.Overripe != 0 {
		t.Fatalf("expected zero counts, got %+v", outcome.Record)
	}
	if f.attempts.saved[0].Outcome != repository.OutcomeUnknownLabel || f.attempts.saved[0].Label != "plantain" {
		t.Fatalf("unexpected audit %+v", f.attempts.saved[0])
	}
}

func TestDetectClassifierFailureRemovesUpload(t *testing.T) {
	f := newFixture(t, &stubClassifier{err: errors.New("service unreachable")})

	_, err := f.uc.Detect(context.Background(), "banana.jpg", strings.NewReader("jpeg"))
	if !errors.Is(err, ErrClassificationFailed) {
		t.Fatalf("expected ErrClassificationFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "service unreachable") {
		t.Fatalf("expected upstream message, got %q", err.Error())
	}
	if IsClientError(err) {
		t.Fatal("classification failure must not be a client error")
	}
	if files := uploadedFiles(t, f); len(files) != 0 {
		t.Fatalf("expected upload to be removed, found %d files", len(files))
	}
	if len(f.uc.History(context.Background())) != 0 {
		t.Fatal("expected no record")
	}
	if len(f.attempts.saved) != 1 || f.attempts.saved[0].Outcome != repository.OutcomeClassifyFailed || f.attempts.saved[0].Error == "" {
		t.Fatalf("unexpected audit %+v", f.attempts.saved)
	}
}

func TestDetectMalformedResponseWritesNoRecord(t *testing.T) {
	f := newFixture(t, &stubClassifier{response: `{"predictions":{"ripe":0.9}}`})

	_, err := f.uc.Detect(context.Background(), "banana.jpeg", strings.NewReader("jpeg"))
	if !errors.Is(err, ErrResponseParsing) {
		t.Fatalf("expected ErrResponseParsing, got %v", err)
	}
	if !errors.Is(err, detection.ErrMalformedResponse) {
		t.Fatalf("expected cause to be kept, got %v", err)
	}
	if len(f.uc.History(context.Background())) != 0 {
		t.Fatal("expected no record for a malformed response")
	}
	if files := uploadedFiles(t, f); len(files) != 0 {
		t.Fatalf("expected upload to be removed, found %d files", len(files))
	}
}

func TestDetectRejectsInvalidFilenames(t *testing.T) {
	cases := map[string]error{
		"":          upload.ErrEmptyFilename,
		"notes.txt": upload.ErrUnsupportedExtension,
	}
	for name, want := range cases {
		f := newFixture(t, &stubClassifier{response: `{}`})

		_, err := f.uc.Detect(context.Background(), name, strings.NewReader("x"))
		if !errors.Is(err, ErrInvalidUpload) || !errors.Is(err, want) || !IsClientError(err) {
			t.Fatalf("%q: expected invalid upload wrapping %v, got %v", name, want, err)
		}
		if files := uploadedFiles(t, f); len(files) != 0 {
			t.Fatalf("%q: expected no files, found %d", name, len(files))
		}
		if len(f.client.paths) != 0 {
			t.Fatalf("%q: classifier must not be called", name)
		}
	}
}

func TestDetectPersistenceFailureRemovesUpload(t *testing.T) {
	dir := t.TempDir()
	backing, err := repository.NewDetectionStore(filepath.Join(dir, "detections.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	uploads, err := upload.NewStore(filepath.Join(dir, "uploads"), zap.NewNop())
	if err != nil {
		t.Fatalf("uploads: %v", err)
	}
	store := &failingStore{DetectionStore: backing, insertErr: errors.New("disk full")}
	uc := NewDetectionUseCase(store, uploads, &stubClassifier{response: `{"predictions":[{"class":"ripe"}]}`}, zap.NewNop())

	_, err = uc.Detect(context.Background(), "a.png", strings.NewReader("x"))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	entries, err := os.ReadDir(uploads.Dir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected upload to be removed, found %d files", len(entries))
	}
}

func TestDetectAuditFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t, &stubClassifier{response: `{"predictions":[{"class":"unripe","confidence":0.5}]}`})
	f.attempts.saveErr = errors.New("postgres down")

	if _, err := f.uc.Detect(context.Background(), "a.jpg", strings.NewReader("x")); err != nil {
		t.Fatalf("expected success despite audit failure, got %v", err)
	}
}

func TestDeleteRecord(t *testing.T) {
	f := newFixture(t, &stubClassifier{response: `{"predictions":[{"class":"overripe","confidence":0.7}]}`})
	ctx := context.Background()

	outcome, err := f.uc.Detect(ctx, "a.jpg", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}

	if err := f.uc.DeleteRecord(ctx, outcome.Record.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(f.uc.History(ctx)) != 0 {
		t.Fatal("expected empty history")
	}
	if _, err := os.Stat(outcome.Record.ImagePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected image removed, stat err=%v", err)
	}

	err = f.uc.DeleteRecord(ctx, outcome.Record.ID)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.RecordID != outcome.Record.ID {
		t.Fatalf("expected operation error for the record, got %v", err)
	}
	if len(f.metrics.deletions) != 2 || !f.metrics.deletions[0] || f.metrics.deletions[1] {
		t.Fatalf("unexpected deletion metrics %v", f.metrics.deletions)
	}
}

func TestDeleteRecordStorageFailureIsDistinctFromNotFound(t *testing.T) {
	dir := t.TempDir()
	backing, err := repository.NewDetectionStore(filepath.Join(dir, "detections.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	uploads, err := upload.NewStore(filepath.Join(dir, "uploads"), zap.NewNop())
	if err != nil {
		t.Fatalf("uploads: %v", err)
	}
	store := &failingStore{DetectionStore: backing, deleteErr: errors.New("read-only filesystem")}
	uc := NewDetectionUseCase(store, uploads, &stubClassifier{}, zap.NewNop())

	err = uc.DeleteRecord(context.Background(), "some-id")
	if !errors.Is(err, ErrPersistence) || errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}
