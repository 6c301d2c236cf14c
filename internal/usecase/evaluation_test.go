package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/biqt/internal/engine"
	"github.com/example/biqt/internal/events"
	"github.com/example/biqt/internal/logging"
	"github.com/example/biqt/internal/quality"
	"github.com/example/biqt/internal/repository"
)

type stubRepository struct {
	savedLogs  []*repository.EvaluationLog
	saveErr    error
	findLog    *repository.EvaluationLog
	findErr    error
	findCalls  int
	duplicates []*repository.EvaluationLog
	aggregate  *repository.Aggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.EvaluationLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.EvaluationLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.EvaluationLog, error) {
	return s.duplicates, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.Aggregation, error) {
	return s.aggregate, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []interface{}
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubDispatcher struct {
	infos     []quality.ProviderInfo
	envs      []*quality.Envelope
	err       error
	byName    string
	byMode    string
	requestID string
	content   string
}

func (s *stubDispatcher) ListProviders(ctx context.Context) ([]quality.ProviderInfo, error) {
	return s.infos, s.err
}

func (s *stubDispatcher) RunByName(ctx context.Context, name string, files []string) ([]*quality.Envelope, error) {
	s.byName = name
	s.capture(ctx, files)
	return s.envs, s.err
}

func (s *stubDispatcher) RunByModality(ctx context.Context, modality string, files []string) ([]*quality.Envelope, error) {
	s.byMode = modality
	s.capture(ctx, files)
	return s.envs, s.err
}

func (s *stubDispatcher) capture(ctx context.Context, files []string) {
	s.requestID = logging.RequestID(ctx)
	if len(files) == 1 {
		data, _ := os.ReadFile(files[0])
		s.content = string(data)
	}
}

type recordingPublisher struct {
	events []events.Evaluation
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Evaluation) error {
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() {}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func irisEnvelope() *quality.Envelope {
	env := quality.NewEnvelope("BIQTIris")
	env.Metrics["quality"] = 91
	return env
}

func TestEvaluateRetriesRedisSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubRepository{}
	dispatcher := &stubDispatcher{envs: []*quality.Envelope{irisEnvelope()}}
	uc := NewEvaluationUseCase(dispatcher, repo, cache, nil, zap.NewNop())

	result, err := uc.Evaluate(context.Background(), EvaluationRequest{UserID: "user-1", Provider: "BIQTIris", ImageName: "iris1.bmp", Image: []byte("image")})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.ErrorCode != 0 || len(result.Results) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
}

func TestEvaluateByModality(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepository{}
	failed := quality.Failure("BIQTFace", quality.CodeDetectionFailed, "no face found")
	dispatcher := &stubDispatcher{envs: []*quality.Envelope{irisEnvelope(), failed}}
	publisher := &recordingPublisher{}
	uc := NewEvaluationUseCase(dispatcher, repo, cache, publisher, zap.NewNop())

	result, err := uc.Evaluate(context.Background(), EvaluationRequest{UserID: "user-1", Modality: "iris", ImageName: "iris1.bmp", Image: []byte("image")})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if dispatcher.byMode != "iris" || dispatcher.byName != "" {
		t.Fatalf("expected modality dispatch, got name=%q modality=%q", dispatcher.byName, dispatcher.byMode)
	}
	if dispatcher.content != "image" {
		t.Fatalf("expected staged upload to be readable, got %q", dispatcher.content)
	}
	if dispatcher.requestID != result.RequestID {
		t.Fatalf("expected request id %s in dispatch context, got %q", result.RequestID, dispatcher.requestID)
	}
	if result.ErrorCode != quality.CodeDetectionFailed {
		t.Fatalf("expected first error code to be recorded, got %d", result.ErrorCode)
	}

	saved := repo.savedLogs[0]
	if saved.TargetKind != repository.TargetModality || saved.Target != "iris" {
		t.Fatalf("unexpected target: %s=%s", saved.TargetKind, saved.Target)
	}
	if len(saved.SHA1Hash) != 40 {
		t.Fatalf("expected sha1 hex digest, got %q", saved.SHA1Hash)
	}
	var stored []*quality.Envelope
	if err := json.Unmarshal([]byte(saved.Results), &stored); err != nil {
		t.Fatalf("stored results are not decodable: %v", err)
	}
	if len(stored) != 2 || stored[1].Message != "no face found" {
		t.Fatalf("unexpected stored results: %+v", stored)
	}

	if cache.setValues[0] != processingMarker {
		t.Fatalf("expected processing marker first, got %v", cache.setValues[0])
	}
	if len(publisher.events) != 1 || publisher.events[0].Modality != "iris" {
		t.Fatalf("expected one modality event, got %+v", publisher.events)
	}
}

func TestEvaluateRejectsAmbiguousTarget(t *testing.T) {
	uc := NewEvaluationUseCase(&stubDispatcher{}, &stubRepository{}, &stubCache{}, nil, zap.NewNop())

	for _, req := range []EvaluationRequest{
		{Image: []byte("x")},
		{Provider: "A", Modality: "iris", Image: []byte("x")},
	} {
		if _, err := uc.Evaluate(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest, got %v", err)
		}
	}
}

func TestEvaluateUnknownProvider(t *testing.T) {
	repo := &stubRepository{}
	dispatcher := &stubDispatcher{err: &engine.UnknownProviderError{Name: "Nope"}}
	uc := NewEvaluationUseCase(dispatcher, repo, &stubCache{}, nil, zap.NewNop())

	_, err := uc.Evaluate(context.Background(), EvaluationRequest{Provider: "Nope", Image: []byte("x")})
	if !errors.Is(err, engine.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatalf("expected nothing persisted, got %d logs", len(repo.savedLogs))
	}
}

func TestEvaluateReturnsOperationErrorOnCacheFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := NewEvaluationUseCase(&stubDispatcher{}, &stubRepository{}, cache, nil, zap.NewNop())

	_, err := uc.Evaluate(context.Background(), EvaluationRequest{Provider: "BIQTIris", Image: []byte("image")})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestEvaluateSurvivesPublishFailure(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down")}
	dispatcher := &stubDispatcher{envs: []*quality.Envelope{irisEnvelope()}}
	uc := NewEvaluationUseCase(dispatcher, &stubRepository{}, &stubCache{}, publisher, zap.NewNop())

	if _, err := uc.Evaluate(context.Background(), EvaluationRequest{Provider: "BIQTIris", Image: []byte("image")}); err != nil {
		t.Fatalf("expected success despite publish failure, got %v", err)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	repo := &stubRepository{findLog: &repository.EvaluationLog{
		RequestID: "req",
		UserID:    "user",
		Target:    "BIQTIris",
		Results:   `[{"errorCode":0,"message":"","provider":"BIQTIris","qualityResult":{"BIQTIris":{"features":{},"metrics":{"quality":80}}}}]`,
	}}
	uc := NewEvaluationUseCase(&stubDispatcher{}, repo, cache, nil, zap.NewNop())

	result, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.RequestID != "req" || len(result.Results) != 1 || result.Results[0].Metrics["quality"] != 80 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
	if len(cache.getKeys) != 1 {
		t.Fatalf("expected a single cache read on miss, got %d", len(cache.getKeys))
	}
}

func TestGetResultFromCache(t *testing.T) {
	cached, _ := json.Marshal(Evaluation{RequestID: "req", UserID: "user", Results: []*quality.Envelope{irisEnvelope()}})
	repo := &stubRepository{}
	uc := NewEvaluationUseCase(&stubDispatcher{}, repo, &stubCache{getValues: []string{string(cached)}}, nil, zap.NewNop())

	result, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Results[0].Provider != "BIQTIris" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected cache hit to skip the repository, got %d calls", repo.findCalls)
	}
}

func TestGetResultIgnoresOtherUsersCache(t *testing.T) {
	cached, _ := json.Marshal(Evaluation{RequestID: "req", UserID: "someone-else"})
	repo := &stubRepository{findErr: errors.New("not found")}
	uc := NewEvaluationUseCase(&stubDispatcher{}, repo, &stubCache{getValues: []string{string(cached)}}, nil, zap.NewNop())

	if _, err := uc.GetResult(context.Background(), "user", "req"); err == nil {
		t.Fatal("expected error for a result owned by another user")
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository lookup scoped to the caller, got %d calls", repo.findCalls)
	}
}

func TestGetResultPending(t *testing.T) {
	uc := NewEvaluationUseCase(&stubDispatcher{}, &stubRepository{}, &stubCache{getValues: []string{processingMarker}}, nil, zap.NewNop())

	if _, err := uc.GetResult(context.Background(), "user", "req"); !errors.Is(err, ErrResultPending) {
		t.Fatalf("expected ErrResultPending, got %v", err)
	}
}

func TestListProvidersFiltersModality(t *testing.T) {
	dispatcher := &stubDispatcher{infos: []quality.ProviderInfo{
		{Name: "BIQTFace", Modality: "face"},
		{Name: "BIQTIris", Modality: "iris"},
	}}
	uc := NewEvaluationUseCase(dispatcher, &stubRepository{}, &stubCache{}, nil, zap.NewNop())

	infos, err := uc.ListProviders(context.Background(), "iris")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "BIQTIris" {
		t.Fatalf("unexpected providers: %+v", infos)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{aggregate: &repository.Aggregation{TotalCount: 4, SuccessCount: 3, AverageLatencyMs: 12}}
	uc := NewEvaluationUseCase(&stubDispatcher{}, repo, &stubCache{}, nil, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.SuccessRate != 0.75 {
		t.Fatalf("expected success rate 0.75, got %f", summary.SuccessRate)
	}
}

func TestGetDuplicateReport(t *testing.T) {
	repo := &stubRepository{
		findLog:    &repository.EvaluationLog{RequestID: "req", UserID: "user", SHA1Hash: "abc"},
		duplicates: []*repository.EvaluationLog{{RequestID: "older", UserID: "user", SHA1Hash: "abc"}},
	}
	uc := NewEvaluationUseCase(&stubDispatcher{}, repo, &stubCache{}, nil, zap.NewNop())

	report, err := uc.GetDuplicateReport(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Request.RequestID != "req" || len(report.Duplicates) != 1 || report.Duplicates[0].RequestID != "older" {
		t.Fatalf("unexpected report: %+v", report)
	}
}
