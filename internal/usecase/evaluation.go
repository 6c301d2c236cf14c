package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/biqt/internal/events"
	"github.com/example/biqt/internal/imageprocessor"
	"github.com/example/biqt/internal/logging"
	"github.com/example/biqt/internal/quality"
	"github.com/example/biqt/internal/repository"
)

var (
	// ErrInvalidRequest reports a request naming neither or both of
	// provider and modality.
	ErrInvalidRequest = errors.New("exactly one of provider or modality is required")
	// ErrResultPending is returned while an evaluation is still running.
	ErrResultPending = errors.New("evaluation still in progress")
)

// Dispatcher runs providers against staged files.
type Dispatcher interface {
	ListProviders(ctx context.Context) ([]quality.ProviderInfo, error)
	RunByName(ctx context.Context, name string, files []string) ([]*quality.Envelope, error)
	RunByModality(ctx context.Context, modality string, files []string) ([]*quality.Envelope, error)
}

// EvaluationRepository defines the persistence operations needed by the use case.
type EvaluationRepository interface {
	SaveLog(ctx context.Context, log *repository.EvaluationLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.EvaluationLog, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.EvaluationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

// EvaluationRequest is one uploaded image to score.
type EvaluationRequest struct {
	UserID    string
	Provider  string
	Modality  string
	ImageName string
	Image     []byte
}

// Evaluation is a stored or freshly computed evaluation.
type Evaluation struct {
	RequestID  string              `json:"request_id"`
	UserID     string              `json:"user_id"`
	Target     string              `json:"target"`
	TargetKind string              `json:"target_kind"`
	ImageName  string              `json:"image_name,omitempty"`
	Hash       string              `json:"sha1_hash"`
	ErrorCode  int                 `json:"error_code"`
	Results    []*quality.Envelope `json:"results"`
	CreatedAt  time.Time           `json:"created_at"`
}

// DuplicateReport lists earlier evaluations of the same image.
type DuplicateReport struct {
	Request    *Evaluation   `json:"request"`
	Duplicates []*Evaluation `json:"duplicates"`
}

// EvaluationUseCase encapsulates business logic for the evaluation flow.
type EvaluationUseCase struct {
	dispatcher     Dispatcher
	repo           EvaluationRepository
	cache          Cache
	publisher      events.Publisher
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewEvaluationUseCase constructs a new use case instance. A nil publisher
// disables events.
func NewEvaluationUseCase(dispatcher Dispatcher, repo EvaluationRepository, cache Cache, publisher events.Publisher, logger *zap.Logger) *EvaluationUseCase {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &EvaluationUseCase{
		dispatcher:     dispatcher,
		repo:           repo,
		cache:          cache,
		publisher:      publisher,
		logger:         logger.Named("evaluation_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// ListProviders returns registered providers, optionally narrowed to one modality.
func (uc *EvaluationUseCase) ListProviders(ctx context.Context, modality string) ([]quality.ProviderInfo, error) {
	infos, err := uc.dispatcher.ListProviders(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.list_providers", logging.RequestID(ctx), err)
	}
	if modality == "" {
		return infos, nil
	}
	filtered := make([]quality.ProviderInfo, 0, len(infos))
	for _, info := range infos {
		if info.Modality == modality {
			filtered = append(filtered, info)
		}
	}
	return filtered, nil
}

// Evaluate orchestrates dispatch, persistence, caching and event publication.
func (uc *EvaluationUseCase) Evaluate(ctx context.Context, req EvaluationRequest) (*Evaluation, error) {
	if (req.Provider == "") == (req.Modality == "") {
		return nil, ErrInvalidRequest
	}

	requestID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.evaluate", requestID)

	cacheKey := resultKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, processingMarker, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	path, cleanup, err := imageprocessor.Stage(req.Image, req.ImageName)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.stage_image", requestID, err)
		opLogger.Error("failed to stage upload", zap.Error(wrapped))
		return nil, wrapped
	}
	defer cleanup()

	start := time.Now()
	target, kind := req.Provider, repository.TargetProvider
	var results []*quality.Envelope
	if req.Provider != "" {
		results, err = uc.dispatcher.RunByName(ctx, req.Provider, []string{path})
	} else {
		target, kind = req.Modality, repository.TargetModality
		results, err = uc.dispatcher.RunByModality(ctx, req.Modality, []string{path})
	}
	if err != nil {
		wrapped := logging.NewOperationError("usecase.dispatch", requestID, err)
		opLogger.Warn("dispatch failed", zap.Error(wrapped), zap.String(kind, target))
		return nil, wrapped
	}
	latency := time.Since(start)

	hash := sha1.Sum(req.Image)
	result := &Evaluation{
		RequestID:  requestID,
		UserID:     req.UserID,
		Target:     target,
		TargetKind: kind,
		ImageName:  req.ImageName,
		Hash:       hex.EncodeToString(hash[:]),
		ErrorCode:  firstErrorCode(results),
		Results:    results,
		CreatedAt:  time.Now().UTC(),
	}

	serializedResults, err := json.Marshal(results)
	if err != nil {
		opLogger.Error("failed to serialize evaluation results", zap.Error(err))
		return nil, err
	}
	log := &repository.EvaluationLog{
		RequestID:  requestID,
		UserID:     req.UserID,
		Target:     target,
		TargetKind: kind,
		ImageName:  req.ImageName,
		SHA1Hash:   result.Hash,
		ErrorCode:  result.ErrorCode,
		Results:    string(serializedResults),
		LatencyMs:  latency.Milliseconds(),
		CreatedAt:  result.CreatedAt,
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist evaluation log", zap.Error(wrapped))
		return nil, wrapped
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		opLogger.Error("failed to serialize evaluation", zap.Error(err))
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache evaluation result", zap.Error(err))
		return nil, err
	}

	event := events.Evaluation{
		RequestID:  requestID,
		UserID:     req.UserID,
		Image:      req.ImageName,
		Results:    results,
		OccurredAt: result.CreatedAt,
	}
	if kind == repository.TargetProvider {
		event.Provider = target
	} else {
		event.Modality = target
	}
	if err := uc.publisher.Publish(ctx, event); err != nil {
		opLogger.Warn("evaluation event not published", zap.Error(err))
	}

	opLogger.Info("evaluation completed",
		zap.String(kind, target),
		zap.Int("results", len(results)),
		zap.Int("error_code", result.ErrorCode),
		zap.Duration("latency", latency))
	return result, nil
}

// GetResult retrieves a cached evaluation or loads it from persistence.
func (uc *EvaluationUseCase) GetResult(ctx context.Context, userID, requestID string) (*Evaluation, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID))
	switch {
	case err == nil && cached == processingMarker:
		return nil, ErrResultPending
	case err == nil:
		var payload Evaluation
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if payload.UserID == userID {
			return &payload, nil
		}
	case !isCacheMiss(err):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	return fromLog(log)
}

// GetDuplicateReport finds earlier evaluations of the same image by the same user.
func (uc *EvaluationUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	request, err := fromLog(log)
	if err != nil {
		return nil, err
	}

	logs, err := uc.repo.FindDuplicatesByHash(ctx, userID, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}
	report := &DuplicateReport{Request: request, Duplicates: make([]*Evaluation, 0, len(logs))}
	for _, dup := range logs {
		evaluation, err := fromLog(dup)
		if err != nil {
			return nil, err
		}
		report.Duplicates = append(report.Duplicates, evaluation)
	}
	return report, nil
}

func fromLog(log *repository.EvaluationLog) (*Evaluation, error) {
	var results []*quality.Envelope
	if log.Results != "" {
		if err := json.Unmarshal([]byte(log.Results), &results); err != nil {
			return nil, logging.NewOperationError("usecase.decode_results", log.RequestID, err)
		}
	}
	if results == nil {
		results = []*quality.Envelope{}
	}
	return &Evaluation{
		RequestID:  log.RequestID,
		UserID:     log.UserID,
		Target:     log.Target,
		TargetKind: log.TargetKind,
		ImageName:  log.ImageName,
		Hash:       log.SHA1Hash,
		ErrorCode:  log.ErrorCode,
		Results:    results,
		CreatedAt:  log.CreatedAt,
	}, nil
}

// firstErrorCode is the code of the first failed envelope, or 0.
func firstErrorCode(envs []*quality.Envelope) int {
	for _, env := range envs {
		if env.ErrorCode != quality.CodeOK {
			return env.ErrorCode
		}
	}
	return quality.CodeOK
}

func (uc *EvaluationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if isCacheMiss(err) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *EvaluationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

