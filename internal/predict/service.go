// Package predict turns prediction requests into emotion results and records
// the dominant emotion per user at a bounded rate.
package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/moodcam/internal/classifier"
	"github.com/example/moodcam/internal/emitter"
	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/logging"
	"github.com/example/moodcam/internal/repository"
)

// DefaultStoreInterval is the minimum gap between stored emotions per user.
const DefaultStoreInterval = 3 * time.Second

var (
	ErrInvalidImage = errors.New("invalid image data")
	ErrNotFound     = errors.New("no emotion recorded")
)

// EmotionStore persists the dominant emotion of a user.
type EmotionStore interface {
	UpdateEmotion(ctx context.Context, username, emotion string, at time.Time) error
	EmotionCounts(ctx context.Context) ([]repository.EmotionCount, error)
}

// Publisher forwards emotion events.
type Publisher interface {
	Publish(ctx context.Context, event emitter.Event) error
}

// Latest is the most recent classification for a user.
type Latest struct {
	Username    string             `json:"username"`
	Emotion     string             `json:"emotion"`
	Predictions map[string]float64 `json:"predictions"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Service classifies frames for the websocket endpoint and records the
// dominant emotion per user.
type Service struct {
	classifier     classifier.Classifier
	store          EmotionStore
	cache          Cache
	publisher      Publisher
	logger         *zap.Logger
	storeInterval  time.Duration
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	statsMu sync.Mutex
	stats   counters
}

// Config carries optional settings.
type Config struct {
	StoreInterval time.Duration
}

// NewService wires a prediction service. A zero StoreInterval uses
// DefaultStoreInterval.
func NewService(c classifier.Classifier, store EmotionStore, cache Cache, publisher Publisher, cfg Config, logger *zap.Logger) *Service {
	if cfg.StoreInterval <= 0 {
		cfg.StoreInterval = DefaultStoreInterval
	}
	if publisher == nil {
		publisher = emitter.Nop{}
	}
	return &Service{
		classifier:     c,
		store:          store,
		cache:          cache,
		publisher:      publisher,
		logger:         logger.Named("predict"),
		storeInterval:  cfg.StoreInterval,
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		stats:          newCounters(),
	}
}

// Predict classifies the request image. The dominant emotion is stored for
// the request's user at most once per store interval; storage problems are
// logged and never fail the prediction.
func (s *Service) Predict(ctx context.Context, req emotion.Request) (emotion.Result, error) {
	requestID := uuid.NewString()
	started := s.now()
	opLogger := logging.WithOperation(s.logger, "predict.predict", requestID)

	mimeType, payload, err := emotion.SplitDataURI(req.Data.Image)
	if err == nil && len(payload) == 0 {
		err = errors.New("empty payload")
	}
	if err != nil {
		s.recordFailure()
		return emotion.Result{}, logging.NewOperationError("predict.decode_image", requestID, fmt.Errorf("%w: %v", ErrInvalidImage, err))
	}

	scores, err := s.classifier.Classify(ctx, payload, mimeType)
	if err != nil {
		s.recordFailure()
		wrapped := logging.NewOperationError("predict.classify", requestID, err)
		opLogger.Warn("classification failed", zap.Error(wrapped))
		return emotion.Result{}, wrapped
	}

	res := emotion.Result{Scores: emotion.Clamp(scores), Dominant: emotion.Dominant(scores)}
	username := strings.TrimSpace(req.Data.Username)

	stored := false
	if username != "" {
		stored = s.maybeStore(ctx, requestID, username, res)
	}

	s.publish(ctx, requestID, username, res, stored)
	s.recordSuccess(res.Dominant, stored, s.now().Sub(started))
	opLogger.Debug("prediction served",
		zap.String("username", username),
		zap.String("emotion", res.Dominant.Key()),
		zap.Bool("stored", stored))
	return res, nil
}

func (s *Service) maybeStore(ctx context.Context, requestID, username string, res emotion.Result) bool {
	lower := strings.ToLower(username)
	now := s.now().UTC()
	opLogger := logging.WithOperation(s.logger, "predict.store", requestID)

	if err := s.cacheLatest(ctx, requestID, lower, username, res, now); err != nil {
		opLogger.Warn("failed to cache latest emotion", zap.Error(err))
	}

	var acquired bool
	err := s.withRedisRetry(ctx, requestID, "cache.setnx.store_gate", func() error {
		ok, err := s.cache.SetNX(ctx, storeGateKey(lower), now.Format(time.RFC3339Nano), s.storeInterval)
		acquired = ok
		return err
	})
	if err != nil {
		opLogger.Warn("store gate unavailable", zap.Error(err))
		return false
	}
	if !acquired {
		return false
	}

	if err := s.store.UpdateEmotion(ctx, username, res.Dominant.Key(), now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			opLogger.Debug("prediction for unknown user not stored", zap.String("username", username))
		} else {
			opLogger.Error("failed to store emotion", zap.Error(err))
		}
		return false
	}
	return true
}

func (s *Service) cacheLatest(ctx context.Context, requestID, lower, username string, res emotion.Result, at time.Time) error {
	serialized, err := json.Marshal(Latest{
		Username:    username,
		Emotion:     res.Dominant.Key(),
		Predictions: scoreKeys(res.Scores),
		Timestamp:   at,
	})
	if err != nil {
		return err
	}
	return s.withRedisRetry(ctx, requestID, "cache.set.latest", func() error {
		return s.cache.Set(ctx, latestKey(lower), string(serialized), 24*time.Hour)
	})
}

// Latest returns the most recent classification for username, throttled or not.
func (s *Service) Latest(ctx context.Context, username string) (Latest, error) {
	lower := strings.ToLower(strings.TrimSpace(username))
	requestID := uuid.NewString()

	var cached string
	err := s.withRedisRetry(ctx, requestID, "cache.get.latest", func() error {
		value, err := s.cache.Get(ctx, latestKey(lower))
		cached = value
		return err
	})
	if errors.Is(err, redis.Nil) {
		return Latest{}, ErrNotFound
	}
	if err != nil {
		return Latest{}, err
	}

	var latest Latest
	if err := json.Unmarshal([]byte(cached), &latest); err != nil {
		logging.WithOperation(s.logger, "predict.latest", requestID).Warn("failed to decode cached emotion", zap.Error(err))
		return Latest{}, ErrNotFound
	}
	return latest, nil
}

func (s *Service) publish(ctx context.Context, requestID, username string, res emotion.Result, stored bool) {
	event := emitter.Event{
		Username:  username,
		Emotion:   res.Dominant.Key(),
		Scores:    scoreKeys(res.Scores),
		Stored:    stored,
		Timestamp: s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		logging.WithOperation(s.logger, "predict.publish", requestID).Debug("emotion event not published", zap.Error(err))
	}
}

func (s *Service) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if s.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
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
		if errors.Is(err, redis.Nil) {
			return err
		}
		if !isTransientError(err) || attempt == s.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
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

func storeGateKey(lower string) string {
	return fmt.Sprintf("emotion:store:%s", lower)
}

func latestKey(lower string) string {
	return fmt.Sprintf("emotion:latest:%s", lower)
}

func scoreKeys(scores map[emotion.Label]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for l, v := range scores {
		out[l.Key()] = v
	}
	return out
}
