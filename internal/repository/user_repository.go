package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/moodcam/internal/logging"
)

var (
	ErrUserExists = errors.New("username already registered")
	ErrNotFound   = errors.New("user not found")
)

// User is a registered account with its last stored emotion.
type User struct {
	ID               uint       `gorm:"primaryKey"`
	Username         string     `gorm:"column:username;size:64;not null"`
	UsernameLower    string     `gorm:"column:username_lower;size:64;uniqueIndex;not null"`
	PasswordHash     string     `gorm:"column:password_hash;size:100;not null"`
	Emotion          *string    `gorm:"column:emotion;size:16"`
	EmotionTimestamp *time.Time `gorm:"column:emotion_timestamp"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

// EmotionCount is the number of users whose last stored emotion is Emotion.
type EmotionCount struct {
	Emotion string `gorm:"column:emotion"`
	Count   int64  `gorm:"column:count"`
}

// UserRepository provides persistence APIs for users.
type UserRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewUserRepository creates a new repository instance.
func NewUserRepository(db *gorm.DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		db:             db,
		logger:         logger.Named("user_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *UserRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&User{})
}

// Create inserts a user. Usernames are unique ignoring case.
func (r *UserRepository) Create(ctx context.Context, user *User) error {
	user.Username = strings.TrimSpace(user.Username)
	user.UsernameLower = normalizeUsername(user.Username)

	err := r.executeWithRetry(ctx, "repository.create_user", user.UsernameLower, func() error {
		var count int64
		if err := r.db.WithContext(ctx).Model(&User{}).Where("username_lower = ?", user.UsernameLower).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrUserExists
		}
		err := r.db.WithContext(ctx).Create(user).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrUserExists
		}
		return err
	})
	return err
}

// FindByUsername looks a user up ignoring case.
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	lower := normalizeUsername(username)
	var user User
	err := r.executeWithRetry(ctx, "repository.find_user", lower, func() error {
		err := r.db.WithContext(ctx).First(&user, "username_lower = ?", lower).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// List returns every user in registration order.
func (r *UserRepository) List(ctx context.Context) ([]User, error) {
	var users []User
	err := r.executeWithRetry(ctx, "repository.list_users", "", func() error {
		return r.db.WithContext(ctx).Order("id").Find(&users).Error
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateEmotion stores the latest dominant emotion for username.
func (r *UserRepository) UpdateEmotion(ctx context.Context, username, emotion string, at time.Time) error {
	lower := normalizeUsername(username)
	return r.executeWithRetry(ctx, "repository.update_emotion", lower, func() error {
		result := r.db.WithContext(ctx).Model(&User{}).
			Where("username_lower = ?", lower).
			Updates(map[string]interface{}{"emotion": emotion, "emotion_timestamp": at.UTC()})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// EmotionCounts groups users by their last stored emotion.
func (r *UserRepository) EmotionCounts(ctx context.Context) ([]EmotionCount, error) {
	var counts []EmotionCount
	err := r.executeWithRetry(ctx, "repository.emotion_counts", "", func() error {
		return r.db.WithContext(ctx).Model(&User{}).
			Select("emotion, count(*) as count").
			Where("emotion IS NOT NULL").
			Group("emotion").
			Order("emotion").
			Scan(&counts).Error
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func (r *UserRepository) executeWithRetry(ctx context.Context, operation, id string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, id)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, id, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !isTransientError(err) || attempt == attempts-1 {
			if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUserExists) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, id, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, id, err)
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
