package brok

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// User is a record of a Discord user last seen mentioning the bot.
type User struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;type:string"`

	Username string `json:"username" gorm:"type:string"`

	GlobalName string `json:"global_name" gorm:"type:string"`

	// Bot indicates a Discord bot user; bot authors are never answered
	Bot bool `json:"bot" gorm:"type:bool"`

	// LastSeen is the last time this user mentioned the bot, Unix millis
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("user_id", u.ID),
		slog.String("username", u.Username),
	)
}

// UserPreference stores a user's persona selection, one row per user.
type UserPreference struct {
	ID uint `gorm:"primaryKey" json:"id"`

	UserID string `json:"user_id" gorm:"uniqueIndex;type:string"`

	ChatStyle ChatStyle `json:"chat_style" gorm:"type:string"`

	ModelUnixTime
}

// FAQ is one community question/answer pair, embedded into every prompt.
type FAQ struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Question string `json:"question" gorm:"type:string"`

	Answer string `json:"answer" gorm:"type:string"`

	// CreatedBy is the Discord user ID that registered the entry
	CreatedBy string `json:"created_by" gorm:"type:string"`

	ModelUnixTime
}

// InjectionAttempt is one suspicious message, persisted exactly once and
// never mutated. The rolling 24h count per user feeds a future escalation
// policy; today it is only logged.
type InjectionAttempt struct {
	ID uint `gorm:"primaryKey" json:"id"`

	UserID    string `json:"user_id" gorm:"index;type:string"`
	Username  string `json:"username" gorm:"type:string"`
	ChannelID string `json:"channel_id" gorm:"type:string"`

	OriginalMessage  string `json:"original_message" gorm:"type:string"`
	SanitizedMessage string `json:"sanitized_message" gorm:"type:string"`

	DetectionScore int      `json:"detection_score"`
	Severity       Severity `json:"severity" gorm:"type:string"`

	// DetectedPatterns and RemovedPatterns store record-separator joined
	// pattern names
	DetectedPatterns string `json:"detected_patterns" gorm:"type:string"`
	RemovedPatterns  string `json:"removed_patterns" gorm:"type:string"`

	Blocked bool `json:"blocked" gorm:"type:bool"`

	ModelUnixTime
}

func (a *InjectionAttempt) LogValue() slog.Value {
	if a == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("user_id", a.UserID),
		slog.String("username", a.Username),
		slog.Int("score", a.DetectionScore),
		slog.String("severity", string(a.Severity)),
		slog.Bool("blocked", a.Blocked),
	)
}

// DBI is the persistence surface the pipeline needs: persona preferences,
// the FAQ list, injection-attempt records and job durability.
type DBI interface {
	DB() *gorm.DB

	FAQs(ctx context.Context) ([]FAQ, error)
	CreateFAQ(ctx context.Context, faq *FAQ) error

	UserChatStyle(ctx context.Context, userID string) (ChatStyle, error)
	SetUserChatStyle(ctx context.Context, userID string, style ChatStyle) error
	SaveUser(ctx context.Context, user *User) error

	CreateInjectionAttempt(ctx context.Context, attempt *InjectionAttempt) error
	InjectionAttemptCount(
		ctx context.Context,
		userID string,
		window time.Duration,
	) (int64, error)

	SaveJob(ctx context.Context, job *ChatJob) error
	UpdateJob(ctx context.Context, job *ChatJob, fields map[string]any) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]ChatJob, error)
	RequeueInterruptedJobs(ctx context.Context) (int64, error)
}

type database struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewDatabase opens the configured database, applies migrations, and
// returns the typed persistence surface.
func NewDatabase(ctx context.Context, config *Config) (DBI, error) {
	logHandler := newComponentLogger("database", config.DatabaseLogLevel).Handler()
	gormLogger := newGORMLogger(logHandler, config.DatabaseSlowThreshold)

	var dialector gorm.Dialector
	switch config.DatabaseType {
	case dbTypeSQLite:
		dialector = sqlite.Open(config.Database)
	case dbTypePostgres:
		dialector = postgres.Open(config.Database)
	default:
		return nil, fmt.Errorf("invalid database type: %q", config.DatabaseType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if config.DatabaseType == dbTypeSQLite {
		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			return nil, sqlErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error setting pragma: %w", err)
			}
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(
		&User{},
		&UserPreference{},
		&FAQ{},
		&InjectionAttempt{},
		&ChatJob{},
	); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return &database{
		db:     db,
		logger: slog.New(logHandler),
	}, nil
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) FAQs(ctx context.Context) ([]FAQ, error) {
	var faqs []FAQ
	err := d.db.WithContext(ctx).Order("created_at asc").Find(&faqs).Error
	return faqs, err
}

func (d *database) CreateFAQ(ctx context.Context, faq *FAQ) error {
	return d.db.WithContext(ctx).Create(faq).Error
}

// UserChatStyle returns the user's persisted persona preference, defaulting
// to informative when no row exists.
func (d *database) UserChatStyle(
	ctx context.Context,
	userID string,
) (ChatStyle, error) {
	var pref UserPreference
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChatStyleInformative, nil
	}
	if err != nil {
		return ChatStyleInformative, err
	}
	return pref.ChatStyle, nil
}

func (d *database) SetUserChatStyle(
	ctx context.Context,
	userID string,
	style ChatStyle,
) error {
	pref := UserPreference{UserID: userID, ChatStyle: style}
	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"chat_style", "updated_at"}),
		},
	).Create(&pref).Error
}

func (d *database) SaveUser(ctx context.Context, user *User) error {
	return d.db.WithContext(ctx).Save(user).Error
}

func (d *database) CreateInjectionAttempt(
	ctx context.Context,
	attempt *InjectionAttempt,
) error {
	return d.db.WithContext(ctx).Create(attempt).Error
}

func (d *database) InjectionAttemptCount(
	ctx context.Context,
	userID string,
	window time.Duration,
) (int64, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	var count int64
	err := d.db.WithContext(ctx).Model(&InjectionAttempt{}).Where(
		"user_id = ? AND created_at >= ?", userID, cutoff,
	).Count(&count).Error
	return count, err
}

func (d *database) SaveJob(ctx context.Context, job *ChatJob) error {
	return d.db.WithContext(ctx).Save(job).Error
}

func (d *database) UpdateJob(
	ctx context.Context,
	job *ChatJob,
	fields map[string]any,
) error {
	return d.db.WithContext(ctx).Model(job).Updates(fields).Error
}

// DueJobs returns queued jobs whose next attempt time has arrived, oldest
// first.
func (d *database) DueJobs(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]ChatJob, error) {
	var jobs []ChatJob
	err := d.db.WithContext(ctx).Where(
		"state = ? AND next_attempt_at <= ?",
		JobStateQueued,
		now.UnixMilli(),
	).Order("created_at asc").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// RequeueInterruptedJobs returns in-progress jobs to the queue. Called once
// on startup: an in-progress row at boot means a previous process died
// mid-job, and at-least-once delivery requires it to run again.
func (d *database) RequeueInterruptedJobs(ctx context.Context) (int64, error) {
	rv := d.db.WithContext(ctx).Model(&ChatJob{}).Where(
		"state = ?", JobStateInProgress,
	).Updates(
		map[string]any{
			"state":           JobStateQueued,
			"next_attempt_at": time.Now().UnixMilli(),
		},
	)
	return rv.RowsAffected, rv.Error
}
