// Package store is the persistent record store for sessions, containers,
// audit logs, activity notes and the credit ledger. Core logic treats it as a
// record interface with read-after-write consistency; nothing outside this
// package depends on the query language.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/recruitkit/puppetd/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Session is one user's (encrypted) authenticated platform identity. The
// unique index on UserID is what enforces "at most one non-terminal session
// per user": starts upsert onto the same row.
type Session struct {
	ID               string               `gorm:"primaryKey"`
	UserID           string               `gorm:"uniqueIndex;not null"`
	Status           models.SessionStatus `gorm:"not null"`
	EncryptedCookies *string
	ContainerID      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastLoginAt      *time.Time
	LastRefreshAt    *time.Time
}

// Container records a sandbox instance backing a session.
type Container struct {
	ID        string `gorm:"primaryKey"`
	SessionID string `gorm:"index"`
	Kind      models.RuntimeKind
	State     models.ContainerState
	StreamURL string
	DebugURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionLog is the audit row a queued action reports against.
type ActionLog struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	SessionID string
	Kind      models.ActionKind
	Status    models.ActionLogStatus
	Message   string
	TestRun   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActivityNote is an entry on a user's activity timeline.
type ActivityNote struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Reference string // lead/candidate context, free-form
	Body      string
	CreatedAt time.Time
}

// LedgerEntry records a credit deduction.
type LedgerEntry struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      string `gorm:"index"`
	Amount      int
	Category    string
	Description string
	CreatedAt   time.Time
}

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open connects and migrates. DSNs starting with "postgres://" use the
// postgres driver; everything else is treated as a sqlite path, which is what
// tests and local development use.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		if dsn == "" {
			dsn = "puppetd.db"
		}
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if err := db.AutoMigrate(&Session{}, &Container{}, &ActionLog{}, &ActivityNote{}, &LedgerEntry{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for collaborators that own their own tables.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// UpsertSession converges concurrent starts for one user onto a single row.
// Last writer wins on the conflict; the caller is responsible for stopping
// any container the superseded row pointed at.
func (s *Store) UpsertSession(ctx context.Context, sess *Session) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"id", "status", "encrypted_cookies", "container_id", "updated_at",
		}),
	}).Create(sess).Error
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &sess, err
}

// GetSessionByUser fetches the (single) session row for a user.
func (s *Store) GetSessionByUser(ctx context.Context, userID string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).First(&sess, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &sess, err
}

// ActivateSession is the pending→active transition. Only the cookie harvester
// calls this; it stores the encrypted blob and refreshes the login stamps.
func (s *Store) ActivateSession(ctx context.Context, id, encryptedCookies string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
		"status":            models.SessionActive,
		"encrypted_cookies": encryptedCookies,
		"last_login_at":     now,
		"last_refresh_at":   now,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionContainer points a session at its freshly provisioned sandbox.
func (s *Store) SetSessionContainer(ctx context.Context, id, containerID string) error {
	return s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).
		Update("container_id", containerID).Error
}

// ExpireSession is the only path to the terminal state.
func (s *Store) ExpireSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).
		Update("status", models.SessionExpired).Error
}

// SaveContainer inserts or updates a container record.
func (s *Store) SaveContainer(ctx context.Context, c *Container) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "stream_url", "debug_url", "updated_at"}),
	}).Create(c).Error
}

// GetContainer fetches a container record by id.
func (s *Store) GetContainer(ctx context.Context, id string) (*Container, error) {
	var c Container
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &c, err
}

// GetContainerBySession fetches the live container for a session, if any.
func (s *Store) GetContainerBySession(ctx context.Context, sessionID string) (*Container, error) {
	var c Container
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND state <> ?", sessionID, models.ContainerRemoved).
		Order("created_at DESC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &c, err
}

// SetContainerState updates a container's lifecycle state.
func (s *Store) SetContainerState(ctx context.Context, id string, state models.ContainerState) error {
	return s.db.WithContext(ctx).Model(&Container{}).Where("id = ?", id).
		Update("state", state).Error
}

// CreateActionLog inserts a queued audit row.
func (s *Store) CreateActionLog(ctx context.Context, row *ActionLog) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// SetActionLogStatus records the terminal outcome of a queued action.
func (s *Store) SetActionLogStatus(ctx context.Context, id string, status models.ActionLogStatus, message string) error {
	return s.db.WithContext(ctx).Model(&ActionLog{}).Where("id = ?", id).Updates(map[string]any{
		"status":  status,
		"message": message,
	}).Error
}

// GetActionLog fetches an audit row.
func (s *Store) GetActionLog(ctx context.Context, id string) (*ActionLog, error) {
	var row ActionLog
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &row, err
}

// AddActivityNote appends to the user's activity timeline.
func (s *Store) AddActivityNote(ctx context.Context, userID, reference, body string) error {
	return s.db.WithContext(ctx).Create(&ActivityNote{
		UserID:    userID,
		Reference: reference,
		Body:      body,
	}).Error
}
