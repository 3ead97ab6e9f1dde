// Package store persists accounts and tasks through GORM.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/mjgate/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Accounts reads and writes account records.
type Accounts struct {
	db *gorm.DB
}

// NewAccounts creates an account store backed by db.
func NewAccounts(db *gorm.DB) (*Accounts, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Accounts{db: db}, nil
}

// GetAccount loads one account by id.
func (s *Accounts) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account %s: %w", id, err)
	}
	return &a, nil
}

// SaveAccount writes every column of a.
func (s *Accounts) SaveAccount(ctx context.Context, a *models.Account) error {
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return fmt.Errorf("store: save account %s: %w", a.ID, err)
	}
	return nil
}

// ListAccounts returns accounts ordered by id. With enabledOnly set,
// disabled accounts are skipped.
func (s *Accounts) ListAccounts(ctx context.Context, enabledOnly bool) ([]models.Account, error) {
	q := s.db.WithContext(ctx).Order("id")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var out []models.Account
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	return out, nil
}

// Tasks reads and writes task records.
type Tasks struct {
	db *gorm.DB
}

// NewTasks creates a task store backed by db.
func NewTasks(db *gorm.DB) (*Tasks, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Tasks{db: db}, nil
}

// SaveTask upserts t.
func (s *Tasks) SaveTask(ctx context.Context, t *models.Task) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(t).Error
	if err != nil {
		return fmt.Errorf("store: save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one task by id.
func (s *Tasks) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", id, err)
	}
	return &t, nil
}

// ListUnfinished returns the non-terminal tasks of an account ordered by
// submit time, used to restore in-flight work after a restart.
func (s *Tasks) ListUnfinished(ctx context.Context, accountID string) ([]models.Task, error) {
	var out []models.Task
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status IN ?", accountID,
			[]models.TaskStatus{models.StatusSubmitted, models.StatusInProgress}).
		Order("submit_time, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list unfinished tasks for %s: %w", accountID, err)
	}
	return out, nil
}
