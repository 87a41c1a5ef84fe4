package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// threadRow is the persisted thread layout.
type threadRow struct {
	ThreadID           string    `gorm:"column:thread_id;primaryKey;size:128"`
	WorkflowID         string    `gorm:"column:workflow_id;size:128;index"`
	WorkflowName       string    `gorm:"column:workflow_name;size:255"`
	Status             string    `gorm:"column:status;size:32"`
	Metadata           []byte    `gorm:"column:metadata"`
	CurrentState       []byte    `gorm:"column:current_state"`
	SourceThreadID     string    `gorm:"column:source_thread_id;size:128"`
	SourceCheckpointID string    `gorm:"column:source_checkpoint_id;size:64"`
	BranchName         string    `gorm:"column:branch_name;size:255"`
	ForkedAt           time.Time `gorm:"column:forked_at"`
	CreatedAt          time.Time `gorm:"column:created_at;index"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (threadRow) TableName() string { return "threads" }

// GormStore is a durable thread store sharing the database the checkpoint
// backend writes to.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore migrates the thread table and returns the store.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&threadRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate thread table: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("store", "thread_gorm")),
	}, nil
}

func toRow(t *Thread) (*threadRow, error) {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal thread metadata: %w", err)
	}
	state, err := json.Marshal(t.CurrentState)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal thread state: %w", err)
	}
	return &threadRow{
		ThreadID:           t.ID,
		WorkflowID:         t.WorkflowID,
		WorkflowName:       t.WorkflowName,
		Status:             string(t.Status),
		Metadata:           meta,
		CurrentState:       state,
		SourceThreadID:     t.SourceThreadID,
		SourceCheckpointID: t.SourceCheckpointID,
		BranchName:         t.BranchName,
		ForkedAt:           t.ForkedAt,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}, nil
}

func fromRow(row *threadRow) (*Thread, error) {
	t := &Thread{
		ID:                 row.ThreadID,
		WorkflowID:         row.WorkflowID,
		WorkflowName:       row.WorkflowName,
		Status:             Status(row.Status),
		SourceThreadID:     row.SourceThreadID,
		SourceCheckpointID: row.SourceCheckpointID,
		BranchName:         row.BranchName,
		ForkedAt:           row.ForkedAt,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal thread metadata: %w", err)
		}
	}
	if len(row.CurrentState) > 0 {
		if err := json.Unmarshal(row.CurrentState, &t.CurrentState); err != nil {
			return nil, fmt.Errorf("failed to unmarshal thread state: %w", err)
		}
	}
	return t, nil
}

func (s *GormStore) Create(ctx context.Context, t *Thread) error {
	if t == nil || t.ID == "" {
		return errors.New("invalid thread")
	}
	row, err := toRow(t)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, threadID string) (*Thread, error) {
	var row threadRow
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	return fromRow(&row)
}

func (s *GormStore) Update(ctx context.Context, t *Thread) error {
	if t == nil || t.ID == "" {
		return errors.New("invalid thread")
	}
	row, err := toRow(t)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&threadRow{}).
		Where("thread_id = ?", t.ID).
		Select("*").Omit("thread_id", "created_at").
		Updates(row)
	if result.Error != nil {
		return fmt.Errorf("failed to update thread: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, threadID string) error {
	result := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Delete(&threadRow{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete thread: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) List(ctx context.Context) ([]*Thread, error) {
	var rows []threadRow
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").Order("thread_id DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	out := make([]*Thread, 0, len(rows))
	for i := range rows {
		t, err := fromRow(&rows[i])
		if err != nil {
			s.logger.Warn("skipping undecodable thread row",
				zap.String("thread_id", rows[i].ThreadID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*GormStore)(nil)
